package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Makoto0824/machisaga/model"

	"github.com/rs/zerolog/log"
)

// RuleRequest carries a rule upsert. Pointer fields distinguish
// "omitted, use the default" from an explicit zero (maxPerDay 0 turns
// the daily cap off).
type RuleRequest struct {
	ResourceID      string `json:"resourceId"`
	IntervalSeconds *int   `json:"intervalSeconds"`
	MaxPerDay       *int   `json:"maxPerDay"`
}

// RulesResponse lists every stored rule
type RulesResponse struct {
	Success bool                        `json:"success"`
	Rules   map[string]model.AccessRule `json:"rules"`
}

// RuleResponse acknowledges a single-rule mutation
type RuleResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message,omitempty"`
	Rule    *model.AccessRule `json:"rule,omitempty"`
}

// GetRules handles GET /rules
// @Summary List venue rules
// @Tags Rules
// @Security ApiKeyAuth
// @Produce json
// @Success 200 {object} RulesResponse
// @Router /rules [get]
func (h *Handler) GetRules(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.opCtx(r)
	defer cancel()

	rules, err := h.rules.List(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list rules")
		SendJSONError(w, http.StatusInternalServerError, err, "Failed to list rules")
		return
	}

	SendJSONSuccess(w, http.StatusOK, RulesResponse{Success: true, Rules: rules})
}

// UpsertRule handles POST and PUT /rules
// @Summary Create or update a venue rule
// @Description Sets intervalSeconds and maxPerDay for a venue. Omitted fields fall back to the configured defaults. Existing cooldown records for the venue are invalidated so the rule applies immediately.
// @Tags Rules
// @Security ApiKeyAuth
// @Accept json
// @Produce json
// @Param request body RuleRequest true "Rule"
// @Success 200 {object} RuleResponse
// @Failure 400 {object} ErrorResponse "Missing resourceId or negative values"
// @Router /rules [post]
func (h *Handler) UpsertRule(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.opCtx(r)
	defer cancel()

	var input RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		log.Error().Err(err).Msg("Failed to decode rule request")
		SendJSONError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if input.ResourceID == "" {
		SendJSONError(w, http.StatusBadRequest, errors.New("resourceId is required"), "")
		return
	}

	rule := h.rules.Default()
	if input.IntervalSeconds != nil {
		rule.IntervalSeconds = *input.IntervalSeconds
	}
	if input.MaxPerDay != nil {
		rule.MaxPerDay = *input.MaxPerDay
	}
	if rule.IntervalSeconds < 0 || rule.MaxPerDay < 0 {
		SendJSONError(w, http.StatusBadRequest, errors.New("intervalSeconds and maxPerDay must be non-negative"), "")
		return
	}

	if err := h.rules.Set(ctx, input.ResourceID, rule); err != nil {
		log.Error().Err(err).Str("resource_id", input.ResourceID).Msg("Failed to store rule")
		SendJSONError(w, http.StatusInternalServerError, err, "Failed to store rule")
		return
	}

	SendJSONSuccess(w, http.StatusOK, RuleResponse{
		Success: true,
		Message: "Rule updated for resource: " + input.ResourceID,
		Rule:    &rule,
	})
}

// DeleteRule handles DELETE /rules?resourceId=
// @Summary Delete a venue rule
// @Description Removes the stored rule; the venue reverts to default behavior on next access.
// @Tags Rules
// @Security ApiKeyAuth
// @Produce json
// @Param resourceId query string true "Venue identifier"
// @Success 200 {object} RuleResponse
// @Failure 400 {object} ErrorResponse "Missing resourceId"
// @Router /rules [delete]
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.opCtx(r)
	defer cancel()

	resourceID := r.URL.Query().Get("resourceId")
	if resourceID == "" {
		SendJSONError(w, http.StatusBadRequest, errors.New("resourceId is required"), "")
		return
	}

	if err := h.rules.Delete(ctx, resourceID); err != nil {
		log.Error().Err(err).Str("resource_id", resourceID).Msg("Failed to delete rule")
		SendJSONError(w, http.StatusInternalServerError, err, "Failed to delete rule")
		return
	}

	SendJSONSuccess(w, http.StatusOK, RuleResponse{
		Success: true,
		Message: "Rule deleted for resource: " + resourceID,
	})
}
