package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Makoto0824/machisaga/middleware"
	"github.com/Makoto0824/machisaga/pool"

	"github.com/rs/zerolog/log"
)

// AllocateResponse is the wire shape for a URL allocation
type AllocateResponse struct {
	Success     bool        `json:"success"`
	URL         string      `json:"url,omitempty"`
	ID          string      `json:"id,omitempty"`
	Category    string      `json:"category,omitempty"`
	Description string      `json:"description,omitempty"`
	Error       string      `json:"error,omitempty"`
	Message     string      `json:"message,omitempty"`
	Stats       *pool.Stats `json:"stats,omitempty"`
}

// AllocateURL handles GET /single-use-url
// @Summary Allocate a single-use URL
// @Description Hands out one unused URL record, marked used before it is returned. Optional category filter; redirect=true issues a 302 to the target instead of JSON.
// @Tags SingleUseURL
// @Produce json
// @Param category query string false "Category (event) filter"
// @Param userId query string false "Visitor override; defaults to the ms_uuid cookie identity"
// @Param redirect query bool false "302 to the allocated URL"
// @Success 200 {object} AllocateResponse
// @Success 302 "Redirect to the allocated URL"
// @Failure 410 {object} AllocateResponse "Pool exhausted"
// @Failure 500 {object} AllocateResponse "Store failure"
// @Router /single-use-url [get]
func (h *Handler) AllocateURL(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.opCtx(r)
	defer cancel()

	query := r.URL.Query()
	category := query.Get("category")

	userID := query.Get("userId")
	if userID == "" {
		userID = middleware.UserID(r)
	}

	rec, err := h.pool.Allocate(ctx, userID, category)
	if errors.Is(err, pool.ErrPoolExhausted) {
		stats := h.poolStats(ctx)
		SendJSONSuccess(w, http.StatusGone, AllocateResponse{
			Success: false,
			Error:   "All URLs have been used",
			Message: "イベントの募集は終了しました。次回の開催をお待ちください。",
			Stats:   stats,
		})
		return
	}
	if err != nil {
		// A store failure must surface as allocation failure, never as a
		// silent grant
		log.Error().Err(err).Str("category", category).Msg("URL allocation failed")
		SendJSONSuccess(w, http.StatusInternalServerError, AllocateResponse{
			Success: false,
			Error:   "Failed to allocate URL",
		})
		return
	}

	if query.Get("redirect") == "true" {
		http.Redirect(w, r, rec.URL, http.StatusFound)
		return
	}

	SendJSONSuccess(w, http.StatusOK, AllocateResponse{
		Success:     true,
		URL:         rec.URL,
		ID:          rec.ID,
		Category:    rec.Event,
		Description: rec.Description,
		Stats:       h.poolStats(ctx),
	})
}

// AdminActionRequest selects one pool admin operation
type AdminActionRequest struct {
	Action  string `json:"action"`
	ID      string `json:"id,omitempty"`      // reset
	CSV     string `json:"csv,omitempty"`     // reload-pool
	Replace bool   `json:"replace,omitempty"` // reload-pool: wipe instead of merge
}

// PoolAdmin handles POST /single-use-url
// @Summary Pool administration
// @Description Admin actions over the URL pool: stats, reset (one record), reset-all, reload-pool (CSV merge or replace), export-report (CSV of used records).
// @Tags SingleUseURL
// @Security ApiKeyAuth
// @Accept json
// @Produce json
// @Param request body AdminActionRequest true "Action"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse "Unknown action or missing fields"
// @Router /single-use-url [post]
func (h *Handler) PoolAdmin(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.opCtx(r)
	defer cancel()

	var input AdminActionRequest
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		log.Error().Err(err).Msg("Failed to decode admin action")
		SendJSONError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	switch input.Action {
	case "stats":
		stats, err := h.pool.Stats(ctx)
		if err != nil {
			SendJSONError(w, http.StatusInternalServerError, err, "Failed to aggregate stats")
			return
		}
		recent, err := h.pool.RecentUsage(ctx, 10)
		if err != nil {
			SendJSONError(w, http.StatusInternalServerError, err, "Failed to load recent usage")
			return
		}
		SendJSONSuccess(w, http.StatusOK, map[string]interface{}{
			"success":     true,
			"stats":       stats,
			"recentUsage": recent,
		})

	case "reset":
		if input.ID == "" {
			SendJSONError(w, http.StatusBadRequest, errors.New("id is required for reset"), "")
			return
		}
		if err := h.pool.ResetOne(ctx, input.ID); err != nil {
			if errors.Is(err, pool.ErrNotFound) {
				SendJSONError(w, http.StatusNotFound, err, "")
				return
			}
			SendJSONError(w, http.StatusInternalServerError, err, "Failed to reset URL")
			return
		}
		SendJSONSuccess(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": fmt.Sprintf("URL %s reset", input.ID),
		})

	case "reset-all":
		count, err := h.pool.ResetAll(ctx)
		if err != nil {
			SendJSONError(w, http.StatusInternalServerError, err, "Failed to reset pool")
			return
		}
		SendJSONSuccess(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"reset":   count,
			"message": fmt.Sprintf("%d URLs reset", count),
		})

	case "reload-pool":
		if input.CSV == "" {
			SendJSONError(w, http.StatusBadRequest, errors.New("csv is required for reload-pool"), "")
			return
		}
		records, report, err := pool.ParseCSV(strings.NewReader(input.CSV))
		if err != nil {
			SendJSONError(w, http.StatusBadRequest, err, "Failed to parse CSV")
			return
		}
		result, err := h.pool.Load(ctx, records, input.Replace)
		if err != nil {
			SendJSONError(w, http.StatusInternalServerError, err, "Failed to load pool")
			return
		}
		SendJSONSuccess(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"report":  report,
			"result":  result,
		})

	case "export-report":
		h.exportReport(w, r)

	default:
		SendJSONError(w, http.StatusBadRequest, errors.New("unknown action"), "Supported actions: stats, reset, reset-all, reload-pool, export-report")
	}
}

// exportReport writes a CSV of every used record
func (h *Handler) exportReport(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.opCtx(r)
	defer cancel()

	used, err := h.pool.UsedRecords(ctx)
	if err != nil {
		SendJSONError(w, http.StatusInternalServerError, err, "Failed to load used records")
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="used-urls.csv"`)
	w.WriteHeader(http.StatusOK)

	writeCSVReport(w, used)
}
