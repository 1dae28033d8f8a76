package handler

import (
	"net/http"
	"time"

	"github.com/Makoto0824/machisaga/middleware"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// AccessResponse is the gate check wire shape. RetryAt is RFC3339 or
// null on errors.
type AccessResponse struct {
	Status  string  `json:"status"`
	RetryAt *string `json:"retryAt"`
	Message string  `json:"message,omitempty"`
}

func accessError(w http.ResponseWriter, statusCode int, message string) {
	SendJSONSuccess(w, statusCode, AccessResponse{
		Status:  "error",
		RetryAt: nil,
		Message: message,
	})
}

// CheckAccess handles GET /access/{resourceID}
// @Summary Check venue access
// @Description Runs the cooldown gate for the calling visitor against one venue. Returns ok with the next window, or locked with the retry timestamp.
// @Tags Access
// @Produce json
// @Param resourceID path string true "Venue identifier" example("kurofune")
// @Success 200 {object} AccessResponse "ok or locked"
// @Failure 400 {object} AccessResponse "Missing resource ID"
// @Failure 500 {object} AccessResponse "Store failure"
// @Router /access/{resourceID} [get]
func (h *Handler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.opCtx(r)
	defer cancel()

	resourceID := mux.Vars(r)["resourceID"]
	if resourceID == "" {
		accessError(w, http.StatusBadRequest, "resourceId is required")
		return
	}

	userID := middleware.UserID(r)
	if userID == "" {
		accessError(w, http.StatusInternalServerError, "Failed to resolve visitor ID")
		return
	}

	decision, err := h.gate.Check(ctx, userID, resourceID)
	if err != nil {
		log.Error().Err(err).Str("resource_id", resourceID).Msg("Gate check failed")
		accessError(w, http.StatusInternalServerError, "Server error")
		return
	}

	retryAt := decision.RetryAt.Format(time.RFC3339)
	SendJSONSuccess(w, http.StatusOK, AccessResponse{
		Status:  string(decision.Status),
		RetryAt: &retryAt,
	})
}

// ClearAccess handles DELETE /access/{resourceID} - removes the calling
// visitor's cooldown record. Debug and testing aid.
func (h *Handler) ClearAccess(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.opCtx(r)
	defer cancel()

	resourceID := mux.Vars(r)["resourceID"]
	if resourceID == "" {
		accessError(w, http.StatusBadRequest, "resourceId is required")
		return
	}

	userID := middleware.UserID(r)
	if err := h.gate.Clear(ctx, userID, resourceID); err != nil {
		log.Error().Err(err).Str("resource_id", resourceID).Msg("Failed to clear access record")
		accessError(w, http.StatusInternalServerError, "Server error")
		return
	}

	SendJSONSuccess(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Access record cleared",
	})
}
