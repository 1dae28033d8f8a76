package handler

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Makoto0824/machisaga/model"
	"github.com/Makoto0824/machisaga/pool"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	qrcode "github.com/skip2/go-qrcode"
)

// poolStats fetches pool stats for response decoration; failures are
// logged and yield nil rather than failing the surrounding request
func (h *Handler) poolStats(ctx context.Context) *pool.Stats {
	stats, err := h.pool.Stats(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to aggregate pool stats")
		return nil
	}
	return &stats
}

// writeCSVReport streams used records as a CSV table
func writeCSVReport(w io.Writer, records []model.SingleUseURL) {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	cw.Write([]string{"id", "event", "url", "description", "usedAt", "usedBy"})
	for _, rec := range records {
		usedAt := ""
		if rec.UsedAt != nil {
			usedAt = rec.UsedAt.Format(time.RFC3339)
		}
		if err := cw.Write([]string{rec.ID, rec.Event, rec.URL, rec.Description, usedAt, rec.UsedBy}); err != nil {
			log.Error().Err(err).Msg("Failed to write report row")
			return
		}
	}
}

// GenerateQR handles GET /qr/{id} - renders a record's URL as a PNG QR
// code so staff can print reward links for on-site distribution
// @Summary QR code for a URL record
// @Tags SingleUseURL
// @Security ApiKeyAuth
// @Produce png
// @Param id path string true "URL record ID"
// @Param size query int false "Image size in pixels (128-1024)" default(256)
// @Param level query string false "Error correction: low, medium, high, highest" default(medium)
// @Success 200 "PNG image"
// @Failure 404 {object} ErrorResponse "Record not found"
// @Router /qr/{id} [get]
func (h *Handler) GenerateQR(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.opCtx(r)
	defer cancel()

	id := mux.Vars(r)["id"]

	data, err := h.redis.Get(ctx, model.URLKey(id)).Bytes()
	if err == goredis.Nil {
		SendJSONError(w, http.StatusNotFound, errors.New("URL record not found"), "")
		return
	} else if err != nil {
		log.Error().Err(err).Str("id", id).Msg("Failed to load URL record for QR")
		SendJSONError(w, http.StatusInternalServerError, err, "Failed to load URL record")
		return
	}

	var rec model.SingleUseURL
	if err := json.Unmarshal(data, &rec); err != nil {
		log.Error().Err(err).Str("id", id).Msg("Malformed URL record for QR")
		SendJSONError(w, http.StatusInternalServerError, err, "Malformed URL record")
		return
	}

	query := r.URL.Query()

	size := 256
	if sizeStr := query.Get("size"); sizeStr != "" {
		parsedSize, err := strconv.Atoi(sizeStr)
		if err != nil {
			SendJSONError(w, http.StatusBadRequest, errors.New("invalid size parameter"), "Size must be a number")
			return
		}
		if parsedSize < 128 || parsedSize > 1024 {
			SendJSONError(w, http.StatusBadRequest, errors.New("size out of range"), "Size must be between 128 and 1024")
			return
		}
		size = parsedSize
	}

	level := qrcode.Medium
	switch query.Get("level") {
	case "", "medium":
	case "low":
		level = qrcode.Low
	case "high":
		level = qrcode.High
	case "highest":
		level = qrcode.Highest
	default:
		SendJSONError(w, http.StatusBadRequest, errors.New("invalid level parameter"), "Level must be: low, medium, high, or highest")
		return
	}

	png, err := qrcode.Encode(rec.URL, level, size)
	if err != nil {
		log.Error().Err(err).Str("id", id).Msg("Failed to generate QR code")
		SendJSONError(w, http.StatusInternalServerError, err, "Failed to generate QR code")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))

	if _, err := w.Write(png); err != nil {
		log.Error().Err(err).Msg("Failed to write QR code response")
	}
}
