// Package api exposes the canonical store over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"example.com/activitysync/internal/domain"
	"example.com/activitysync/internal/observability"
)

// MaxBodyBytes caps the size of a sync submission.
const MaxBodyBytes = 10 << 20

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service *domain.Service
	logger  logrus.FieldLogger
	now     func() time.Time
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		service: service,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.health)
	mux.HandleFunc("/progress", h.progress)
	mux.HandleFunc("/sync", h.sync)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	writeJSON(w, http.StatusOK, domain.Health{OK: true, Message: "Backend is healthy", Time: h.now()})
}

func (h *Handler) progress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	doc, err := h.service.Snapshot(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("failed to load canonical document")
		writeError(w, http.StatusInternalServerError, "internal_error", "unable to load progress")
		return
	}
	writeJSON(w, http.StatusOK, doc.Normalize())
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "sync payload exceeds limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to read body")
		return
	}

	// An unparseable body is an empty submission, not an error.
	var sub domain.Submission
	if len(body) > 0 {
		if err := json.Unmarshal(body, &sub); err != nil {
			h.logger.WithError(err).Debug("sync body is not valid JSON, treating as empty")
			sub = domain.Submission{}
		}
	}

	start := time.Now()
	result, err := h.service.Sync(r.Context(), sub)
	observability.RecordSync(result.OfferedProgress, len(result.AddedProgress), len(result.AddedUsers), time.Since(start), err)
	if err != nil {
		h.logger.WithError(err).Error("failed to persist sync submission")
		writeError(w, http.StatusInternalServerError, "persist_failed", "unable to store submission")
		return
	}

	h.logger.WithFields(logrus.Fields{
		"offered_users":    result.OfferedUsers,
		"offered_progress": result.OfferedProgress,
		"stored_users":     len(result.AddedUsers),
		"stored_progress":  len(result.AddedProgress),
	}).Info("sync merged")
	writeJSON(w, http.StatusOK, result.Ack())
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
