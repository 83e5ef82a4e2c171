package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/localops/warden/pkg/clock"
	"github.com/localops/warden/pkg/store"
)

// AdminHandler implements the control surface named at spec §7: start/end
// maintenance, list active windows, fetch recent attempts/patterns, resume
// after self-initiated restart, and cancel an in-flight handoff.
type AdminHandler struct {
	store      store.Store
	clk        clock.Clock
	remediator Remediator
}

// NewAdminHandler constructs an AdminHandler.
func NewAdminHandler(st store.Store, clk clock.Clock, remediator Remediator) *AdminHandler {
	return &AdminHandler{store: st, clk: clk, remediator: remediator}
}

// Routes mounts the control surface under r.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Post("/maintenance", h.startMaintenance)
	r.Delete("/maintenance/{id}", h.endMaintenance)
	r.Get("/maintenance", h.listMaintenance)
	r.Get("/attempts", h.recentAttempts)
	r.Get("/patterns", h.recentPatterns)
	r.Post("/resume", h.resume)
	r.Post("/cancel/{fingerprint}", h.cancel)
}

// resume drains the degraded-mode queue and re-admits every entry, for an
// operator recovering from a self-initiated restart (spec §7).
func (h *AdminHandler) resume(w http.ResponseWriter, r *http.Request) {
	n := h.remediator.Resume(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"resumed": n})
}

// cancel aborts the in-flight handoff for the given alert fingerprint, if
// one is currently running (spec §7 "cancel in-flight handoff").
func (h *AdminHandler) cancel(w http.ResponseWriter, r *http.Request) {
	fingerprint := chi.URLParam(r, "fingerprint")
	if !h.remediator.Cancel(fingerprint) {
		writeError(w, http.StatusNotFound, fmt.Errorf("no in-flight handoff for fingerprint %q", fingerprint))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type startMaintenanceRequest struct {
	Host   *string `json:"host,omitempty"`
	Reason string  `json:"reason"`
	By     string  `json:"created_by"`
}

func (h *AdminHandler) startMaintenance(w http.ResponseWriter, r *http.Request) {
	var req startMaintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	startedAt := h.clk.Now()
	win := store.MaintenanceWindow{
		ID:        startedAt.Format("20060102T150405.000000000Z07:00"),
		Host:      req.Host,
		StartedAt: startedAt,
		Reason:    req.Reason,
		CreatedBy: req.By,
		IsActive:  true,
	}
	if err := h.store.StartMaintenance(r.Context(), win); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, win)
}

func (h *AdminHandler) endMaintenance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.EndMaintenance(r.Context(), id, h.clk.Now()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) listMaintenance(w http.ResponseWriter, r *http.Request) {
	windows, err := h.store.ListActive(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, windows)
}

func (h *AdminHandler) recentAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.store.RecentAttempts(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (h *AdminHandler) recentPatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := h.store.RecentPatterns(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, patterns)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, WebhookResponse{Status: "error", Error: err.Error()})
}
