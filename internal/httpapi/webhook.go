// Package httpapi is the HTTP surface described at spec §7: webhook
// ingress, the administrative control surface, health, and metrics
// endpoints, served by go-chi/chi with go-chi/cors.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/localops/warden/pkg/alert"
	"github.com/localops/warden/pkg/orchestrator"
	"github.com/localops/warden/pkg/queue"
)

// Remediator is the narrow contract the webhook handler depends on: one
// alert in, one terminal state or error out (*orchestrator.Orchestrator
// satisfies this).
type Remediator interface {
	Handle(ctx context.Context, a alert.Alert) (orchestrator.Terminal, error)
	Cancel(fingerprint string) bool
	Resume(ctx context.Context) int
	Health() queue.HealthState
}

// BasicAuth is the webhook ingress credential (spec §7 "Authentication is
// basic-auth; non-authenticated requests are rejected with 401").
type BasicAuth struct {
	User     string
	Password string
}

// webhookEnvelope is the monitoring system's notifier payload (spec §7
// "JSON envelope {status: firing|resolved, alerts: [Alert...]}").
type webhookEnvelope struct {
	Status string        `json:"status"`
	Alerts []webhookAlert `json:"alerts"`
}

type webhookAlert struct {
	Status      string            `json:"status"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"startsAt"`
	EndsAt      *time.Time        `json:"endsAt,omitempty"`
	Fingerprint string            `json:"fingerprint"`
}

// WebhookResponse is the handler's JSON reply.
type WebhookResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WebhookHandler accepts alert envelopes and dispatches one task per alert
// (spec §8 "task-per-alert with a per-key mutex"), returning as soon as the
// tasks are scheduled rather than waiting for remediation to finish.
type WebhookHandler struct {
	remediator Remediator
	auth       BasicAuth
	log        *logrus.Logger
}

// NewWebhookHandler constructs a WebhookHandler.
func NewWebhookHandler(remediator Remediator, auth BasicAuth, log *logrus.Logger) *WebhookHandler {
	return &WebhookHandler{remediator: remediator, auth: auth, log: log}
}

func (h *WebhookHandler) writeJSON(w http.ResponseWriter, status int, resp WebhookResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *WebhookHandler) authenticated(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.auth.User)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(h.auth.Password)) == 1
	return userOK && passOK
}

// ServeHTTP handles one webhook delivery.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeJSON(w, http.StatusMethodNotAllowed, WebhookResponse{Status: "error", Error: "only POST is allowed"})
		return
	}

	if !h.authenticated(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="warden"`)
		h.writeJSON(w, http.StatusUnauthorized, WebhookResponse{Status: "error", Error: "authentication failed"})
		return
	}

	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		h.writeJSON(w, http.StatusBadRequest, WebhookResponse{Status: "error", Error: "Content-Type must be application/json"})
		return
	}

	var env webhookEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		h.writeJSON(w, http.StatusBadRequest, WebhookResponse{Status: "error", Error: "invalid JSON payload: " + err.Error()})
		return
	}

	dispatched := 0
	for _, wa := range env.Alerts {
		a := toAlert(wa)
		dispatched++
		go h.dispatch(a)
	}

	h.writeJSON(w, http.StatusOK, WebhookResponse{
		Status:  "success",
		Message: fmt.Sprintf("accepted %d alert(s)", dispatched),
	})
}

// dispatch runs one alert through the Orchestrator on its own goroutine, so
// the webhook response is never held up by remediation latency. Errors are
// logged, never surfaced to the notifier that sent the webhook.
func (h *WebhookHandler) dispatch(a alert.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	terminal, err := h.remediator.Handle(ctx, a)
	logEntry := h.log.WithFields(logrus.Fields{
		"alert_name": a.AlertName,
		"instance":   a.Instance,
	})
	if err != nil {
		logEntry.WithError(err).Error("remediation task failed")
		return
	}
	logEntry.WithField("terminal", terminal).Info("remediation task finished")
}

func toAlert(wa webhookAlert) alert.Alert {
	status := alert.StatusFiring
	if wa.Status == string(alert.StatusResolved) {
		status = alert.StatusResolved
	}
	a := alert.Alert{
		AlertName:   wa.Labels["alertname"],
		Instance:    wa.Labels["instance"],
		Severity:    wa.Labels["severity"],
		Labels:      wa.Labels,
		Annotations: wa.Annotations,
		StartsAt:    wa.StartsAt,
		EndsAt:      wa.EndsAt,
		Status:      status,
		Fingerprint: wa.Fingerprint,
	}
	return a.EnsureFingerprint()
}
