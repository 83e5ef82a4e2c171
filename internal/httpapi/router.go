package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/localops/warden/pkg/queue"
)

// Router builds the full HTTP surface: webhook ingress, the admin control
// surface, health, and Prometheus metrics (spec §7).
func Router(webhook *WebhookHandler, admin *AdminHandler, reg *prometheus.Registry, log *logrus.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", healthz(webhook.remediator))
	r.Get("/readyz", healthz(webhook.remediator))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Post("/webhook", webhook.ServeHTTP)

	r.Route("/admin", func(ar chi.Router) {
		admin.Routes(ar)
	})

	return r
}

// healthz reports "degraded" when the alert queue is non-empty or the
// store was last seen unreachable, "healthy" otherwise (spec §4.7).
func healthz(remediator Remediator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := remediator.Health()
		code := http.StatusOK
		if status == queue.HealthDegraded {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": string(status)})
	}
}

func requestLogger(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			}).Debug("http request")
			next.ServeHTTP(w, r)
		})
	}
}
