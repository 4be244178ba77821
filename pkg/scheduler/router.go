package scheduler

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/bookflow/pkg/observability"
)

// RouterConfig configures the operational HTTP surface
type RouterConfig struct {
	// TriggerToken is the bearer token required by POST /billing/run. The
	// route is not registered when it is empty.
	TriggerToken string
	Health       *observability.HealthChecker
	Registry     *prometheus.Registry
	Metrics      *observability.Metrics
}

// NewRouter exposes the manual trigger, health checks and metrics
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()
	if cfg.Metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(cfg.Metrics))
	}

	if cfg.TriggerToken != "" {
		router.Handle("/billing/run", requireToken(cfg.TriggerToken, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resp := h.ManualTrigger(r.Context())
			for k, v := range resp.Headers {
				w.Header().Set(k, v)
			}
			w.WriteHeader(resp.StatusCode)
			w.Write([]byte(resp.Body))
		}))).Methods(http.MethodPost)
	}

	if cfg.Health != nil {
		router.HandleFunc("/healthz", cfg.Health.Liveness).Methods(http.MethodGet)
		router.HandleFunc("/readyz", cfg.Health.Readiness).Methods(http.MethodGet)
	}
	if cfg.Registry != nil {
		router.Handle("/metrics", observability.MetricsHandler(cfg.Registry)).Methods(http.MethodGet)
	}
	return router
}

func requireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"success":false,"error":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
