package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// Pinger is a dependency that can report whether it is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

// Ping calls f(ctx)
func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

type dependency struct {
	name     string
	pinger   Pinger
	critical bool
}

// HealthChecker pings the subscription store and optional dependencies
type HealthChecker struct {
	version string
	deps    []dependency
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{version: version}
}

// AddCritical registers a dependency whose failure makes the service unhealthy
func (h *HealthChecker) AddCritical(name string, p Pinger) *HealthChecker {
	h.deps = append(h.deps, dependency{name: name, pinger: p, critical: true})
	return h
}

// AddOptional registers a dependency whose failure only degrades the service
func (h *HealthChecker) AddOptional(name string, p Pinger) *HealthChecker {
	h.deps = append(h.deps, dependency{name: name, pinger: p})
	return h
}

// Liveness returns 200 whenever the process is serving
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeHealthJSON(w, http.StatusOK, map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now().UTC(),
	})
}

// Readiness returns 503 when a critical dependency is down
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeHealthJSON(w, code, status)
}

// Check pings every registered dependency
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus, len(h.deps)),
	}

	deps := append([]dependency(nil), h.deps...)
	sort.SliceStable(deps, func(i, j int) bool { return deps[i].name < deps[j].name })

	for _, dep := range deps {
		start := time.Now()
		ds := DependencyStatus{Status: StatusHealthy, Timestamp: start.UTC()}
		if err := dep.pinger.Ping(ctx); err != nil {
			ds.Status = StatusUnhealthy
			ds.Message = err.Error()
			if dep.critical {
				status.Status = StatusUnhealthy
			} else if status.Status != StatusUnhealthy {
				status.Status = StatusDegraded
			}
		}
		ds.Latency = time.Since(start)
		status.Dependencies[dep.name] = ds
	}

	return status
}

func writeHealthJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
