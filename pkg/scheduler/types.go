package scheduler

import (
	"fmt"
	"time"

	"github.com/platinummonkey/bookflow/pkg/reports"
)

// ScheduledEvent is the payload delivered by the time trigger
type ScheduledEvent struct {
	ID         string                 `json:"id"`
	Source     string                 `json:"source"`
	DetailType string                 `json:"detail-type"`
	Time       time.Time              `json:"time"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
}

// Response is the envelope returned for every run. Message and Results are
// set on success, Error on failure.
type Response struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	Duration  string          `json:"duration"`
	Results   *reports.Report `json:"results,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// APIResponse wraps a Response for HTTP callers
type APIResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// formatDuration renders d as whole milliseconds, e.g. "1534ms"
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%dms", d.Milliseconds())
}
