package reports

import (
	"context"
	"time"

	"github.com/platinummonkey/bookflow/pkg/alerts"
	"github.com/platinummonkey/bookflow/pkg/billing"
	"github.com/platinummonkey/bookflow/pkg/notify"
)

// Report is the archived record of one billing run
type Report struct {
	RunID       string    `json:"runId"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	Duration    string    `json:"duration"`

	Billing       *billing.RunResult     `json:"billing,omitempty"`
	Notifications notify.DispatchResult  `json:"notifications"`
	Alerts        []alerts.CriticalAlert `json:"alerts"`
	AlertDelivery alerts.SendResult      `json:"alertDelivery"`
}

// Archiver persists run reports
type Archiver interface {
	Archive(ctx context.Context, report *Report) error
}

// NoopArchiver discards reports
type NoopArchiver struct{}

func (NoopArchiver) Archive(ctx context.Context, report *Report) error { return nil }
