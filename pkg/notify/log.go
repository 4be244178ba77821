package notify

import (
	"context"

	"github.com/google/uuid"

	"github.com/platinummonkey/bookflow/pkg/observability"
)

// LogProvider logs messages instead of sending them. Used for dry runs and
// when no email provider is configured.
type LogProvider struct {
	logger *observability.Logger
}

var _ Provider = (*LogProvider)(nil)

// NewLogProvider creates a log provider
func NewLogProvider(logger *observability.Logger) *LogProvider {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &LogProvider{logger: logger}
}

// Send logs the recipient and subject. Bodies are not logged.
func (p *LogProvider) Send(ctx context.Context, msg Message) SendResult {
	id := uuid.NewString()
	p.logger.WithFields(map[string]interface{}{
		"to":         msg.To,
		"subject":    msg.Subject,
		"message_id": id,
	}).Info("Email (dry run)")
	return SendResult{Success: true, MessageID: id}
}
