package attempts

import (
	"context"
	"sync"
	"time"
)

var _ Log = (*MemoryLog)(nil)

// MemoryLog keeps attempts in process memory, capped per subscription
type MemoryLog struct {
	mu       sync.RWMutex
	limit    int
	bySub    map[string][]Attempt
	failures []Attempt
}

// NewMemoryLog creates a log keeping at most limit attempts per subscription
func NewMemoryLog(limit int) *MemoryLog {
	if limit <= 0 {
		limit = 50
	}
	return &MemoryLog{limit: limit, bySub: make(map[string][]Attempt)}
}

func (m *MemoryLog) Record(ctx context.Context, attempt Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := append([]Attempt{attempt}, m.bySub[attempt.SubscriptionID]...)
	if len(list) > m.limit {
		list = list[:m.limit]
	}
	m.bySub[attempt.SubscriptionID] = list

	if !attempt.Success {
		m.failures = append(m.failures, attempt)
	}
	return nil
}

func (m *MemoryLog) Recent(ctx context.Context, subscriptionID string, limit int) ([]Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.bySub[subscriptionID]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return append([]Attempt(nil), list...), nil
}

func (m *MemoryLog) FailuresSince(ctx context.Context, since time.Time) ([]Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Attempt
	for _, a := range m.failures {
		if !a.Timestamp.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}
