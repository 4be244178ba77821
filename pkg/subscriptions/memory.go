package subscriptions

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps subscriptions in process memory
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
	now  func() time.Time
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
		now:  time.Now,
	}
}

// Create stores a new subscription
func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	if err := sub.Validate(); err != nil {
		return storeErr("create", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.subs[sub.ID]; exists {
		return storeErr("create", ErrAlreadyExists)
	}
	for _, existing := range m.subs {
		if existing.OrganizationID == sub.OrganizationID && !existing.Status.Terminal() {
			return storeErr("create", ErrAlreadyExists)
		}
	}

	c := sub.Clone()
	now := FormatTimestamp(m.now())
	if c.CreatedAt == "" {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Version == 0 {
		c.Version = 1
	}
	m.subs[c.ID] = c
	sub.CreatedAt, sub.UpdatedAt, sub.Version = c.CreatedAt, c.UpdatedAt, c.Version
	return nil
}

// Get returns a subscription by id
func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, storeErr("get", ErrNotFound)
	}
	return sub.Clone(), nil
}

// GetByOrganization returns the organization's subscription, preferring a
// non-terminal one
func (m *MemoryStore) GetByOrganization(ctx context.Context, orgID string) (*Subscription, error) {
	found := m.filter(func(s *Subscription) bool { return s.OrganizationID == orgID })
	if len(found) == 0 {
		return nil, storeErr("get_by_organization", ErrNotFound)
	}
	return preferLive(found), nil
}

// GetByGatewayRef returns the subscription last charged under ref
func (m *MemoryStore) GetByGatewayRef(ctx context.Context, ref string) (*Subscription, error) {
	found := m.filter(func(s *Subscription) bool { return ref != "" && s.GatewayRef == ref })
	if len(found) == 0 {
		return nil, storeErr("get_by_gateway_ref", ErrNotFound)
	}
	return found[0], nil
}

// GetTrialsEndingBetween returns trials ending in (from, to]
func (m *MemoryStore) GetTrialsEndingBetween(ctx context.Context, from, to time.Time) ([]*Subscription, error) {
	lo, hi := from.Unix(), to.Unix()
	return m.filter(func(s *Subscription) bool {
		return s.Status == StatusTrialing && s.TrialEnd != nil && *s.TrialEnd > lo && *s.TrialEnd <= hi
	}), nil
}

// GetExpiringTrials returns trials whose end is at or before asOf
func (m *MemoryStore) GetExpiringTrials(ctx context.Context, asOf time.Time) ([]*Subscription, error) {
	cutoff := asOf.Unix()
	return m.filter(func(s *Subscription) bool {
		return s.Status == StatusTrialing && s.TrialEnd != nil && *s.TrialEnd <= cutoff
	}), nil
}

// GetDueForRenewal returns active subscriptions whose period has ended
func (m *MemoryStore) GetDueForRenewal(ctx context.Context, asOf time.Time) ([]*Subscription, error) {
	cutoff := asOf.Unix()
	return m.filter(func(s *Subscription) bool {
		return s.Status == StatusActive && s.CurrentPeriodEnd <= cutoff
	}), nil
}

// GetPastDueEligibleForRetry returns every past_due subscription
func (m *MemoryStore) GetPastDueEligibleForRetry(ctx context.Context) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool {
		return s.Status == StatusPastDue
	}), nil
}

// UpdateStatus applies fields under an optimistic version check
func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, expectedVersion int64, fields UpdateFields) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.subs[id]
	if !ok {
		return nil, storeErr("update_status", ErrNotFound)
	}
	if current.Version != expectedVersion {
		return nil, storeErr("update_status", ErrVersionConflict)
	}

	next := current.Clone()
	if err := fields.Apply(next, m.now()); err != nil {
		return nil, storeErr("update_status", err)
	}
	m.subs[id] = next
	return next.Clone(), nil
}

// Ping always succeeds
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// filter returns clones of matching subscriptions ordered by due time then id
func (m *MemoryStore) filter(match func(*Subscription) bool) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Subscription
	for _, s := range m.subs {
		if match(s) {
			out = append(out, s.Clone())
		}
	}
	sortByDue(out)
	return out
}

func sortByDue(subs []*Subscription) {
	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].DueAt() != subs[j].DueAt() {
			return subs[i].DueAt() < subs[j].DueAt()
		}
		return subs[i].ID < subs[j].ID
	})
}

func preferLive(subs []*Subscription) *Subscription {
	for _, s := range subs {
		if !s.Status.Terminal() {
			return s
		}
	}
	return subs[0]
}
