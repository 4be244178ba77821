package subscriptions

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/bookflow/pkg/observability"
)

var _ Store = (*InstrumentedStore)(nil)

// InstrumentedStore records per-operation metrics and spans around a Store
type InstrumentedStore struct {
	next    Store
	metrics *observability.Metrics
	backend string
}

// Instrument wraps store. A nil metrics value disables counters but keeps spans.
func Instrument(store Store, metrics *observability.Metrics, backend string) *InstrumentedStore {
	return &InstrumentedStore{next: store, metrics: metrics, backend: backend}
}

func (s *InstrumentedStore) observe(ctx context.Context, op string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "subscriptions."+op)
	return ctx, func(err error) {
		s.metrics.ObserveStoreOperation(op, s.backend, start, err)
		observability.EndSpan(span, err)
		if err != nil && !errors.Is(err, ErrNotFound) {
			observability.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
				"operation": op,
				"backend":   s.backend,
			}).Warn("Subscription store operation failed")
		}
	}
}

func (s *InstrumentedStore) Create(ctx context.Context, sub *Subscription) (err error) {
	ctx, done := s.observe(ctx, "create")
	defer func() { done(err) }()
	return s.next.Create(ctx, sub)
}

func (s *InstrumentedStore) Get(ctx context.Context, id string) (sub *Subscription, err error) {
	ctx, done := s.observe(ctx, "get")
	defer func() { done(err) }()
	return s.next.Get(ctx, id)
}

func (s *InstrumentedStore) GetByOrganization(ctx context.Context, orgID string) (sub *Subscription, err error) {
	ctx, done := s.observe(ctx, "get_by_organization")
	defer func() { done(err) }()
	return s.next.GetByOrganization(ctx, orgID)
}

func (s *InstrumentedStore) GetByGatewayRef(ctx context.Context, ref string) (sub *Subscription, err error) {
	ctx, done := s.observe(ctx, "get_by_gateway_ref")
	defer func() { done(err) }()
	return s.next.GetByGatewayRef(ctx, ref)
}

func (s *InstrumentedStore) GetTrialsEndingBetween(ctx context.Context, from, to time.Time) (subs []*Subscription, err error) {
	ctx, done := s.observe(ctx, "get_trials_ending_between")
	defer func() { done(err) }()
	return s.next.GetTrialsEndingBetween(ctx, from, to)
}

func (s *InstrumentedStore) GetExpiringTrials(ctx context.Context, asOf time.Time) (subs []*Subscription, err error) {
	ctx, done := s.observe(ctx, "get_expiring_trials")
	defer func() { done(err) }()
	return s.next.GetExpiringTrials(ctx, asOf)
}

func (s *InstrumentedStore) GetDueForRenewal(ctx context.Context, asOf time.Time) (subs []*Subscription, err error) {
	ctx, done := s.observe(ctx, "get_due_for_renewal")
	defer func() { done(err) }()
	return s.next.GetDueForRenewal(ctx, asOf)
}

func (s *InstrumentedStore) GetPastDueEligibleForRetry(ctx context.Context) (subs []*Subscription, err error) {
	ctx, done := s.observe(ctx, "get_past_due_eligible_for_retry")
	defer func() { done(err) }()
	return s.next.GetPastDueEligibleForRetry(ctx)
}

func (s *InstrumentedStore) UpdateStatus(ctx context.Context, id string, expectedVersion int64, fields UpdateFields) (sub *Subscription, err error) {
	ctx, done := s.observe(ctx, "update_status")
	defer func() { done(err) }()
	return s.next.UpdateStatus(ctx, id, expectedVersion, fields)
}

func (s *InstrumentedStore) Ping(ctx context.Context) (err error) {
	ctx, done := s.observe(ctx, "ping")
	defer func() { done(err) }()
	return s.next.Ping(ctx)
}
