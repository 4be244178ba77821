package subscriptions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const subscriptionColumns = `id, organization_id, plan_id, plan_name, amount, currency, billing_interval,
	status, current_period_start, current_period_end, trial_start, trial_end, cancel_at_period_end,
	canceled_at, gateway_ref, customer_email, payer_username, card_token, card_brand, card_last4,
	failed_attempts, last_attempt_at, trial_notice_sent_on, version, created_at, updated_at, pending_order_id`

// PostgresConfig holds connection pool settings
type PostgresConfig struct {
	URL      string
	MaxConns int
	Timeout  time.Duration
}

var _ Store = (*PostgresStore)(nil)

// PostgresStore persists subscriptions in PostgreSQL
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenPostgres connects, verifies the connection and runs pending migrations
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
		db.SetMaxIdleConns(cfg.MaxConns / 2)
	}
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return NewPostgresStore(db), nil
}

// NewPostgresStore wraps an open database handle
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Close closes the underlying database handle
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// Create inserts a new subscription
func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	if err := sub.Validate(); err != nil {
		return storeErr("create", err)
	}

	c := sub.Clone()
	now := FormatTimestamp(p.now())
	if c.CreatedAt == "" {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Version == 0 {
		c.Version = 1
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)`,
		c.ID, c.OrganizationID, c.PlanID, c.PlanName, c.Amount, c.Currency, string(c.Interval),
		string(c.Status), c.CurrentPeriodStart, c.CurrentPeriodEnd, nullInt(c.TrialStart), nullInt(c.TrialEnd), c.CancelAtPeriodEnd,
		nullInt(c.CanceledAt), nullString(c.GatewayRef), c.CustomerEmail, c.PayerUsername, c.CardToken, c.CardBrand, c.CardLast4,
		c.FailedAttempts, nullInt(c.LastAttemptAt), c.TrialNoticeSentOn, c.Version, c.CreatedAt, c.UpdatedAt,
		c.PendingOrderID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storeErr("create", ErrAlreadyExists)
		}
		return storeErr("create", err)
	}

	sub.CreatedAt, sub.UpdatedAt, sub.Version = c.CreatedAt, c.UpdatedAt, c.Version
	return nil
}

// Get returns a subscription by id
func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	sub, err := p.queryOne(ctx, p.db, "SELECT "+subscriptionColumns+" FROM subscriptions WHERE id = $1", id)
	return sub, storeErr("get", err)
}

// GetByOrganization returns the organization's live subscription, falling
// back to the most recently updated terminal one
func (p *PostgresStore) GetByOrganization(ctx context.Context, orgID string) (*Subscription, error) {
	sub, err := p.queryOne(ctx, p.db, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE organization_id = $1
		ORDER BY (status IN ('canceled', 'unpaid')), updated_at DESC
		LIMIT 1`, orgID)
	return sub, storeErr("get_by_organization", err)
}

// GetByGatewayRef returns the subscription last charged under ref
func (p *PostgresStore) GetByGatewayRef(ctx context.Context, ref string) (*Subscription, error) {
	sub, err := p.queryOne(ctx, p.db, "SELECT "+subscriptionColumns+" FROM subscriptions WHERE gateway_ref = $1 LIMIT 1", ref)
	return sub, storeErr("get_by_gateway_ref", err)
}

// GetTrialsEndingBetween returns trials ending in (from, to]
func (p *PostgresStore) GetTrialsEndingBetween(ctx context.Context, from, to time.Time) ([]*Subscription, error) {
	subs, err := p.queryMany(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = $1 AND trial_end > $2 AND trial_end <= $3
		ORDER BY trial_end, id`, string(StatusTrialing), from.Unix(), to.Unix())
	return subs, storeErr("get_trials_ending_between", err)
}

// GetExpiringTrials returns trials ending at or before asOf
func (p *PostgresStore) GetExpiringTrials(ctx context.Context, asOf time.Time) ([]*Subscription, error) {
	subs, err := p.queryMany(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = $1 AND trial_end <= $2
		ORDER BY trial_end, id`, string(StatusTrialing), asOf.Unix())
	return subs, storeErr("get_expiring_trials", err)
}

// GetDueForRenewal returns active subscriptions whose period has ended
func (p *PostgresStore) GetDueForRenewal(ctx context.Context, asOf time.Time) ([]*Subscription, error) {
	subs, err := p.queryMany(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = $1 AND current_period_end <= $2
		ORDER BY current_period_end, id`, string(StatusActive), asOf.Unix())
	return subs, storeErr("get_due_for_renewal", err)
}

// GetPastDueEligibleForRetry returns every past_due subscription
func (p *PostgresStore) GetPastDueEligibleForRetry(ctx context.Context) ([]*Subscription, error) {
	subs, err := p.queryMany(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = $1
		ORDER BY current_period_end, id`, string(StatusPastDue))
	return subs, storeErr("get_past_due_eligible_for_retry", err)
}

// UpdateStatus locks the row, applies fields and writes them back guarded
// by the expected version
func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, expectedVersion int64, fields UpdateFields) (*Subscription, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("update_status", fmt.Errorf("failed to start transaction: %w", err))
	}
	defer tx.Rollback()

	current, err := p.queryOne(ctx, tx, "SELECT "+subscriptionColumns+" FROM subscriptions WHERE id = $1 FOR UPDATE", id)
	if err != nil {
		return nil, storeErr("update_status", err)
	}
	if current.Version != expectedVersion {
		return nil, storeErr("update_status", ErrVersionConflict)
	}

	if err := fields.Apply(current, p.now()); err != nil {
		return nil, storeErr("update_status", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE subscriptions SET
			status = $1, current_period_start = $2, current_period_end = $3,
			cancel_at_period_end = $4, canceled_at = $5, gateway_ref = $6, card_last4 = $7,
			failed_attempts = $8, last_attempt_at = $9, trial_notice_sent_on = $10,
			version = $11, updated_at = $12, pending_order_id = $13
		WHERE id = $14 AND version = $15`,
		string(current.Status), current.CurrentPeriodStart, current.CurrentPeriodEnd,
		current.CancelAtPeriodEnd, nullInt(current.CanceledAt), nullString(current.GatewayRef), current.CardLast4,
		current.FailedAttempts, nullInt(current.LastAttemptAt), current.TrialNoticeSentOn,
		current.Version, current.UpdatedAt,
		id, expectedVersion,
	)
	if err != nil {
		return nil, storeErr("update_status", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, storeErr("update_status", err)
	}
	if affected == 0 {
		return nil, storeErr("update_status", ErrVersionConflict)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("update_status", fmt.Errorf("failed to commit: %w", err))
	}
	return current, nil
}

// Ping checks the database connection
func (p *PostgresStore) Ping(ctx context.Context) error {
	return storeErr("ping", p.db.PingContext(ctx))
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (p *PostgresStore) queryOne(ctx context.Context, q queryer, query string, args ...interface{}) (*Subscription, error) {
	sub, err := scanSubscription(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (p *PostgresStore) queryMany(ctx context.Context, query string, args ...interface{}) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		s                    Subscription
		interval, status     string
		trialStart, trialEnd sql.NullInt64
		canceledAt           sql.NullInt64
		lastAttempt          sql.NullInt64
		gatewayRef           sql.NullString
	)
	err := row.Scan(
		&s.ID, &s.OrganizationID, &s.PlanID, &s.PlanName, &s.Amount, &s.Currency, &interval,
		&status, &s.CurrentPeriodStart, &s.CurrentPeriodEnd, &trialStart, &trialEnd, &s.CancelAtPeriodEnd,
		&canceledAt, &gatewayRef, &s.CustomerEmail, &s.PayerUsername, &s.CardToken, &s.CardBrand, &s.CardLast4,
		&s.FailedAttempts, &lastAttempt, &s.TrialNoticeSentOn, &s.Version, &s.CreatedAt, &s.UpdatedAt,
		&s.PendingOrderID,
	)
	if err != nil {
		return nil, err
	}

	s.Interval = Interval(interval)
	s.Status = Status(status)
	s.TrialStart = fromNullInt(trialStart)
	s.TrialEnd = fromNullInt(trialEnd)
	s.CanceledAt = fromNullInt(canceledAt)
	s.LastAttemptAt = fromNullInt(lastAttempt)
	s.GatewayRef = gatewayRef.String
	return &s, nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func fromNullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
