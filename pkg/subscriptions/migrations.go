package subscriptions

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all subscription schema migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create subscriptions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscriptions (
					id VARCHAR(64) PRIMARY KEY,
					organization_id VARCHAR(64) NOT NULL,
					plan_id VARCHAR(64) NOT NULL DEFAULT '',
					plan_name VARCHAR(255) NOT NULL DEFAULT '',
					amount BIGINT NOT NULL CHECK (amount >= 0),
					currency VARCHAR(8) NOT NULL DEFAULT 'CLP',
					billing_interval VARCHAR(16) NOT NULL,
					status VARCHAR(32) NOT NULL,
					current_period_start BIGINT NOT NULL,
					current_period_end BIGINT NOT NULL,
					trial_start BIGINT,
					trial_end BIGINT,
					cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
					canceled_at BIGINT,
					gateway_ref VARCHAR(64),
					customer_email VARCHAR(255) NOT NULL DEFAULT '',
					payer_username VARCHAR(255) NOT NULL DEFAULT '',
					card_token TEXT NOT NULL DEFAULT '',
					card_brand VARCHAR(32) NOT NULL DEFAULT '',
					card_last4 VARCHAR(4) NOT NULL DEFAULT '',
					failed_attempts INT NOT NULL DEFAULT 0,
					last_attempt_at BIGINT,
					trial_notice_sent_on VARCHAR(10) NOT NULL DEFAULT '',
					version BIGINT NOT NULL DEFAULT 1,
					created_at VARCHAR(32) NOT NULL,
					updated_at VARCHAR(32) NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_subscriptions_organization_id ON subscriptions(organization_id);
				CREATE INDEX IF NOT EXISTS idx_subscriptions_status_period_end ON subscriptions(status, current_period_end);
				CREATE INDEX IF NOT EXISTS idx_subscriptions_status_trial_end ON subscriptions(status, trial_end);
			`,
		},
		{
			Version:     2,
			Description: "Enforce one live subscription per organization",
			SQL: `
				CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_live_org
					ON subscriptions(organization_id)
					WHERE status NOT IN ('canceled', 'unpaid');
			`,
		},
		{
			Version:     3,
			Description: "Index gateway references",
			SQL: `
				CREATE INDEX IF NOT EXISTS idx_subscriptions_gateway_ref
					ON subscriptions(gateway_ref)
					WHERE gateway_ref IS NOT NULL;
			`,
		},
		{
			Version:     4,
			Description: "Track charges awaiting reconciliation",
			SQL: `
				ALTER TABLE subscriptions
					ADD COLUMN IF NOT EXISTS pending_order_id VARCHAR(64) NOT NULL DEFAULT '';
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS subscription_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM subscription_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO subscription_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
