package pgpnr

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS pnr_subscriptions (
  id BIGSERIAL PRIMARY KEY,
  owner_id TEXT NOT NULL,
  pnr TEXT NOT NULL,
  origin TEXT NOT NULL DEFAULT '',
  destination TEXT NOT NULL DEFAULT '',
  travel_date TEXT NOT NULL DEFAULT '',
  status_text TEXT NOT NULL DEFAULT '',
  retired BOOLEAN NOT NULL DEFAULT FALSE,
  snapshot_at TIMESTAMPTZ NULL,
  active BOOLEAN NOT NULL DEFAULT TRUE,
  last_checked_at TIMESTAMPTZ NULL,
  check_fail_count INT NOT NULL DEFAULT 0,
  last_error TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		// Один и тот же PNR можно подписать заново после деактивации, поэтому
		// уникальность держим только по активным строкам.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_pnr_subscriptions_active ON pnr_subscriptions(owner_id, pnr) WHERE active`,
		`CREATE INDEX IF NOT EXISTS idx_pnr_subscriptions_owner_id ON pnr_subscriptions(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_pnr_subscriptions_active ON pnr_subscriptions(active) WHERE active`,
		`
CREATE TABLE IF NOT EXISTS pnr_checks (
  id BIGSERIAL PRIMARY KEY,
  subscription_id BIGINT NOT NULL REFERENCES pnr_subscriptions(id) ON DELETE CASCADE,
  snapshot JSONB NOT NULL,
  changed BOOLEAN NOT NULL DEFAULT FALSE,
  checked_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_pnr_checks_subscription_id_checked_at ON pnr_checks(subscription_id, checked_at DESC)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
