package pgpnr

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/RailKite/PNRWatch/internal/models"
)

const subscriptionColumns = `
  id, owner_id, pnr,
  origin, destination, travel_date,
  status_text, retired, snapshot_at,
  active, last_checked_at, check_fail_count, last_error,
  created_at, updated_at`

// CreateSubscription вставляет подписку или возвращает уже существующую
// активную для той же пары (owner_id, pnr).
func (s *Storage) CreateSubscription(ctx context.Context, in models.SubscriptionCreateInput) (*models.Subscription, error) {
	now := time.Now().UTC()

	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO pnr_subscriptions (owner_id, pnr, created_at, updated_at)
VALUES ($1,$2,$3,$3)
ON CONFLICT (owner_id, pnr) WHERE active
DO UPDATE SET updated_at = pnr_subscriptions.updated_at
RETURNING id
`, in.OwnerID, in.PNR, now).Scan(&id)
	if err != nil {
		return nil, errors.Wrap(err, "insert subscription")
	}

	subs, err := s.GetSubscriptionsByIDs(ctx, []uint64{id})
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, errors.New("subscription vanished after insert")
	}
	return subs[0], nil
}

func (s *Storage) GetSubscriptionsByIDs(ctx context.Context, ids []uint64) ([]*models.Subscription, error) {
	if len(ids) == 0 {
		return []*models.Subscription{}, nil
	}

	rows, err := s.db.Query(ctx, `
SELECT`+subscriptionColumns+`
FROM pnr_subscriptions
WHERE id = ANY($1)
ORDER BY id
`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "select subscriptions")
	}
	defer rows.Close()

	return scanSubscriptions(rows, len(ids))
}

func (s *Storage) ListByOwner(ctx context.Context, ownerID string, includeInactive bool) ([]*models.Subscription, error) {
	q := `
SELECT` + subscriptionColumns + `
FROM pnr_subscriptions
WHERE owner_id = $1`
	if !includeInactive {
		q += ` AND active`
	}
	q += ` ORDER BY id`

	rows, err := s.db.Query(ctx, q, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "select by owner")
	}
	defer rows.Close()

	return scanSubscriptions(rows, 0)
}

// ListActive returns every active subscription ordered by id. The check run
// walks this list as-is, so the order here is the processing order.
func (s *Storage) ListActive(ctx context.Context) ([]*models.Subscription, error) {
	rows, err := s.db.Query(ctx, `
SELECT`+subscriptionColumns+`
FROM pnr_subscriptions
WHERE active
ORDER BY id
`)
	if err != nil {
		return nil, errors.Wrap(err, "select active")
	}
	defer rows.Close()

	return scanSubscriptions(rows, 0)
}

// UpdateSnapshot применяет успешную проверку: обновляет текущий снимок и
// сбрасывает счётчик ошибок.
func (s *Storage) UpdateSnapshot(ctx context.Context, id uint64, snap models.Snapshot, checkedAt time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE pnr_subscriptions
SET
  origin = $2,
  destination = $3,
  travel_date = $4,
  status_text = $5,
  retired = $6,
  snapshot_at = $7,
  last_checked_at = $8,
  check_fail_count = 0,
  last_error = NULL,
  updated_at = now()
WHERE id = $1
`, id, snap.Origin, snap.Destination, snap.TravelDate, snap.StatusText, snap.Retired, snap.FetchedAt.UTC(), checkedAt.UTC())
	return errors.Wrap(err, "update snapshot")
}

// RecordCheckFailure применяет неудачную проверку: текущий снимок не трогаем,
// только счётчик и текст последней ошибки.
func (s *Storage) RecordCheckFailure(ctx context.Context, id uint64, checkedAt time.Time, errText string) error {
	_, err := s.db.Exec(ctx, `
UPDATE pnr_subscriptions
SET
  last_checked_at = $2,
  check_fail_count = check_fail_count + 1,
  last_error = $3,
  updated_at = now()
WHERE id = $1
`, id, checkedAt.UTC(), errText)
	return errors.Wrap(err, "record check failure")
}

func (s *Storage) Deactivate(ctx context.Context, id uint64) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE pnr_subscriptions
SET active = FALSE, updated_at = now()
WHERE id = $1 AND active
`, id)
	if err != nil {
		return false, errors.Wrap(err, "deactivate subscription")
	}
	return tag.RowsAffected() > 0, nil
}

func scanSubscriptions(rows pgx.Rows, sizeHint int) ([]*models.Subscription, error) {
	out := make([]*models.Subscription, 0, sizeHint)
	for rows.Next() {
		var sub models.Subscription
		var origin, destination, travelDate, statusText string
		var retired bool
		var snapshotAt *time.Time
		var lastCheckedAt *time.Time
		var lastError *string
		if err := rows.Scan(
			&sub.ID, &sub.OwnerID, &sub.PNR,
			&origin, &destination, &travelDate,
			&statusText, &retired, &snapshotAt,
			&sub.Active, &lastCheckedAt, &sub.CheckFailCount, &lastError,
			&sub.CreatedAt, &sub.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan subscription")
		}
		sub.LastCheckedAt = lastCheckedAt
		sub.LastError = lastError
		if snapshotAt != nil {
			sub.Current = &models.Snapshot{
				PNR:         sub.PNR,
				Origin:      origin,
				Destination: destination,
				TravelDate:  travelDate,
				StatusText:  statusText,
				Retired:     retired,
				FetchedAt:   *snapshotAt,
			}
		}
		out = append(out, &sub)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
