package pgpnr

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/RailKite/PNRWatch/internal/models"
)

// AppendCheck записывает результат одной проверки в историю. Пишется всегда,
// и для успешных, и для неудачных проверок.
func (s *Storage) AppendCheck(ctx context.Context, subscriptionID uint64, snap models.Snapshot, changed bool, checkedAt time.Time) (uint64, error) {
	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO pnr_checks (subscription_id, snapshot, changed, checked_at, created_at)
VALUES ($1,$2,$3,$4, now())
RETURNING id
`, subscriptionID, snap, changed, checkedAt.UTC()).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "insert check")
	}
	return id, nil
}

func (s *Storage) ListChecks(ctx context.Context, subscriptionID uint64, limit, offset int) ([]*models.HistoryEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT id, subscription_id, snapshot, changed, checked_at, created_at
FROM pnr_checks
WHERE subscription_id = $1
ORDER BY checked_at DESC, id DESC
LIMIT $2 OFFSET $3
`, subscriptionID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select checks")
	}
	defer rows.Close()

	var out []*models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		var raw []byte
		if err := rows.Scan(
			&e.ID, &e.SubscriptionID, &raw, &e.Changed, &e.CheckedAt, &e.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan check")
		}
		if err := json.Unmarshal(raw, &e.Snapshot); err != nil {
			return nil, errors.Wrap(err, "decode snapshot")
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
