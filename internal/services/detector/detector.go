// Package detector turns one check result into history, an updated current
// snapshot and, when the change is significant, a queued notification.
package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/RailKite/PNRWatch/internal/models"
	"github.com/RailKite/PNRWatch/internal/pnrstatus"
)

type RecordStore interface {
	GetSubscriptionsByIDs(ctx context.Context, ids []uint64) ([]*models.Subscription, error)
	UpdateSnapshot(ctx context.Context, id uint64, snap models.Snapshot, checkedAt time.Time) error
	RecordCheckFailure(ctx context.Context, id uint64, checkedAt time.Time, errText string) error
}

type HistoryStore interface {
	AppendCheck(ctx context.Context, subscriptionID uint64, snap models.Snapshot, changed bool, checkedAt time.Time) (uint64, error)
}

type Notifier interface {
	Enqueue(ctx context.Context, kind, ownerID string, payload any, delay time.Duration) (string, error)
}

// ChangeEvent описывает значимое изменение статуса одной подписки.
type ChangeEvent struct {
	SubscriptionID uint64
	OwnerID        string
	PNR            string
	OldStatus      string
	NewStatus      string
	Reasons        []string
	Retired        bool
	CheckedAt      time.Time
}

type Detector struct {
	records  RecordStore
	history  HistoryStore
	notifier Notifier
}

func New(records RecordStore, history HistoryStore, notifier Notifier) *Detector {
	return &Detector{records: records, history: history, notifier: notifier}
}

// Check записывает ровно одну строку истории для снимка, обновляет текущий
// снимок подписки и возвращает событие, если изменение значимое.
//
// Снимок с ошибкой (все ретраи исчерпаны) попадает в историю и в счётчик
// ошибок подписки, но текущий снимок не трогает: после восстановления
// источника это не даст ложного "изменения" статуса.
func (d *Detector) Check(ctx context.Context, subscriptionID uint64, snap models.Snapshot) (*ChangeEvent, error) {
	subs, err := d.records.GetSubscriptionsByIDs(ctx, []uint64{subscriptionID})
	if err != nil {
		return nil, errors.Wrap(err, "load subscription")
	}
	if len(subs) == 0 {
		return nil, errors.Errorf("subscription %d not found", subscriptionID)
	}
	sub := subs[0]

	checkedAt := snap.FetchedAt
	if checkedAt.IsZero() {
		checkedAt = time.Now().UTC()
	}

	if snap.Error != "" {
		if _, err := d.history.AppendCheck(ctx, subscriptionID, snap, false, checkedAt); err != nil {
			return nil, errors.Wrap(err, "append history")
		}
		if err := d.records.RecordCheckFailure(ctx, subscriptionID, checkedAt, snap.Error); err != nil {
			return nil, errors.Wrap(err, "record check failure")
		}
		return nil, nil
	}

	var old models.Snapshot
	if sub.Current != nil {
		old = *sub.Current
	}
	reasons := diffReasons(old, snap)
	changed := len(reasons) > 0

	if _, err := d.history.AppendCheck(ctx, subscriptionID, snap, changed, checkedAt); err != nil {
		return nil, errors.Wrap(err, "append history")
	}
	if err := d.records.UpdateSnapshot(ctx, subscriptionID, snap, checkedAt); err != nil {
		return nil, errors.Wrap(err, "update snapshot")
	}

	if !changed {
		return nil, nil
	}

	ev := &ChangeEvent{
		SubscriptionID: subscriptionID,
		OwnerID:        sub.OwnerID,
		PNR:            sub.PNR,
		OldStatus:      old.StatusText,
		NewStatus:      snap.StatusText,
		Reasons:        reasons,
		Retired:        snap.Retired,
		CheckedAt:      checkedAt,
	}

	if d.notifier != nil {
		payload := models.StatusChangePayload{
			SubscriptionID: subscriptionID,
			PNR:            sub.PNR,
			OldStatus:      old.StatusText,
			NewStatus:      snap.StatusText,
			Reasons:        reasons,
			Retired:        snap.Retired,
			CheckedAt:      checkedAt.Format(time.RFC3339),
		}
		if _, err := d.notifier.Enqueue(ctx, models.NotificationKindStatusChange, sub.OwnerID, payload, 0); err != nil {
			// История и снимок уже записаны; вызывающий учтёт проверку
			// как провальную.
			return nil, errors.Wrap(err, "enqueue notification")
		}
	}

	return ev, nil
}

func diffReasons(old, next models.Snapshot) []string {
	var reasons []string
	if old.StatusText != next.StatusText {
		reasons = append(reasons, "status_text")
	}
	if pnrstatus.WaitlistPosition(old.StatusText) != pnrstatus.WaitlistPosition(next.StatusText) {
		reasons = append(reasons, "waitlist_position")
	}
	if pnrstatus.IsConfirmed(old.StatusText) != pnrstatus.IsConfirmed(next.StatusText) {
		reasons = append(reasons, "confirmed")
	}
	if pnrstatus.IsCancelled(old.StatusText) != pnrstatus.IsCancelled(next.StatusText) {
		reasons = append(reasons, "cancelled")
	}
	if pnrstatus.IsChartPrepared(old.StatusText) != pnrstatus.IsChartPrepared(next.StatusText) {
		reasons = append(reasons, "chart_prepared")
	}
	if !old.Retired && next.Retired {
		reasons = append(reasons, "retired")
	}
	return reasons
}

// String упрощает логи планировщика.
func (e *ChangeEvent) String() string {
	return fmt.Sprintf("pnr %s: %q -> %q (%v)", e.PNR, e.OldStatus, e.NewStatus, e.Reasons)
}
