// Package subscriptions is the API-side service over tracked PNR records:
// create with an immediate first check, cached reads, history and removal.
package subscriptions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/pkg/errors"

	"github.com/RailKite/PNRWatch/internal/broker/messages"
	"github.com/RailKite/PNRWatch/internal/cache"
	"github.com/RailKite/PNRWatch/internal/integrations/railstatus"
	"github.com/RailKite/PNRWatch/internal/models"
)

var ErrNotFound = errors.New("subscription not found")

var pnrRe = regexp.MustCompile(`^[0-9]{10}$`)

type Repository interface {
	CreateSubscription(ctx context.Context, in models.SubscriptionCreateInput) (*models.Subscription, error)
	GetSubscriptionsByIDs(ctx context.Context, ids []uint64) ([]*models.Subscription, error)
	ListByOwner(ctx context.Context, ownerID string, includeInactive bool) ([]*models.Subscription, error)
	Deactivate(ctx context.Context, id uint64) (bool, error)
	UpdateSnapshot(ctx context.Context, id uint64, snap models.Snapshot, checkedAt time.Time) error
	AppendCheck(ctx context.Context, subscriptionID uint64, snap models.Snapshot, changed bool, checkedAt time.Time) (uint64, error)
	ListChecks(ctx context.Context, subscriptionID uint64, limit, offset int) ([]*models.HistoryEntry, error)
}

type Service struct {
	repo       Repository
	source     railstatus.Client
	cache      cache.BytesCache
	currentTTL time.Duration
}

// New собирает сервис. source и c опциональны: без source не будет первичной
// проверки при создании, без c все чтения идут в базу.
func New(repo Repository, source railstatus.Client, c cache.BytesCache, currentTTL time.Duration) *Service {
	return &Service{repo: repo, source: source, cache: c, currentTTL: currentTTL}
}

// Create регистрирует подписку. Для пары (owner, pnr), у которой уже есть
// активная подписка, возвращается существующая запись.
func (s *Service) Create(ctx context.Context, in models.SubscriptionCreateInput) (*models.Subscription, error) {
	if in.OwnerID == "" {
		return nil, errors.New("ownerId is required")
	}
	if !pnrRe.MatchString(in.PNR) {
		return nil, errors.New("pnr must be a 10-digit code")
	}

	sub, err := s.repo.CreateSubscription(ctx, in)
	if err != nil {
		return nil, err
	}

	// Первичная проверка сразу при создании, не дожидаясь планового запуска.
	// Ошибка источника не мешает созданию: снимок появится при следующей проверке.
	if s.source != nil && sub.Current == nil {
		snap, ferr := s.source.FetchStatus(ctx, sub.PNR)
		if ferr != nil {
			slog.Warn("initial status check failed", "pnr", sub.PNR, "error", ferr.Error())
			return sub, nil
		}
		checkedAt := snap.FetchedAt
		if checkedAt.IsZero() {
			checkedAt = time.Now().UTC()
			snap.FetchedAt = checkedAt
		}
		if _, err := s.repo.AppendCheck(ctx, sub.ID, snap, false, checkedAt); err != nil {
			slog.Warn("initial check history", "pnr", sub.PNR, "error", err.Error())
			return sub, nil
		}
		if err := s.repo.UpdateSnapshot(ctx, sub.ID, snap, checkedAt); err != nil {
			slog.Warn("initial snapshot update", "pnr", sub.PNR, "error", err.Error())
			return sub, nil
		}
		sub.Current = &snap
		sub.LastCheckedAt = &checkedAt
	}
	return sub, nil
}

// GetByIDs читает подписки через кэш текущего состояния. Кэш работает по
// принципу лучшего усилия: промах или недоступный Redis просто уводят чтение в базу.
func (s *Service) GetByIDs(ctx context.Context, ids []uint64) ([]*models.Subscription, error) {
	if len(ids) == 0 {
		return []*models.Subscription{}, nil
	}

	miss := make([]uint64, 0, len(ids))
	got := make(map[uint64]*models.Subscription, len(ids))

	if s.cache != nil && s.currentTTL > 0 {
		for _, id := range ids {
			b, ok, err := s.cache.Get(ctx, currentKey(id))
			if err != nil || !ok {
				miss = append(miss, id)
				continue
			}
			var sub models.Subscription
			if json.Unmarshal(b, &sub) != nil {
				miss = append(miss, id)
				continue
			}
			got[id] = &sub
		}
	} else {
		miss = ids
	}

	if len(miss) > 0 {
		fromDB, err := s.repo.GetSubscriptionsByIDs(ctx, miss)
		if err != nil {
			return nil, err
		}
		for _, sub := range fromDB {
			got[sub.ID] = sub
			if s.cache != nil && s.currentTTL > 0 {
				b, _ := json.Marshal(sub)
				_ = s.cache.Set(ctx, currentKey(sub.ID), b, s.currentTTL)
			}
		}
	}

	// Ответ в том же порядке, что и ids; неизвестные просто пропускаются.
	out := make([]*models.Subscription, 0, len(ids))
	for _, id := range ids {
		if sub, ok := got[id]; ok {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id uint64) (*models.Subscription, error) {
	if id == 0 {
		return nil, errors.New("id is required")
	}
	subs, err := s.GetByIDs(ctx, []uint64{id})
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, ErrNotFound
	}
	return subs[0], nil
}

func (s *Service) ListByOwner(ctx context.Context, ownerID string, includeInactive bool) ([]*models.Subscription, error) {
	if ownerID == "" {
		return nil, errors.New("ownerId is required")
	}
	return s.repo.ListByOwner(ctx, ownerID, includeInactive)
}

// Remove деактивирует подписку. Строка остаётся в базе вместе с историей.
func (s *Service) Remove(ctx context.Context, id uint64) error {
	if id == 0 {
		return errors.New("id is required")
	}
	ok, err := s.repo.Deactivate(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if s.cache != nil {
		_ = s.cache.Del(ctx, currentKey(id))
	}
	return nil
}

func (s *Service) History(ctx context.Context, id uint64, limit, offset int) ([]*models.HistoryEntry, error) {
	if id == 0 {
		return nil, errors.New("id is required")
	}
	return s.repo.ListChecks(ctx, id, limit, offset)
}

// ApplyCheckedEvent обрабатывает событие проверки из Kafka. Базу уже обновил
// воркер, здесь только освежаем кэш текущего состояния.
func (s *Service) ApplyCheckedEvent(ctx context.Context, msg messages.PNRChecked) error {
	if msg.SubscriptionID == 0 {
		return errors.New("subscription_id is required")
	}
	if s.cache == nil || s.currentTTL <= 0 {
		return nil
	}

	subs, err := s.repo.GetSubscriptionsByIDs(ctx, []uint64{msg.SubscriptionID})
	if err != nil || len(subs) != 1 {
		// Перечитать не вышло: хотя бы уберём устаревшее значение.
		_ = s.cache.Del(ctx, currentKey(msg.SubscriptionID))
		return nil
	}
	b, _ := json.Marshal(subs[0])
	_ = s.cache.Set(ctx, currentKey(msg.SubscriptionID), b, s.currentTTL)
	return nil
}

func currentKey(id uint64) string {
	return fmt.Sprintf("pnr:sub:%d:current", id)
}
