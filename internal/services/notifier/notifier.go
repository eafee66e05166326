// Package notifier drives the notification queue: enqueue with optional
// delay, periodic delivery in small batches, retry with uncapped exponential
// backoff, terminal failed state with an explicit retry path out of it.
package notifier

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/RailKite/PNRWatch/internal/models"
	"github.com/RailKite/PNRWatch/internal/queue/redisq"
)

type Store interface {
	AddPending(ctx context.Context, n models.Notification, at time.Time) error
	AddDelayed(ctx context.Context, n models.Notification, readyAt time.Time) error
	AddFailed(ctx context.Context, n models.Notification, at time.Time) error
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	PopPending(ctx context.Context, max int) ([]models.Notification, error)
	ListFailed(ctx context.Context) ([]models.Notification, error)
	RemoveFailed(ctx context.Context, id string) (*models.Notification, bool, error)
	ClearFailed(ctx context.Context) (int, error)
	Counts(ctx context.Context) (redisq.Counts, error)
}

type Dispatch interface {
	Deliver(ctx context.Context, n models.Notification) error
}

// Сколько записей снимаем с pending за один тик.
const popBatchSize = 10

type Service struct {
	store    Store
	dispatch Dispatch

	maxAttempts int
	interval    time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	totalDelivered atomic.Int64
	totalFailed    atomic.Int64
}

func New(store Store, dispatch Dispatch, maxAttempts int, interval time.Duration) *Service {
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultNotificationMaxAttempts
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Service{
		store:       store,
		dispatch:    dispatch,
		maxAttempts: maxAttempts,
		interval:    interval,
	}
}

// Enqueue ставит уведомление в очередь. delay <= 0 кладёт сразу в pending,
// иначе в delayed со временем готовности now+delay.
func (s *Service) Enqueue(ctx context.Context, kind, ownerID string, payload any, delay time.Duration) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "marshal payload")
	}

	now := time.Now().UTC()
	n := models.Notification{
		ID:          uuid.NewString(),
		Kind:        kind,
		OwnerID:     ownerID,
		Payload:     raw,
		MaxAttempts: s.maxAttempts,
		CreatedAt:   now,
	}

	if delay <= 0 {
		if err := s.store.AddPending(ctx, n, now); err != nil {
			return "", err
		}
		return n.ID, nil
	}

	readyAt := now.Add(delay)
	n.ScheduledAt = &readyAt
	if err := s.store.AddDelayed(ctx, n, readyAt); err != nil {
		return "", err
	}
	return n.ID, nil
}

// Start запускает фоновый цикл доставки; повторный вызов без Stop — no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	go func() {
		defer close(done)
		s.loop(ctx)
	}()
	slog.Info("notification processing started", "interval", s.interval.String())
}

// Stop останавливает цикл и дожидается его завершения; идемпотентен.
// Доставку, которая уже в полёте, не прерывает.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Info("notification processing stopped")
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Service) loop(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.processTick(ctx)
		}
	}
}

func (s *Service) processTick(ctx context.Context) {
	now := time.Now().UTC()
	if _, err := s.store.PromoteDue(ctx, now); err != nil {
		slog.Error("promote due notifications", "error", err.Error())
		return
	}

	batch, err := s.store.PopPending(ctx, popBatchSize)
	if err != nil {
		slog.Error("pop pending notifications", "error", err.Error())
		return
	}
	for _, n := range batch {
		s.deliverOne(ctx, n)
	}
}

func (s *Service) deliverOne(ctx context.Context, n models.Notification) {
	err := s.dispatch.Deliver(ctx, n)
	if err == nil {
		// Запись уже снята с pending: успешная доставка терминальна.
		s.totalDelivered.Add(1)
		return
	}

	now := time.Now().UTC()
	n.Attempts++
	n.LastError = err.Error()
	attemptAt := now
	n.LastAttemptAt = &attemptAt
	if n.MaxAttempts <= 0 {
		n.MaxAttempts = s.maxAttempts
	}

	if n.Attempts >= n.MaxAttempts {
		n.ScheduledAt = nil
		if err := s.store.AddFailed(ctx, n, now); err != nil {
			slog.Error("move notification to failed", "id", n.ID, "error", err.Error())
			return
		}
		s.totalFailed.Add(1)
		slog.Warn("notification failed permanently",
			"id", n.ID, "kind", n.Kind, "attempts", n.Attempts, "error", n.LastError)
		return
	}

	// Задержка повтора: 2^attempts секунд, без потолка.
	delay := time.Duration(1<<uint(n.Attempts)) * time.Second
	readyAt := now.Add(delay)
	n.ScheduledAt = &readyAt
	if err := s.store.AddDelayed(ctx, n, readyAt); err != nil {
		slog.Error("reschedule notification", "id", n.ID, "error", err.Error())
	}
}

type Stats struct {
	Pending        int64 `json:"pending"`
	Delayed        int64 `json:"delayed"`
	Failed         int64 `json:"failed"`
	TotalDelivered int64 `json:"totalDelivered"`
	TotalFailed    int64 `json:"totalFailed"`
	Running        bool  `json:"running"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Pending:        counts.Pending,
		Delayed:        counts.Delayed,
		Failed:         counts.Failed,
		TotalDelivered: s.totalDelivered.Load(),
		TotalFailed:    s.totalFailed.Load(),
		Running:        s.Running(),
	}, nil
}

func (s *Service) ListFailed(ctx context.Context) ([]models.Notification, error) {
	return s.store.ListFailed(ctx)
}

// RetryFailed — единственный выход из терминального failed: сбрасывает
// счётчик попыток и возвращает запись в pending.
func (s *Service) RetryFailed(ctx context.Context, id string) (bool, error) {
	n, found, err := s.store.RemoveFailed(ctx, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	n.Attempts = 0
	n.LastError = ""
	n.ScheduledAt = nil
	n.LastAttemptAt = nil
	if err := s.store.AddPending(ctx, *n, time.Now().UTC()); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) ClearFailed(ctx context.Context) (int, error) {
	return s.store.ClearFailed(ctx)
}
