// Package scheduler owns the periodic check run: fetch active subscriptions,
// walk them in batches through the status source, feed every result to the
// change detector, then archive completed journeys. One run at a time; an
// overlapping timer fire or manual trigger is rejected, not queued.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/RailKite/PNRWatch/internal/broker/messages"
	"github.com/RailKite/PNRWatch/internal/models"
	"github.com/RailKite/PNRWatch/internal/services/archiver"
	"github.com/RailKite/PNRWatch/internal/services/batch"
	"github.com/RailKite/PNRWatch/internal/services/detector"
)

var ErrCheckInProgress = errors.New("check already in progress")

type RecordStore interface {
	ListActive(ctx context.Context) ([]*models.Subscription, error)
	Deactivate(ctx context.Context, id uint64) (bool, error)
}

type BatchProcessor interface {
	Process(ctx context.Context, codes []string) batch.Result
}

// ProcessorFactory собирает процессор под настройки конкретного запуска:
// размер паузы и число ретраев меняются на лету через UpdateConfig.
type ProcessorFactory func(opts batch.Options) BatchProcessor

type ChangeDetector interface {
	Check(ctx context.Context, subscriptionID uint64, snap models.Snapshot) (*detector.ChangeEvent, error)
}

type JourneyArchiver interface {
	Run(ctx context.Context) archiver.RunResult
}

// Notifier — очередь уведомлений. Планировщик кладёт туда системные события
// и управляет её циклом доставки: Start/Stop планировщика поднимают и гасят
// цикл вместе с таймером.
type Notifier interface {
	Enqueue(ctx context.Context, kind, ownerID string, payload any, delay time.Duration) (string, error)
	Start(ctx context.Context)
	Stop()
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Config struct {
	Enabled               bool   `json:"enabled"`
	Cron                  string `json:"cron"`
	BatchSize             int    `json:"batchSize"`
	RequestDelayMs        int    `json:"requestDelayMs"`
	MaxRetries            int    `json:"maxRetries"`
	ArchivingEnabled      bool   `json:"archivingEnabled"`
	AutoDeactivateRetired bool   `json:"autoDeactivateRetired"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		Cron:                  "*/30 * * * *",
		BatchSize:             50,
		RequestDelayMs:        2000,
		MaxRetries:            3,
		ArchivingEnabled:      true,
		AutoDeactivateRetired: false,
	}
}

type ConfigPatch struct {
	Enabled               *bool   `json:"enabled,omitempty"`
	Cron                  *string `json:"cron,omitempty"`
	BatchSize             *int    `json:"batchSize,omitempty"`
	RequestDelayMs        *int    `json:"requestDelayMs,omitempty"`
	MaxRetries            *int    `json:"maxRetries,omitempty"`
	ArchivingEnabled      *bool   `json:"archivingEnabled,omitempty"`
	AutoDeactivateRetired *bool   `json:"autoDeactivateRetired,omitempty"`
}

type LastRun struct {
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
	Batches       int       `json:"batches"`
	Total         int       `json:"total"`
	Succeeded     int       `json:"succeeded"`
	Failed        int       `json:"failed"`
	StatusChanges int       `json:"statusChanges"`
	Retired       int       `json:"retired"`
	Deactivated   int       `json:"deactivated"`
	DurationMs    int64     `json:"durationMs"`
	Error         string    `json:"error,omitempty"`
}

type Stats struct {
	TotalRuns      int64               `json:"totalRuns"`
	SuccessfulRuns int64               `json:"successfulRuns"`
	FailedRuns     int64               `json:"failedRuns"`
	Running        bool                `json:"running"`
	Started        bool                `json:"started"`
	NextRunAt      *time.Time          `json:"nextRunAt,omitempty"`
	LastRun        *LastRun            `json:"lastRun,omitempty"`
	LastArchiving  *archiver.RunResult `json:"lastArchiving,omitempty"`
}

// Пауза между пачками внутри одного запуска.
const interBatchPause = 200 * time.Millisecond

type Scheduler struct {
	records  RecordStore
	factory  ProcessorFactory
	detector ChangeDetector
	archiver JourneyArchiver
	notifier Notifier
	producer Producer
	topic    string

	mu      sync.Mutex
	cfg     Config
	cron    *cron.Cron
	entry   cron.EntryID
	started bool
	runCtx  context.Context

	running atomic.Bool

	totalRuns      atomic.Int64
	successfulRuns atomic.Int64
	failedRuns     atomic.Int64

	lastMu   sync.Mutex
	lastRun  *LastRun
	lastArch *archiver.RunResult
}

func New(records RecordStore, factory ProcessorFactory, det ChangeDetector, arch JourneyArchiver, notif Notifier, producer Producer, topic string, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.Cron == "" {
		cfg.Cron = def.Cron
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.RequestDelayMs <= 0 {
		cfg.RequestDelayMs = def.RequestDelayMs
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	return &Scheduler{
		records:  records,
		factory:  factory,
		detector: det,
		archiver: arch,
		notifier: notif,
		producer: producer,
		topic:    topic,
		cfg:      cfg,
	}
}

func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start поднимает планировщик: стартует цикл доставки уведомлений и, если
// периодические проверки включены, взводит cron-таймер. Идемпотентен.
// Контекст сохраняется, чтобы включение таймера через UpdateConfig сработало
// без перезапуска процесса.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCtx = ctx
	if s.started {
		return nil
	}
	if s.cfg.Enabled {
		if err := s.armLocked(); err != nil {
			return err
		}
	}
	if s.notifier != nil {
		s.notifier.Start(ctx)
	}
	s.started = true
	return nil
}

func (s *Scheduler) armLocked() error {
	c := cron.New()
	id, err := c.AddFunc(s.cfg.Cron, s.timerFire)
	if err != nil {
		return errors.Wrap(err, "parse cron expression")
	}

	s.cron = c
	s.entry = id
	c.Start()
	slog.Info("check timer armed", "cron", s.cfg.Cron)
	return nil
}

// cron.Stop не ждёт выполняющийся timerFire, поэтому безопасен под mu.
func (s *Scheduler) disarmLocked() {
	if s.cron == nil {
		return
	}
	s.cron.Stop()
	s.cron = nil
	slog.Info("check timer disarmed")
}

// Stop снимает таймер и гасит цикл уведомлений, не прерывая запущенную
// проверку; идемпотентен.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.disarmLocked()
	s.mu.Unlock()

	if s.notifier != nil {
		s.notifier.Stop()
	}
	slog.Info("scheduler stopped")
}

func (s *Scheduler) timerFire() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	if !s.running.CompareAndSwap(false, true) {
		slog.Warn("check run still in progress, skipping timer fire")
		return
	}
	defer s.running.Store(false)
	s.runOnce(ctx)
}

// TriggerManualCheck выполняет полный запуск синхронно. Если проверка уже
// идёт, сразу возвращает ErrCheckInProgress.
func (s *Scheduler) TriggerManualCheck(ctx context.Context) (*LastRun, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrCheckInProgress
	}
	defer s.running.Store(false)
	return s.runOnce(ctx), nil
}

func (s *Scheduler) runOnce(ctx context.Context) *LastRun {
	start := time.Now()
	cfg := s.Config()
	run := &LastRun{StartedAt: start.UTC()}
	s.totalRuns.Add(1)

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = errors.Errorf("run panic: %v", r)
			}
		}()
		runErr = s.executeRun(ctx, cfg, run)
	}()

	run.FinishedAt = time.Now().UTC()
	run.DurationMs = time.Since(start).Milliseconds()

	if runErr != nil {
		run.Error = runErr.Error()
		s.failedRuns.Add(1)
		slog.Error("check run failed", "error", runErr.Error())
		s.reportRunFailure(ctx, runErr)
	} else {
		s.successfulRuns.Add(1)
		slog.Info("check run finished",
			"total", run.Total,
			"succeeded", run.Succeeded,
			"failed", run.Failed,
			"changes", run.StatusChanges,
			"retired", run.Retired,
			"duration_ms", run.DurationMs,
		)
	}

	s.lastMu.Lock()
	s.lastRun = run
	s.lastMu.Unlock()
	return run
}

func (s *Scheduler) executeRun(ctx context.Context, cfg Config, run *LastRun) error {
	subs, err := s.records.ListActive(ctx)
	if err != nil {
		return errors.Wrap(err, "list active subscriptions")
	}
	run.Total = len(subs)

	proc := s.factory(batch.Options{
		RequestDelay: time.Duration(cfg.RequestDelayMs) * time.Millisecond,
		MaxRetries:   cfg.MaxRetries,
	})

	for from := 0; from < len(subs); from += cfg.BatchSize {
		if from > 0 {
			select {
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), "run interrupted")
			case <-time.After(interBatchPause):
			}
		}
		to := from + cfg.BatchSize
		if to > len(subs) {
			to = len(subs)
		}
		chunk := subs[from:to]
		run.Batches++

		codes := make([]string, len(chunk))
		for i, sub := range chunk {
			codes[i] = sub.PNR
		}

		res := proc.Process(ctx, codes)
		run.Retired += res.Counts.Retired

		for i, snap := range res.Snapshots {
			sub := chunk[i]

			ev, err := s.detector.Check(ctx, sub.ID, snap)
			if err != nil {
				run.Failed++
				slog.Error("change detection failed", "subscription_id", sub.ID, "error", err.Error())
				continue
			}
			if snap.Error != "" {
				run.Failed++
			} else {
				run.Succeeded++
			}
			if ev != nil {
				run.StatusChanges++
				slog.Info("status changed", "subscription_id", sub.ID, "change", ev.String())
			}

			s.publishChecked(ctx, sub, snap, ev)

			if snap.Retired && cfg.AutoDeactivateRetired {
				if _, err := s.records.Deactivate(ctx, sub.ID); err != nil {
					slog.Error("deactivate retired subscription", "subscription_id", sub.ID, "error", err.Error())
				} else {
					run.Deactivated++
				}
			}
		}
	}

	if cfg.ArchivingEnabled && s.archiver != nil {
		arch := s.archiver.Run(ctx)
		s.lastMu.Lock()
		s.lastArch = &arch
		s.lastMu.Unlock()
	}
	return nil
}

func (s *Scheduler) publishChecked(ctx context.Context, sub *models.Subscription, snap models.Snapshot, ev *detector.ChangeEvent) {
	if s.producer == nil {
		return
	}

	msg := messages.PNRChecked{
		SubscriptionID: sub.ID,
		PNR:            sub.PNR,
		CheckedAt:      snap.FetchedAt,
		Changed:        ev != nil,
	}
	if ev != nil {
		msg.Reasons = ev.Reasons
	}
	if snap.Error != "" {
		e := snap.Error
		msg.Error = &e
	} else {
		msg.Snapshot = &messages.PNRSnapshot{
			PNR:         snap.PNR,
			Origin:      snap.Origin,
			Destination: snap.Destination,
			TravelDate:  snap.TravelDate,
			StatusText:  snap.StatusText,
			Retired:     snap.Retired,
			FetchedAt:   snap.FetchedAt,
		}
	}

	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal checked event", "subscription_id", sub.ID, "error", err.Error())
		return
	}
	key := []byte(strconv.FormatUint(sub.ID, 10))
	if err := s.producer.Publish(ctx, s.topic, key, b); err != nil {
		slog.Error("publish checked event", "subscription_id", sub.ID, "error", err.Error())
	}
}

func (s *Scheduler) reportRunFailure(ctx context.Context, runErr error) {
	if s.notifier == nil {
		return
	}
	payload := models.SystemPayload{
		Message:    "scheduled check run failed",
		Error:      runErr.Error(),
		OccurredAt: time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := s.notifier.Enqueue(ctx, models.NotificationKindSystem, "system", payload, 0); err != nil {
		slog.Error("enqueue system notification", "error", err.Error())
	}
}

// UpdateConfig применяет частичное обновление. Смена cron-выражения или
// флага enabled на поднятом планировщике перевзводит таймер на лету.
func (s *Scheduler) UpdateConfig(p ConfigPatch) (Config, error) {
	if p.Cron != nil {
		if _, err := cron.ParseStandard(*p.Cron); err != nil {
			return s.Config(), errors.Wrap(err, "parse cron expression")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cfg
	if p.Enabled != nil {
		s.cfg.Enabled = *p.Enabled
	}
	if p.Cron != nil {
		s.cfg.Cron = *p.Cron
	}
	if p.BatchSize != nil && *p.BatchSize > 0 {
		s.cfg.BatchSize = *p.BatchSize
	}
	if p.RequestDelayMs != nil && *p.RequestDelayMs > 0 {
		s.cfg.RequestDelayMs = *p.RequestDelayMs
	}
	if p.MaxRetries != nil && *p.MaxRetries > 0 {
		s.cfg.MaxRetries = *p.MaxRetries
	}
	if p.ArchivingEnabled != nil {
		s.cfg.ArchivingEnabled = *p.ArchivingEnabled
	}
	if p.AutoDeactivateRetired != nil {
		s.cfg.AutoDeactivateRetired = *p.AutoDeactivateRetired
	}

	// Таймер трогаем только на поднятом планировщике; до Start изменения
	// лишь сохраняются в конфиге.
	if s.started {
		switch {
		case s.cron != nil && !s.cfg.Enabled:
			s.disarmLocked()
		case s.cron == nil && s.cfg.Enabled:
			if err := s.armLocked(); err != nil {
				return s.cfg, err
			}
		case s.cron != nil && p.Cron != nil && *p.Cron != old.Cron:
			s.disarmLocked()
			if err := s.armLocked(); err != nil {
				return s.cfg, err
			}
		}
	}
	return s.cfg, nil
}

func (s *Scheduler) Stats() Stats {
	st := Stats{
		TotalRuns:      s.totalRuns.Load(),
		SuccessfulRuns: s.successfulRuns.Load(),
		FailedRuns:     s.failedRuns.Load(),
		Running:        s.running.Load(),
	}

	s.mu.Lock()
	st.Started = s.cron != nil
	if s.cron != nil {
		next := s.cron.Entry(s.entry).Next
		if !next.IsZero() {
			t := next.UTC()
			st.NextRunAt = &t
		}
	}
	s.mu.Unlock()

	s.lastMu.Lock()
	if s.lastRun != nil {
		cp := *s.lastRun
		st.LastRun = &cp
	}
	if s.lastArch != nil {
		cp := *s.lastArch
		st.LastArchiving = &cp
	}
	s.lastMu.Unlock()
	return st
}
