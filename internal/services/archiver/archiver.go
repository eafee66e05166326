// Package archiver deactivates subscriptions whose journey is over, either by
// terminal status keywords or by travel date age.
package archiver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/RailKite/PNRWatch/internal/models"
	"github.com/RailKite/PNRWatch/internal/pnrstatus"
)

type RecordStore interface {
	ListActive(ctx context.Context) ([]*models.Subscription, error)
	Deactivate(ctx context.Context, id uint64) (bool, error)
}

type Config struct {
	Enabled         bool `json:"enabled"`
	DaysAfterTravel int  `json:"daysAfterTravel"`
	BatchSize       int  `json:"batchSize"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		DaysAfterTravel: 7,
		BatchSize:       100,
	}
}

type ConfigPatch struct {
	Enabled         *bool `json:"enabled,omitempty"`
	DaysAfterTravel *int  `json:"daysAfterTravel,omitempty"`
	BatchSize       *int  `json:"batchSize,omitempty"`
}

type RunResult struct {
	TotalProcessed   int       `json:"totalProcessed"`
	ArchivedCount    int       `json:"archivedCount"`
	Errors           []string  `json:"errors,omitempty"`
	ProcessingTimeMs int64     `json:"processingTimeMs"`
	RanAt            time.Time `json:"ranAt"`
}

type EligibleRecord struct {
	SubscriptionID uint64 `json:"subscriptionId"`
	PNR            string `json:"pnr"`
	OwnerID        string `json:"ownerId"`
	TravelDate     string `json:"travelDate,omitempty"`
	StatusText     string `json:"statusText,omitempty"`
	Reason         string `json:"reason"`
}

// Пауза между пачками, чтобы не давить на базу сплошным потоком.
const interBatchPause = 200 * time.Millisecond

type Archiver struct {
	records RecordStore

	mu      sync.RWMutex
	cfg     Config
	lastRun *RunResult
}

func New(records RecordStore, cfg Config) *Archiver {
	def := DefaultConfig()
	if cfg.DaysAfterTravel <= 0 {
		cfg.DaysAfterTravel = def.DaysAfterTravel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Archiver{records: records, cfg: cfg}
}

func (a *Archiver) Config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

func (a *Archiver) UpdateConfig(p ConfigPatch) Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p.Enabled != nil {
		a.cfg.Enabled = *p.Enabled
	}
	if p.DaysAfterTravel != nil && *p.DaysAfterTravel > 0 {
		a.cfg.DaysAfterTravel = *p.DaysAfterTravel
	}
	if p.BatchSize != nil && *p.BatchSize > 0 {
		a.cfg.BatchSize = *p.BatchSize
	}
	return a.cfg
}

func (a *Archiver) LastRun() *RunResult {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.lastRun == nil {
		return nil
	}
	cp := *a.lastRun
	return &cp
}

// Run обходит активные подписки пачками и деактивирует завершённые поездки.
// Ошибка по одной записи попадает в список и не прерывает остальных.
func (a *Archiver) Run(ctx context.Context) RunResult {
	cfg := a.Config()
	if !cfg.Enabled {
		return RunResult{RanAt: time.Now().UTC()}
	}

	start := time.Now()
	res := RunResult{RanAt: start.UTC()}

	subs, err := a.records.ListActive(ctx)
	if err != nil {
		res.Errors = append(res.Errors, errors.Wrap(err, "list active").Error())
		res.ProcessingTimeMs = time.Since(start).Milliseconds()
		a.storeLastRun(res)
		return res
	}

	now := time.Now().UTC()
	for i := 0; i < len(subs); i += cfg.BatchSize {
		if i > 0 {
			time.Sleep(interBatchPause)
		}
		end := i + cfg.BatchSize
		if end > len(subs) {
			end = len(subs)
		}
		for _, sub := range subs[i:end] {
			res.TotalProcessed++
			reason, ok := eligible(sub, now, cfg.DaysAfterTravel)
			if !ok {
				continue
			}
			if _, err := a.records.Deactivate(ctx, sub.ID); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("pnr %s: %v", sub.PNR, err))
				continue
			}
			res.ArchivedCount++
			slog.Info("subscription archived", "subscription_id", sub.ID, "pnr", sub.PNR, "reason", reason)
		}
	}

	res.ProcessingTimeMs = time.Since(start).Milliseconds()
	slog.Info("archiving finished",
		"processed", res.TotalProcessed,
		"archived", res.ArchivedCount,
		"errors", len(res.Errors),
	)
	a.storeLastRun(res)
	return res
}

func (a *Archiver) storeLastRun(res RunResult) {
	a.mu.Lock()
	a.lastRun = &res
	a.mu.Unlock()
}

// PreviewEligible возвращает кандидатов на архивирование, ничего не меняя.
func (a *Archiver) PreviewEligible(ctx context.Context) ([]EligibleRecord, error) {
	cfg := a.Config()

	subs, err := a.records.ListActive(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list active")
	}

	now := time.Now().UTC()
	out := make([]EligibleRecord, 0)
	for _, sub := range subs {
		reason, ok := eligible(sub, now, cfg.DaysAfterTravel)
		if !ok {
			continue
		}
		rec := EligibleRecord{
			SubscriptionID: sub.ID,
			PNR:            sub.PNR,
			OwnerID:        sub.OwnerID,
			Reason:         reason,
		}
		if sub.Current != nil {
			rec.TravelDate = sub.Current.TravelDate
			rec.StatusText = sub.Current.StatusText
		}
		out = append(out, rec)
	}
	return out, nil
}

// eligible проверяет условия в фиксированном порядке: сперва ключевые слова
// завершённой поездки, затем возраст даты поездки. Непарсящаяся дата не делает
// запись кандидатом.
func eligible(sub *models.Subscription, now time.Time, daysAfterTravel int) (string, bool) {
	if sub.Current == nil {
		return "", false
	}
	if pnrstatus.IsJourneyComplete(sub.Current.StatusText) {
		return "journey_completed", true
	}
	travel, ok := pnrstatus.ParseTravelDate(sub.Current.TravelDate)
	if !ok {
		return "", false
	}
	if now.After(travel.AddDate(0, 0, daysAfterTravel)) {
		return "date_completed", true
	}
	return "", false
}
