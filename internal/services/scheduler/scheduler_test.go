package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/RailKite/PNRWatch/internal/broker/messages"
	"github.com/RailKite/PNRWatch/internal/models"
	"github.com/RailKite/PNRWatch/internal/services/archiver"
	"github.com/RailKite/PNRWatch/internal/services/batch"
	"github.com/RailKite/PNRWatch/internal/services/detector"
)

type fakeRecords struct {
	mu           sync.Mutex
	subs         []*models.Subscription
	listErr      error
	missingInGet map[uint64]bool
	deactivated  []uint64
	updated      map[uint64]models.Snapshot
	failures     map[uint64]string
}

func (f *fakeRecords) ListActive(_ context.Context) ([]*models.Subscription, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.subs, nil
}

func (f *fakeRecords) Deactivate(_ context.Context, id uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, id)
	return true, nil
}

func (f *fakeRecords) GetSubscriptionsByIDs(_ context.Context, ids []uint64) ([]*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Subscription
	for _, id := range ids {
		if f.missingInGet[id] {
			continue
		}
		for _, sub := range f.subs {
			if sub.ID == id {
				out = append(out, sub)
			}
		}
	}
	return out, nil
}

func (f *fakeRecords) UpdateSnapshot(_ context.Context, id uint64, snap models.Snapshot, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updated == nil {
		f.updated = map[uint64]models.Snapshot{}
	}
	f.updated[id] = snap
	return nil
}

func (f *fakeRecords) RecordCheckFailure(_ context.Context, id uint64, _ time.Time, errText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures == nil {
		f.failures = map[uint64]string{}
	}
	f.failures[id] = errText
	return nil
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []models.HistoryEntry
}

func (f *fakeHistory) AppendCheck(_ context.Context, subID uint64, snap models.Snapshot, changed bool, checkedAt time.Time) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, models.HistoryEntry{
		ID:             uint64(len(f.entries) + 1),
		SubscriptionID: subID,
		Snapshot:       snap,
		CheckedAt:      checkedAt,
		Changed:        changed,
	})
	return uint64(len(f.entries)), nil
}

type queuedNotification struct {
	kind    string
	ownerID string
}

type fakeNotifier struct {
	mu      sync.Mutex
	queued  []queuedNotification
	started int
	stopped int
}

func (f *fakeNotifier) Enqueue(_ context.Context, kind, ownerID string, _ any, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, queuedNotification{kind: kind, ownerID: ownerID})
	return fmt.Sprintf("n-%d", len(f.queued)), nil
}

func (f *fakeNotifier) Start(_ context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
}

func (f *fakeNotifier) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

type fakeProducer struct {
	mu   sync.Mutex
	msgs map[string][]byte
}

func (f *fakeProducer) Publish(_ context.Context, _ string, key, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.msgs == nil {
		f.msgs = map[string][]byte{}
	}
	f.msgs[string(key)] = value
	return nil
}

type stubSource struct {
	mu    sync.Mutex
	byPNR map[string]models.Snapshot
	calls []string
}

func (s *stubSource) FetchStatus(_ context.Context, pnr string) (models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, pnr)
	snap, ok := s.byPNR[pnr]
	if !ok {
		return models.Snapshot{}, errors.New("invalid pnr number")
	}
	return snap, nil
}

func sub(id uint64, owner, pnr, statusText string) *models.Subscription {
	return &models.Subscription{
		ID:      id,
		OwnerID: owner,
		PNR:     pnr,
		Active:  true,
		Current: &models.Snapshot{
			PNR:        pnr,
			StatusText: statusText,
			TravelDate: time.Now().AddDate(0, 0, 5).Format("02-01-2006"),
			FetchedAt:  time.Now().Add(-time.Hour).UTC(),
		},
	}
}

func newTestScheduler(recs *fakeRecords, src *stubSource, cfg Config) (*Scheduler, *fakeHistory, *fakeNotifier, *fakeProducer) {
	hist := &fakeHistory{}
	notif := &fakeNotifier{}
	prod := &fakeProducer{}

	det := detector.New(recs, hist, notif)
	arch := archiver.New(recs, archiver.Config{Enabled: true, DaysAfterTravel: 7, BatchSize: 100})
	factory := func(opts batch.Options) BatchProcessor {
		return batch.New(src, nil, opts, nil)
	}

	s := New(recs, factory, det, arch, notif, prod, "pnr.checked", cfg)
	return s, hist, notif, prod
}

func TestRunEndToEnd(t *testing.T) {
	now := time.Now().UTC()
	recs := &fakeRecords{subs: []*models.Subscription{
		sub(1, "owner-1", "1111111111", "WL/5"),
		sub(2, "owner-2", "2222222222", "WL/5"),
		sub(3, "owner-3", "3333333333", "WL/9"),
	}}
	src := &stubSource{byPNR: map[string]models.Snapshot{
		"1111111111": {PNR: "1111111111", StatusText: "WL/5", FetchedAt: now},
		"2222222222": {PNR: "2222222222", StatusText: "WL/2", FetchedAt: now},
	}}
	cfg := Config{
		Enabled:          true,
		BatchSize:        1,
		RequestDelayMs:   1,
		MaxRetries:       2,
		ArchivingEnabled: true,
	}
	s, hist, notif, prod := newTestScheduler(recs, src, cfg)

	run, err := s.TriggerManualCheck(context.Background())
	require.NoError(t, err)

	require.Equal(t, 3, run.Total)
	require.Equal(t, 3, run.Batches)
	require.Equal(t, 2, run.Succeeded)
	require.Equal(t, 1, run.Failed)
	require.Equal(t, 1, run.StatusChanges)
	require.Equal(t, 0, run.Retired)
	require.Empty(t, run.Error)

	// Ровно одна строка истории на каждую подписку, включая провалившуюся.
	require.Len(t, hist.entries, 3)
	changedByID := map[uint64]bool{}
	for _, e := range hist.entries {
		changedByID[e.SubscriptionID] = e.Changed
	}
	require.False(t, changedByID[1])
	require.True(t, changedByID[2])
	require.False(t, changedByID[3])

	require.Len(t, notif.queued, 1)
	require.Equal(t, models.NotificationKindStatusChange, notif.queued[0].kind)
	require.Equal(t, "owner-2", notif.queued[0].ownerID)

	require.Len(t, recs.updated, 2)
	require.Equal(t, "WL/2", recs.updated[2].StatusText)
	require.Contains(t, recs.failures[3], "invalid pnr number")

	require.Len(t, prod.msgs, 3)
	var ev messages.PNRChecked
	require.NoError(t, json.Unmarshal(prod.msgs["2"], &ev))
	require.True(t, ev.Changed)
	require.Contains(t, ev.Reasons, "status_text")
	require.Contains(t, ev.Reasons, "waitlist_position")
	require.Equal(t, "WL/2", ev.Snapshot.StatusText)

	var unchanged messages.PNRChecked
	require.NoError(t, json.Unmarshal(prod.msgs["1"], &unchanged))
	require.False(t, unchanged.Changed)
	require.Empty(t, unchanged.Reasons)

	var failed messages.PNRChecked
	require.NoError(t, json.Unmarshal(prod.msgs["3"], &failed))
	require.Nil(t, failed.Snapshot)
	require.NotNil(t, failed.Error)
	require.Contains(t, *failed.Error, "invalid pnr number")

	stats := s.Stats()
	require.EqualValues(t, 1, stats.TotalRuns)
	require.EqualValues(t, 1, stats.SuccessfulRuns)
	require.EqualValues(t, 0, stats.FailedRuns)
	require.False(t, stats.Running)
	require.NotNil(t, stats.LastRun)
	require.Equal(t, 1, stats.LastRun.StatusChanges)
	require.NotNil(t, stats.LastArchiving)
	require.Equal(t, 3, stats.LastArchiving.TotalProcessed)
	require.Equal(t, 0, stats.LastArchiving.ArchivedCount)
}

func TestRunAutoDeactivateRetired(t *testing.T) {
	recs := &fakeRecords{subs: []*models.Subscription{
		sub(1, "owner-1", "4444444444", "WL/3"),
	}}
	src := &stubSource{byPNR: map[string]models.Snapshot{
		"4444444444": {PNR: "4444444444", Retired: true, FetchedAt: time.Now().UTC()},
	}}
	cfg := Config{
		BatchSize:             10,
		RequestDelayMs:        1,
		MaxRetries:            1,
		AutoDeactivateRetired: true,
	}
	s, _, notif, _ := newTestScheduler(recs, src, cfg)

	run, err := s.TriggerManualCheck(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, run.Retired)
	require.Equal(t, 1, run.Deactivated)
	require.Equal(t, []uint64{1}, recs.deactivated)

	// Уход записи из источника сам по себе значимое изменение.
	require.Len(t, notif.queued, 1)
	require.Equal(t, models.NotificationKindStatusChange, notif.queued[0].kind)
}

func TestRetiredWithoutAutoDeactivateKept(t *testing.T) {
	recs := &fakeRecords{subs: []*models.Subscription{
		sub(1, "owner-1", "4444444444", "WL/3"),
	}}
	src := &stubSource{byPNR: map[string]models.Snapshot{
		"4444444444": {PNR: "4444444444", Retired: true, FetchedAt: time.Now().UTC()},
	}}
	s, _, _, _ := newTestScheduler(recs, src, Config{BatchSize: 10, RequestDelayMs: 1, MaxRetries: 1})

	run, err := s.TriggerManualCheck(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, run.Retired)
	require.Equal(t, 0, run.Deactivated)
	require.Empty(t, recs.deactivated)
}

func TestDetectionFailureCountsAsFailed(t *testing.T) {
	recs := &fakeRecords{
		subs: []*models.Subscription{
			sub(1, "owner-1", "1111111111", "WL/5"),
			sub(2, "owner-2", "2222222222", "WL/5"),
		},
		missingInGet: map[uint64]bool{2: true},
	}
	now := time.Now().UTC()
	src := &stubSource{byPNR: map[string]models.Snapshot{
		"1111111111": {PNR: "1111111111", StatusText: "WL/5", FetchedAt: now},
		"2222222222": {PNR: "2222222222", StatusText: "CNF", FetchedAt: now},
	}}
	s, _, notif, _ := newTestScheduler(recs, src, Config{BatchSize: 10, RequestDelayMs: 1, MaxRetries: 1})

	run, err := s.TriggerManualCheck(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, run.Succeeded)
	require.Equal(t, 1, run.Failed)
	require.Equal(t, 0, run.StatusChanges)
	require.Empty(t, notif.queued)
}

func TestTriggerRejectsWhenRunning(t *testing.T) {
	recs := &fakeRecords{}
	src := &stubSource{}
	s, _, _, _ := newTestScheduler(recs, src, Config{})

	s.running.Store(true)
	_, err := s.TriggerManualCheck(context.Background())
	require.ErrorIs(t, err, ErrCheckInProgress)
	s.running.Store(false)

	_, err = s.TriggerManualCheck(context.Background())
	require.NoError(t, err)
	require.False(t, s.running.Load())
}

func TestRunFailureReportsSystemNotification(t *testing.T) {
	recs := &fakeRecords{listErr: errors.New("pg down")}
	src := &stubSource{}
	s, _, notif, _ := newTestScheduler(recs, src, Config{ArchivingEnabled: true})

	run, err := s.TriggerManualCheck(context.Background())
	require.NoError(t, err)
	require.Contains(t, run.Error, "list active subscriptions")
	require.Contains(t, run.Error, "pg down")

	stats := s.Stats()
	require.EqualValues(t, 1, stats.TotalRuns)
	require.EqualValues(t, 1, stats.FailedRuns)
	require.Nil(t, stats.LastArchiving)

	require.Len(t, notif.queued, 1)
	require.Equal(t, models.NotificationKindSystem, notif.queued[0].kind)
	require.Equal(t, "system", notif.queued[0].ownerID)
}

type panicProcessor struct{}

func (panicProcessor) Process(context.Context, []string) batch.Result {
	panic("boom")
}

func TestRunRecoversPanicAndClearsGuard(t *testing.T) {
	recs := &fakeRecords{subs: []*models.Subscription{sub(1, "owner-1", "1111111111", "WL/5")}}
	src := &stubSource{}
	s, _, _, _ := newTestScheduler(recs, src, Config{})
	s.factory = func(batch.Options) BatchProcessor { return panicProcessor{} }

	run, err := s.TriggerManualCheck(context.Background())
	require.NoError(t, err)
	require.Contains(t, run.Error, "run panic")
	require.False(t, s.running.Load())
	require.EqualValues(t, 1, s.Stats().FailedRuns)

	// Защёлка снята, следующий запуск проходит.
	s.factory = func(opts batch.Options) BatchProcessor { return batch.New(src, nil, opts, nil) }
	_, err = s.TriggerManualCheck(context.Background())
	require.NoError(t, err)
}

func TestStartStopIdempotent(t *testing.T) {
	recs := &fakeRecords{}
	src := &stubSource{}
	s, _, notif, _ := newTestScheduler(recs, src, Config{Enabled: true, Cron: "*/30 * * * *"})

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))

	stats := s.Stats()
	require.True(t, stats.Started)
	require.NotNil(t, stats.NextRunAt)
	require.Equal(t, 1, notif.started)

	s.Stop()
	s.Stop()
	require.False(t, s.Stats().Started)
	require.Equal(t, 1, notif.stopped)
}

func TestStartDisabledStillRunsNotifications(t *testing.T) {
	recs := &fakeRecords{}
	src := &stubSource{}
	s, _, notif, _ := newTestScheduler(recs, src, Config{Enabled: false})

	// Таймер не взводится, но цикл доставки уведомлений поднимается:
	// ручные проверки кладут события в очередь и при выключенном таймере.
	require.NoError(t, s.Start(context.Background()))
	require.False(t, s.Stats().Started)
	require.Nil(t, s.Stats().NextRunAt)
	require.Equal(t, 1, notif.started)

	s.Stop()
	require.Equal(t, 1, notif.stopped)
}

func TestStartInvalidCron(t *testing.T) {
	recs := &fakeRecords{}
	src := &stubSource{}
	s, _, notif, _ := newTestScheduler(recs, src, Config{Enabled: true, Cron: "not a cron"})

	err := s.Start(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse cron expression")
	require.Equal(t, 0, notif.started)
}

func TestUpdateConfig(t *testing.T) {
	recs := &fakeRecords{}
	src := &stubSource{}
	s, _, _, _ := newTestScheduler(recs, src, Config{Enabled: true, Cron: "*/30 * * * *"})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	size := 10
	retries := 5
	cfg, err := s.UpdateConfig(ConfigPatch{BatchSize: &size, MaxRetries: &retries})
	require.NoError(t, err)
	require.Equal(t, 10, cfg.BatchSize)
	require.Equal(t, 5, cfg.MaxRetries)
	require.Equal(t, "*/30 * * * *", cfg.Cron)

	bad := "every now and then"
	_, err = s.UpdateConfig(ConfigPatch{Cron: &bad})
	require.Error(t, err)
	require.Equal(t, "*/30 * * * *", s.Config().Cron)

	hourly := "0 * * * *"
	cfg, err = s.UpdateConfig(ConfigPatch{Cron: &hourly})
	require.NoError(t, err)
	require.Equal(t, hourly, cfg.Cron)
	require.True(t, s.Stats().Started)

	off := false
	_, err = s.UpdateConfig(ConfigPatch{Enabled: &off})
	require.NoError(t, err)
	require.False(t, s.Stats().Started)

	on := true
	_, err = s.UpdateConfig(ConfigPatch{Enabled: &on})
	require.NoError(t, err)
	require.True(t, s.Stats().Started)
}
