// Package batch checks a list of PNR codes against the status source, one
// code at a time. The source is rate-limit-sensitive, so the codes go strictly
// sequentially with a pause between requests; parallelizing this loop would
// break the pacing contract.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/RailKite/PNRWatch/internal/integrations/railstatus"
	"github.com/RailKite/PNRWatch/internal/models"
)

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Rand interface {
	Intn(n int) int
}

type Options struct {
	RequestDelay   time.Duration
	MaxRetries     int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	MaxJitter      time.Duration

	// Общий лимит запросов к источнику в минуту; 0 выключает проверку.
	RateLimitPerMinute int64
}

func DefaultOptions() Options {
	return Options{
		RequestDelay:   1 * time.Second,
		MaxRetries:     3,
		BaseRetryDelay: 1 * time.Second,
		MaxRetryDelay:  30 * time.Second,
		MaxJitter:      1 * time.Second,
	}
}

type CodeError struct {
	Code    string `json:"code"`
	Err     string `json:"error"`
	Retries int    `json:"retries"`
}

type Counts struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retired   int `json:"retired"`
}

// Result carries exactly one snapshot per input code, in input order. A code
// that exhausted its retries gets a synthetic snapshot with Error set instead
// of dropping out of the list.
type Result struct {
	Snapshots    []models.Snapshot
	RetiredCodes []string
	Errors       []CodeError
	Counts       Counts
}

type Processor struct {
	source railstatus.Client
	rl     RateLimiter
	opts   Options
	r      Rand
}

func New(source railstatus.Client, rl RateLimiter, opts Options, r Rand) *Processor {
	def := DefaultOptions()
	if opts.RequestDelay <= 0 {
		opts.RequestDelay = def.RequestDelay
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.BaseRetryDelay <= 0 {
		opts.BaseRetryDelay = def.BaseRetryDelay
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = def.MaxRetryDelay
	}
	if opts.MaxJitter <= 0 {
		opts.MaxJitter = def.MaxJitter
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Processor{source: source, rl: rl, opts: opts, r: r}
}

func (p *Processor) Process(ctx context.Context, codes []string) Result {
	res := Result{
		Snapshots: make([]models.Snapshot, 0, len(codes)),
	}
	res.Counts.Total = len(codes)

	for i, code := range codes {
		if i > 0 {
			if err := sleepCtx(ctx, p.opts.RequestDelay); err != nil {
				p.failRemaining(&res, codes[i:], err)
				return res
			}
		}

		snap, cerr := p.checkOne(ctx, code)
		if cerr != nil {
			slog.Error("pnr check failed", "pnr", code, "retries", cerr.Retries, "error", cerr.Err)
			res.Errors = append(res.Errors, *cerr)
			res.Counts.Failed++
			snap = models.Snapshot{
				PNR:       code,
				Error:     cerr.Err,
				FetchedAt: time.Now().UTC(),
			}
		} else {
			res.Counts.Succeeded++
			if snap.Retired {
				res.Counts.Retired++
				res.RetiredCodes = append(res.RetiredCodes, code)
			}
		}
		res.Snapshots = append(res.Snapshots, snap)
	}
	return res
}

// failRemaining дозаполняет результат синтетическими снимками, когда контекст
// отменили посреди пачки: вызывающий всегда получает по записи на каждый код.
func (p *Processor) failRemaining(res *Result, rest []string, cause error) {
	now := time.Now().UTC()
	msg := fmt.Sprintf("check aborted: %v", cause)
	for _, code := range rest {
		res.Errors = append(res.Errors, CodeError{Code: code, Err: msg})
		res.Counts.Failed++
		res.Snapshots = append(res.Snapshots, models.Snapshot{
			PNR:       code,
			Error:     msg,
			FetchedAt: now,
		})
	}
}

func (p *Processor) checkOne(ctx context.Context, code string) (models.Snapshot, *CodeError) {
	var lastErr error
	for attempt := 0; attempt < p.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, p.retryDelay(attempt-1)); err != nil {
				return models.Snapshot{}, &CodeError{
					Code:    code,
					Err:     fmt.Sprintf("check aborted: %v", err),
					Retries: attempt - 1,
				}
			}
		}

		p.throttle(ctx)

		snap, err := p.source.FetchStatus(ctx, code)
		if err == nil {
			return snap, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return models.Snapshot{}, &CodeError{Code: code, Err: err.Error(), Retries: attempt}
		}
		slog.Warn("pnr check attempt failed", "pnr", code, "attempt", attempt+1, "error", err.Error())
	}
	return models.Snapshot{}, &CodeError{
		Code:    code,
		Err:     lastErr.Error(),
		Retries: p.opts.MaxRetries - 1,
	}
}

func (p *Processor) throttle(ctx context.Context) {
	if p.rl == nil || p.opts.RateLimitPerMinute <= 0 {
		return
	}
	minuteKey := "rl:enquiry:" + time.Now().UTC().Format("200601021504")
	allowed, n, err := p.rl.Allow(ctx, minuteKey, p.opts.RateLimitPerMinute, 70*time.Second)
	if err != nil || allowed {
		return
	}
	// Слишком много запросов в минуту: подождём немного, чтобы разгрузить источник.
	slog.Warn("enquiry rate limit exceeded", "count", n)
	time.Sleep(500 * time.Millisecond)
}

// retryDelay вычисляет паузу перед повтором после failedAttempt-й неудачи
// (нумерация с нуля): base * 2^n + случайный джиттер, с потолком MaxRetryDelay.
func (p *Processor) retryDelay(failedAttempt int) time.Duration {
	if failedAttempt > 20 {
		failedAttempt = 20
	}
	d := p.opts.BaseRetryDelay << uint(failedAttempt)
	if p.opts.MaxJitter > 0 {
		jitterMs := p.r.Intn(int(p.opts.MaxJitter/time.Millisecond) + 1)
		d += time.Duration(jitterMs) * time.Millisecond
	}
	if d > p.opts.MaxRetryDelay {
		d = p.opts.MaxRetryDelay
	}
	return d
}

var retryableSignatures = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"no such host",
	"http 5",
	"rate limit",
	"eof",
	"request failed",
}

// IsRetryable reports whether an upstream error looks transient. Parse and
// validation errors fall through and are treated as terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	low := strings.ToLower(err.Error())
	for _, sig := range retryableSignatures {
		if strings.Contains(low, sig) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
