package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/RailKite/PNRWatch/config"
	"github.com/RailKite/PNRWatch/internal/broker/kafka"
	"github.com/RailKite/PNRWatch/internal/cache/rediscache"
	"github.com/RailKite/PNRWatch/internal/dispatch"
	"github.com/RailKite/PNRWatch/internal/integrations/railstatus"
	"github.com/RailKite/PNRWatch/internal/integrations/railstatus/emulatorv1"
	"github.com/RailKite/PNRWatch/internal/integrations/railstatus/enquiryhttp"
	"github.com/RailKite/PNRWatch/internal/integrations/railstatus/fake"
	"github.com/RailKite/PNRWatch/internal/queue/redisq"
	"github.com/RailKite/PNRWatch/internal/services/archiver"
	"github.com/RailKite/PNRWatch/internal/services/batch"
	"github.com/RailKite/PNRWatch/internal/services/detector"
	"github.com/RailKite/PNRWatch/internal/services/notifier"
	"github.com/RailKite/PNRWatch/internal/services/scheduler"
	"github.com/RailKite/PNRWatch/internal/storage/pgpnr"
)

// workerStorage — всё, что воркеру нужно от Postgres.
type workerStorage interface {
	scheduler.RecordStore
	detector.RecordStore
	detector.HistoryStore
}

type workerFactories struct {
	newStorage     func(cfg *config.Config) (st workerStorage, closeFn func(), err error)
	newQueue       func(cfg *config.Config) notifier.Store
	newProducer    func(cfg *config.Config) scheduler.Producer
	newRateLimiter func(cfg *config.Config) batch.RateLimiter
	newSource      func(cfg *config.Config) railstatus.Client
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (workerStorage, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgpnr.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newQueue: func(cfg *config.Config) notifier.Store {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return redisq.New(redisAddr)
		},
		newProducer: func(cfg *config.Config) scheduler.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newRateLimiter: func(cfg *config.Config) batch.RateLimiter {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewRateLimiter(redisAddr)
		},
		newSource: func(cfg *config.Config) railstatus.Client {
			// По умолчанию для демо используем enquiry-эмулятор, если задан base_url.
			// Иначе — fallback на локальный fake.
			if cfg.PNRWatch.EnquiryBaseURL != "" && cfg.PNRWatch.EnquiryMode != "" {
				switch cfg.PNRWatch.EnquiryMode {
				case "enquiry":
					return enquiryhttp.New(cfg.PNRWatch.EnquiryBaseURL, cfg.PNRWatch.EnquiryAPIKey)
				case "v1":
					return emulatorv1.New(cfg.PNRWatch.EnquiryBaseURL, cfg.PNRWatch.EnquiryAPIKey)
				default:
					return fake.New()
				}
			}
			return fake.New()
		},
	}
}

func RunWorker(ctx context.Context, cfg *config.Config, swaggerPath string, f workerFactories) error {
	checkedTopic := cfg.Kafka.CheckedTopicName
	if checkedTopic == "" {
		checkedTopic = "pnr.checked"
	}
	notificationsTopic := cfg.Kafka.NotificationsTopicName
	if notificationsTopic == "" {
		notificationsTopic = "pnr.notifications"
	}

	st, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return errors.Wrap(err, "open storage")
	}
	if closeFn != nil {
		defer closeFn()
	}

	queue := f.newQueue(cfg)
	producer := f.newProducer(cfg)
	rl := f.newRateLimiter(cfg)
	source := f.newSource(cfg)

	var d notifier.Dispatch
	switch cfg.PNRWatch.NotificationDispatchMode {
	case "kafka":
		d = dispatch.NewKafka(producer, notificationsTopic)
	default:
		d = dispatch.NewLog()
	}

	notifSvc := notifier.New(
		queue,
		d,
		cfg.PNRWatch.NotificationMaxAttempts,
		time.Duration(cfg.PNRWatch.NotificationProcessIntervalMs)*time.Millisecond,
	)

	det := detector.New(st, st, notifSvc)

	arch := archiver.New(st, archiver.Config{
		Enabled:         !cfg.PNRWatch.ArchivingDisabled,
		DaysAfterTravel: cfg.PNRWatch.ArchiverDaysAfterTravel,
		BatchSize:       cfg.PNRWatch.ArchiverBatchSize,
	})

	procFactory := func(opts batch.Options) scheduler.BatchProcessor {
		opts.RateLimitPerMinute = int64(cfg.PNRWatch.WorkerRateLimitPerMinute)
		return batch.New(source, rl, opts, nil)
	}

	sched := scheduler.New(st, procFactory, det, arch, notifSvc, producer, checkedTopic, scheduler.Config{
		Enabled:               !cfg.PNRWatch.SchedulerDisabled,
		Cron:                  cfg.PNRWatch.SchedulerCron,
		BatchSize:             cfg.PNRWatch.SchedulerBatchSize,
		RequestDelayMs:        cfg.PNRWatch.SchedulerRequestDelayMs,
		MaxRetries:            cfg.PNRWatch.SchedulerMaxRetries,
		ArchivingEnabled:      !cfg.PNRWatch.ArchivingDisabled,
		AutoDeactivateRetired: cfg.PNRWatch.SchedulerAutoDeactivateRetired,
	})

	// Start планировщика поднимает и цикл доставки уведомлений, поэтому
	// вызывается даже при выключенных периодических проверках.
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	err = runWorkerHTTPServer(ctx, workerHTTPOpts{
		httpAddr:    cfg.PNRWatch.WorkerHTTPAddr,
		swaggerPath: swaggerPath,
		sched:       sched,
		arch:        arch,
		notif:       notifSvc,
	})
	if errors.Is(err, http.ErrServerClosed) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
