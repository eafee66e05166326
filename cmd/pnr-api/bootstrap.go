package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RailKite/PNRWatch/config"
	"github.com/RailKite/PNRWatch/internal/broker/kafka"
	"github.com/RailKite/PNRWatch/internal/cache/rediscache"
	"github.com/RailKite/PNRWatch/internal/integrations/railstatus"
	"github.com/RailKite/PNRWatch/internal/integrations/railstatus/emulatorv1"
	"github.com/RailKite/PNRWatch/internal/integrations/railstatus/enquiryhttp"
	"github.com/RailKite/PNRWatch/internal/integrations/railstatus/fake"
	"github.com/RailKite/PNRWatch/internal/services/subscriptions"
	"github.com/RailKite/PNRWatch/internal/storage/pgpnr"
)

type pnrAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     pnrAPIOpts
	svc      *subscriptions.Service
	consumer *kafka.Consumer
	closeDB  func()
}

func mustBootstrapPNRAPI() *pnrAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.PNRWatch.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.PNRWatch.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "pnr-api"
	}
	topic := cfg.Kafka.CheckedTopicName
	if topic == "" {
		topic = "pnr.checked"
	}

	cacheTTL := time.Duration(cfg.PNRWatch.CurrentStatusTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st := mustOpenPostgresWithRetry(connString, 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)

	svc := subscriptions.New(st, newStatusSource(cfg), rc, cacheTTL)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	consumer := kafka.NewConsumer(brokers, topic, consumerGroup)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &pnrAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: pnrAPIOpts{
			httpAddr:      httpAddr,
			swaggerPath:   swaggerPath,
			topic:         topic,
			consumerGroup: consumerGroup,
		},
		svc:      svc,
		consumer: consumer,
		closeDB:  st.Close,
	}
}

// Источник статусов нужен API только для первичной проверки при создании подписки.
func newStatusSource(cfg *config.Config) railstatus.Client {
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
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgpnr.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgpnr.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *pnrAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *pnrAPIApp) Run() error {
	return runPNRAPI(a.ctx, a.opts, a.svc, a.consumer)
}
