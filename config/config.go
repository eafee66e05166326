package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	PNRWatch PNRWatchConfig `yaml:"pnrwatch"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	CheckedTopicName       string `yaml:"pnr_checked_topic_name"`
	NotificationsTopicName string `yaml:"notifications_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type PNRWatchConfig struct {
	HTTPAddr                string `yaml:"http_addr"`
	KafkaConsumerGroup      string `yaml:"kafka_consumer_group"`
	CurrentStatusTTLSeconds int    `yaml:"current_status_ttl_seconds"`

	WorkerHTTPAddr string `yaml:"worker_http_addr"`

	// Флаги "disabled", чтобы отсутствие ключа в yaml означало "включено".
	SchedulerDisabled              bool   `yaml:"scheduler_disabled"`
	SchedulerCron                  string `yaml:"scheduler_cron"`
	SchedulerBatchSize             int    `yaml:"scheduler_batch_size"`
	SchedulerRequestDelayMs        int    `yaml:"scheduler_request_delay_ms"`
	SchedulerMaxRetries            int    `yaml:"scheduler_max_retries"`
	SchedulerAutoDeactivateRetired bool   `yaml:"scheduler_auto_deactivate_retired"`

	ArchivingDisabled       bool `yaml:"archiving_disabled"`
	ArchiverDaysAfterTravel int  `yaml:"archiver_days_after_travel"`
	ArchiverBatchSize       int  `yaml:"archiver_batch_size"`

	NotificationMaxAttempts       int    `yaml:"notification_max_attempts"`
	NotificationProcessIntervalMs int    `yaml:"notification_process_interval_ms"`
	NotificationDispatchMode      string `yaml:"notification_dispatch_mode"` // "kafka" | "log"

	WorkerRateLimitPerMinute int `yaml:"worker_rate_limit_per_minute"`

	EnquiryBaseURL string `yaml:"enquiry_base_url"`
	EnquiryMode    string `yaml:"enquiry_mode"` // "enquiry" | "v1" | "fake"
	EnquiryAPIKey  string `yaml:"enquiry_api_key"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
