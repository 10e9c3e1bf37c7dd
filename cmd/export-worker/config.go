package main

import (
	"fmt"
	"os"
	"time"

	"dataport/internal/common/cache"
	"dataport/internal/common/db"
	"dataport/internal/common/mq"
	"dataport/internal/common/storage"
	"dataport/internal/export/model"
	"dataport/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultMetricsAddr     = "0.0.0.0:9090"
	defaultShutdownTimeout = 30 * time.Second
)

// MetricsConfig holds the metrics listener settings.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// TopicConfig names the queue topics.
type TopicConfig struct {
	Requests   string `yaml:"requests"`
	Retry      string `yaml:"retry"`
	DeadLetter string `yaml:"deadLetter"`
	Completed  string `yaml:"completed"`
}

// AutoRetryConfig bounds automatic requeues of failed jobs.
type AutoRetryConfig struct {
	Max       int           `yaml:"max"`
	BaseDelay time.Duration `yaml:"baseDelay"`
	MaxDelay  time.Duration `yaml:"maxDelay"`
}

// ComplianceConfig is the notice shipped in every export.
type ComplianceConfig struct {
	Regulation string `yaml:"regulation"`
	Notice     string `yaml:"notice"`
	Controller string `yaml:"controller"`
	Contact    string `yaml:"contact"`
}

func (c ComplianceConfig) toModel() model.ComplianceInfo {
	return model.ComplianceInfo{
		Regulation: c.Regulation,
		Notice:     c.Notice,
		Controller: c.Controller,
		Contact:    c.Contact,
	}
}

// WorkerConfig holds pipeline settings.
type WorkerConfig struct {
	Topics                TopicConfig         `yaml:"topics"`
	Consumer              mq.SubscribeOptions `yaml:"consumer"`
	AutoRetry             AutoRetryConfig     `yaml:"autoRetry"`
	Bucket                string              `yaml:"bucket"`
	KeyPrefix             string              `yaml:"keyPrefix"`
	Locale                string              `yaml:"locale"`
	Timezone              string              `yaml:"timezone"`
	CategoryLimit         int                 `yaml:"categoryLimit"`
	GenericIDThreshold    float64             `yaml:"genericIdThreshold"`
	MaxArtifactBytes      int64               `yaml:"maxArtifactBytes"`
	ArchiveThresholdBytes int64               `yaml:"archiveThresholdBytes"`
	CompressionLevel      int                 `yaml:"compressionLevel"`
	ProgressTTL           time.Duration       `yaml:"progressTTL"`
	StuckAfter            time.Duration       `yaml:"stuckAfter"`
	SweepInterval         time.Duration       `yaml:"sweepInterval"`
	SweepBatch            int                 `yaml:"sweepBatch"`
	JobTimeout            time.Duration       `yaml:"jobTimeout"`
	DBTimeout             time.Duration       `yaml:"dbTimeout"`
	StorageTimeout        time.Duration       `yaml:"storageTimeout"`
	Compliance            ComplianceConfig    `yaml:"compliance"`
}

// AppConfig holds export-worker configuration.
type AppConfig struct {
	Metrics  MetricsConfig       `yaml:"metrics"`
	Logger   logger.Config       `yaml:"logger"`
	Database db.MySQLConfig      `yaml:"database"`
	Redis    cache.RedisConfig   `yaml:"redis"`
	Kafka    mq.KafkaConfig      `yaml:"kafka"`
	MinIO    storage.MinIOConfig `yaml:"minio"`
	Worker   WorkerConfig        `yaml:"worker"`
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = defaultMetricsAddr
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}

	w := &cfg.Worker
	if w.Bucket == "" {
		return nil, fmt.Errorf("worker bucket is required")
	}
	if w.Topics.Requests == "" {
		w.Topics.Requests = "export.requests"
	}
	if w.Topics.Retry == "" {
		w.Topics.Retry = "export.requests.retry"
	}
	if w.Topics.DeadLetter == "" {
		w.Topics.DeadLetter = "export.requests.dlq"
	}
	if w.Topics.Completed == "" {
		w.Topics.Completed = "export.completed"
	}
	if w.Consumer.ConsumerGroup == "" {
		w.Consumer.ConsumerGroup = "export-worker"
	}
	if w.Consumer.Concurrency == 0 {
		w.Consumer.Concurrency = 4
	}
	if w.Consumer.DeadLetterTopic == "" {
		w.Consumer.DeadLetterTopic = w.Topics.DeadLetter
	}
	w.Consumer.SetDefaults()
	if w.AutoRetry.Max == 0 {
		w.AutoRetry.Max = 2
	}
	if w.AutoRetry.BaseDelay == 0 {
		w.AutoRetry.BaseDelay = 5 * time.Second
	}
	if w.AutoRetry.MaxDelay == 0 {
		w.AutoRetry.MaxDelay = time.Minute
	}
	if w.KeyPrefix == "" {
		w.KeyPrefix = "exports"
	}
	if w.Locale == "" {
		w.Locale = "it"
	}
	if w.Timezone == "" {
		w.Timezone = "Europe/Rome"
	}
	if w.CategoryLimit == 0 {
		w.CategoryLimit = 10000
	}
	if w.GenericIDThreshold == 0 {
		w.GenericIDThreshold = 0.7
	}
	if w.MaxArtifactBytes == 0 {
		w.MaxArtifactBytes = 512 << 20
	}
	if w.ArchiveThresholdBytes == 0 {
		w.ArchiveThresholdBytes = 10 << 20
	}
	if w.ProgressTTL == 0 {
		w.ProgressTTL = time.Hour
	}
	if w.StuckAfter == 0 {
		w.StuckAfter = 2 * time.Hour
	}
	if w.SweepInterval == 0 {
		w.SweepInterval = time.Minute
	}
	if w.SweepBatch == 0 {
		w.SweepBatch = 100
	}
	if w.JobTimeout == 0 {
		w.JobTimeout = 30 * time.Minute
	}
	if w.DBTimeout == 0 {
		w.DBTimeout = 3 * time.Second
	}
	if w.StorageTimeout == 0 {
		w.StorageTimeout = 2 * time.Minute
	}
	return &cfg, nil
}
