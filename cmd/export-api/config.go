package main

import (
	"fmt"
	"os"
	"time"

	"dataport/internal/common/cache"
	"dataport/internal/common/db"
	commonmw "dataport/internal/common/http/middleware"
	"dataport/internal/common/mq"
	"dataport/internal/common/storage"
	"dataport/internal/export/service"
	"dataport/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// AuthConfig controls subject resolution.
type AuthConfig struct {
	JWTSecret string `yaml:"jwtSecret"`
}

// QuotaConfig holds the rolling request ceiling.
type QuotaConfig struct {
	Ceiling int           `yaml:"ceiling"`
	Window  time.Duration `yaml:"window"`
}

// ExportConfig holds export request settings.
type ExportConfig struct {
	Quota               QuotaConfig           `yaml:"quota"`
	TTL                 time.Duration         `yaml:"ttl"`
	MaxDownloads        int                   `yaml:"maxDownloads"`
	MaxDownloadsCeiling int                   `yaml:"maxDownloadsCeiling"`
	MaxRetries          int                   `yaml:"maxRetries"`
	IdempotencyTTL      time.Duration         `yaml:"idempotencyTTL"`
	ProgressTTL         time.Duration         `yaml:"progressTTL"`
	Bucket              string                `yaml:"bucket"`
	KeyPrefix           string                `yaml:"keyPrefix"`
	Topic               string                `yaml:"topic"`
	Timeouts            service.TimeoutConfig `yaml:"timeouts"`
}

// AppConfig holds export-api configuration.
type AppConfig struct {
	Server    ServerConfig             `yaml:"server"`
	Logger    logger.Config            `yaml:"logger"`
	Auth      AuthConfig               `yaml:"auth"`
	RateLimit commonmw.RateLimitPolicy `yaml:"rateLimit"`
	Database  db.MySQLConfig           `yaml:"database"`
	Redis     cache.RedisConfig        `yaml:"redis"`
	Kafka     mq.KafkaConfig           `yaml:"kafka"`
	MinIO     storage.MinIOConfig      `yaml:"minio"`
	Export    ExportConfig             `yaml:"export"`
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
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}

	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = time.Minute
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
	if cfg.Export.Bucket == "" {
		return nil, fmt.Errorf("export bucket is required")
	}

	if cfg.Export.Quota.Ceiling == 0 {
		cfg.Export.Quota.Ceiling = 5
	}
	if cfg.Export.Quota.Window == 0 {
		cfg.Export.Quota.Window = 24 * time.Hour
	}
	if cfg.Export.TTL == 0 {
		cfg.Export.TTL = 24 * time.Hour
	}
	if cfg.Export.MaxDownloads == 0 {
		cfg.Export.MaxDownloads = 10
	}
	if cfg.Export.MaxDownloadsCeiling == 0 {
		cfg.Export.MaxDownloadsCeiling = 50
	}
	if cfg.Export.MaxRetries == 0 {
		cfg.Export.MaxRetries = 3
	}
	if cfg.Export.IdempotencyTTL == 0 {
		cfg.Export.IdempotencyTTL = 10 * time.Minute
	}
	if cfg.Export.ProgressTTL == 0 {
		cfg.Export.ProgressTTL = time.Hour
	}
	if cfg.Export.KeyPrefix == "" {
		cfg.Export.KeyPrefix = "exports"
	}
	if cfg.Export.Topic == "" {
		cfg.Export.Topic = "export.requests"
	}
	if cfg.Export.Timeouts.DB == 0 {
		cfg.Export.Timeouts.DB = 3 * time.Second
	}
	if cfg.Export.Timeouts.Cache == 0 {
		cfg.Export.Timeouts.Cache = 1 * time.Second
	}
	if cfg.Export.Timeouts.MQ == 0 {
		cfg.Export.Timeouts.MQ = 3 * time.Second
	}
	if cfg.Export.Timeouts.Storage == 0 {
		cfg.Export.Timeouts.Storage = 5 * time.Second
	}
	return &cfg, nil
}
