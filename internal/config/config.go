// Package config provides configuration management for gavel.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, BROKER_KIND)
// 3. Default values
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"gavel.io/gavel/internal/pkg/retry"
)

// Backend names shared by the storage, dedup, broker and archive sections.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendS3       = "s3"
	BackendGCS      = "gcs"
	BackendNone     = "none"
)

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Auction    AuctionConfig    `mapstructure:"auction"`
	Dedup      DedupConfig      `mapstructure:"dedup"`
	DeadLetter DeadLetterConfig `mapstructure:"dead_letter"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Log        LogConfig        `mapstructure:"log"`
	River      RiverConfig      `mapstructure:"river"`
	Worker     WorkerConfig     `mapstructure:"worker"`
}

// ServerConfig contains ops HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// CORS for browser-based ops dashboards.
	AllowedOrigins        []string `mapstructure:"allowed_origins"`
	AllowCredentials      bool     `mapstructure:"allow_credentials"`
	UnsafeAllowAllOrigins bool     `mapstructure:"unsafe_allow_all_origins"`
}

// DatabaseConfig contains PostgreSQL connection settings.
// One pool is shared by the repository, the dedup store and River.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// RedisConfig contains the Redis connection used by the stream broker,
// the dead-letter stream and the redis dedup backend.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
}

// StorageConfig selects the auction/bid repository backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // memory or postgres
}

// BrokerConfig contains event broker settings.
type BrokerConfig struct {
	Kind          string        `mapstructure:"kind"` // memory or redis
	TopicPrefix   string        `mapstructure:"topic_prefix"`
	Partitions    int           `mapstructure:"partitions"`
	Group         string        `mapstructure:"group"`
	Consumer      string        `mapstructure:"consumer"`
	BatchSize     int           `mapstructure:"batch_size"`
	BlockTimeout  time.Duration `mapstructure:"block_timeout"`
	ClaimIdle     time.Duration `mapstructure:"claim_idle"`
	MaxDeliveries int           `mapstructure:"max_deliveries"`
	StreamMaxLen  int64         `mapstructure:"stream_max_len"`
	BufferSize    int           `mapstructure:"buffer_size"`
}

// AuctionConfig contains lifecycle and admission settings.
type AuctionConfig struct {
	// ScheduledOpen creates auctions whose open time is in the future as PENDING.
	ScheduledOpen bool `mapstructure:"scheduled_open"`
	// StaleVersionTolerance is the accepted distance between the auction version
	// and a bid's causal version. Negative disables the check.
	StaleVersionTolerance int64         `mapstructure:"stale_version_tolerance"`
	SweepInterval         time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize        int           `mapstructure:"sweep_batch_size"`
	ConflictRetries       int           `mapstructure:"conflict_retries"`
}

// DedupConfig contains idempotency store settings.
type DedupConfig struct {
	Backend        string        `mapstructure:"backend"` // memory, redis or postgres
	Retention      time.Duration `mapstructure:"retention"`
	MaxEntries     int           `mapstructure:"max_entries"`
	KeyPrefix      string        `mapstructure:"key_prefix"`
	PurgeInterval  time.Duration `mapstructure:"purge_interval"`
	RelayInterval  time.Duration `mapstructure:"relay_interval"`
	RelayBatchSize int           `mapstructure:"relay_batch_size"`
}

// DeadLetterConfig contains dead-letter alert throttling.
type DeadLetterConfig struct {
	AlertInterval time.Duration `mapstructure:"alert_interval"`
	AlertBurst    int           `mapstructure:"alert_burst"`
}

// RetryConfig is the in-process backoff for transient persistence failures.
type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Initial  time.Duration `mapstructure:"initial"`
	Factor   float64       `mapstructure:"factor"`
	Jitter   float64       `mapstructure:"jitter"`
	Cap      time.Duration `mapstructure:"cap"`
}

// Policy converts the section into a retry policy.
func (c RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		Attempts: c.Attempts,
		Initial:  c.Initial,
		Factor:   c.Factor,
		Jitter:   c.Jitter,
		Cap:      c.Cap,
	}
}

// ArchiveConfig contains terminal auction snapshot settings.
type ArchiveConfig struct {
	Backend      string `mapstructure:"backend"` // none, memory, s3 or gcs
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
	// SweepInterval is how often terminal auctions without snapshot are retried.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// TelemetryConfig contains OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ServiceName    string        `mapstructure:"service_name"`
	OTLPEndpoint   string        `mapstructure:"otlp_endpoint"`
	Insecure       bool          `mapstructure:"insecure"`
	ExportInterval time.Duration `mapstructure:"export_interval"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River Queue settings.
// River only runs when some component is backed by PostgreSQL.
type RiverConfig struct {
	Enabled                     bool          `mapstructure:"enabled"`
	MaxWorkers                  int           `mapstructure:"max_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	GeneralPoolSize    int `mapstructure:"general_pool_size"`
	BackgroundPoolSize int `mapstructure:"background_pool_size"`
	LaneCount          int `mapstructure:"lane_count"`
	LaneBuffer         int `mapstructure:"lane_buffer"`
}

// Load reads configuration from file and environment variables.
// Environment variables carry no prefix: database.max_conns → DATABASE_MAX_CONNS.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/gavel")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	if err := oneOf("storage.backend", c.Storage.Backend, BackendMemory, BackendPostgres); err != nil {
		return err
	}
	if err := oneOf("broker.kind", c.Broker.Kind, BackendMemory, BackendRedis); err != nil {
		return err
	}
	if err := oneOf("dedup.backend", c.Dedup.Backend, BackendMemory, BackendRedis, BackendPostgres); err != nil {
		return err
	}
	if err := oneOf("archive.backend", c.Archive.Backend, BackendNone, BackendMemory, BackendS3, BackendGCS); err != nil {
		return err
	}
	if c.Broker.Partitions <= 0 {
		return fmt.Errorf("broker.partitions must be positive")
	}
	if c.Broker.TopicPrefix == "" {
		return fmt.Errorf("broker.topic_prefix must not be empty")
	}
	if c.Broker.MaxDeliveries <= 0 {
		return fmt.Errorf("broker.max_deliveries must be positive")
	}
	if c.Dedup.Retention <= 0 {
		return fmt.Errorf("dedup.retention must be positive")
	}
	if c.Auction.SweepInterval <= 0 {
		return fmt.Errorf("auction.sweep_interval must be positive")
	}
	// the broker consumer and up to four local tickers hold slots for their lifetime
	if c.Worker.BackgroundPoolSize < 5 {
		return fmt.Errorf("worker.background_pool_size must be at least 5")
	}
	if c.Retry.Attempts <= 0 {
		return fmt.Errorf("retry.attempts must be positive")
	}
	if (c.Archive.Backend == BackendS3 || c.Archive.Backend == BackendGCS) && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required for the %s backend", c.Archive.Backend)
	}
	return nil
}

// UsesPostgres reports whether any component needs the database pool.
func (c *Config) UsesPostgres() bool {
	return c.Storage.Backend == BackendPostgres || c.Dedup.Backend == BackendPostgres
}

// UsesRedis reports whether any component needs the Redis client.
func (c *Config) UsesRedis() bool {
	return c.Broker.Kind == BackendRedis || c.Dedup.Backend == BackendRedis
}

// RiverEnabled reports whether periodic work runs as River jobs instead of local tickers.
func (c *Config) RiverEnabled() bool {
	return c.River.Enabled && c.UsesPostgres()
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "gavel"
	}
	return host
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.allow_credentials", true)
	v.SetDefault("server.unsafe_allow_all_origins", false)

	// Database
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "gavel")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "gavel")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 50)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", false)

	// Redis
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.pool_size", 20)

	// Storage
	v.SetDefault("storage.backend", BackendMemory)

	// Broker
	v.SetDefault("broker.kind", BackendMemory)
	v.SetDefault("broker.topic_prefix", "auction")
	v.SetDefault("broker.partitions", 8)
	v.SetDefault("broker.group", "auction-lifecycle")
	v.SetDefault("broker.consumer", defaultConsumerName())
	v.SetDefault("broker.batch_size", 64)
	v.SetDefault("broker.block_timeout", "2s")
	v.SetDefault("broker.claim_idle", "30s")
	v.SetDefault("broker.max_deliveries", 5)
	v.SetDefault("broker.stream_max_len", 100000)
	v.SetDefault("broker.buffer_size", 1024)

	// Auction
	v.SetDefault("auction.scheduled_open", false)
	v.SetDefault("auction.stale_version_tolerance", 5)
	v.SetDefault("auction.sweep_interval", "5s")
	v.SetDefault("auction.sweep_batch_size", 100)
	v.SetDefault("auction.conflict_retries", 3)

	// Dedup: retention covers the broker's maximum redelivery window
	v.SetDefault("dedup.backend", BackendMemory)
	v.SetDefault("dedup.retention", "24h")
	v.SetDefault("dedup.max_entries", 100000)
	v.SetDefault("dedup.key_prefix", "gavel")
	v.SetDefault("dedup.purge_interval", "1h")
	v.SetDefault("dedup.relay_interval", "30s")
	v.SetDefault("dedup.relay_batch_size", 100)

	// Dead letter
	v.SetDefault("dead_letter.alert_interval", "1m")
	v.SetDefault("dead_letter.alert_burst", 5)

	// Retry
	v.SetDefault("retry.attempts", 5)
	v.SetDefault("retry.initial", "50ms")
	v.SetDefault("retry.factor", 2.0)
	v.SetDefault("retry.jitter", 0.2)
	v.SetDefault("retry.cap", "2s")

	// Archive
	v.SetDefault("archive.backend", BackendMemory)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.use_path_style", false)
	v.SetDefault("archive.sweep_interval", "1m")

	// Telemetry
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "gavel")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.export_interval", "15s")

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.enabled", true)
	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.completed_job_retention_period", "24h")

	// Worker pools
	v.SetDefault("worker.general_pool_size", 100)
	v.SetDefault("worker.background_pool_size", 32)
	v.SetDefault("worker.lane_count", 64)
	v.SetDefault("worker.lane_buffer", 256)
}
