package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	strs "changehub/pkg/platform/strings"
)

// Config is the full process configuration shared by cmd/server and cmd/dispatcher.
type Config struct {
	Server     Server            `mapstructure:"server"`
	Database   DatabaseConfig    `mapstructure:"database"`
	Redis      RedisConfig       `mapstructure:"redis"`
	Notify     NotifyConfig      `mapstructure:"notify"`
	Dispatcher DispatcherConfig  `mapstructure:"dispatcher"`
	Kafka      KafkaConfig       `mapstructure:"kafka"`
	Log        LogConfig         `mapstructure:"log"`
	Routes     map[string]string `mapstructure:"routes"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr           string        `mapstructure:"addr"`
	OpsAddr        string        `mapstructure:"ops_addr"`
	AdminToken     string        `mapstructure:"admin_token"`
	CORSOrigins    []string      `mapstructure:"cors_origins"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// ShutdownTimeout bounds the graceful drain on SIGTERM.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects the storage backend. An empty URL runs everything in memory.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	TxTimeout       time.Duration `mapstructure:"tx_timeout"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig holds connection settings for the redis notification backend.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// NotifyConfig selects the wake-up signal transport.
type NotifyConfig struct {
	Backend string `mapstructure:"backend"`
	Channel string `mapstructure:"channel"`
}

// DispatcherConfig tunes the change log drain loop.
type DispatcherConfig struct {
	InstanceID           string        `mapstructure:"instance_id"`
	BatchSize            int           `mapstructure:"batch_size"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
	SweepGrace           time.Duration `mapstructure:"sweep_grace"`
	ClaimLease           time.Duration `mapstructure:"claim_lease"`
	Concurrency          int           `mapstructure:"concurrency"`
	DeliveryTimeout      time.Duration `mapstructure:"delivery_timeout"`
	MaxAttempts          int           `mapstructure:"max_attempts"`
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
	BreakerThreshold     int           `mapstructure:"breaker_threshold"`
	BreakerCooldown      time.Duration `mapstructure:"breaker_cooldown"`
}

// KafkaConfig enables kafka:// routing targets when brokers are set.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	ClientID string   `mapstructure:"client_id"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const (
	NotifyMemory   = "memory"
	NotifyPostgres = "postgres"
	NotifyRedis    = "redis"
)

// EnvPrefix namespaces environment overrides, e.g. CHANGEHUB_DATABASE_URL.
const EnvPrefix = "CHANGEHUB"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.ops_addr", ":9090")
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.tx_timeout", 5*time.Second)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("notify.channel", "record_changes")

	v.SetDefault("dispatcher.batch_size", 100)
	v.SetDefault("dispatcher.sweep_interval", 60*time.Second)
	v.SetDefault("dispatcher.sweep_grace", 5*time.Second)
	v.SetDefault("dispatcher.claim_lease", 5*time.Minute)
	v.SetDefault("dispatcher.concurrency", 8)
	v.SetDefault("dispatcher.delivery_timeout", 10*time.Second)
	v.SetDefault("dispatcher.max_attempts", 1)
	v.SetDefault("dispatcher.retry_initial_interval", 500*time.Millisecond)
	v.SetDefault("dispatcher.breaker_threshold", 0)
	v.SetDefault("dispatcher.breaker_cooldown", time.Minute)

	v.SetDefault("kafka.client_id", "changehub-dispatcher")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads .env (if present), then config.yaml from configPath (if present),
// then CHANGEHUB_* environment overrides.
func Load(configPath string) (Config, error) {
	if err := godotenv.Load(); err != nil && !isNotExist(err) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about; keys without
	// defaults must be bound explicitly.
	for _, key := range []string{
		"server.admin_token", "server.cors_origins",
		"database.url", "redis.url", "notify.backend",
		"dispatcher.instance_id", "kafka.brokers",
	} {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Server.CORSOrigins = strs.SplitList(cfg.Server.CORSOrigins)
	cfg.Kafka.Brokers = strs.SplitList(cfg.Kafka.Brokers)
	if cfg.Notify.Backend == "" {
		cfg.Notify.Backend = defaultNotifyBackend(cfg)
	}
	return cfg, cfg.Validate()
}

// Validate rejects combinations the processes cannot run with.
func (c Config) Validate() error {
	switch c.Notify.Backend {
	case NotifyMemory:
	case NotifyPostgres:
		if c.Database.URL == "" {
			return errors.New("notify backend postgres requires database.url")
		}
	case NotifyRedis:
		if c.Redis.URL == "" {
			return errors.New("notify backend redis requires redis.url")
		}
	default:
		return fmt.Errorf("unknown notify backend %q", c.Notify.Backend)
	}
	if c.Dispatcher.BatchSize <= 0 {
		return errors.New("dispatcher.batch_size must be positive")
	}
	if c.Dispatcher.MaxAttempts <= 0 {
		return errors.New("dispatcher.max_attempts must be at least 1")
	}
	if c.Dispatcher.SweepInterval <= 0 {
		return errors.New("dispatcher.sweep_interval must be positive")
	}
	return nil
}

// InMemory reports whether the process runs without Postgres.
func (c Config) InMemory() bool {
	return c.Database.URL == ""
}

func defaultNotifyBackend(cfg Config) string {
	if cfg.Database.URL != "" {
		return NotifyPostgres
	}
	return NotifyMemory
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
