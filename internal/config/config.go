package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Retry     RetryConfig     `mapstructure:"retry"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	URL             string        `mapstructure:"url"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// DSN resolves the connection string: an explicit URL wins, otherwise one is
// assembled from the individual fields.
func (c PostgresConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// KafkaConfig controls the optional outcome event stream. Leaving Brokers
// empty disables publishing.
type KafkaConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	ClientID     string   `mapstructure:"client_id"`
	OutcomeTopic string   `mapstructure:"outcome_topic"`
}

// Enabled reports whether outcome publishing is configured.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SchedulerConfig paces the reconciliation loop. Intervals are plain seconds
// so the conventional environment variables stay unit-less.
type SchedulerConfig struct {
	CheckIntervalSec       int           `mapstructure:"check_interval"`
	MaxConcurrentCampaigns int           `mapstructure:"max_concurrent_campaigns"`
	StopTimeout            time.Duration `mapstructure:"stop_timeout"`
}

// CheckInterval returns the cycle period as a duration.
func (c SchedulerConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSec) * time.Second
}

type RetryConfig struct {
	DefaultIntervalSec int `mapstructure:"default_interval"`
	MaxAttempts        int `mapstructure:"max_attempts"`
}

// DefaultInterval returns the fallback retry delay as a duration.
func (c RetryConfig) DefaultInterval() time.Duration {
	return time.Duration(c.DefaultIntervalSec) * time.Second
}

// Load reads configuration from an optional YAML file and the environment.
// Environment variables override file values; the well-known names
// (DATABASE_URL, POSTGRES_*, REDIS_URL, CHECK_INTERVAL,
// MAX_CONCURRENT_CAMPAIGNS, DEFAULT_RETRY_INTERVAL, MAX_RETRY_ATTEMPTS) are
// bound without a prefix.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("OUTBOUND")
	v.SetEnvKeyReplacer(NewEnvReplacer())
	bindWellKnownEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(path); statErr == nil {
				return nil, fmt.Errorf("config: failed to read config file: %w", err)
			}
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "outbound-call-scheduler")
	v.SetDefault("app.env", "development")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", time.Minute)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.database", "callbot")
	v.SetDefault("postgres.max_conns", 4)
	v.SetDefault("postgres.min_conns", 1)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("kafka.client_id", "outbound-call-scheduler")
	v.SetDefault("kafka.outcome_topic", "call.outcomes")

	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.shutdown_timeout", 5*time.Second)

	v.SetDefault("scheduler.check_interval", 60)
	v.SetDefault("scheduler.max_concurrent_campaigns", 10)
	v.SetDefault("scheduler.stop_timeout", 5*time.Second)

	v.SetDefault("retry.default_interval", 300)
	v.SetDefault("retry.max_attempts", 3)
}

// bindWellKnownEnv maps the deployment's conventional variable names onto
// config keys so they work without the OUTBOUND_ prefix.
func bindWellKnownEnv(v *viper.Viper) {
	_ = v.BindEnv("postgres.url", "DATABASE_URL")
	_ = v.BindEnv("postgres.host", "POSTGRES_HOST")
	_ = v.BindEnv("postgres.port", "POSTGRES_PORT")
	_ = v.BindEnv("postgres.user", "POSTGRES_USER")
	_ = v.BindEnv("postgres.password", "POSTGRES_PASSWORD")
	_ = v.BindEnv("postgres.database", "POSTGRES_DB")
	_ = v.BindEnv("redis.url", "REDIS_URL")
	_ = v.BindEnv("scheduler.check_interval", "CHECK_INTERVAL")
	_ = v.BindEnv("scheduler.max_concurrent_campaigns", "MAX_CONCURRENT_CAMPAIGNS")
	_ = v.BindEnv("retry.default_interval", "DEFAULT_RETRY_INTERVAL")
	_ = v.BindEnv("retry.max_attempts", "MAX_RETRY_ATTEMPTS")
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
