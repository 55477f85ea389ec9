package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config: корневая структура конфигурации сервиса.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Console  ServerConfig   `mapstructure:"console"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Poller   PollerConfig   `mapstructure:"poller"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig: postgres в проде, sqlite для локального запуска и CLI.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // postgres | sqlite
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig: Pub/Sub инвалидации кэша политик.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LedgerConfig: подключение к внешнему реестру и защита вызовов.
type LedgerConfig struct {
	Mode        string        `mapstructure:"mode"` // grpc | memory
	Addr        string        `mapstructure:"addr"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	RateLimit   float64       `mapstructure:"rate_limit"`
	RateBurst   int           `mapstructure:"rate_burst"`

	// Circuit Breaker
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBFailures    uint32        `mapstructure:"cb_consecutive_failures"`

	// Только для mode=memory: сколько чтений баланса проекция "отстает" от записи.
	MemoryVisibilityLag int `mapstructure:"memory_visibility_lag"`
}

// EngineConfig: настройки конвейера команд.
type EngineConfig struct {
	SubmitAttempts   uint          `mapstructure:"submit_attempts"`
	SubmitBackoff    time.Duration `mapstructure:"submit_backoff"`
	SubmitMaxBackoff time.Duration `mapstructure:"submit_max_backoff"`
	RequirePolicy    bool          `mapstructure:"require_policy"`

	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`
}

type PolicyConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	// Тенанты, чьи политики ledger.* грузятся в кэш при старте
	WarmupTenants []string `mapstructure:"warmup_tenants"`
	// Каталог с *.cue схемами parameters; имя файла задает префикс business_key
	SchemaDir string `mapstructure:"schema_dir"`
}

type PollerConfig struct {
	MaxAttempts  uint          `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"` // host:port OTLP/HTTP; пусто: трассировка выключена
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoadConfig объединяет значения из файла, ENV и дефолтов.
// configPath может быть пустым: тогда ищем config.yaml в . и ./configs.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Файла нет: работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("config: database.url is required for postgres")
		}
	case "sqlite":
	default:
		return fmt.Errorf("config: unknown database.driver %q", c.Database.Driver)
	}
	switch c.Ledger.Mode {
	case "grpc":
		if c.Ledger.Addr == "" {
			return errors.New("config: ledger.addr is required for grpc mode")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown ledger.mode %q", c.Ledger.Mode)
	}
	if c.Ledger.RateLimit < 0 {
		return errors.New("config: ledger.rate_limit must not be negative")
	}
	// С burst 0 лимитер не пропустит ни одного вызова
	if c.Ledger.RateLimit > 0 && c.Ledger.RateBurst < 1 {
		return errors.New("config: ledger.rate_burst must be at least 1 when ledger.rate_limit is set")
	}
	if c.Engine.SubmitAttempts == 0 {
		return errors.New("config: engine.submit_attempts must be positive")
	}
	if c.Poller.MaxAttempts == 0 {
		return errors.New("config: poller.max_attempts must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("console.port", 8000)
	v.SetDefault("console.read_timeout", 5*time.Second)
	v.SetDefault("console.write_timeout", 10*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("ledger.mode", "grpc")
	v.SetDefault("ledger.addr", "localhost:50051")
	v.SetDefault("ledger.call_timeout", 10*time.Second)
	v.SetDefault("ledger.rate_limit", 100.0)
	v.SetDefault("ledger.rate_burst", 20)
	v.SetDefault("ledger.cb_max_requests", 3)
	v.SetDefault("ledger.cb_interval", 5*time.Second)
	v.SetDefault("ledger.cb_timeout", 30*time.Second)
	v.SetDefault("ledger.cb_consecutive_failures", 5)
	v.SetDefault("ledger.memory_visibility_lag", 2)

	v.SetDefault("engine.submit_attempts", 4)
	v.SetDefault("engine.submit_backoff", 100*time.Millisecond)
	v.SetDefault("engine.submit_max_backoff", 2*time.Second)
	v.SetDefault("engine.require_policy", true)
	v.SetDefault("engine.audit_buffer_size", 1000)
	v.SetDefault("engine.audit_flush_interval", 1*time.Second)

	v.SetDefault("policy.cache_ttl", 3*time.Second)

	v.SetDefault("poller.max_attempts", 10)
	v.SetDefault("poller.initial_delay", 50*time.Millisecond)
	v.SetDefault("poller.max_delay", 1*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("tracing.service_name", "ledger-bridge")
	v.SetDefault("tracing.sample_ratio", 1.0)
}
