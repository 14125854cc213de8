package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/wa-dispatcher/internal/broadcast"
	"github.com/cuongbtq/wa-dispatcher/internal/cache"
	"github.com/cuongbtq/wa-dispatcher/internal/dispatcher"
	"github.com/cuongbtq/wa-dispatcher/internal/provider/whatsapp"
	"github.com/cuongbtq/wa-dispatcher/shared/database"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// EnvPrefix prefixes every environment override
	EnvPrefix = "DISPATCHER_"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Database   DatabaseConfig   `yaml:"database" envPrefix:"DATABASE_"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq" envPrefix:"RABBITMQ_"`
	Redis      RedisConfig      `yaml:"redis" envPrefix:"REDIS_"`
	Logging    LoggingConfig    `yaml:"logging" envPrefix:"LOG_"`
	App        AppConfig        `yaml:"app" envPrefix:"APP_"`
	Dispatcher DispatcherConfig `yaml:"dispatcher" envPrefix:"JOBS_"`
	Provider   ProviderConfig   `yaml:"provider" envPrefix:"WHATSAPP_"`
	Broadcast  BroadcastConfig  `yaml:"broadcast" envPrefix:"STREAM_"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port        int           `yaml:"port" env:"PORT"`
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// WriteTimeout applies to the whole response; keep it 0 so event streams stay open
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig holds the SQL store configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"DRIVER"` // postgres, sqlite
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Database        string        `yaml:"database" env:"NAME"`
	SSLMode         string        `yaml:"sslmode" env:"SSLMODE"`
	Path            string        `yaml:"path" env:"PATH"`
	AutoMigrate     bool          `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled" env:"ENABLED"`
	Host       string           `yaml:"host" env:"HOST"`
	Port       int              `yaml:"port" env:"PORT"`
	User       string           `yaml:"user" env:"USER"`
	Password   string           `yaml:"password" env:"PASSWORD"`
	VHost      string           `yaml:"vhost" env:"VHOST"`
	Exchange   ExchangeConfig   `yaml:"exchange" envPrefix:"EXCHANGE_"`
	Queue      QueueConfig      `yaml:"queue" envPrefix:"QUEUE_"`
	RoutingKey string           `yaml:"routing_key" env:"ROUTING_KEY"`
	Connection ConnectionConfig `yaml:"connection" envPrefix:"CONNECTION_"`
	Publish    PublishConfig    `yaml:"publish" envPrefix:"PUBLISH_"`
	Consumer   ConsumerConfig   `yaml:"consumer" envPrefix:"CONSUMER_"`
	Events     EventsConfig     `yaml:"events" envPrefix:"EVENTS_"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name" env:"NAME"`
	Type       string `yaml:"type" env:"TYPE"`
	Durable    bool   `yaml:"durable" env:"DURABLE"`
	AutoDelete bool   `yaml:"auto_delete" env:"AUTO_DELETE"`
}

// QueueConfig holds RabbitMQ intake queue configuration
type QueueConfig struct {
	Name       string `yaml:"name" env:"NAME"`
	Durable    bool   `yaml:"durable" env:"DURABLE"`
	AutoDelete bool   `yaml:"auto_delete" env:"AUTO_DELETE"`
	Exclusive  bool   `yaml:"exclusive" env:"EXCLUSIVE"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryInterval time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
	Heartbeat     time.Duration `yaml:"heartbeat" env:"HEARTBEAT"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryInterval     time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`
}

// ConsumerConfig holds intake consumer settings
type ConsumerConfig struct {
	Enabled       bool   `yaml:"enabled" env:"ENABLED"`
	Tag           string `yaml:"tag" env:"TAG"`
	PrefetchCount int    `yaml:"prefetch_count" env:"PREFETCH_COUNT"`
}

// EventsConfig controls mirroring of progress events to the exchange
type EventsConfig struct {
	Mirror bool   `yaml:"mirror" env:"MIRROR"`
	Prefix string `yaml:"prefix" env:"PREFIX"`
}

// RedisConfig holds the Redis sent index configuration
type RedisConfig struct {
	Enabled       bool          `yaml:"enabled" env:"ENABLED"`
	Addr          string        `yaml:"addr" env:"ADDR"`
	Password      string        `yaml:"password" env:"PASSWORD"`
	DB            int           `yaml:"db" env:"DB"`
	DialTimeout   time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	ReadTimeout   time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout  time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	SentIndexSize int           `yaml:"sent_index_size" env:"SENT_INDEX_SIZE"`
	SentIndexTTL  time.Duration `yaml:"sent_index_ttl" env:"SENT_INDEX_TTL"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LEVEL"`
	Format       string `yaml:"format" env:"FORMAT"`
	Output       string `yaml:"output" env:"OUTPUT"`
	EnableCaller bool   `yaml:"enable_caller" env:"ENABLE_CALLER"`
	TimeFormat   string `yaml:"time_format" env:"TIME_FORMAT"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name" env:"NAME"`
	Version     string `yaml:"version" env:"VERSION"`
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
}

// DispatcherConfig holds job queue and batch processing settings
type DispatcherConfig struct {
	BatchSize     int `yaml:"batch_size" env:"BATCH_SIZE"`
	MaxRecipients int `yaml:"max_recipients" env:"MAX_RECIPIENTS"`
	Concurrency   int `yaml:"concurrency" env:"CONCURRENCY"`
	// BatchDelay defaults to 1s when unset; a negative value disables the pause
	BatchDelay      time.Duration `yaml:"batch_delay" env:"BATCH_DELAY"`
	RatePerSecond   float64       `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	RateBurst       int           `yaml:"rate_burst" env:"RATE_BURST"`
	RecordTimeout   time.Duration `yaml:"record_timeout" env:"RECORD_TIMEOUT"`
	JobRetention    time.Duration `yaml:"job_retention" env:"JOB_RETENTION"`
	MaxRetainedJobs int           `yaml:"max_retained_jobs" env:"MAX_RETAINED_JOBS"`
	JanitorSchedule string        `yaml:"janitor_schedule" env:"JANITOR_SCHEDULE"`
}

// ProviderConfig holds WhatsApp Cloud API client settings
type ProviderConfig struct {
	BaseURL        string        `yaml:"base_url" env:"BASE_URL"`
	APIVersion     string        `yaml:"api_version" env:"API_VERSION"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	MaxAttempts    int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" env:"RETRY_BASE_DELAY"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	RetryJitter    time.Duration `yaml:"retry_jitter" env:"RETRY_JITTER"`
	TestMode       bool          `yaml:"test_mode" env:"TEST_MODE"`
	TestToken      string        `yaml:"test_token" env:"TEST_TOKEN"`
}

// BroadcastConfig holds progress stream settings
type BroadcastConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

// Load reads the configuration file, applies environment overrides and fills defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.ParseWithOptions(&config, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	setDefault(&c.Server.Port, 8080)
	setDefault(&c.Server.ReadTimeout, 15*time.Second)
	setDefault(&c.Server.IdleTimeout, 60*time.Second)
	setDefault(&c.Server.ShutdownTimeout, 30*time.Second)

	setDefault(&c.Database.Driver, database.DriverSQLite)
	setDefault(&c.Database.Path, "data/dispatcher.db")
	setDefault(&c.Database.SSLMode, "disable")
	setDefault(&c.Database.MaxOpenConns, 25)
	setDefault(&c.Database.MaxIdleConns, 5)
	setDefault(&c.Database.ConnMaxLifetime, 5*time.Minute)
	setDefault(&c.Database.ConnMaxIdleTime, 5*time.Minute)

	setDefault(&c.RabbitMQ.Port, 5672)
	setDefault(&c.RabbitMQ.VHost, "/")
	setDefault(&c.RabbitMQ.Exchange.Type, "topic")
	setDefault(&c.RabbitMQ.Connection.RetryAttempts, 5)
	setDefault(&c.RabbitMQ.Connection.RetryInterval, 2*time.Second)
	setDefault(&c.RabbitMQ.Connection.Heartbeat, 10*time.Second)
	setDefault(&c.RabbitMQ.Publish.RetryAttempts, 3)
	setDefault(&c.RabbitMQ.Publish.RetryInterval, 100*time.Millisecond)
	setDefault(&c.RabbitMQ.Publish.BackoffMultiplier, 2.0)
	setDefault(&c.RabbitMQ.Consumer.PrefetchCount, 10)
	setDefault(&c.RabbitMQ.Events.Prefix, "dispatcher.events")

	setDefault(&c.Redis.DialTimeout, 5*time.Second)
	setDefault(&c.Redis.ReadTimeout, 3*time.Second)
	setDefault(&c.Redis.WriteTimeout, 3*time.Second)
	setDefault(&c.Redis.SentIndexSize, cache.DefaultSentIndexSize)
	setDefault(&c.Redis.SentIndexTTL, cache.DefaultSentIndexTTL)

	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "console")
	setDefault(&c.Logging.Output, "stdout")
	setDefault(&c.Logging.TimeFormat, time.RFC3339)

	setDefault(&c.App.Name, "wa-dispatcher")
	setDefault(&c.App.Environment, "development")

	setDefault(&c.Dispatcher.BatchSize, dispatcher.DefaultBatchSize)
	setDefault(&c.Dispatcher.MaxRecipients, dispatcher.DefaultMaxRecipients)
	setDefault(&c.Dispatcher.Concurrency, dispatcher.DefaultConcurrency)
	setDefault(&c.Dispatcher.BatchDelay, dispatcher.DefaultBatchDelay)
	setDefault(&c.Dispatcher.RecordTimeout, dispatcher.DefaultRecordTimeout)
	setDefault(&c.Dispatcher.JobRetention, dispatcher.DefaultJobRetention)
	setDefault(&c.Dispatcher.MaxRetainedJobs, dispatcher.DefaultMaxRetainedJobs)
	setDefault(&c.Dispatcher.JanitorSchedule, dispatcher.DefaultJanitorSchedule)

	setDefault(&c.Provider.BaseURL, whatsapp.DefaultBaseURL)
	setDefault(&c.Provider.APIVersion, whatsapp.DefaultAPIVersion)
	setDefault(&c.Provider.RequestTimeout, whatsapp.DefaultRequestTimeout)
	setDefault(&c.Provider.MaxAttempts, whatsapp.DefaultMaxAttempts)
	setDefault(&c.Provider.RetryBaseDelay, whatsapp.DefaultRetryBaseDelay)
	setDefault(&c.Provider.RetryMaxDelay, whatsapp.DefaultRetryMaxDelay)
	setDefault(&c.Provider.RetryJitter, whatsapp.DefaultRetryJitter)
	setDefault(&c.Provider.TestToken, whatsapp.DefaultTestToken)

	setDefault(&c.Broadcast.HeartbeatInterval, broadcast.DefaultHeartbeatInterval)
	setDefault(&c.Broadcast.WriteTimeout, 10*time.Second)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}

		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}

		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}

		if c.RabbitMQ.Queue.Name == "" {
			return fmt.Errorf("rabbitmq queue name is required")
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %q (must be json or console)", c.Logging.Format)
	}

	return c.validateDispatcher()
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case database.DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	case database.DriverPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}

		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}

		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
	return nil
}

func (c *Config) validateDispatcher() error {
	d := c.Dispatcher
	if d.BatchSize <= 0 {
		return fmt.Errorf("dispatcher batch_size must be greater than 0")
	}

	if d.MaxRecipients <= 0 {
		return fmt.Errorf("dispatcher max_recipients must be greater than 0")
	}

	if d.Concurrency <= 0 {
		return fmt.Errorf("dispatcher concurrency must be greater than 0")
	}

	if d.RatePerSecond < 0 {
		return fmt.Errorf("dispatcher rate_per_second must not be negative")
	}

	if c.Provider.MaxAttempts < 1 {
		return fmt.Errorf("provider max_attempts must be at least 1")
	}

	if c.Provider.RetryMaxDelay < c.Provider.RetryBaseDelay {
		return fmt.Errorf("provider retry_max_delay must not be lower than retry_base_delay")
	}

	return nil
}
