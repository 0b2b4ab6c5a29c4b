package config

import (
	"bytes"
	_ "embed"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Service     ServiceConfig     `mapstructure:"service"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Postgres    DatabaseConfig    `mapstructure:"postgres"`
	Redis       RedisConfig       `mapstructure:"redis"`
	RabbitMQ    RabbitMQConfig    `mapstructure:"rabbitmq"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	Consumer    ConsumerConfig    `mapstructure:"consumer"`
	Vendor      VendorConfig      `mapstructure:"vendor"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Log         LogConfig         `mapstructure:"log"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// ---- Leaf structs ----

type ServiceConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type RabbitMQConfig struct {
	URL                  string   `mapstructure:"url"`
	Exchange             string   `mapstructure:"exchange"`
	Queue                string   `mapstructure:"queue"`
	BindingKeys          []string `mapstructure:"binding_keys"`
	DeadLetterExchange   string   `mapstructure:"dead_letter_exchange"`
	DeadLetterQueue      string   `mapstructure:"dead_letter_queue"`
	DeadLetterRoutingKey string   `mapstructure:"dead_letter_routing_key"`
	QueueType            string   `mapstructure:"queue_type"` // quorum | classic
	DeliveryLimit        int      `mapstructure:"delivery_limit"`
}

type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	TopicPrefix  string        `mapstructure:"topic_prefix"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

type OutboxConfig struct {
	Transport    string        `mapstructure:"transport"` // rabbitmq | kafka
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

type ConsumerConfig struct {
	Workers      int           `mapstructure:"workers"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
	LockWait     time.Duration `mapstructure:"lock_wait"`
	RequeueDelay time.Duration `mapstructure:"requeue_delay"`
}

type BreakerConfig struct {
	FailThreshold int           `mapstructure:"fail_threshold"`
	OpenFor       time.Duration `mapstructure:"open_for"`
}

type VendorConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Retries        int           `mapstructure:"retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	Breaker        BreakerConfig `mapstructure:"breaker"`
}

type RateLimitConfig struct {
	Limit  int           `mapstructure:"limit"` // requests per window and customer; 0 disables
	Window time.Duration `mapstructure:"window"`
}

type IdempotencyConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (ORDERSVC_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (ORDERSVC_POSTGRES_DSN, ...)
	v.SetEnvPrefix("ORDERSVC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	// SERVICE_NAME is shared with the other services of the platform.
	if name := strings.TrimSpace(os.Getenv("SERVICE_NAME")); name != "" {
		cfg.Service.Name = name
	}
	return cfg, nil
}
