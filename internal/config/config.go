package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Defaults are overlaid by the YAML file named in CONFIG_FILE, if any, and
// then by environment variables, so the binary runs locally with no setup.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// StoreBackend is memory, postgres or mongo. Left empty it is inferred
	// from whichever DSN is set.
	StoreBackend  string `yaml:"store_backend"`
	PGDSN         string `yaml:"pg_dsn"`
	RunMigrations bool   `yaml:"run_migrations"`
	MongoURL      string `yaml:"mongo_url"`
	MongoDatabase string `yaml:"mongo_database"`

	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	LockPrefix    string        `yaml:"lock_prefix"`
	LockTTL       time.Duration `yaml:"lock_ttl"`
	LockRetry     time.Duration `yaml:"lock_retry"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	AMQPURL      string `yaml:"amqp_url"`
	AMQPExchange string `yaml:"amqp_exchange"`

	WebhookURL   string `yaml:"webhook_url"`
	WebhookToken string `yaml:"webhook_token"`

	PublishTimeout time.Duration `yaml:"publish_timeout"`

	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	ListLimit          int      `yaml:"list_limit"`
	MaxBodyBytes       int64    `yaml:"max_body_bytes"`

	LogLevel string `yaml:"log_level"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		MongoDatabase:      "ride_negotiator",
		LockPrefix:         "ride:lock:",
		LockTTL:            5 * time.Second,
		LockRetry:          25 * time.Millisecond,
		KafkaTopic:         "negotiation-events",
		AMQPExchange:       "negotiation_topic",
		PublishTimeout:     2 * time.Second,
		CORSAllowedOrigins: []string{"*"},
		ListLimit:          500,
		MaxBodyBytes:       1 << 20,
		LogLevel:           "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return cfg, err
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.StoreBackend, "STORE_BACKEND")
	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	setBoolFromEnv(&cfg.RunMigrations, "MIGRATE", &errs)
	setStringFromEnv(&cfg.MongoURL, "MONGO_URL")
	setStringFromEnv(&cfg.MongoDatabase, "MONGO_DATABASE")

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.LockPrefix, "LOCK_PREFIX")
	setDurationFromEnv(&cfg.LockTTL, "LOCK_TTL", &errs)
	setDurationFromEnv(&cfg.LockRetry, "LOCK_RETRY", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	setStringFromEnv(&cfg.AMQPURL, "AMQP_URL")
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	setStringFromEnv(&cfg.WebhookURL, "WEBHOOK_URL")
	setStringFromEnv(&cfg.WebhookToken, "WEBHOOK_TOKEN")
	setDurationFromEnv(&cfg.PublishTimeout, "EVENT_PUBLISH_TIMEOUT", &errs)

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		cfg.CORSAllowedOrigins = splitAndTrim(origins)
	}
	setIntFromEnv(&cfg.ListLimit, "RIDES_LIST_LIMIT", &errs)
	setInt64FromEnv(&cfg.MaxBodyBytes, "HTTP_MAX_BODY_BYTES", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.StoreBackend = strings.ToLower(cfg.StoreBackend)
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = inferStoreBackend(cfg)
	}
	switch cfg.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if cfg.PGDSN == "" {
			errs = append(errs, fmt.Errorf("STORE_BACKEND=postgres requires PG_DSN"))
		}
	case StoreMongo:
		if cfg.MongoURL == "" {
			errs = append(errs, fmt.Errorf("STORE_BACKEND=mongo requires MONGO_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend))
	}
	if cfg.ListLimit <= 0 {
		errs = append(errs, fmt.Errorf("RIDES_LIST_LIMIT must be > 0"))
	}
	if cfg.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("LOCK_TTL must be > 0"))
	}
	if cfg.PublishTimeout <= 0 || cfg.PublishTimeout >= cfg.LockTTL {
		errs = append(errs, fmt.Errorf("EVENT_PUBLISH_TIMEOUT must be > 0 and below LOCK_TTL"))
	}

	return cfg, errors.Join(errs...)
}

func inferStoreBackend(cfg ServerConfig) string {
	switch {
	case cfg.PGDSN != "":
		return StorePostgres
	case cfg.MongoURL != "":
		return StoreMongo
	default:
		return StoreMemory
	}
}

// ConsumerConfig configures the Kafka to Redis projection worker.
type ConsumerConfig struct {
	MetricsAddr   string        `yaml:"metrics_addr"`
	KafkaBrokers  []string      `yaml:"kafka_brokers"`
	KafkaTopic    string        `yaml:"kafka_topic"`
	KafkaGroup    string        `yaml:"kafka_group"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	HistoryLength int           `yaml:"history_length"`
	StateTTL      time.Duration `yaml:"state_ttl"`
	Attempts      int           `yaml:"attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
	LogLevel      string        `yaml:"log_level"`
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "negotiation-events",
		KafkaGroup:    "ride-negotiator-projection",
		RedisAddr:     "localhost:6379",
		HistoryLength: 50,
		StateTTL:      7 * 24 * time.Hour,
		Attempts:      3,
		RetryDelay:    200 * time.Millisecond,
		MaxBackoff:    30 * time.Second,
		LogLevel:      "info",
	}
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return cfg, err
		}
	}

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	setIntFromEnv(&cfg.HistoryLength, "PROJECTION_HISTORY", &errs)
	setDurationFromEnv(&cfg.StateTTL, "PROJECTION_TTL", &errs)
	setIntFromEnv(&cfg.Attempts, "REDIS_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "REDIS_RETRY_DELAY", &errs)
	setDurationFromEnv(&cfg.MaxBackoff, "KAFKA_MAX_BACKOFF", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	if cfg.HistoryLength <= 0 {
		errs = append(errs, fmt.Errorf("PROJECTION_HISTORY must be > 0"))
	}
	if cfg.Attempts <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// loadYAML overlays the file onto cfg; keys missing from the file keep their
// defaults.
func loadYAML(path string, cfg any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
