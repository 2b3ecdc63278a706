// Package config builds runtime configuration from the environment so main
// stays lean. Static per-jurisdiction compliance rules live in
// internal/evv/rules, not here: they are regulatory facts, not deployment
// knobs.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr string
}

// Postgres captures database connection configuration.
type Postgres struct {
	DSN string
}

// Redis captures the drain-lock redis configuration.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka captures the audit event sink configuration. An empty broker list
// disables the kafka sink and audit events stay in the local store.
type Kafka struct {
	Brokers []string
	Topic   string
}

// Aggregators carries per-vendor endpoint and credential configuration.
// One vendor entry serves every jurisdiction routed to that vendor.
type Aggregators struct {
	Sandata     SandataConfig
	Tellus      TellusConfig
	HHAeXchange HHAeXchangeConfig
}

// SandataConfig configures the Sandata adapter (basic auth).
type SandataConfig struct {
	BaseURL  string
	Account  string
	Password string
	Timeout  time.Duration
}

// TellusConfig configures the Tellus/Netsmart adapter (static API key).
type TellusConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HHAeXchangeConfig configures the HHAeXchange adapter (signed JWT bearer).
type HHAeXchangeConfig struct {
	BaseURL    string
	ClientID   string
	SigningKey string
	Timeout    time.Duration
}

// Queue captures offline sync queue retry policy.
type Queue struct {
	MaxRetries   int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	BatchSize    int
	DrainWorkers int
	LockTTL      time.Duration
}

// Config is the full runtime configuration.
type Config struct {
	Server      Server
	Postgres    Postgres
	Redis       Redis
	Kafka       Kafka
	Aggregators Aggregators
	Queue       Queue
}

// FromEnv builds a Config from environment variables with dev defaults.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr: envOr("CARETRACK_ADDR", ":8080"),
		},
		Postgres: Postgres{
			DSN: envOr("CARETRACK_POSTGRES_DSN", ""),
		},
		Redis: Redis{
			URL:          envOr("CARETRACK_REDIS_URL", ""),
			PoolSize:     envInt("CARETRACK_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("CARETRACK_REDIS_MIN_IDLE", 2),
			DialTimeout:  envDuration("CARETRACK_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("CARETRACK_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("CARETRACK_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: Kafka{
			Brokers: envList("CARETRACK_KAFKA_BROKERS"),
			Topic:   envOr("CARETRACK_AUDIT_TOPIC", "caretrack.compliance-audit"),
		},
		Aggregators: Aggregators{
			Sandata: SandataConfig{
				BaseURL:  envOr("SANDATA_BASE_URL", "https://api.sandata.com/interfaces/intake"),
				Account:  os.Getenv("SANDATA_ACCOUNT"),
				Password: os.Getenv("SANDATA_PASSWORD"),
				Timeout:  envDuration("SANDATA_TIMEOUT", 15*time.Second),
			},
			Tellus: TellusConfig{
				BaseURL: envOr("TELLUS_BASE_URL", "https://evv.4tellus.net/api/v1"),
				APIKey:  os.Getenv("TELLUS_API_KEY"),
				Timeout: envDuration("TELLUS_TIMEOUT", 15*time.Second),
			},
			HHAeXchange: HHAeXchangeConfig{
				BaseURL:    envOr("HHAX_BASE_URL", "https://api.hhaexchange.com/v2"),
				ClientID:   os.Getenv("HHAX_CLIENT_ID"),
				SigningKey: os.Getenv("HHAX_SIGNING_KEY"),
				Timeout:    envDuration("HHAX_TIMEOUT", 15*time.Second),
			},
		},
		Queue: Queue{
			MaxRetries:   envInt("CARETRACK_QUEUE_MAX_RETRIES", 5),
			BaseBackoff:  envDuration("CARETRACK_QUEUE_BASE_BACKOFF", 30*time.Second),
			MaxBackoff:   envDuration("CARETRACK_QUEUE_MAX_BACKOFF", 30*time.Minute),
			BatchSize:    envInt("CARETRACK_QUEUE_BATCH_SIZE", 50),
			DrainWorkers: envInt("CARETRACK_QUEUE_DRAIN_WORKERS", 4),
			LockTTL:      envDuration("CARETRACK_QUEUE_LOCK_TTL", 2*time.Minute),
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
