// Package config loads runtime settings from the environment, after an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type StoreKind string

const (
	StoreSQLite   StoreKind = "sqlite"
	StorePostgres StoreKind = "postgres"
	StoreMemory   StoreKind = "memory"
)

type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

// DSN returns a postgres:// connection string.
func (c PostgresConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

type RedisConfig struct {
	Addr     string // empty disables the audit sink
	Password string
	DB       int
	Channel  string
}

type KafkaConfig struct {
	Brokers []string // empty disables the notifier
	Topic   string
}

type AppConfig struct {
	Port        string
	Store       StoreKind
	SQLitePath  string
	Postgres    PostgresConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	MaxAttempts int
	EventBuffer int
	// SweepInterval of zero disables the status sweep.
	SweepInterval time.Duration
	SweepAgencies []string
	LogLevel      string
}

// LoadDotEnv loads .env files into the environment. A missing file is not an
// error; variables already set are left alone.
func LoadDotEnv(paths ...string) error {
	err := godotenv.Load(paths...)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Load reads the environment. Every malformed value is reported.
func Load() (AppConfig, error) {
	p := &parser{}
	cfg := AppConfig{
		Port:       getenv("APP_PORT", "8080"),
		Store:      StoreKind(getenv("LEDGER_STORE", string(StoreSQLite))),
		SQLitePath: getenv("SQLITE_PATH", "ledger.db"),
		Postgres: PostgresConfig{
			Host:     getenv("PG_HOST", "127.0.0.1"),
			Port:     p.atoi("PG_PORT", "5432"),
			User:     getenv("PG_USER", "postgres"),
			Password: getenv("PG_PASSWORD", ""),
			DBName:   getenv("PG_DB", "ledger"),
			SSLMode:  getenv("PG_SSLMODE", "disable"),
			MaxConns: p.atoi("PG_MAX_CONNS", "20"),
		},
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", ""),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       p.atoi("REDIS_DB", "0"),
			Channel:  getenv("REDIS_CHANNEL", "loan_payment_events"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(getenv("KAFKA_BROKERS", "")),
			Topic:   getenv("KAFKA_TOPIC", "loan-status-events"),
		},
		MaxAttempts:   p.atoi("LEDGER_MAX_ATTEMPTS", "5"),
		EventBuffer:   p.atoi("EVENT_BUFFER", "1024"),
		SweepInterval: p.duration("SWEEP_INTERVAL", "1h"),
		SweepAgencies: splitList(getenv("SWEEP_AGENCIES", "")),
		LogLevel:      getenv("LOG_LEVEL", "info"),
	}

	switch cfg.Store {
	case StoreSQLite, StorePostgres, StoreMemory:
	default:
		p.errs = append(p.errs, fmt.Errorf("LEDGER_STORE: unknown store %q", cfg.Store))
	}
	if cfg.MaxAttempts < 1 {
		p.errs = append(p.errs, fmt.Errorf("LEDGER_MAX_ATTEMPTS: must be at least 1"))
	}
	return cfg, errors.Join(p.errs...)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type parser struct {
	errs []error
}

func (p *parser) atoi(key, def string) int {
	s := getenv(key, def)
	i, err := strconv.Atoi(s)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid int value %q", key, s))
	}
	return i
}

// duration accepts Go durations ("90s", "1h") and "0".
func (p *parser) duration(key, def string) time.Duration {
	s := getenv(key, def)
	d, err := time.ParseDuration(s)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, s))
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
