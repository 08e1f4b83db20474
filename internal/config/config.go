package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr string
	FeedAddr string

	Partitions       int
	IdleTimeout      time.Duration
	EvictionInterval time.Duration
	CommandTimeout   time.Duration
	WriteTimeout     time.Duration
	SnapshotEvery    int

	JournalDriver string
	DatabaseURL   string
	SQLitePath    string
	RedisURL      string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	VoteRateLimit float64
	VoteRateBurst int

	LogLevel string
	APIURL   string
}

// Load reads an optional .env file and then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to read .env: %w", err)
	}

	p := &parser{}
	cfg := Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		FeedAddr: getEnv("FEED_ADDR", ":8081"),

		Partitions:       p.int("PARTITIONS", 8),
		IdleTimeout:      p.duration("IDLE_TIMEOUT", 2*time.Minute),
		EvictionInterval: p.duration("EVICTION_INTERVAL", 30*time.Second),
		CommandTimeout:   p.duration("COMMAND_TIMEOUT", 5*time.Second),
		WriteTimeout:     p.duration("WRITE_TIMEOUT", 3*time.Second),
		SnapshotEvery:    p.int("SNAPSHOT_EVERY", 100),

		JournalDriver: getEnv("JOURNAL_DRIVER", "sqlite"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "votings.db"),
		RedisURL:      getEnv("REDIS_URL", ""),

		KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "voting-events"),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "voting-results"),

		VoteRateLimit: p.float("VOTE_RATE_LIMIT", 0),
		VoteRateBurst: p.int("VOTE_RATE_BURST", 10),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		APIURL:   getEnv("API_URL", "http://localhost:8080"),
	}
	if err := p.err(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.Partitions <= 0 {
		errs = append(errs, fmt.Errorf("PARTITIONS must be positive, got %d", c.Partitions))
	}
	if c.SnapshotEvery < 0 {
		errs = append(errs, fmt.Errorf("SNAPSHOT_EVERY must not be negative, got %d", c.SnapshotEvery))
	}
	switch c.JournalDriver {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required with JOURNAL_DRIVER=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown JOURNAL_DRIVER %q", c.JournalDriver))
	}
	return errors.Join(errs...)
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
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

// parser collects conversion errors so one run reports every bad value.
type parser struct {
	errs []error
}

func (p *parser) int(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (p *parser) err() error {
	return errors.Join(p.errs...)
}
