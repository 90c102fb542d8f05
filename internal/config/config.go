// Package config loads process settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"eventrelay/internal/domain"
)

type Config struct {
	Addr      string
	DBPath    string
	LogLevel  string
	LogFormat string
	Env       string

	EncryptionKey string
	VaultSalt     string
	WebhookSecret string
	APIKey        string

	DrainInterval      time.Duration
	QueueMaxConcurrent int
	QueueTimeout       time.Duration
	QueueMaxAttempts   int
	QueueRetryDelay    time.Duration
	MaxTrackedShops    int

	HTTPTimeout           time.Duration
	SegmentBaseURL        string
	FacebookBaseURL       string
	FacebookTestEventCode string

	ConnectionCheckCron string
	ConfigCacheTTL      time.Duration

	DeadLetterSinks []string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisKey        string
	RedisMaxLen     int64
	KafkaBrokers    []string
	KafkaTopic      string
}

// Production reports whether test-only behavior must be disabled.
func (c Config) Production() bool { return c.Env == "production" }

// Load reads files into the environment (a missing file is ignored,
// existing variables win) and then parses the environment.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("%w: load %s: %v", domain.ErrConfiguration, f, err)
		}
	}

	p := &parser{}
	c := Config{
		Addr:      getEnv("ADDR", ":8080"),
		DBPath:    getEnv("DB_PATH", "eventrelay.db"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		Env:       getEnv("APP_ENV", "development"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		VaultSalt:     os.Getenv("VAULT_SALT"),
		WebhookSecret: os.Getenv("SHOPIFY_WEBHOOK_SECRET"),
		APIKey:        os.Getenv("API_KEY"),

		DrainInterval:      p.duration("DRAIN_INTERVAL", time.Second),
		QueueMaxConcurrent: p.int("QUEUE_MAX_CONCURRENT", 5),
		QueueTimeout:       p.duration("QUEUE_TIMEOUT", 30*time.Second),
		QueueMaxAttempts:   p.int("QUEUE_MAX_ATTEMPTS", 3),
		QueueRetryDelay:    p.duration("QUEUE_RETRY_DELAY", time.Second),
		MaxTrackedShops:    p.int("MAX_TRACKED_SHOPS", 10000),

		HTTPTimeout:           p.duration("HTTP_TIMEOUT", 10*time.Second),
		SegmentBaseURL:        os.Getenv("SEGMENT_BASE_URL"),
		FacebookBaseURL:       os.Getenv("FACEBOOK_BASE_URL"),
		FacebookTestEventCode: os.Getenv("FACEBOOK_TEST_EVENT_CODE"),

		ConnectionCheckCron: getEnv("CONNECTION_CHECK_CRON", "*/15 * * * *"),
		ConfigCacheTTL:      p.duration("CONFIG_CACHE_TTL", 30*time.Second),

		DeadLetterSinks: splitList(getEnv("DEAD_LETTER_SINKS", "sqlite,log")),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         p.int("REDIS_DB", 0),
		RedisKey:        getEnv("REDIS_DEAD_LETTER_KEY", "eventrelay:dead_letters"),
		RedisMaxLen:     int64(p.int("REDIS_DEAD_LETTER_MAX_LEN", 10000)),
		KafkaBrokers:    splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:      getEnv("KAFKA_DEAD_LETTER_TOPIC", "eventrelay.dead-letters"),
	}
	if p.err != nil {
		return Config{}, p.err
	}
	if c.EncryptionKey == "" {
		return Config{}, fmt.Errorf("%w: ENCRYPTION_KEY is required", domain.ErrConfiguration)
	}
	if c.WebhookSecret == "" {
		return Config{}, fmt.Errorf("%w: SHOPIFY_WEBHOOK_SECRET is required", domain.ErrConfiguration)
	}
	return c, nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
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

// parser keeps the first conversion error so Load can report it once.
type parser struct{ err error }

func (p *parser) int(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil || i < 0 {
		p.fail(key, v)
		return def
	}
	return i
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		p.fail(key, v)
		return def
	}
	return d
}

func (p *parser) fail(key, v string) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s=%q", domain.ErrConfiguration, key, v)
	}
}
