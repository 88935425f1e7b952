// Package config loads service settings from an optional TOML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config is the complete service configuration.
type Config struct {
	Port        string `toml:"port"`
	Environment string `toml:"app_env"`
	DebugRoutes bool   `toml:"debug_routes"`

	Store     string `toml:"store"`
	DBDSN     string `toml:"db_dsn"`
	RedisAddr string `toml:"redis_addr"`

	AMQPURL        string `toml:"amqp_url"`
	AuditExchange  string `toml:"audit_exchange"`
	EventsExchange string `toml:"events_exchange"`
	OTLPEndpoint   string `toml:"otlp_endpoint"`

	GenAI GenAIConfig `toml:"genai"`
	Queue QueueConfig `toml:"queue"`

	PromptRate  float64 `toml:"prompt_rate"`
	PromptBurst int     `toml:"prompt_burst"`
}

// GenAIConfig configures the provider and the key pool.
type GenAIConfig struct {
	BaseURL     string   `toml:"base_url"`
	Model       string   `toml:"model"`
	SpeechModel string   `toml:"speech_model"`
	Voice       string   `toml:"voice"`
	Keys        []string `toml:"keys"`
	SpeechKey   string   `toml:"speech_key"`
	ActiveKey   int      `toml:"active_key"`
	RetryDelay  Duration `toml:"retry_delay"`
}

// QueueConfig holds the generation queue timings.
type QueueConfig struct {
	CanvasFlushInterval  Duration `toml:"canvas_flush_interval"`
	MessageFlushInterval Duration `toml:"message_flush_interval"`
	StaleLockTimeout     Duration `toml:"stale_lock_timeout"`
	LockRefreshInterval  Duration `toml:"lock_refresh_interval"`
}

// Duration decodes TOML strings such as "800ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Port:           "8083",
		Environment:    "local",
		Store:          StoreMemory,
		RedisAddr:      "localhost:6379",
		AuditExchange:  "audit.logs",
		EventsExchange: "canvas.events",
		GenAI: GenAIConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			SpeechModel: "gpt-4o-mini-tts",
			Voice:       "alloy",
			RetryDelay:  Duration{time.Second},
		},
		Queue: QueueConfig{
			CanvasFlushInterval:  Duration{800 * time.Millisecond},
			MessageFlushInterval: Duration{150 * time.Millisecond},
			StaleLockTimeout:     Duration{10 * time.Minute},
			LockRefreshInterval:  Duration{30 * time.Second},
		},
		PromptRate:  0.5,
		PromptBurst: 5,
	}
}

// Load reads CONFIG_FILE when set, then applies environment overrides and
// validates the result.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.Environment = getEnv("APP_ENV", c.Environment)
	c.Store = getEnv("STORE", c.Store)
	c.DBDSN = getEnv("DB_DSN", c.DBDSN)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.AMQPURL = getEnv("AMQP_URL", c.AMQPURL)
	c.AuditExchange = getEnv("AUDIT_EXCHANGE", c.AuditExchange)
	c.EventsExchange = getEnv("EVENTS_EXCHANGE", c.EventsExchange)
	c.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)

	c.GenAI.BaseURL = getEnv("GENAI_BASE_URL", c.GenAI.BaseURL)
	c.GenAI.Model = getEnv("GENAI_MODEL", c.GenAI.Model)
	c.GenAI.SpeechModel = getEnv("GENAI_SPEECH_MODEL", c.GenAI.SpeechModel)
	c.GenAI.Voice = getEnv("GENAI_VOICE", c.GenAI.Voice)
	c.GenAI.SpeechKey = getEnv("GENAI_SPEECH_KEY", c.GenAI.SpeechKey)
	if raw, ok := os.LookupEnv("GENAI_KEYS"); ok {
		c.GenAI.Keys = splitList(raw)
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	collect(envBool("DEBUG_ROUTES", &c.DebugRoutes))
	collect(envInt("GENAI_ACTIVE_KEY", &c.GenAI.ActiveKey))
	collect(envInt("PROMPT_BURST", &c.PromptBurst))
	collect(envFloat("PROMPT_RATE", &c.PromptRate))
	collect(envDuration("GENAI_RETRY_DELAY", &c.GenAI.RetryDelay))
	collect(envDuration("CANVAS_FLUSH_INTERVAL", &c.Queue.CanvasFlushInterval))
	collect(envDuration("MESSAGE_FLUSH_INTERVAL", &c.Queue.MessageFlushInterval))
	collect(envDuration("STALE_LOCK_TIMEOUT", &c.Queue.StaleLockTimeout))
	collect(envDuration("LOCK_REFRESH_INTERVAL", &c.Queue.LockRefreshInterval))
	return errors.Join(errs...)
}

// Validate rejects settings the service cannot start with. An empty key pool
// is accepted; generation reports it per prompt.
func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DBDSN == "" {
			errs = append(errs, errors.New("DB_DSN is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	if len(c.GenAI.Keys) > 0 && (c.GenAI.ActiveKey < 0 || c.GenAI.ActiveKey >= len(c.GenAI.Keys)) {
		errs = append(errs, fmt.Errorf("active key %d out of range for %d keys", c.GenAI.ActiveKey, len(c.GenAI.Keys)))
	}
	for name, d := range map[string]Duration{
		"canvas flush interval":  c.Queue.CanvasFlushInterval,
		"message flush interval": c.Queue.MessageFlushInterval,
		"stale lock timeout":     c.Queue.StaleLockTimeout,
		"lock refresh interval":  c.Queue.LockRefreshInterval,
	} {
		if d.Duration <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.GenAI.RetryDelay.Duration < 0 {
		errs = append(errs, errors.New("retry delay must not be negative"))
	}
	if c.Queue.LockRefreshInterval.Duration >= c.Queue.StaleLockTimeout.Duration {
		errs = append(errs, errors.New("lock refresh interval must be shorter than the stale lock timeout"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envInt(key string, dst *int) error {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func envFloat(key string, dst *float64) error {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func envBool(key string, dst *bool) error {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func envDuration(key string, dst *Duration) error {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	dst.Duration = v
	return nil
}
