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

type Backend string

const (
	BackendRedis  Backend = "redis"
	BackendRemote Backend = "remote"
	BackendMemory Backend = "memory"
)

type AppConfig struct {
	PlayerID   string
	PlayerName string

	Backend        Backend
	RedisURL       string
	DatabaseURL    string
	BackendBaseURL string
	BackendWSURL   string

	SearchTimeout   time.Duration
	SearchTick      time.Duration
	RevealDelay     time.Duration
	CountdownFrom   int
	CountdownStep   time.Duration
	GoHold          time.Duration
	OpponentTimeout time.Duration

	PollInterval    time.Duration
	QueueStaleAfter time.Duration
	JanitorInterval time.Duration

	MessagesDir string
	MetricsAddr string
}

// Load reads the environment, after an optional .env in the working directory.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds the config from a lookup function.
func FromEnv(getenv func(string) string) (*AppConfig, error) {
	get := func(k string) string { return strings.TrimSpace(getenv(k)) }
	cfg := &AppConfig{
		Backend:         BackendMemory,
		SearchTimeout:   120 * time.Second,
		SearchTick:      time.Second,
		RevealDelay:     2 * time.Second,
		CountdownFrom:   3,
		CountdownStep:   time.Second,
		GoHold:          500 * time.Millisecond,
		OpponentTimeout: 90 * time.Second,
		PollInterval:    time.Second,
		QueueStaleAfter: 5 * time.Minute,
		JanitorInterval: time.Minute,
	}

	cfg.PlayerID = get("PLAYER_ID")
	cfg.PlayerName = get("PLAYER_NAME")
	cfg.RedisURL = get("REDIS_URL")
	cfg.DatabaseURL = get("DATABASE_URL")
	cfg.BackendBaseURL = get("BACKEND_BASE_URL")
	cfg.BackendWSURL = get("BACKEND_WS_URL")
	cfg.MessagesDir = get("MESSAGES_DIR")
	cfg.MetricsAddr = get("METRICS_ADDR")

	if v := get("VERSUS_BACKEND"); v != "" {
		cfg.Backend = Backend(strings.ToLower(v))
	}

	durations := []struct {
		key string
		dst *time.Duration
		// zero allowed: 0 means "disabled" for these keys
		zeroOK bool
	}{
		{"SEARCH_TIMEOUT", &cfg.SearchTimeout, false},
		{"SEARCH_TICK", &cfg.SearchTick, false},
		{"REVEAL_DELAY", &cfg.RevealDelay, true},
		{"COUNTDOWN_STEP", &cfg.CountdownStep, false},
		{"GO_HOLD", &cfg.GoHold, true},
		{"OPPONENT_TIMEOUT", &cfg.OpponentTimeout, true},
		{"POLL_INTERVAL", &cfg.PollInterval, false},
		{"QUEUE_STALE_AFTER", &cfg.QueueStaleAfter, false},
		{"JANITOR_INTERVAL", &cfg.JanitorInterval, false},
	}
	for _, d := range durations {
		v := get(d.key)
		if v == "" {
			continue
		}
		parsed, err := ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		if parsed < 0 || (parsed == 0 && !d.zeroOK) {
			return nil, fmt.Errorf("%s: must be positive, got %q", d.key, v)
		}
		*d.dst = parsed
	}
	if v := get("COUNTDOWN_FROM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("COUNTDOWN_FROM: invalid value %q", v)
		}
		cfg.CountdownFrom = n
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	if c.PlayerID == "" {
		return errors.New("PLAYER_ID is required")
	}
	if c.PlayerName == "" {
		c.PlayerName = c.PlayerID
	}
	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis backend")
		}
	case BackendRemote:
		if c.BackendBaseURL == "" {
			return errors.New("BACKEND_BASE_URL is required for the remote backend")
		}
		if c.BackendWSURL == "" {
			return errors.New("BACKEND_WS_URL is required for the remote backend")
		}
	default:
		return fmt.Errorf("VERSUS_BACKEND: unknown backend %q", c.Backend)
	}
	return nil
}

// ParseDuration accepts Go duration syntax ("90s", "1m30s") or bare seconds ("90", "0.5").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}
