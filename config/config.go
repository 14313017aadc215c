package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Env    string       `yaml:"env"`
	Log    LogConfig    `yaml:"log"`
	Remote RemoteConfig `yaml:"remote"`
	Retry  RetryConfig  `yaml:"retry"`
	Feed   FeedConfig   `yaml:"feed"`
	Outbox OutboxConfig `yaml:"outbox"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Encoding is "json" or "console".
	Encoding string `yaml:"encoding"`
}

type RemoteConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// RetryConfig carries one named policy per remote operation so that swipe
// recording can run fewer attempts than feed fetching.
type RetryConfig struct {
	Bootstrap   PolicyConfig `yaml:"bootstrap"`
	FeedPage    PolicyConfig `yaml:"feed_page"`
	RecordSwipe PolicyConfig `yaml:"record_swipe"`
	UndoSwipe   PolicyConfig `yaml:"undo_swipe"`
	RecordBatch PolicyConfig `yaml:"record_batch"`
}

type PolicyConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	PerAttemptTimeout time.Duration `yaml:"per_attempt_timeout"`
	JitterFactor      float64       `yaml:"jitter_factor"`
}

type FeedConfig struct {
	PageSize        int `yaml:"page_size"`
	MaxPageSize     int `yaml:"max_page_size"`
	AgeMin          int `yaml:"age_min"`
	AgeMax          int `yaml:"age_max"`
	RadiusDefaultKM int `yaml:"radius_default_km"`
	RadiusMaxKM     int `yaml:"radius_max_km"`
}

type OutboxConfig struct {
	MaxQueueLen   int           `yaml:"max_queue_len"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	// SuperLikeUndo is one of "always", "without_note", "never".
	SuperLikeUndo string `yaml:"superlike_undo"`
}

func Default() Config {
	return Config{
		Env: "dev",
		Log: LogConfig{Level: "info", Encoding: "json"},
		Remote: RemoteConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 10 * time.Second,
		},
		Retry: RetryConfig{
			Bootstrap: PolicyConfig{
				MaxAttempts:       6,
				BaseDelay:         250 * time.Millisecond,
				MaxDelay:          4 * time.Second,
				PerAttemptTimeout: 8 * time.Second,
				JitterFactor:      0.25,
			},
			FeedPage: PolicyConfig{
				MaxAttempts:       5,
				BaseDelay:         250 * time.Millisecond,
				MaxDelay:          4 * time.Second,
				PerAttemptTimeout: 8 * time.Second,
				JitterFactor:      0.25,
			},
			RecordSwipe: PolicyConfig{
				MaxAttempts:       3,
				BaseDelay:         200 * time.Millisecond,
				MaxDelay:          2 * time.Second,
				PerAttemptTimeout: 8 * time.Second,
				JitterFactor:      0.25,
			},
			UndoSwipe: PolicyConfig{
				MaxAttempts:       2,
				BaseDelay:         200 * time.Millisecond,
				MaxDelay:          2 * time.Second,
				PerAttemptTimeout: 8 * time.Second,
				JitterFactor:      0.25,
			},
			RecordBatch: PolicyConfig{
				MaxAttempts:       4,
				BaseDelay:         250 * time.Millisecond,
				MaxDelay:          3 * time.Second,
				PerAttemptTimeout: 8 * time.Second,
				JitterFactor:      0.25,
			},
		},
		Feed: FeedConfig{
			PageSize:        20,
			MaxPageSize:     50,
			AgeMin:          18,
			AgeMax:          30,
			RadiusDefaultKM: 50,
			RadiusMaxKM:     200,
		},
		Outbox: OutboxConfig{
			MaxQueueLen:   500,
			FlushInterval: 30 * time.Second,
			SuperLikeUndo: "without_note",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromYAML(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadFromYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("unmarshal config yaml: %w", err)
	}

	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("SWIPESYNC_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("SWIPESYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SWIPESYNC_LOG_ENCODING"); v != "" {
		cfg.Log.Encoding = v
	}

	if v := os.Getenv("SWIPESYNC_REMOTE_BASE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if err := overrideDuration("SWIPESYNC_REMOTE_TIMEOUT", &cfg.Remote.Timeout); err != nil {
		return err
	}

	if err := overrideInt("SWIPESYNC_FEED_PAGE_SIZE", &cfg.Feed.PageSize); err != nil {
		return err
	}
	if err := overrideInt("SWIPESYNC_FEED_RADIUS_DEFAULT_KM", &cfg.Feed.RadiusDefaultKM); err != nil {
		return err
	}

	if err := overrideInt("SWIPESYNC_OUTBOX_MAX_QUEUE_LEN", &cfg.Outbox.MaxQueueLen); err != nil {
		return err
	}
	if err := overrideDuration("SWIPESYNC_OUTBOX_FLUSH_INTERVAL", &cfg.Outbox.FlushInterval); err != nil {
		return err
	}
	if v := os.Getenv("SWIPESYNC_OUTBOX_SUPERLIKE_UNDO"); v != "" {
		cfg.Outbox.SuperLikeUndo = v
	}

	return nil
}

func overrideDuration(key string, target *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parse %s duration: %w", key, err)
	}
	*target = d
	return nil
}

func overrideInt(key string, target *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parse %s int: %w", key, err)
	}
	*target = n
	return nil
}
