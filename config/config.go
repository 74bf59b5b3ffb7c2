// Package config reads the chat SDK's settings from the environment.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	lfchat "github.com/NeboLoop/lostfound-chat-go-sdk"
	"github.com/NeboLoop/lostfound-chat-go-sdk/store"
)

// Config holds every LFCHAT_* setting.
type Config struct {
	Endpoint    string
	APIEndpoint string
	UserID      string
	Token       string

	// Local state: Redis wins over SQLite; with neither, state is kept in
	// memory only.
	StorePath   string
	RedisURL    string
	RedisPrefix string

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	ReadPushWindow    time.Duration
	UnreadInterval    time.Duration
	HistoryPageSize   int

	MetricsAddr string
}

// Load reads configuration from environment variables, loading a .env file
// first if one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Endpoint:    os.Getenv("LFCHAT_ENDPOINT"),
		APIEndpoint: os.Getenv("LFCHAT_API_ENDPOINT"),
		UserID:      os.Getenv("LFCHAT_USER_ID"),
		Token:       os.Getenv("LFCHAT_TOKEN"),
		StorePath:   os.Getenv("LFCHAT_STORE_PATH"),
		RedisURL:    os.Getenv("LFCHAT_REDIS_URL"),
		RedisPrefix: getEnv("LFCHAT_REDIS_PREFIX", "lfchat:"),
		MetricsAddr: os.Getenv("LFCHAT_METRICS_ADDR"),
	}

	var err error
	if cfg.HeartbeatInterval, err = getDuration("LFCHAT_HEARTBEAT_INTERVAL", lfchat.DefaultHeartbeatInterval); err != nil {
		return nil, err
	}
	if cfg.ReconnectDelay, err = getDuration("LFCHAT_RECONNECT_DELAY", lfchat.DefaultReconnectDelay); err != nil {
		return nil, err
	}
	if cfg.ReadPushWindow, err = getDuration("LFCHAT_READ_PUSH_WINDOW", lfchat.DefaultReadPushWindow); err != nil {
		return nil, err
	}
	if cfg.UnreadInterval, err = getDuration("LFCHAT_UNREAD_INTERVAL", lfchat.DefaultUnreadInterval); err != nil {
		return nil, err
	}
	if cfg.HistoryPageSize, err = getInt("LFCHAT_HISTORY_PAGE_SIZE", lfchat.DefaultHistoryPageSize); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first required setting that is missing.
func (c *Config) Validate() error {
	switch {
	case c.Endpoint == "":
		return fmt.Errorf("config: LFCHAT_ENDPOINT is required")
	case c.APIEndpoint == "":
		return fmt.Errorf("config: LFCHAT_API_ENDPOINT is required")
	case c.UserID == "":
		return fmt.Errorf("config: LFCHAT_USER_ID is required")
	}
	return nil
}

// OpenStore opens the configured local state store.
func (c *Config) OpenStore(ctx context.Context) (store.Store, error) {
	switch {
	case c.RedisURL != "":
		return store.NewRedis(ctx, c.RedisURL, c.RedisPrefix)
	case c.StorePath != "":
		return store.NewSQLite(ctx, c.StorePath)
	default:
		return store.NewMemory(), nil
	}
}

// ChatOptions maps the configuration onto lfchat.Options. Store, Logger and
// the other collaborators are left for the caller.
func (c *Config) ChatOptions() lfchat.Options {
	return lfchat.Options{
		Endpoint:          c.Endpoint,
		APIEndpoint:       c.APIEndpoint,
		UserID:            c.UserID,
		Tokens:            lfchat.StaticToken(c.Token),
		HeartbeatInterval: c.HeartbeatInterval,
		ReconnectDelay:    c.ReconnectDelay,
		ReadPushWindow:    c.ReadPushWindow,
		UnreadInterval:    c.UnreadInterval,
		HistoryPageSize:   c.HistoryPageSize,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive, got %s", key, value)
	}
	return d, nil
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("config: %s must be positive, got %d", key, n)
	}
	return n, nil
}
