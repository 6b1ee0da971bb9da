// Package config loads the asset sync configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variable names.
const (
	EnvBaseURL       = "SALES_FORCE_API_BASE_URL"
	EnvClientID      = "SALES_FORCE_CLIENT_ID"
	EnvClientSecret  = "SALES_FORCE_SECRET"
	EnvStorageDir    = "STORAGE_DIR"
	EnvScope         = "SALES_FORCE_SCOPE"
	EnvAccountID     = "SALES_FORCE_ACCOUNT_ID"
	EnvHTTPTimeout   = "HTTP_TIMEOUT"
	EnvPageSize      = "PAGE_SIZE"
	EnvMaxPages      = "MAX_PAGES"
	EnvRefreshMargin = "TOKEN_REFRESH_MARGIN"
	EnvRedisURL      = "REDIS_URL"
	EnvLockTTL       = "LOCK_TTL"
	EnvMetricsAddr   = "METRICS_ADDR"
	EnvLogLevel      = "LOG_LEVEL"
	EnvLogPretty     = "LOG_PRETTY"
)

// ErrConfigurationMissing matches a *MissingError.
var ErrConfigurationMissing = errors.New("configuration missing")

// MissingError lists every required variable that was unset or empty.
type MissingError struct {
	Keys []string
}

// Error implements the error interface.
func (e *MissingError) Error() string {
	return fmt.Sprintf("configuration missing: %s", strings.Join(e.Keys, ", "))
}

// Is makes errors.Is(err, ErrConfigurationMissing) hold.
func (e *MissingError) Is(target error) bool {
	return target == ErrConfigurationMissing
}

// Config holds the application configuration loaded from environment variables.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	StorageDir   string

	Scope     string
	AccountID string

	HTTPTimeout   time.Duration
	PageSize      int
	MaxPages      int
	RefreshMargin time.Duration

	RedisURL string
	LockTTL  time.Duration

	MetricsAddr string
	LogLevel    string
	LogPretty   bool
}

// LockEnabled reports whether a Redis run lock should be taken.
func (c *Config) LockEnabled() bool {
	return c.RedisURL != ""
}

// Load reads configuration from environment variables and returns a validated Config.
// SALES_FORCE_API_BASE_URL, SALES_FORCE_CLIENT_ID, SALES_FORCE_SECRET and
// STORAGE_DIR are required; a *MissingError naming all absent ones is
// returned otherwise. Everything else has a default.
func Load() (*Config, error) {
	var missing []string
	required := func(key string) string {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg := &Config{
		BaseURL:      required(EnvBaseURL),
		ClientID:     required(EnvClientID),
		ClientSecret: required(EnvClientSecret),
		StorageDir:   required(EnvStorageDir),
	}
	if len(missing) > 0 {
		return nil, &MissingError{Keys: missing}
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%s must be an absolute http(s) URL, got %q", EnvBaseURL, cfg.BaseURL)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	cfg.Scope = stringOr(EnvScope, "email_read email_write email_send")
	cfg.AccountID = stringOr(EnvAccountID, "12345")
	cfg.RedisURL = stringOr(EnvRedisURL, "")
	cfg.MetricsAddr = stringOr(EnvMetricsAddr, "")
	cfg.LogLevel = stringOr(EnvLogLevel, "info")

	if cfg.HTTPTimeout, err = durationOr(EnvHTTPTimeout, 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RefreshMargin, err = durationOr(EnvRefreshMargin, 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.LockTTL, err = durationOr(EnvLockTTL, 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.PageSize, err = intOr(EnvPageSize, 50); err != nil {
		return nil, err
	}
	if cfg.MaxPages, err = intOr(EnvMaxPages, 10000); err != nil {
		return nil, err
	}

	if v, ok := os.LookupEnv(EnvLogPretty); ok && v != "" {
		pretty, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%s has invalid boolean %q: %w", EnvLogPretty, v, err)
		}
		cfg.LogPretty = pretty
	}

	if cfg.HTTPTimeout <= 0 {
		return nil, fmt.Errorf("%s must be positive, got %s", EnvHTTPTimeout, cfg.HTTPTimeout)
	}
	if cfg.RefreshMargin < 0 {
		return nil, fmt.Errorf("%s must not be negative, got %s", EnvRefreshMargin, cfg.RefreshMargin)
	}
	if cfg.LockTTL <= 0 {
		return nil, fmt.Errorf("%s must be positive, got %s", EnvLockTTL, cfg.LockTTL)
	}
	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("%s must be positive, got %d", EnvPageSize, cfg.PageSize)
	}
	if cfg.MaxPages <= 0 {
		return nil, fmt.Errorf("%s must be positive, got %d", EnvMaxPages, cfg.MaxPages)
	}

	return cfg, nil
}

func stringOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func durationOr(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s has invalid duration %q: %w", key, v, err)
	}
	return d, nil
}

func intOr(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s has invalid integer %q: %w", key, v, err)
	}
	return n, nil
}
