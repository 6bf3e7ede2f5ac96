package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/nholik/host-sentinel/internal/health"
	"github.com/nholik/host-sentinel/internal/publish"
)

const (
	envRefreshRate      = "HS_REFRESH_RATE"
	envTickDeadline     = "HS_TICK_DEADLINE"
	envPingTarget       = "HS_PING_TARGET"
	envShowPerCore      = "HS_SHOW_PER_CORE"
	envThresholdsFile   = "HS_THRESHOLDS_FILE"
	envHistorySize      = "HS_HISTORY_SIZE"
	envSubscriberBuffer = "HS_SUBSCRIBER_BUFFER"
	envLogLevel         = "HS_LOG_LEVEL"
	envHealthPort       = "HS_HEALTH_PORT"
	envMetricsPort      = "HS_METRICS_PORT"
	envStatePath        = "HS_STATE_PATH"
	envSlackWebhookURL  = "HS_SLACK_WEBHOOK_URL"
	envWebhookURL       = "HS_WEBHOOK_URL"
	envWebhookTemplate  = "HS_WEBHOOK_TEMPLATE"
	envDryRun           = "HS_DRY_RUN"
	envAlertOnRecovery  = "HS_ALERT_ON_RECOVERY"
)

const (
	// MinRefreshRate is the fastest supported tick. Lower values are raised to it.
	MinRefreshRate = 250 * time.Millisecond

	defaultRefreshRate      = 2 * time.Second
	defaultPingTarget       = "8.8.8.8:53"
	defaultHistorySize      = health.DefaultHistorySize
	defaultSubscriberBuffer = publish.DefaultBuffer
	defaultLogLevel         = "info"
	defaultHealthPort       = 8080
)

// Config describes runtime configuration loaded from the environment. It is
// read once at startup and never changed while running.
type Config struct {
	RefreshRate      time.Duration
	TickDeadline     time.Duration
	PingTarget       string
	ShowPerCore      bool
	ThresholdsFile   string
	Thresholds       health.Thresholds
	HistorySize      int
	SubscriberBuffer int
	LogLevel         string
	HealthPort       int
	MetricsPort      int
	StatePath        string
	SlackWebhookURL  string
	WebhookURL       string
	WebhookTemplate  string
	DryRun           bool
	AlertOnRecovery  bool
}

// Load reads configuration from environment variables and a local .env file if present.
// Existing environment variables take precedence over values in .env.
func Load() (Config, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return Config{}, err
	}

	cfg := Config{
		RefreshRate:      defaultRefreshRate,
		PingTarget:       defaultPingTarget,
		Thresholds:       health.DefaultThresholds(),
		HistorySize:      defaultHistorySize,
		SubscriberBuffer: defaultSubscriberBuffer,
		LogLevel:         defaultLogLevel,
		HealthPort:       defaultHealthPort,
		MetricsPort:      defaultHealthPort,
		AlertOnRecovery:  true,
	}

	if value, ok := lookupTrimmed(envRefreshRate); ok {
		rate, err := parsePositiveDuration(envRefreshRate, value)
		if err != nil {
			return Config{}, err
		}
		cfg.RefreshRate = rate
	}
	if cfg.RefreshRate < MinRefreshRate {
		cfg.RefreshRate = MinRefreshRate
	}

	if value, ok := lookupTrimmed(envTickDeadline); ok {
		deadline, err := parsePositiveDuration(envTickDeadline, value)
		if err != nil {
			return Config{}, err
		}
		cfg.TickDeadline = deadline
	}
	if cfg.TickDeadline == 0 {
		cfg.TickDeadline = cfg.RefreshRate * 9 / 10
	}
	if cfg.TickDeadline > cfg.RefreshRate {
		return Config{}, fmt.Errorf("%s (%s) must not exceed the refresh rate (%s)", envTickDeadline, cfg.TickDeadline, cfg.RefreshRate)
	}

	if value, ok := lookupTrimmed(envPingTarget); ok && value != "" {
		cfg.PingTarget = value
	}
	if err := validateHostPort(cfg.PingTarget, envPingTarget); err != nil {
		return Config{}, err
	}

	var err error
	if cfg.ShowPerCore, err = lookupBool(envShowPerCore, cfg.ShowPerCore); err != nil {
		return Config{}, err
	}
	if cfg.DryRun, err = lookupBool(envDryRun, cfg.DryRun); err != nil {
		return Config{}, err
	}
	if cfg.AlertOnRecovery, err = lookupBool(envAlertOnRecovery, cfg.AlertOnRecovery); err != nil {
		return Config{}, err
	}
	if cfg.HistorySize, err = lookupPositiveInt(envHistorySize, cfg.HistorySize); err != nil {
		return Config{}, err
	}
	if cfg.SubscriberBuffer, err = lookupPositiveInt(envSubscriberBuffer, cfg.SubscriberBuffer); err != nil {
		return Config{}, err
	}
	if cfg.HealthPort, err = lookupPositiveInt(envHealthPort, cfg.HealthPort); err != nil {
		return Config{}, err
	}
	if cfg.MetricsPort, err = lookupPositiveInt(envMetricsPort, cfg.MetricsPort); err != nil {
		return Config{}, err
	}
	if cfg.HealthPort > 65535 {
		return Config{}, fmt.Errorf("%s must be a valid port, got %d", envHealthPort, cfg.HealthPort)
	}
	if cfg.MetricsPort > 65535 {
		return Config{}, fmt.Errorf("%s must be a valid port, got %d", envMetricsPort, cfg.MetricsPort)
	}

	if value, ok := lookupTrimmed(envLogLevel); ok && value != "" {
		cfg.LogLevel = value
	}
	if value, ok := lookupTrimmed(envStatePath); ok {
		cfg.StatePath = value
	}

	if value, ok := lookupTrimmed(envSlackWebhookURL); ok && value != "" {
		if err := validateURL(value, envSlackWebhookURL); err != nil {
			return Config{}, err
		}
		cfg.SlackWebhookURL = value
	}
	if value, ok := lookupTrimmed(envWebhookURL); ok && value != "" {
		if err := validateURL(value, envWebhookURL); err != nil {
			return Config{}, err
		}
		cfg.WebhookURL = value
	}

	if value, ok := lookupTrimmed(envWebhookTemplate); ok {
		cfg.WebhookTemplate = value
	}

	if value, ok := lookupTrimmed(envThresholdsFile); ok && value != "" {
		thresholds, err := LoadThresholdsFile(value)
		if err != nil {
			return Config{}, err
		}
		cfg.ThresholdsFile = value
		cfg.Thresholds = thresholds
	}

	return cfg, nil
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func lookupBool(key string, fallback bool) (bool, error) {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func lookupPositiveInt(key string, fallback int) (int, error) {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero", key)
	}
	return parsed, nil
}

func parsePositiveDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero", key)
	}
	return d, nil
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}

	return err
}

func validateURL(value, name string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid %s: must include scheme and host", name)
	}
	return nil
}

func validateHostPort(value, name string) error {
	host, port, err := net.SplitHostPort(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if host == "" || port == "" {
		return fmt.Errorf("invalid %s: must be host:port", name)
	}
	return nil
}
