package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"attendance_notifier/internal/domain/attendance"

	"github.com/joho/godotenv"
)

// AppConfig holds all configuration for the gateway daemon and the admin CLI.
type AppConfig struct {
	DatabaseURL     string
	ScanDatabaseURL string // external scan store; defaults to DatabaseURL

	HTTPListenAddr string

	ChannelAPIBaseURL string
	ChannelAPIToken   string

	TelegramToken   string // optional operator channel
	AdminTelegramID int64

	WebhookURLs []string

	Schedule        attendance.Schedule
	DuplicatePolicy attendance.DuplicatePolicy

	RetryCeiling   int
	BatchSize      int
	MessageDelay   time.Duration
	SendTimeout    time.Duration
	PairingTimeout time.Duration
	DrainInterval  time.Duration
	DrainBatchMax  int

	SyncCronSpec    string
	AbsenceCronSpec string
	CleanupCronSpec string

	LogRetentionDays int

	SchoolName  string
	SchoolPhone string

	LogLevel    string
	Environment string
}

// Load reads configuration from environment variables and a .env file when
// present. godotenv never overrides variables that are already set.
func Load() (*AppConfig, error) {
	_ = godotenv.Load()

	cfg := &AppConfig{}
	var err error

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}
	cfg.ScanDatabaseURL = getEnv("SCAN_DATABASE_URL", cfg.DatabaseURL)

	cfg.HTTPListenAddr = getEnv("HTTP_LISTEN_ADDR", ":8080")

	cfg.ChannelAPIBaseURL = os.Getenv("CHANNEL_API_BASE_URL")
	if cfg.ChannelAPIBaseURL == "" {
		return nil, fmt.Errorf("CHANNEL_API_BASE_URL is not set")
	}
	cfg.ChannelAPIToken = os.Getenv("CHANNEL_API_TOKEN")

	cfg.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	if idStr := os.Getenv("ADMIN_TELEGRAM_ID"); idStr != "" {
		cfg.AdminTelegramID, err = strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ADMIN_TELEGRAM_ID: %w", err)
		}
	}

	if urls := os.Getenv("WEBHOOK_URLS"); urls != "" {
		for _, u := range strings.Split(urls, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.WebhookURLs = append(cfg.WebhookURLs, u)
			}
		}
	}

	if cfg.Schedule, err = loadSchedule(); err != nil {
		return nil, err
	}

	cfg.DuplicatePolicy, err = attendance.ParseDuplicatePolicy(getEnv("DUPLICATE_HANDLING", string(attendance.PolicySkip)))
	if err != nil {
		return nil, fmt.Errorf("invalid DUPLICATE_HANDLING: %w", err)
	}

	if cfg.RetryCeiling, err = getEnvInt("RETRY_CEILING", 3); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = getEnvInt("SYNC_BATCH_SIZE", 500); err != nil {
		return nil, err
	}
	if cfg.MessageDelay, err = getEnvDuration("MESSAGE_DELAY", 1500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.SendTimeout, err = getEnvDuration("SEND_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.PairingTimeout, err = getEnvDuration("PAIRING_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.DrainInterval, err = getEnvDuration("DRAIN_INTERVAL", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.DrainBatchMax, err = getEnvInt("DRAIN_BATCH_MAX", 20); err != nil {
		return nil, err
	}

	cfg.SyncCronSpec = getEnv("SYNC_CRON_SPEC", "*/5 * * * *")
	cfg.AbsenceCronSpec = getEnv("ABSENCE_CRON_SPEC", "0 11 * * *")
	cfg.CleanupCronSpec = getEnv("CLEANUP_CRON_SPEC", "30 1 * * *")

	if cfg.LogRetentionDays, err = getEnvInt("LOG_RETENTION_DAYS", 30); err != nil {
		return nil, err
	}

	cfg.SchoolName = getEnv("SCHOOL_NAME", "School")
	cfg.SchoolPhone = os.Getenv("SCHOOL_PHONE")

	cfg.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", "info"))
	cfg.Environment = strings.ToLower(getEnv("ENVIRONMENT", "development"))

	return cfg, nil
}

func loadSchedule() (attendance.Schedule, error) {
	var s attendance.Schedule
	var err error
	fields := []struct {
		dst *int
		key string
		def string
	}{
		{&s.EntryStart, "ENTRY_START", "07:00"},
		{&s.EntryEnd, "ENTRY_END", "07:30"},
		{&s.LateCutoff, "LATE_THRESHOLD", "09:00"},
		{&s.ExitStart, "EXIT_START", "13:30"},
		{&s.ExitEnd, "EXIT_END", "15:00"},
	}
	for _, f := range fields {
		if *f.dst, err = attendance.ParseMinute(getEnv(f.key, f.def)); err != nil {
			return s, fmt.Errorf("invalid %s: %w", f.key, err)
		}
	}
	if err = s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
