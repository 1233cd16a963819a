package app

import (
	"fmt"
	"strings"
	"time"
	// Slot keys are computed in an IANA zone even on hosts without zoneinfo.
	_ "time/tzdata"

	"guardbot/internal/ai"
	"guardbot/internal/config"
	"guardbot/internal/dispatch"
	"guardbot/internal/moderation"
	"guardbot/internal/observability/ops"
	"guardbot/internal/pacing"
	"guardbot/internal/storage"
	"guardbot/internal/task/scheduler"
	"guardbot/internal/transport/telegram"
	"guardbot/internal/transport/whatsapp"
	"guardbot/pkg/logx"
)

const (
	defaultPrefix      = "bot:"
	defaultCallTimeout = 20 * time.Second
	defaultRecentLimit = 1000
	defaultTimezone    = "Africa/Maputo"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			ChatID:     cfg.Logging.Chat.ChatID,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" && strings.TrimSpace(sc.Redis.Addr) != "" {
		driver = "redis"
	}
	prefix := sc.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	out := storage.Config{
		Driver: driver,
		Path:   strings.TrimSpace(sc.Path),
		Prefix: prefix,
		Redis: storage.RedisConfig{
			Addr:     strings.TrimSpace(sc.Redis.Addr),
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
		},
	}
	switch driver {
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	case "redis":
		if out.Redis.Addr == "" {
			out.Redis.Addr = "localhost:6379"
		}
	}
	return out, nil
}

func mapAIConfig(cfg *config.Config) (ai.Config, error) {
	timeout, err := config.ParseDurationOrDefault("ai.timeout", cfg.AI.Timeout, 30*time.Second)
	if err != nil {
		return ai.Config{}, err
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.AI.Provider))
	if provider == "" {
		provider = "gemini"
	}
	return ai.Config{
		Provider: provider,
		Model:    strings.TrimSpace(cfg.AI.Model),
		BaseURL:  strings.TrimSpace(cfg.AI.BaseURL),
		APIKey:   strings.TrimSpace(cfg.AI.APIKey),
		Timeout:  timeout,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	interval, err := config.ParseDurationOrDefault("scheduler.interval", cfg.Scheduler.Interval, scheduler.DefaultInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	actionTimeout, err := config.ParseDurationOrDefault("scheduler.action_timeout", cfg.Scheduler.ActionTimeout, scheduler.DefaultActionTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:       cfg.Scheduler.Enabled,
		Interval:      interval,
		Timezone:      timezoneOf(cfg),
		ActionTimeout: actionTimeout,
	}, nil
}

func timezoneOf(cfg *config.Config) string {
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		return tz
	}
	return defaultTimezone
}

func mapPacingConfig(cfg *config.Config) (pacing.Config, error) {
	minD, err := config.ParseDurationOrDefault("pacing.min_delay", cfg.Pacing.MinDelay, time.Second)
	if err != nil {
		return pacing.Config{}, err
	}
	maxD, err := config.ParseDurationOrDefault("pacing.max_delay", cfg.Pacing.MaxDelay, 5*time.Second)
	if err != nil {
		return pacing.Config{}, err
	}
	return pacing.Config{
		MinDelay:   minD,
		MaxDelay:   maxD,
		RatePerSec: cfg.Pacing.RatePerSec,
		BatchSize:  cfg.Pacing.BatchSize,
	}, nil
}

func mapModerationConfig(cfg *config.Config) moderation.Config {
	return moderation.Config{
		Enabled:           cfg.Moderation.Enabled,
		MinRemoveSeverity: cfg.Moderation.MinRemoveSeverity,
		Temperature:       cfg.Moderation.Temperature,
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	timeout, err := config.ParseDurationOrDefault("dispatch.command_timeout", cfg.Dispatch.CommandTimeout, dispatch.DefaultCommandTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	tz := timezoneOf(cfg)
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return dispatch.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
	}
	return dispatch.Config{
		Owner:          strings.TrimSpace(cfg.Owner),
		Location:       loc,
		CommandTimeout: timeout,
		PurgeLimit:     cfg.Dispatch.PurgeLimit,
	}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	readTimeout, err := config.ParseDurationOrDefault("ops.read_timeout", cfg.Ops.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idleTimeout, err := config.ParseDurationOrDefault("ops.idle_timeout", cfg.Ops.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	addr := strings.TrimSpace(cfg.Ops.Addr)
	if addr == "" {
		addr = ops.DefaultAddr
	}
	return ops.Config{
		Enabled:     cfg.Ops.Enabled,
		Addr:        addr,
		Password:    cfg.Ops.Password,
		Pprof:       cfg.Ops.Pprof,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}, nil
}

func transportDriver(cfg *config.Config) string {
	d := strings.ToLower(strings.TrimSpace(cfg.Transport.Driver))
	if d == "" {
		return "whatsapp"
	}
	return d
}

func mapWhatsAppConfig(cfg *config.Config) (whatsapp.Config, error) {
	callTimeout, err := config.ParseDurationOrDefault("transport.call_timeout", cfg.Transport.CallTimeout, defaultCallTimeout)
	if err != nil {
		return whatsapp.Config{}, err
	}
	return whatsapp.Config{
		SessionPath: strings.TrimSpace(cfg.Transport.WhatsApp.SessionPath),
		QRPath:      strings.TrimSpace(cfg.Transport.WhatsApp.QRPath),
		CallTimeout: callTimeout,
		RecentLimit: recentLimit(cfg),
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	callTimeout, err := config.ParseDurationOrDefault("transport.call_timeout", cfg.Transport.CallTimeout, defaultCallTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	pollTimeout, err := config.ParseDurationOrDefault("transport.telegram.poll_timeout", cfg.Transport.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       strings.TrimSpace(cfg.Transport.Telegram.Token),
		PollTimeout: pollTimeout,
		CallTimeout: callTimeout,
		RecentLimit: recentLimit(cfg),
	}, nil
}

func recentLimit(cfg *config.Config) int {
	if cfg.Transport.RecentLimit > 0 {
		return cfg.Transport.RecentLimit
	}
	return defaultRecentLimit
}
