package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"guardbot/internal/apperr"
)

// Validate checks cfg for values the services cannot start with.
// Missing credentials wrap apperr.ErrMissingCredential.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Owner) == "" {
		add(fmt.Errorf("owner: %w", apperr.ErrMissingCredential))
	}
	if strings.TrimSpace(cfg.AI.APIKey) == "" {
		add(fmt.Errorf("ai.api_key (%s): %w", providerOf(cfg), apperr.ErrMissingCredential))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)); d {
	case "", "whatsapp":
	case "telegram":
		if strings.TrimSpace(cfg.Transport.Telegram.Token) == "" {
			add(fmt.Errorf("transport.telegram.token: %w", apperr.ErrMissingCredential))
		}
		_, err := ParseDurationField("transport.telegram.poll_timeout", cfg.Transport.Telegram.PollTimeout)
		add(err)
	default:
		add(fmt.Errorf("transport.driver: unknown driver %q", cfg.Transport.Driver))
	}
	_, err := ParseDurationField("transport.call_timeout", cfg.Transport.CallTimeout)
	add(err)

	switch providerOf(cfg) {
	case "gemini", "openai":
	default:
		add(fmt.Errorf("ai.provider: unknown provider %q", cfg.AI.Provider))
	}
	_, err = ParseDurationField("ai.timeout", cfg.AI.Timeout)
	add(err)

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "memory", "redis":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path is required when storage.driver=sqlite"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	iv, err := ParseDurationField("scheduler.interval", cfg.Scheduler.Interval)
	add(err)
	if iv > time.Minute {
		add(fmt.Errorf("scheduler.interval: %s exceeds one minute; slots would be missed", iv))
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	_, err = ParseDurationField("scheduler.action_timeout", cfg.Scheduler.ActionTimeout)
	add(err)

	minD, err := ParseDurationField("pacing.min_delay", cfg.Pacing.MinDelay)
	add(err)
	maxD, err := ParseDurationField("pacing.max_delay", cfg.Pacing.MaxDelay)
	add(err)
	if maxD > 0 && minD > maxD {
		add(fmt.Errorf("pacing: min_delay %s > max_delay %s", minD, maxD))
	}
	if cfg.Pacing.BatchSize < 0 || cfg.Pacing.RatePerSec < 0 {
		add(errors.New("pacing: batch_size and rate_per_sec must be >= 0"))
	}

	if s := cfg.Moderation.MinRemoveSeverity; s < 0 || s > 10 {
		add(fmt.Errorf("moderation.min_remove_severity: %d out of range 0-10", s))
	}

	_, err = ParseDurationField("dispatch.command_timeout", cfg.Dispatch.CommandTimeout)
	add(err)
	if cfg.Dispatch.Workers < 0 || cfg.Dispatch.QueueSize < 0 || cfg.Dispatch.PurgeLimit < 0 {
		add(errors.New("dispatch: workers, queue_size and purge_limit must be >= 0"))
	}

	if cfg.Logging.Chat.Enabled && strings.TrimSpace(cfg.Logging.Chat.ChatID) == "" {
		add(errors.New("logging.chat.chat_id is required when logging.chat.enabled"))
	}

	if cfg.Ops.Enabled {
		_, err = ParseDurationField("ops.read_timeout", cfg.Ops.ReadTimeout)
		add(err)
		_, err = ParseDurationField("ops.idle_timeout", cfg.Ops.IdleTimeout)
		add(err)
	}

	return errors.Join(errs...)
}
