package config

import (
	"sort"
	"strings"

	"guardbot/pkg/logx"
)

// liveSections are re-applied on reload; every other section needs a restart.
var liveSections = map[string]bool{
	"logging":    true,
	"pacing":     true,
	"moderation": true,
	"scheduler":  true,
	"dispatch":   true,
	"owner":      true,
	"ops":        true,
	"ai":         false,
	"storage":    false,
	"transport":  false,
}

// SummarizeConfigChange returns (1) the sorted list of changed sections,
// (2) safe structured attrs for logging (never secrets, only whether they are
// set) and (3) the changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	if trim(oldCfg.Owner) != trim(newCfg.Owner) {
		mark("owner", logx.Bool("owner.set", trim(newCfg.Owner) != ""))
	}

	ot, nt := oldCfg.Transport, newCfg.Transport
	if trim(ot.Driver) != trim(nt.Driver) ||
		trim(ot.CallTimeout) != trim(nt.CallTimeout) ||
		ot.RecentLimit != nt.RecentLimit ||
		ot.WhatsApp != nt.WhatsApp ||
		trim(ot.Telegram.PollTimeout) != trim(nt.Telegram.PollTimeout) ||
		ot.Telegram.Token != nt.Telegram.Token {
		mark("transport",
			logx.String("transport.driver", trim(nt.Driver)),
			logx.String("transport.call_timeout", trim(nt.CallTimeout)),
			logx.Bool("transport.telegram_token_set", trim(nt.Telegram.Token) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		nl := newCfg.Logging
		mark("logging",
			logx.String("logging.level", nl.Level),
			logx.Bool("logging.console", nl.Console),
			logx.Bool("logging.file_enabled", nl.File.Enabled),
			logx.Bool("logging.chat_enabled", nl.Chat.Enabled),
			logx.String("logging.chat_min_level", nl.Chat.MinLevel),
		)
	}

	ost, nst := oldCfg.Storage, newCfg.Storage
	if trim(ost.Driver) != trim(nst.Driver) ||
		trim(ost.Path) != trim(nst.Path) ||
		ost.Prefix != nst.Prefix ||
		trim(ost.BusyTimeout) != trim(nst.BusyTimeout) ||
		ost.Redis != nst.Redis {
		mark("storage",
			logx.String("storage.driver", trim(nst.Driver)),
			logx.String("storage.prefix", nst.Prefix),
			logx.Bool("storage.redis_password_set", nst.Redis.Password != ""),
		)
	}

	if oldCfg.AI != newCfg.AI {
		na := newCfg.AI
		mark("ai",
			logx.String("ai.provider", providerOf(newCfg)),
			logx.String("ai.model", trim(na.Model)),
			logx.String("ai.timeout", trim(na.Timeout)),
			logx.Bool("ai.api_key_set", trim(na.APIKey) != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		nsch := newCfg.Scheduler
		mark("scheduler",
			logx.Bool("scheduler.enabled", nsch.Enabled),
			logx.String("scheduler.interval", trim(nsch.Interval)),
			logx.String("scheduler.timezone", trim(nsch.Timezone)),
		)
	}

	if oldCfg.Pacing != newCfg.Pacing {
		np := newCfg.Pacing
		mark("pacing",
			logx.String("pacing.min_delay", trim(np.MinDelay)),
			logx.String("pacing.max_delay", trim(np.MaxDelay)),
			logx.Int("pacing.rate_per_sec", np.RatePerSec),
			logx.Int("pacing.batch_size", np.BatchSize),
		)
	}

	if oldCfg.Moderation != newCfg.Moderation {
		mark("moderation",
			logx.Bool("moderation.enabled", newCfg.Moderation.Enabled),
			logx.Int("moderation.min_remove_severity", newCfg.Moderation.MinRemoveSeverity),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		nd := newCfg.Dispatch
		mark("dispatch",
			logx.Int("dispatch.workers", nd.Workers),
			logx.Int("dispatch.queue_size", nd.QueueSize),
			logx.String("dispatch.command_timeout", trim(nd.CommandTimeout)),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		no := newCfg.Ops
		mark("ops",
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", trim(no.Addr)),
			logx.Bool("ops.pprof", no.Pprof),
			logx.Bool("ops.password_set", no.Password != ""),
		)
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if !liveSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

func trim(s string) string { return strings.TrimSpace(s) }
