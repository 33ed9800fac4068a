package config

import (
	"reflect"
	"sort"
	"strings"

	logx "proxybot/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe log
// attributes describing them. Secrets (token, dsn) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	oldS, newS := oldCfg.Storage, newCfg.Storage
	if oldS.Driver != newS.Driver || oldS.Path != newS.Path || oldS.DSN != newS.DSN || oldS.BusyTimeout != newS.BusyTimeout ||
		!sameInt(oldS.RetryMax, newS.RetryMax) || oldS.RetryBackoff != newS.RetryBackoff {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newS.Driver), logx.Bool("storage.dsn_set", newS.DSN != ""))
	}

	if !reflect.DeepEqual(oldCfg.Broadcast, newCfg.Broadcast) {
		changed = append(changed, "broadcast")
		if newCfg.Broadcast != nil {
			attrs = append(attrs, logx.String("broadcast.gap", newCfg.Broadcast.Gap))
		}
	}
	if !reflect.DeepEqual(oldCfg.Frontend, newCfg.Frontend) {
		changed = append(changed, "frontend")
		if newCfg.Frontend != nil {
			attrs = append(attrs, logx.String("frontend.rate_limit", newCfg.Frontend.RateLimit))
		}
	}
	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}
	if !reflect.DeepEqual(oldCfg.Housekeeping, newCfg.Housekeeping) {
		changed = append(changed, "housekeeping")
	}
	if !reflect.DeepEqual(oldCfg.Proxies, newCfg.Proxies) {
		changed = append(changed, "proxies")
		attrs = append(attrs, logx.Int("proxies.count", len(newCfg.Proxies)))
	}

	sort.Strings(changed)
	return changed, attrs
}

func sameInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
