package app

import (
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"proxybot/internal/bot"
	"proxybot/internal/config"
	"proxybot/internal/notifier/broadcast"
	"proxybot/internal/observability/ops"
	"proxybot/internal/proxy"
	"proxybot/internal/storage"
	"proxybot/internal/transport/telegram/router"
	logx "proxybot/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	if raw := strings.TrimSpace(cfg.Telegram.GroupLog); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			lc.Telegram.ChatID = id
		}
	}
	return lc
}

// StorageConfig maps the storage section onto storage.Config.
func StorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	backoff, err := config.ParseDurationField("storage.retry_backoff", sc.RetryBackoff)
	if err != nil {
		return storage.Config{}, err
	}
	retries := 0
	if sc.RetryMax != nil {
		retries = *sc.RetryMax
		if retries == 0 {
			retries = -1
		}
	}
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  busy,
		RetryMax:     retries,
		RetryBackoff: backoff,
	}, nil
}

// BroadcastConfig maps the broadcast section, defaulting the gap to 50ms.
func BroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	b := cfg.Broadcast
	if b == nil {
		return broadcast.Config{Gap: broadcast.DefaultGap}, nil
	}
	gap, err := config.ParseDurationOrDefault("broadcast.gap", b.Gap, broadcast.DefaultGap)
	if err != nil {
		return broadcast.Config{}, err
	}
	ttl, err := config.ParseDurationField("broadcast.status_ttl", b.StatusTTL)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{Gap: gap, QueueSize: b.QueueSize, StatusTTL: ttl, StatusMax: b.StatusMax}, nil
}

func mapFrontend(cfg *config.Config) (bot.Config, router.Config, error) {
	f := cfg.Frontend
	if f == nil {
		return bot.Config{}, router.Config{}, nil
	}
	rl, err := config.ParseDurationField("frontend.rate_limit", f.RateLimit)
	if err != nil {
		return bot.Config{}, router.Config{}, err
	}
	ttl, err := config.ParseDurationField("frontend.pending_ttl", f.PendingTTL)
	if err != nil {
		return bot.Config{}, router.Config{}, err
	}
	return bot.Config{RateLimit: rl, PendingTTL: ttl}, router.Config{Workers: f.Workers}, nil
}

func mapOps(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	var (
		out = ops.Config{Enabled: o.Enabled, Addr: o.Addr, Pprof: o.Pprof}
		err error
	)
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second); err != nil {
		return ops.Config{}, err
	}
	// pprof profiles stream for up to 30s by default.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("ops.write_timeout", o.WriteTimeout, 60*time.Second); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, 120*time.Second); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}

type housekeeping struct {
	Enabled    bool
	PruneSpec  string
	ReportSpec string
	Location   *time.Location
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func mapHousekeeping(cfg *config.Config) (housekeeping, error) {
	hk := housekeeping{Enabled: true, PruneSpec: "@every 10m", Location: time.Local}
	h := cfg.Housekeeping
	if h != nil {
		if h.Enabled != nil {
			hk.Enabled = *h.Enabled
		}
		if s := strings.TrimSpace(h.PruneCron); s != "" {
			hk.PruneSpec = s
		}
		hk.ReportSpec = strings.TrimSpace(h.ReportCron)
		if tz := strings.TrimSpace(h.Timezone); tz != "" {
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return housekeeping{}, err
			}
			hk.Location = loc
		}
	}
	if _, err := cronParser.Parse(hk.PruneSpec); err != nil {
		return housekeeping{}, err
	}
	if hk.ReportSpec != "" {
		if _, err := cronParser.Parse(hk.ReportSpec); err != nil {
			return housekeeping{}, err
		}
	}
	return hk, nil
}

// staticProxies converts the config list into registration params. A missing
// location falls back to the server name.
func staticProxies(cfg *config.Config) []proxy.Params {
	out := make([]proxy.Params, 0, len(cfg.Proxies))
	for _, e := range cfg.Proxies {
		loc := strings.TrimSpace(e.Location)
		if loc == "" {
			loc = strings.TrimSpace(e.Server)
		}
		out = append(out, proxy.Params{Location: loc, Server: e.Server, Port: e.Port, Secret: e.Secret})
	}
	return out
}

// validate is installed as the reload validator: it rejects configs the
// mappers cannot apply.
func validate(cfg *config.Config) error {
	if _, err := StorageConfig(cfg); err != nil {
		return err
	}
	if _, err := BroadcastConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapFrontend(cfg); err != nil {
		return err
	}
	if _, err := mapOps(cfg); err != nil {
		return err
	}
	_, err := mapHousekeeping(cfg)
	return err
}
