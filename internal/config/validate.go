package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks values that cannot be expressed by the decoder: durations,
// enumerations and the static proxy list. It does not apply defaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	check("telegram.poll_timeout", cfg.Telegram.PollTimeout)

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "sqlite", "sqlite3":
		check("storage.busy_timeout", cfg.Storage.BusyTimeout)
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required when storage.driver=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if n := cfg.Storage.RetryMax; n != nil && *n < 0 {
		errs = append(errs, errors.New("storage.retry_max must be >= 0"))
	}
	check("storage.retry_backoff", cfg.Storage.RetryBackoff)

	if b := cfg.Broadcast; b != nil {
		check("broadcast.gap", b.Gap)
		check("broadcast.status_ttl", b.StatusTTL)
		if b.QueueSize < 0 || b.StatusMax < 0 {
			errs = append(errs, errors.New("broadcast.queue_size and broadcast.status_max must be >= 0"))
		}
	}
	if f := cfg.Frontend; f != nil {
		check("frontend.rate_limit", f.RateLimit)
		check("frontend.pending_ttl", f.PendingTTL)
		if f.Workers < 0 {
			errs = append(errs, errors.New("frontend.workers must be >= 0"))
		}
	}
	check("ops.read_timeout", cfg.Ops.ReadTimeout)
	check("ops.write_timeout", cfg.Ops.WriteTimeout)
	check("ops.idle_timeout", cfg.Ops.IdleTimeout)

	if h := cfg.Housekeeping; h != nil {
		if tz := strings.TrimSpace(h.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				errs = append(errs, fmt.Errorf("housekeeping.timezone: invalid %q: %w", tz, err))
			}
		}
	}

	seen := make(map[string]int, len(cfg.Proxies))
	for i, p := range cfg.Proxies {
		path := fmt.Sprintf("proxies[%d]", i)
		if strings.TrimSpace(p.Server) == "" || strings.TrimSpace(p.Secret) == "" {
			errs = append(errs, fmt.Errorf("%s: server and secret are required", path))
		}
		if p.Port < 1 || p.Port > 65535 {
			errs = append(errs, fmt.Errorf("%s: port %d out of range", path, p.Port))
		}
		key := strings.ToLower(strings.TrimSpace(p.Server)) + ":" + fmt.Sprint(p.Port)
		if j, dup := seen[key]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicates proxies[%d] (%s)", path, j, key))
		}
		seen[key] = i
	}
	return errors.Join(errs...)
}
