package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	EnvToken    = "PROXYBOT_TOKEN"
	EnvAdminIDs = "PROXYBOT_ADMIN_IDS"
)

// applyEnv overlays environment overrides: the token replaces telegram.token,
// admin ids are merged into telegram.owner_user_ids.
func applyEnv(cfg *Config, getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if tok := strings.TrimSpace(getenv(EnvToken)); tok != "" {
		cfg.Telegram.Token = tok
	}
	raw := strings.TrimSpace(getenv(EnvAdminIDs))
	if raw == "" {
		return nil
	}
	seen := make(map[int64]struct{}, len(cfg.Telegram.OwnerUserIDs))
	for _, id := range cfg.Telegram.OwnerUserIDs {
		seen[id] = struct{}{}
	}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid id %q: %w", EnvAdminIDs, part, err)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		cfg.Telegram.OwnerUserIDs = append(cfg.Telegram.OwnerUserIDs, id)
	}
	return nil
}
