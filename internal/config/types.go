package config

// Config is the on-disk configuration (YAML or JSON). Unknown keys are rejected.
//
// All durations are Go duration strings (e.g. "50ms", "2s", "1m").
type Config struct {
	Telegram     TelegramConfig      `json:"telegram"`
	Logging      LoggingConfig       `json:"logging"`
	Storage      StorageConfig       `json:"storage"`
	Broadcast    *BroadcastConfig    `json:"broadcast,omitempty"`
	Frontend     *FrontendConfig     `json:"frontend,omitempty"`
	Ops          OpsConfig           `json:"ops,omitempty"`
	Housekeeping *HousekeepingConfig `json:"housekeeping,omitempty"`

	// Proxies is the static list registered once at startup. Entries that turn
	// out to be new are announced to every known client.
	Proxies []ProxyEntry `json:"proxies,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OwnerUserIDs is the admin allow-list.
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id receiving WARN+ log lines (optional).
	GroupLog string `json:"group_log,omitempty"`
	// PollTimeout is the long-poll timeout (default "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the durable store.
//
// Example:
//
//	storage: { driver: sqlite, path: ./proxybot.db }
//	storage: { driver: postgres, dsn: "postgres://bot:secret@db/proxybot?sslmode=disable" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	// RetryMax bounds retries of transient contention. Unset means 3; 0 disables retries.
	RetryMax     *int   `json:"retry_max,omitempty"`
	RetryBackoff string `json:"retry_backoff,omitempty"` // default "20ms"
}

// BroadcastConfig controls the paced fan-out.
//
// Defaults: gap "50ms", queue_size 16, status_ttl "1h", status_max 100.
type BroadcastConfig struct {
	Gap       string `json:"gap,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
	StatusTTL string `json:"status_ttl,omitempty"`
	StatusMax int    `json:"status_max,omitempty"`
}

// FrontendConfig controls chat interaction limits.
//
// Defaults: rate_limit "2s", pending_ttl "10m", workers 4.
type FrontendConfig struct {
	RateLimit  string `json:"rate_limit,omitempty"`
	PendingTTL string `json:"pending_ttl,omitempty"`
	Workers    int    `json:"workers,omitempty"`
}

// OpsConfig controls the operational HTTP server (/healthz, /metrics, pprof).
//
// Prefer binding to localhost; pprof exposes process internals.
type OpsConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default "127.0.0.1:9090"
	Pprof        bool   `json:"pprof,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// HousekeepingConfig schedules periodic maintenance with cron specs.
//
// Defaults: enabled, prune_cron "@every 10m", report_cron "" (disabled).
type HousekeepingConfig struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	PruneCron  string `json:"prune_cron,omitempty"`
	ReportCron string `json:"report_cron,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
}

type ProxyEntry struct {
	Location string `json:"location"`
	Server   string `json:"server"`
	Port     int    `json:"port"`
	Secret   string `json:"secret"`
}
