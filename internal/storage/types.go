package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("storage: not found")
	ErrInactive      = errors.New("storage: proxy inactive")
	ErrConflict      = errors.New("storage: unique key belongs to another proxy")
	ErrAlreadyExists = errors.New("storage: proxy already registered")
	ErrUnavailable   = errors.New("storage: no active proxy")
	ErrTransient     = errors.New("storage: transient failure")
)

// DefaultRetryMax is the transient retry budget when Config.RetryMax is zero.
const DefaultRetryMax = 3

// Config configures the store.
//
// Driver values:
//   - "sqlite" (default): Path is the database file
//   - "postgres": DSN is a lib/pq connection string or URL
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means 5s
	RetryMax     int           // transient retries after the first attempt; 0 means DefaultRetryMax, < 0 disables
	RetryBackoff time.Duration // base backoff, doubled per attempt
}

// Proxy is a distributable endpoint with usage accounting.
type Proxy struct {
	ID         int64
	Location   string
	Server     string
	Port       int
	Secret     string
	UsageCount int64
	Active     bool
}

// Key is the uniqueness key of the endpoint: lowercased host and port.
func (p Proxy) Key() string { return UniqueKey(p.Server, p.Port) }

// Client is a consumer identity.
type Client struct {
	ID       int64
	Username string
}

// GrantResult is the outcome of an admission attempt.
type GrantResult struct {
	Proxy Proxy
	// Fresh reports whether this call wrote the grant relation (and bumped the counter).
	Fresh bool
}

// Stats is a point-in-time count snapshot.
type Stats struct {
	Clients       int64
	Proxies       int64
	ActiveProxies int64
	Grants        int64
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At      time.Time
	ActorID int64
	Action  string
	Target  string
	OK      bool
	Error   string
}
