// Package bot is the chat front-end: menus, the admin panel, the add-proxy
// dialog and per-client rate limiting, wired onto the Telegram router.
package bot

import (
	"context"
	"time"

	"proxybot/internal/metrics"
	"proxybot/internal/notifier/broadcast"
	"proxybot/internal/proxy"
	"proxybot/internal/storage"
	kit "proxybot/internal/transport"
	"proxybot/internal/transport/telegram/router"
	logx "proxybot/pkg/logx"
)

// Engine is the subset of *proxy.Engine the front-end drives.
type Engine interface {
	Register(ctx context.Context, p proxy.Params) (proxy.Registration, error)
	SelectLeastLoaded(ctx context.Context, c proxy.Client) (proxy.Grant, error)
	AssignSpecific(ctx context.Context, c proxy.Client, id int64) (proxy.Grant, error)
	Toggle(ctx context.Context, id int64) (bool, error)
	Reset(ctx context.Context, id int64) error
	Remove(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (proxy.Proxy, error)
	ListActive(ctx context.Context) ([]proxy.Proxy, error)
	ListAll(ctx context.Context) ([]proxy.Proxy, error)
	Stats(ctx context.Context) (proxy.Stats, error)
	Touch(ctx context.Context, c proxy.Client) (bool, error)
}

// Broadcaster queues announcements. *broadcast.Service implements it.
type Broadcaster interface {
	Submit(name, text string, opt *kit.SendOptions) (string, error)
	Jobs() []broadcast.JobStatus
	Cancel(id string) bool
}

// Auditor records admin actions. *storage.Store implements it.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Config struct {
	// RateLimit is the minimum interval between interactions of one client.
	RateLimit time.Duration
	// PendingTTL bounds how long an unfinished add-proxy dialog is kept.
	PendingTTL time.Duration
}

type Bot struct {
	engine  Engine
	bc      Broadcaster
	audit   Auditor
	log     logx.Logger
	metrics metrics.Recorder
	now     func() time.Time

	limiter *limiter
	dialogs *dialogs
	router  *router.Router
}

func New(engine Engine, bc Broadcaster, audit Auditor, cfg Config, log logx.Logger, rec metrics.Recorder) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 2 * time.Second
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 10 * time.Minute
	}
	b := &Bot{
		engine:  engine,
		bc:      bc,
		audit:   audit,
		log:     log.With(logx.String("comp", "bot")),
		metrics: metrics.OrNop(rec),
		now:     time.Now,
	}
	b.limiter = newLimiter(cfg.RateLimit, b.now)
	b.dialogs = newDialogs(cfg.PendingTTL, b.now)
	return b
}

// Apply updates limits from a reloaded config.
func (b *Bot) Apply(cfg Config) {
	if cfg.RateLimit > 0 {
		b.limiter.setInterval(cfg.RateLimit)
	}
	if cfg.PendingTTL > 0 {
		b.dialogs.setTTL(cfg.PendingTTL)
	}
}

// Mount registers every command and callback on r.
func (b *Bot) Mount(r *router.Router) {
	b.router = r
	r.Use(b.rateLimit())

	r.Handle(
		router.Command{Name: "start", Description: "Main menu", Handle: b.cmdStart},
		router.Command{Name: "help", Description: "List commands", Handle: b.cmdHelp},
		router.Command{Name: "cancel", Description: "Abort the current dialog", Handle: b.cmdCancel},
		router.Command{Name: "stats", Description: "Usage statistics", Access: router.AccessOwnerOnly, Handle: b.cmdStats},
		router.Command{Name: "addproxy", Description: "Register a proxy", Usage: "/addproxy <link> <location>", Access: router.AccessOwnerOnly, Handle: b.cmdAddProxy},
		router.Command{Name: "broadcast", Description: "Message every user", Usage: "/broadcast <text>", Access: router.AccessOwnerOnly, Handle: b.cmdBroadcast},
	)
	r.HandleCallback(
		router.CallbackRoute{Namespace: nsMenu, Action: "main", Access: router.AccessEveryone, Handle: b.cbMainMenu},
		router.CallbackRoute{Namespace: nsProxy, Action: "best", Access: router.AccessEveryone, Handle: b.cbBest},
		router.CallbackRoute{Namespace: nsProxy, Action: "list", Access: router.AccessEveryone, Handle: b.cbList},
		router.CallbackRoute{Namespace: nsProxy, Action: "connect", Access: router.AccessEveryone, Handle: b.cbConnect},

		router.CallbackRoute{Namespace: nsAdmin, Action: "panel", Access: router.AccessOwnerOnly, Handle: b.cbPanel},
		router.CallbackRoute{Namespace: nsAdmin, Action: "stats", Access: router.AccessOwnerOnly, Handle: b.cbStats},
		router.CallbackRoute{Namespace: nsAdmin, Action: "manage", Access: router.AccessOwnerOnly, Handle: b.cbManage},
		router.CallbackRoute{Namespace: nsAdmin, Action: "view", Access: router.AccessOwnerOnly, Handle: b.cbView},
		router.CallbackRoute{Namespace: nsAdmin, Action: "toggle", Access: router.AccessOwnerOnly, Handle: b.cbToggle},
		router.CallbackRoute{Namespace: nsAdmin, Action: "reset", Access: router.AccessOwnerOnly, Handle: b.cbReset},
		router.CallbackRoute{Namespace: nsAdmin, Action: "remove", Access: router.AccessOwnerOnly, Handle: b.cbRemove},
		router.CallbackRoute{Namespace: nsAdmin, Action: "rmconfirm", Access: router.AccessOwnerOnly, Handle: b.cbRemoveConfirm},
		router.CallbackRoute{Namespace: nsAdmin, Action: "add", Access: router.AccessOwnerOnly, Handle: b.cbAdd},
		router.CallbackRoute{Namespace: nsAdmin, Action: "notify", Access: router.AccessOwnerOnly, Handle: b.cbNotify},
		router.CallbackRoute{Namespace: nsAdmin, Action: "jobs", Access: router.AccessOwnerOnly, Handle: b.cbJobs},
		router.CallbackRoute{Namespace: nsAdmin, Action: "canceljob", Access: router.AccessOwnerOnly, Handle: b.cbCancelJob},
	)
	r.HandleText(b.onText)
}

// Prune drops idle rate-limit entries and expired dialogs.
func (b *Bot) Prune() (limiters, dialogs int) {
	return b.limiter.prune(), b.dialogs.prune()
}

const (
	nsMenu  = "menu"
	nsProxy = "proxy"
	nsAdmin = "admin"
)

func clientOf(req *router.Request) proxy.Client {
	return proxy.Client{ID: req.FromID, Username: req.FromUsername}
}

// record appends an audit entry; failures are only logged.
func (b *Bot) record(ctx context.Context, req *router.Request, action, target string, err error) {
	if b.audit == nil {
		return
	}
	e := storage.AuditEntry{At: b.now(), ActorID: req.FromID, Action: action, Target: target, OK: err == nil}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := b.audit.AppendAudit(ctx, e); aerr != nil {
		req.Logger.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}
