package proxy

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"proxybot/internal/eventbus"
	"proxybot/internal/metrics"
	"proxybot/internal/storage"
	"proxybot/pkg/logx"
)

type (
	Proxy  = storage.Proxy
	Client = storage.Client
	Stats  = storage.Stats
)

// Event types published after a committed change.
const (
	EventRegistered = "proxy.registered"
	EventGranted    = "proxy.granted"
	EventToggled    = "proxy.toggled"
	EventReset      = "proxy.reset"
	EventRemoved    = "proxy.removed"
	EventUpdated    = "proxy.updated"
)

// Store is the persistence the engine needs. *storage.Store implements it.
type Store interface {
	InsertProxy(ctx context.Context, p storage.Proxy) (storage.Proxy, error)
	EnsureClient(ctx context.Context, c storage.Client) (bool, error)
	GrantLeastLoaded(ctx context.Context, c storage.Client) (storage.GrantResult, error)
	GrantSpecific(ctx context.Context, c storage.Client, id int64) (storage.GrantResult, error)
	ToggleActive(ctx context.Context, id int64) (bool, error)
	ResetUsage(ctx context.Context, id int64) error
	DeleteProxy(ctx context.Context, id int64) error
	UpdateProxy(ctx context.Context, p storage.Proxy) (storage.Proxy, error)
	GetProxy(ctx context.Context, id int64) (storage.Proxy, error)
	ListProxies(ctx context.Context, activeOnly bool) ([]storage.Proxy, error)
	ClientIDs(ctx context.Context) ([]int64, error)
	Stats(ctx context.Context) (storage.Stats, error)
}

// Registration is the result of Register.
type Registration struct {
	Proxy   Proxy
	Created bool
}

// Grant is the result of an assignment.
type Grant struct {
	Proxy Proxy
	// Fresh is false when the client already held this proxy; the usage counter was not touched.
	Fresh bool
}

// Toggled carries a proxy id and its new availability.
type Toggled struct {
	ID     int64
	Active bool
}

type Option func(*Engine)

func WithBus(b eventbus.Bus) Option         { return func(e *Engine) { e.bus = b } }
func WithMetrics(r metrics.Recorder) Option { return func(e *Engine) { e.metrics = metrics.OrNop(r) } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

type Engine struct {
	store   Store
	log     logx.Logger
	bus     eventbus.Bus
	metrics metrics.Recorder
	now     func() time.Time
}

func NewEngine(store Store, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		store:   store,
		log:     log.With(logx.String("comp", "proxy")),
		metrics: metrics.Nop{},
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Register adds a proxy. Registering an endpoint that already exists (same
// server and port, any secret or location) is not an error: Created is false,
// Proxy is zero and the stored row is left untouched.
func (e *Engine) Register(ctx context.Context, p Params) (r Registration, err error) {
	defer func() { e.finish("register", err) }()
	p = p.normalized()
	if err = p.validate(); err != nil {
		return Registration{}, err
	}
	got, err := e.store.InsertProxy(ctx, storage.Proxy{
		Location: p.Location, Server: p.Server, Port: p.Port, Secret: p.Secret, Active: true,
	})
	switch {
	case errors.Is(err, storage.ErrAlreadyExists):
		return Registration{Proxy: got, Created: false}, nil
	case err != nil:
		return Registration{}, translate(err)
	}
	e.publish(EventRegistered, got)
	e.log.Info("proxy registered",
		logx.Int64("proxy_id", got.ID), logx.String("location", got.Location), logx.String("key", got.Key()))
	return Registration{Proxy: got, Created: true}, nil
}

// SelectLeastLoaded hands the client the active proxy with the lowest usage
// count, ties broken by lowest id. Usage is counted once per (client, proxy).
func (e *Engine) SelectLeastLoaded(ctx context.Context, c Client) (g Grant, err error) {
	defer func() { e.finish("select", err) }()
	res, err := e.store.GrantLeastLoaded(ctx, c)
	if err != nil {
		return Grant{}, translate(err)
	}
	return e.granted(c, res), nil
}

// AssignSpecific hands the client the named proxy if it exists and is active.
func (e *Engine) AssignSpecific(ctx context.Context, c Client, id int64) (g Grant, err error) {
	defer func() { e.finish("assign", err) }()
	res, err := e.store.GrantSpecific(ctx, c, id)
	if err != nil {
		return Grant{}, translate(err)
	}
	return e.granted(c, res), nil
}

func (e *Engine) granted(c Client, res storage.GrantResult) Grant {
	e.metrics.Grant(res.Fresh)
	if res.Fresh {
		e.publish(EventGranted, Grant{Proxy: res.Proxy, Fresh: true})
		e.log.Debug("proxy granted",
			logx.Int64("client_id", c.ID), logx.Int64("proxy_id", res.Proxy.ID), logx.Int64("usage", res.Proxy.UsageCount))
	}
	return Grant{Proxy: res.Proxy, Fresh: res.Fresh}
}

// Toggle flips availability and returns the new state.
func (e *Engine) Toggle(ctx context.Context, id int64) (active bool, err error) {
	defer func() { e.finish("toggle", err) }()
	active, err = e.store.ToggleActive(ctx, id)
	if err != nil {
		return false, translate(err)
	}
	e.publish(EventToggled, Toggled{ID: id, Active: active})
	e.log.Info("proxy toggled", logx.Int64("proxy_id", id), logx.Bool("active", active))
	return active, nil
}

// Reset zeroes the usage count and forgets every grant of the proxy, so
// clients that held it are counted again on their next selection.
func (e *Engine) Reset(ctx context.Context, id int64) (err error) {
	defer func() { e.finish("reset", err) }()
	if err = e.store.ResetUsage(ctx, id); err != nil {
		return translate(err)
	}
	e.publish(EventReset, id)
	e.log.Info("proxy usage reset", logx.Int64("proxy_id", id))
	return nil
}

// Remove deletes the proxy and its grants.
func (e *Engine) Remove(ctx context.Context, id int64) (err error) {
	defer func() { e.finish("remove", err) }()
	if err = e.store.DeleteProxy(ctx, id); err != nil {
		return translate(err)
	}
	e.publish(EventRemoved, id)
	e.log.Info("proxy removed", logx.Int64("proxy_id", id))
	return nil
}

// Update rewrites location and connection parameters. Usage, availability
// and grants are kept. ErrConflict means the new server and port belong to
// another proxy.
func (e *Engine) Update(ctx context.Context, id int64, p Params) (out Proxy, err error) {
	defer func() { e.finish("update", err) }()
	p = p.normalized()
	if err = p.validate(); err != nil {
		return Proxy{}, err
	}
	out, err = e.store.UpdateProxy(ctx, storage.Proxy{
		ID: id, Location: p.Location, Server: p.Server, Port: p.Port, Secret: p.Secret,
	})
	if err != nil {
		return Proxy{}, translate(err)
	}
	e.publish(EventUpdated, out)
	e.log.Info("proxy updated", logx.Int64("proxy_id", id), logx.String("key", out.Key()))
	return out, nil
}

func (e *Engine) Get(ctx context.Context, id int64) (Proxy, error) {
	p, err := e.store.GetProxy(ctx, id)
	return p, translate(err)
}

// ListActive returns active proxies ordered by location.
func (e *Engine) ListActive(ctx context.Context) ([]Proxy, error) {
	ps, err := e.store.ListProxies(ctx, true)
	return ps, translate(err)
}

// ListAll returns every proxy ordered by location.
func (e *Engine) ListAll(ctx context.Context) ([]Proxy, error) {
	ps, err := e.store.ListProxies(ctx, false)
	return ps, translate(err)
}

func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	s, err := e.store.Stats(ctx)
	return s, translate(err)
}

// Clients returns the ids of every known client, oldest first.
func (e *Engine) Clients(ctx context.Context) ([]int64, error) {
	ids, err := e.store.ClientIDs(ctx)
	return ids, translate(err)
}

// Touch records a client without granting anything.
func (e *Engine) Touch(ctx context.Context, c Client) (created bool, err error) {
	created, err = e.store.EnsureClient(ctx, c)
	if err != nil {
		return false, translate(err)
	}
	if created {
		e.log.Debug("client registered", logx.Int64("client_id", c.ID))
	}
	return created, nil
}

func (e *Engine) finish(op string, err error) {
	oc := outcome(err)
	e.metrics.EngineOutcome(op, oc)
	if oc == "failure" {
		e.log.Error("proxy operation failed", logx.String("op", op), logx.Err(err))
	}
}

func (e *Engine) publish(typ string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: data})
}

func (p Params) normalized() Params {
	p.Location = strings.TrimSpace(p.Location)
	p.Server = strings.TrimSpace(p.Server)
	p.Secret = strings.TrimSpace(p.Secret)
	return p
}

// Label is the short human name of a proxy used in menus.
func Label(p Proxy) string {
	s := p.Location
	if s == "" {
		s = p.Server + ":" + strconv.Itoa(p.Port)
	}
	if !p.Active {
		s += " (off)"
	}
	return s
}
