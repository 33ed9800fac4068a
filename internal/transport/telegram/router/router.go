package router

import (
	"context"
	"html"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "proxybot/internal/runtime/supervisor"
	kit "proxybot/internal/transport"
	logx "proxybot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	// Hidden commands are routable but left out of /help and the menu.
	Hidden  bool
	Timeout time.Duration
	Handle  HandlerFunc
}

// CallbackRoute handles inline button data of the form "namespace:action:payload".
type CallbackRoute struct {
	Namespace string
	Action    string
	Access    Access
	Timeout   time.Duration
	Handle    CallbackHandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	Private      bool
	Owner        bool

	// Command is the command name, "cb:<ns>:<action>" for callbacks, or "text".
	Command string
	Args    []string
	RawArgs string
	Text    string
	Payload string

	// Message is the message the callback button was attached to.
	Message    kit.MessageRef
	CallbackID string

	ReqID   string
	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends text to the request's chat.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return r.Adapter.SendText(ctx, r.Chat, text, opt)
}

type Config struct {
	Workers  int
	QueueCap int
	Timeout  time.Duration
}

// Router dispatches transport updates to registered commands, callback
// routes and an optional plain-text handler on a bounded worker pool.
type Router struct {
	log     logx.Logger
	adapter kit.Adapter
	cfg     Config

	mu        sync.RWMutex
	commands  map[string]Command
	callbacks map[string]CallbackRoute
	text      HandlerFunc
	owners    map[int64]struct{}
	mw        []Middleware

	jobs chan func(context.Context)
}

func New(log logx.Logger, adapter kit.Adapter, owners []int64, cfg Config) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	r := &Router{
		log:       log.With(logx.String("comp", "telegram.router")),
		adapter:   adapter,
		cfg:       cfg,
		commands:  map[string]Command{},
		callbacks: map[string]CallbackRoute{},
		jobs:      make(chan func(context.Context), cfg.QueueCap),
	}
	r.SetOwners(owners)
	return r
}

// SetOwners replaces the admin allow-list. Safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	m := make(map[int64]struct{}, len(owners))
	for _, id := range owners {
		m[id] = struct{}{}
	}
	r.mu.Lock()
	r.owners = m
	r.mu.Unlock()
}

func (r *Router) IsOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.owners[id]
	return ok
}

// Use appends middleware run inside recovery and logging, before the handler.
func (r *Router) Use(mw ...Middleware) {
	r.mu.Lock()
	r.mw = append(r.mw, mw...)
	r.mu.Unlock()
}

func (r *Router) Handle(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		r.commands[name] = c
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				alias := c
				alias.Hidden = true
				r.commands[a] = alias
			}
		}
	}
}

func (r *Router) HandleCallback(routes ...CallbackRoute) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cr := range routes {
		if cr.Namespace == "" || cr.Action == "" || cr.Handle == nil {
			continue
		}
		r.callbacks[cr.Namespace+":"+cr.Action] = cr
	}
}

// HandleText sets the handler for non-command messages.
func (r *Router) HandleText(h HandlerFunc) {
	r.mu.Lock()
	r.text = h
	r.mu.Unlock()
}

// MenuCommands lists the visible commands for the chat client menu.
func (r *Router) MenuCommands() []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(r.commands))
	for _, c := range r.commands {
		if c.Hidden || c.Access == AccessOwnerOnly {
			continue
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// HelpText renders visible commands as HTML; owner-only ones are listed for owners.
func (r *Router) HelpText(owner bool) string {
	r.mu.RLock()
	cmds := make([]Command, 0, len(r.commands))
	for _, c := range r.commands {
		if c.Hidden || (c.Access == AccessOwnerOnly && !owner) {
			continue
		}
		cmds = append(cmds, c)
	}
	r.mu.RUnlock()
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })

	var b strings.Builder
	b.WriteString("<b>Commands</b>\n")
	for _, c := range cmds {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.WriteString("<code>" + html.EscapeString(usage) + "</code>")
		if c.Description != "" {
			b.WriteString(" - " + html.EscapeString(c.Description))
		}
		if c.Access == AccessOwnerOnly {
			b.WriteString(" 🔒")
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// Run consumes updates until ctx is done or updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	for i := 0; i < r.cfg.Workers; i++ {
		idx := i
		sup.GoRestart("router.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					r.runJob(c, idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}
	r.log.Info("dispatcher started", logx.Int("workers", r.cfg.Workers), logx.Int("queue_cap", cap(r.jobs)))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Dispatch(ctx, up)
		}
	}
}

func (r *Router) runJob(ctx context.Context, idx int, job func(context.Context)) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in router job", logx.Int("worker", idx), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	job(ctx)
}

// Dispatch routes one update onto the worker queue. It never blocks; when
// the queue is full the user is told to retry.
func (r *Router) Dispatch(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			r.routeMessage(ctx, up)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			r.routeCallback(ctx, up)
		}
	}
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	req := r.newRequest(up, msg.ChatID, msg.FromID, msg.FromUsername)
	req.Private = msg.IsPrivate
	req.Text = msg.Text

	name, rest, isCmd := commandWord(msg.Text)
	r.mu.RLock()
	cmd, found := r.commands[name]
	text := r.text
	r.mu.RUnlock()

	var (
		h       HandlerFunc
		timeout = r.cfg.Timeout
	)
	switch {
	case isCmd && found:
		if cmd.Access == AccessOwnerOnly && !req.Owner {
			_, _ = req.Reply(ctx, "⛔ This command is for administrators only.", nil)
			return
		}
		req.Command = cmd.Name
		req.RawArgs = rest
		req.Args = tokenizeCommandLine(rest)
		h = cmd.Handle
		if cmd.Timeout > 0 {
			timeout = cmd.Timeout
		}
	case isCmd:
		_, _ = req.Reply(ctx, "Unknown command. Try /help", nil)
		return
	case text != nil:
		req.Command = "text"
		h = text
	default:
		return
	}
	req.Logger = req.Logger.With(logx.String("cmd", req.Command))

	if !r.enqueue(req, h, timeout, nil) {
		_, _ = req.Reply(ctx, "Busy, try again in a moment.", nil)
	}
}

func (r *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	ns, action, payload, ok := splitCallback(cb.Data)
	if !ok {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	r.mu.RLock()
	route, found := r.callbacks[ns+":"+action]
	r.mu.RUnlock()
	if !found {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}

	req := r.newRequest(up, cb.ChatID, cb.FromID, cb.FromUsername)
	if route.Access == AccessOwnerOnly && !req.Owner {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}
	req.Command = "cb:" + ns + ":" + action
	req.Payload = payload
	req.Message = kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	req.CallbackID = cb.ID
	req.Logger = req.Logger.With(logx.String("cmd", req.Command))

	timeout := r.cfg.Timeout
	if route.Timeout > 0 {
		timeout = route.Timeout
	}
	h := func(ctx context.Context, req *Request) error { return route.Handle(ctx, req, payload) }
	// Stop the client's spinner once the handler is done.
	after := func(ctx context.Context) { _ = r.adapter.AnswerCallback(ctx, cb.ID, "") }
	if !r.enqueue(req, h, timeout, after) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "busy")
	}
}

func (r *Router) newRequest(up kit.Update, chatID, fromID int64, username string) *Request {
	rid := newReqID()
	return &Request{
		Update:       up,
		Chat:         kit.ChatTarget{ChatID: chatID},
		FromID:       fromID,
		FromUsername: username,
		Owner:        r.IsOwner(fromID),
		ReqID:        rid,
		Adapter:      r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chatID),
			logx.Int64("from_id", fromID),
		),
	}
}

func (r *Router) enqueue(req *Request, h HandlerFunc, timeout time.Duration, after func(context.Context)) bool {
	r.mu.RLock()
	mw := append([]Middleware{Recover(), AccessLog(), Deadline(timeout)}, r.mw...)
	r.mu.RUnlock()
	final := Chain(h, mw...)

	job := func(ctx context.Context) {
		_ = final(ctx, req)
		if after != nil {
			after(ctx)
		}
	}
	select {
	case r.jobs <- job:
		return true
	default:
		r.log.Warn("router queue full; rejecting request", logx.String("cmd", req.Command), logx.Int("queue_cap", cap(r.jobs)))
		return false
	}
}
