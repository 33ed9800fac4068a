package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"proxybot/internal/proxy"
	kit "proxybot/internal/transport"
	logx "proxybot/pkg/logx"
)

type pruner interface {
	Prune() (limiters, dialogs int)
}

type statser interface {
	Stats(ctx context.Context) (proxy.Stats, error)
}

// Housekeeping runs the periodic maintenance jobs on a cron scheduler.
type Housekeeping struct {
	log    logx.Logger
	pruner pruner
	stats  statser
	sender kit.Sender
	owners func() []int64

	mu sync.Mutex
	c  *cron.Cron
}

func NewHousekeeping(p pruner, st statser, sender kit.Sender, owners func() []int64, log logx.Logger) *Housekeeping {
	return &Housekeeping{log: log.With(logx.String("comp", "housekeeping")), pruner: p, stats: st, sender: sender, owners: owners}
}

// Apply (re)starts the scheduler with hk. A disabled config stops it.
func (h *Housekeeping) Apply(ctx context.Context, hk housekeeping) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
	if !hk.Enabled {
		return nil
	}
	cl := cronLogger{h.log}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(hk.Location),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(hk.PruneSpec, h.prune); err != nil {
		return fmt.Errorf("housekeeping.prune_cron: %w", err)
	}
	if hk.ReportSpec != "" {
		if _, err := c.AddFunc(hk.ReportSpec, func() { h.report(ctx) }); err != nil {
			return fmt.Errorf("housekeeping.report_cron: %w", err)
		}
	}
	c.Start()
	h.c = c
	h.log.Debug("housekeeping scheduled", logx.String("prune", hk.PruneSpec), logx.String("report", hk.ReportSpec))
	return nil
}

// Stop waits for running jobs to return.
func (h *Housekeeping) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
}

func (h *Housekeeping) stopLocked() {
	if h.c == nil {
		return
	}
	<-h.c.Stop().Done()
	h.c = nil
}

func (h *Housekeeping) prune() {
	limiters, dialogs := h.pruner.Prune()
	if limiters > 0 || dialogs > 0 {
		h.log.Debug("pruned idle state", logx.Int("limiters", limiters), logx.Int("dialogs", dialogs))
	}
}

func (h *Housekeeping) report(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	st, err := h.stats.Stats(ctx)
	if err != nil {
		h.log.Warn("stats report skipped", logx.Err(err))
		return
	}
	text := fmt.Sprintf("📊 Daily report\nUsers: %d\nProxies: %d (%d active)\nGrants: %d",
		st.Clients, st.Proxies, st.ActiveProxies, st.Grants)
	for _, id := range h.owners() {
		if _, err := h.sender.SendText(ctx, kit.ChatTarget{ChatID: id}, text, nil); err != nil {
			h.log.Warn("stats report not delivered", logx.Int64("owner", id), logx.Err(err))
		}
	}
}

type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
