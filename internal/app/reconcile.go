package app

import (
	"context"

	"proxybot/internal/bot"
	"proxybot/internal/notifier/broadcast"
	"proxybot/internal/proxy"
	kit "proxybot/internal/transport"
	logx "proxybot/pkg/logx"
)

type registrar interface {
	Register(ctx context.Context, p proxy.Params) (proxy.Registration, error)
	Clients(ctx context.Context) ([]int64, error)
}

type announcer interface {
	Broadcast(ctx context.Context, text string, recipients []int64, opt *kit.SendOptions) broadcast.Report
}

type ReconcileReport struct {
	Created  int
	Existing int
	Failed   int
	// Announced holds one delivery report per created proxy, in list order.
	Announced []broadcast.Report
}

// Reconcile registers the static proxy list once. Every proxy that turns out
// to be new is announced to all known clients exactly once; existing ones are
// left untouched. Registration failures are logged and skipped.
func Reconcile(ctx context.Context, eng registrar, n announcer, list []proxy.Params, log logx.Logger) ReconcileReport {
	var rep ReconcileReport
	for _, p := range list {
		if ctx.Err() != nil {
			break
		}
		reg, err := eng.Register(ctx, p)
		if err != nil {
			rep.Failed++
			log.Warn("static proxy not registered",
				logx.String("server", p.Server), logx.Int("port", p.Port), logx.Err(err))
			continue
		}
		if !reg.Created {
			rep.Existing++
			continue
		}
		rep.Created++

		clients, err := eng.Clients(ctx)
		if err != nil {
			log.Error("announcement skipped: client list unavailable", logx.Int64("proxy_id", reg.Proxy.ID), logx.Err(err))
			rep.Announced = append(rep.Announced, broadcast.Report{})
			continue
		}
		r := n.Broadcast(ctx, bot.AnnouncementText(reg.Proxy), clients, bot.AnnouncementOptions())
		rep.Announced = append(rep.Announced, r)
		log.Info("static proxy announced",
			logx.String("proxy", proxy.Label(reg.Proxy)), logx.Int("attempted", r.Attempted), logx.Int("delivered", r.Delivered))
	}
	log.Info("static proxies reconciled",
		logx.Int("created", rep.Created), logx.Int("existing", rep.Existing), logx.Int("failed", rep.Failed))
	return rep
}
