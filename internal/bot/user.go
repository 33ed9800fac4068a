package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"proxybot/internal/proxy"
	"proxybot/internal/transport/telegram/router"
	logx "proxybot/pkg/logx"
	"proxybot/pkg/tgui"
)

const listPageSize = 8

func (b *Bot) mainMenu(owner bool) tgui.Message {
	kb := tgui.NewInline().
		Row(tgui.Btn("🚀 Best proxy", tgui.Data(nsProxy, "best", ""))).
		Row(tgui.Btn("📋 All proxies", tgui.Data(nsProxy, "list", "0")))
	if owner {
		kb.Row(tgui.Btn("⚙️ Admin panel", tgui.Data(nsAdmin, "panel", "")))
	}
	return tgui.New().
		Title("👋", "Welcome!").
		Line("Pick the least loaded proxy or choose one yourself.").
		Inline(kb).
		Build()
}

func (b *Bot) cmdStart(ctx context.Context, req *router.Request) error {
	if _, err := b.engine.Touch(ctx, clientOf(req)); err != nil {
		req.Logger.Warn("client registration failed", logx.Err(err))
	}
	_, err := b.mainMenu(req.Owner).Send(ctx, req.Adapter, req.Chat)
	return err
}

func (b *Bot) cmdHelp(ctx context.Context, req *router.Request) error {
	if b.router == nil {
		return nil
	}
	_, err := tgui.New().HTML(tgui.H(b.router.HelpText(req.Owner))).Build().Send(ctx, req.Adapter, req.Chat)
	return err
}

func (b *Bot) cbMainMenu(ctx context.Context, req *router.Request, _ string) error {
	return b.mainMenu(req.Owner).Edit(ctx, req.Adapter, req.Message)
}

func (b *Bot) cbBest(ctx context.Context, req *router.Request, _ string) error {
	g, err := b.engine.SelectLeastLoaded(ctx, clientOf(req))
	if err != nil {
		return b.answerErr(ctx, req, err)
	}
	_, err = b.grantMessage(g.Proxy, tgui.Data(nsMenu, "main", "")).Send(ctx, req.Adapter, req.Chat)
	return err
}

func (b *Bot) cbConnect(ctx context.Context, req *router.Request, payload string) error {
	id, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		_ = req.Adapter.AnswerCallback(ctx, req.CallbackID, "Bad request")
		return nil
	}
	g, err := b.engine.AssignSpecific(ctx, clientOf(req), id)
	if err != nil {
		return b.answerErr(ctx, req, err)
	}
	_, err = b.grantMessage(g.Proxy, tgui.Data(nsProxy, "list", "0")).Send(ctx, req.Adapter, req.Chat)
	return err
}

func (b *Bot) grantMessage(p proxy.Proxy, back string) tgui.Message {
	kb := tgui.NewInline().
		Row(tgui.URLBtn("🔗 Connect", proxy.FormatLink(p))).
		Row(tgui.Btn("🔙 Back", back))
	return tgui.New().
		Title("✅", "Your proxy").
		KV("Location", p.Location).
		KV("Users", strconv.FormatInt(p.UsageCount, 10)).
		Inline(kb).
		Build()
}

func (b *Bot) cbList(ctx context.Context, req *router.Request, payload string) error {
	page, _ := strconv.Atoi(payload)
	ps, err := b.engine.ListActive(ctx)
	if err != nil {
		return b.answerErr(ctx, req, err)
	}
	if len(ps) == 0 {
		_ = req.Adapter.AnswerCallback(ctx, req.CallbackID, "The proxy list is empty.")
		return nil
	}
	items, pg := tgui.Paginate(ps, page, listPageSize)
	kb := tgui.NewInline()
	for _, p := range items {
		kb.Row(tgui.Btn(fmt.Sprintf("%s · %d users", tgui.TruncRunes(p.Location, 24), p.UsageCount), tgui.Data(nsProxy, "connect", strconv.FormatInt(p.ID, 10))))
	}
	kb.Row(pagerButtons(nsProxy, "list", pg)...)
	kb.Row(tgui.Btn("🔙 Back", tgui.Data(nsMenu, "main", "")))
	return tgui.New().
		Title("📋", "Available proxies").
		Line(pg.Label()).
		Inline(kb).
		Build().
		Edit(ctx, req.Adapter, req.Message)
}

// answerErr turns engine outcomes into a short callback notice. Failures
// are returned so the request log records them.
func (b *Bot) answerErr(ctx context.Context, req *router.Request, err error) error {
	var msg string
	switch {
	case errors.Is(err, proxy.ErrNoneAvailable):
		msg = "😓 No active proxies right now."
	case errors.Is(err, proxy.ErrInactive), errors.Is(err, proxy.ErrNotFound):
		msg = "This proxy is no longer available."
	case errors.Is(err, proxy.ErrConflict):
		msg = "Another proxy already uses this server and port."
	default:
		msg = "Something went wrong, please try again later."
	}
	if req.CallbackID != "" {
		_ = req.Adapter.AnswerCallback(ctx, req.CallbackID, msg)
	} else {
		_, _ = req.Reply(ctx, msg, nil)
	}
	if proxy.IsLogical(err) {
		return nil
	}
	return err
}
