package bot

import (
	"context"
	"errors"
	"strings"

	"proxybot/internal/proxy"
	"proxybot/internal/transport/telegram/router"
	logx "proxybot/pkg/logx"
	"proxybot/pkg/tgui"
)

// The add-proxy dialog runs AwaitLink -> AwaitLocation -> AwaitNotify.
// The engine is only called once the location is known.

func (b *Bot) cbAdd(ctx context.Context, req *router.Request, _ string) error {
	b.dialogs.put(req.FromID, dialog{stage: stageAwaitLink})
	_, err := req.Reply(ctx, "Send the proxy link (https://t.me/proxy?... or tg://proxy?...), or /cancel.", nil)
	return err
}

func (b *Bot) cmdCancel(ctx context.Context, req *router.Request) error {
	msg := "Nothing to cancel."
	if b.dialogs.cancel(req.FromID) {
		msg = "Cancelled."
	}
	_, err := req.Reply(ctx, msg, nil)
	return err
}

func (b *Bot) onText(ctx context.Context, req *router.Request) error {
	if !req.Owner {
		return nil
	}
	dl, ok := b.dialogs.get(req.FromID)
	if !ok {
		return nil
	}
	text := strings.TrimSpace(req.Text)
	req.Logger.Debug("dialog input", logx.String("stage", dl.stage.String()))

	switch dl.stage {
	case stageAwaitLink:
		params, err := proxy.ParseLink(text)
		if err != nil {
			_, err = req.Reply(ctx, "Invalid link format. Try again or /cancel.", nil)
			return err
		}
		if _, ok := b.dialogs.advance(req.FromID, stageAwaitLink, func(d *dialog) {
			d.stage = stageAwaitLocation
			d.params = params
		}); !ok {
			return nil
		}
		_, err = req.Reply(ctx, "Great! Now send the location name (e.g. Finland 🇫🇮):", nil)
		return err

	case stageAwaitLocation:
		if text == "" {
			_, err := req.Reply(ctx, "The location cannot be empty.", nil)
			return err
		}
		dl, ok := b.dialogs.take(req.FromID, stageAwaitLocation)
		if !ok {
			return nil
		}
		dl.params.Location = text
		return b.commit(ctx, req, dl.params)

	case stageAwaitNotify:
		_, err := req.Reply(ctx, "Use the buttons above to choose whether to notify users.", nil)
		return err
	}
	return nil
}

func (b *Bot) cmdAddProxy(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 2 {
		_, err := req.Reply(ctx, "Usage: /addproxy <link> <location>", nil)
		return err
	}
	params, err := proxy.ParseLink(req.Args[0])
	if err != nil {
		_, err = req.Reply(ctx, "Invalid link format.", nil)
		return err
	}
	params.Location = strings.Join(req.Args[1:], " ")
	return b.commit(ctx, req, params)
}

// commit registers the proxy and, when it is new, asks whether to announce it.
func (b *Bot) commit(ctx context.Context, req *router.Request, params proxy.Params) error {
	reg, err := b.engine.Register(ctx, params)
	b.record(ctx, req, "register", params.Server, err)
	switch {
	case errors.Is(err, proxy.ErrInvalid):
		_, err = req.Reply(ctx, "Invalid proxy: "+err.Error(), nil)
		return err
	case err != nil:
		return b.answerErr(ctx, req, err)
	case !reg.Created:
		_, err = req.Reply(ctx, "This proxy already exists!", nil)
		return err
	}

	b.dialogs.put(req.FromID, dialog{stage: stageAwaitNotify, params: params, created: reg.Proxy})
	kb := tgui.NewInline().Row(
		tgui.Btn("📢 Notify users", tgui.Data(nsAdmin, "notify", "yes")),
		tgui.Btn("🔕 Don't notify", tgui.Data(nsAdmin, "notify", "no")),
	)
	_, err = tgui.New().
		Title("✅", "Proxy added").
		KV("Location", reg.Proxy.Location).
		HTML(tgui.Code(proxy.FormatLink(reg.Proxy))).
		Line("Notify all users about it?").
		Inline(kb).
		Build().
		Send(ctx, req.Adapter, req.Chat)
	return err
}

func (b *Bot) cbNotify(ctx context.Context, req *router.Request, payload string) error {
	dl, ok := b.dialogs.take(req.FromID, stageAwaitNotify)
	if !ok {
		_ = req.Adapter.AnswerCallback(ctx, req.CallbackID, "Nothing pending.")
		return nil
	}
	if payload != "yes" {
		_, err := req.Reply(ctx, "Saved without announcement.", nil)
		return err
	}
	if err := b.announce(ctx, req, dl.created); err != nil {
		_, _ = req.Reply(ctx, "Broadcast queue is full, the announcement was not sent.", nil)
		return err
	}
	_, err := req.Reply(ctx, "📢 Announcement queued.", nil)
	return err
}
