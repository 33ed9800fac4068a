package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"proxybot/internal/notifier/broadcast"
	"proxybot/internal/proxy"
	"proxybot/internal/transport/telegram/router"
	logx "proxybot/pkg/logx"
	"proxybot/pkg/tgui"
)

func (b *Bot) panel() tgui.Message {
	kb := tgui.NewInline().
		Row(tgui.Btn("📊 Stats", tgui.Data(nsAdmin, "stats", "")), tgui.Btn("➕ Add proxy", tgui.Data(nsAdmin, "add", ""))).
		Row(tgui.Btn("🛠 Manage proxies", tgui.Data(nsAdmin, "manage", "0"))).
		Row(tgui.Btn("📢 Broadcasts", tgui.Data(nsAdmin, "jobs", ""))).
		Row(tgui.Btn("🔙 Main menu", tgui.Data(nsMenu, "main", "")))
	return tgui.New().Title("⚙️", "Admin panel").Inline(kb).Build()
}

func (b *Bot) cbPanel(ctx context.Context, req *router.Request, _ string) error {
	return b.panel().Edit(ctx, req.Adapter, req.Message)
}

func (b *Bot) statsMessage(ctx context.Context) (tgui.Message, error) {
	st, err := b.engine.Stats(ctx)
	if err != nil {
		return tgui.Message{}, err
	}
	return tgui.New().
		Title("📊", "Statistics").
		KV("Users", strconv.FormatInt(st.Clients, 10)).
		KV("Proxies", fmt.Sprintf("%d (%d active)", st.Proxies, st.ActiveProxies)).
		KV("Grants", strconv.FormatInt(st.Grants, 10)).
		Inline(tgui.NewInline().Row(tgui.Btn("🔙 Back", tgui.Data(nsAdmin, "panel", "")))).
		Build(), nil
}

func (b *Bot) cmdStats(ctx context.Context, req *router.Request) error {
	m, err := b.statsMessage(ctx)
	if err != nil {
		return b.answerErr(ctx, req, err)
	}
	_, err = m.Send(ctx, req.Adapter, req.Chat)
	return err
}

func (b *Bot) cbStats(ctx context.Context, req *router.Request, _ string) error {
	m, err := b.statsMessage(ctx)
	if err != nil {
		return b.answerErr(ctx, req, err)
	}
	return m.Edit(ctx, req.Adapter, req.Message)
}

func (b *Bot) cbManage(ctx context.Context, req *router.Request, payload string) error {
	page, _ := strconv.Atoi(payload)
	ps, err := b.engine.ListAll(ctx)
	if err != nil {
		return b.answerErr(ctx, req, err)
	}
	items, pg := tgui.Paginate(ps, page, listPageSize)
	kb := tgui.NewInline()
	for _, p := range items {
		icon := "🟢"
		if !p.Active {
			icon = "🔴"
		}
		kb.Row(tgui.Btn(fmt.Sprintf("%s %s · %d", icon, tgui.TruncRunes(p.Location, 24), p.UsageCount), tgui.Data(nsAdmin, "view", strconv.FormatInt(p.ID, 10))))
	}
	kb.Row(pagerButtons(nsAdmin, "manage", pg)...)
	kb.Row(tgui.Btn("🔙 Back", tgui.Data(nsAdmin, "panel", "")))

	mb := tgui.New().Title("🛠", "Manage proxies")
	if len(ps) == 0 {
		mb.Line("No proxies yet.")
	} else {
		mb.Line(pg.Label())
	}
	return mb.Inline(kb).Build().Edit(ctx, req.Adapter, req.Message)
}

func (b *Bot) viewMessage(p proxy.Proxy) tgui.Message {
	id := strconv.FormatInt(p.ID, 10)
	state, toggle := "🟢 active", "⏸ Disable"
	if !p.Active {
		state, toggle = "🔴 disabled", "▶️ Enable"
	}
	kb := tgui.NewInline().
		Row(tgui.Btn(toggle, tgui.Data(nsAdmin, "toggle", id)), tgui.Btn("♻️ Reset usage", tgui.Data(nsAdmin, "reset", id))).
		Row(tgui.Btn("🗑 Remove", tgui.Data(nsAdmin, "remove", id))).
		Row(tgui.Btn("🔙 Back", tgui.Data(nsAdmin, "manage", "0")))
	return tgui.New().
		Title("🌐", p.Location).
		KV("Server", fmt.Sprintf("%s:%d", p.Server, p.Port)).
		KV("State", state).
		KV("Users", strconv.FormatInt(p.UsageCount, 10)).
		HTML(tgui.Code(proxy.FormatLink(p))).
		Inline(kb).
		Build()
}

func parseID(payload string) (int64, bool) {
	id, err := strconv.ParseInt(payload, 10, 64)
	return id, err == nil && id > 0
}

func (b *Bot) cbView(ctx context.Context, req *router.Request, payload string) error {
	id, ok := parseID(payload)
	if !ok {
		return nil
	}
	p, err := b.engine.Get(ctx, id)
	if err != nil {
		return b.answerErr(ctx, req, err)
	}
	return b.viewMessage(p).Edit(ctx, req.Adapter, req.Message)
}

func (b *Bot) cbToggle(ctx context.Context, req *router.Request, payload string) error {
	id, ok := parseID(payload)
	if !ok {
		return nil
	}
	active, err := b.engine.Toggle(ctx, id)
	b.record(ctx, req, "toggle", payload, err)
	if err != nil {
		return b.answerErr(ctx, req, err)
	}
	notice := "Proxy disabled"
	if active {
		notice = "Proxy enabled"
	}
	_ = req.Adapter.AnswerCallback(ctx, req.CallbackID, notice)
	return b.cbView(ctx, req, payload)
}

func (b *Bot) cbReset(ctx context.Context, req *router.Request, payload string) error {
	id, ok := parseID(payload)
	if !ok {
		return nil
	}
	err := b.engine.Reset(ctx, id)
	b.record(ctx, req, "reset", payload, err)
	if err != nil {
		return b.answerErr(ctx, req, err)
	}
	_ = req.Adapter.AnswerCallback(ctx, req.CallbackID, "Usage reset")
	return b.cbView(ctx, req, payload)
}

func (b *Bot) cbRemove(ctx context.Context, req *router.Request, payload string) error {
	id, ok := parseID(payload)
	if !ok {
		return nil
	}
	p, err := b.engine.Get(ctx, id)
	if err != nil {
		return b.answerErr(ctx, req, err)
	}
	kb := tgui.NewInline().Row(
		tgui.Btn("✅ Yes, remove", tgui.Data(nsAdmin, "rmconfirm", payload)),
		tgui.Btn("✖️ No", tgui.Data(nsAdmin, "view", payload)),
	)
	return tgui.New().
		Title("🗑", "Remove proxy?").
		Line(fmt.Sprintf("%s (%s:%d) and its %d grants will be deleted.", p.Location, p.Server, p.Port, p.UsageCount)).
		Inline(kb).
		Build().
		Edit(ctx, req.Adapter, req.Message)
}

func (b *Bot) cbRemoveConfirm(ctx context.Context, req *router.Request, payload string) error {
	id, ok := parseID(payload)
	if !ok {
		return nil
	}
	err := b.engine.Remove(ctx, id)
	b.record(ctx, req, "remove", payload, err)
	if err != nil && !errors.Is(err, proxy.ErrNotFound) {
		return b.answerErr(ctx, req, err)
	}
	_ = req.Adapter.AnswerCallback(ctx, req.CallbackID, "Proxy removed")
	return b.cbManage(ctx, req, "0")
}

func (b *Bot) cbJobs(ctx context.Context, req *router.Request, _ string) error {
	jobs := b.bc.Jobs()
	mb := tgui.New().Title("📢", "Broadcasts")
	kb := tgui.NewInline()
	if len(jobs) == 0 {
		mb.Line("No broadcasts yet.")
	}
	for i, j := range jobs {
		if i == 10 {
			break
		}
		mb.Line(jobLine(j))
		if j.State == broadcast.StateQueued || j.State == broadcast.StateRunning {
			kb.Row(tgui.Btn("⏹ Cancel "+j.ID, tgui.Data(nsAdmin, "canceljob", j.ID)))
		}
	}
	kb.Row(tgui.Btn("🔄 Refresh", tgui.Data(nsAdmin, "jobs", "")), tgui.Btn("🔙 Back", tgui.Data(nsAdmin, "panel", "")))
	return mb.Inline(kb).Build().Edit(ctx, req.Adapter, req.Message)
}

func jobLine(j broadcast.JobStatus) string {
	return fmt.Sprintf("%s %s: %s, %d/%d delivered", j.ID, j.Name, j.State, j.Report.Delivered, j.Total)
}

func (b *Bot) cbCancelJob(ctx context.Context, req *router.Request, payload string) error {
	ok := b.bc.Cancel(payload)
	b.record(ctx, req, "cancel_broadcast", payload, nil)
	notice := "Nothing to cancel"
	if ok {
		notice = "Cancel requested"
	}
	_ = req.Adapter.AnswerCallback(ctx, req.CallbackID, notice)
	return b.cbJobs(ctx, req, "")
}

func (b *Bot) cmdBroadcast(ctx context.Context, req *router.Request) error {
	text := strings.TrimSpace(req.RawArgs)
	if text == "" {
		_, err := req.Reply(ctx, "Usage: /broadcast <text>", nil)
		return err
	}
	id, err := b.bc.Submit("manual", text, AnnouncementOptions())
	b.record(ctx, req, "broadcast", id, err)
	if err != nil {
		_, _ = req.Reply(ctx, "Broadcast queue is full, try again later.", nil)
		return err
	}
	_, err = req.Reply(ctx, "📢 Broadcast "+id+" queued.", nil)
	return err
}

// announce queues the new-proxy broadcast.
func (b *Bot) announce(ctx context.Context, req *router.Request, p proxy.Proxy) error {
	id, err := b.bc.Submit("new_proxy", AnnouncementText(p), AnnouncementOptions())
	b.record(ctx, req, "announce", strconv.FormatInt(p.ID, 10), err)
	if err != nil {
		return err
	}
	req.Logger.Info("announcement queued", logx.String("job", id), logx.Int64("proxy_id", p.ID))
	return nil
}
