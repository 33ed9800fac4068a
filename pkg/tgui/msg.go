package tgui

import (
	"context"
	"strings"

	kit "proxybot/internal/transport"
)

// Message is rendered text plus send options.
type Message struct {
	Text string
	Opt  *kit.SendOptions
}

func (m Message) Send(ctx context.Context, s kit.Sender, to kit.ChatTarget) (kit.MessageRef, error) {
	return s.SendText(ctx, to, m.Text, m.Opt)
}

// Edit rewrites ref in place, keeping the keyboard attached.
func (m Message) Edit(ctx context.Context, ad kit.Adapter, ref kit.MessageRef) error {
	return ad.EditText(ctx, ref, m.Text, m.Opt)
}

// Builder assembles an HTML message line by line. Plain strings passed to
// it are escaped. Link previews are always off.
type Builder struct {
	lines []string
	kb    *Inline
}

func New() *Builder { return &Builder{} }

func (b *Builder) Title(emoji, title string) *Builder {
	t := B(title).String()
	if emoji != "" {
		t = emoji + " " + t
	}
	b.lines = append(b.lines, t)
	return b
}

func (b *Builder) Line(s string) *Builder {
	b.lines = append(b.lines, Esc(s).String())
	return b
}

func (b *Builder) HTML(h H) *Builder {
	b.lines = append(b.lines, h.String())
	return b
}

func (b *Builder) Blank() *Builder {
	b.lines = append(b.lines, "")
	return b
}

// KV renders "key: value" with a bold key.
func (b *Builder) KV(key, value string) *Builder {
	b.lines = append(b.lines, B(key).String()+": "+Esc(value).String())
	return b
}

func (b *Builder) Inline(kb *Inline) *Builder {
	b.kb = kb
	return b
}

func (b *Builder) Build() Message {
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	if b.kb != nil && b.kb.Len() > 0 {
		opt.ReplyMarkupAdapter = b.kb.Markup()
	}
	return Message{Text: strings.Trim(strings.Join(b.lines, "\n"), "\n"), Opt: opt}
}
