package broadcast

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"proxybot/internal/metrics"
	kit "proxybot/internal/transport"
	logx "proxybot/pkg/logx"
)

func NewNotifier(sender kit.Sender, gap time.Duration, log logx.Logger, rec metrics.Recorder) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	if gap <= 0 {
		gap = DefaultGap
	}
	return &Notifier{
		sender:  sender,
		log:     log.With(logx.String("comp", "broadcast")),
		metrics: metrics.OrNop(rec),
		limiter: rate.NewLimiter(rate.Every(gap), 1),
	}
}

// SetGap changes the pacing of subsequent sends.
func (n *Notifier) SetGap(gap time.Duration) {
	if gap <= 0 {
		gap = DefaultGap
	}
	n.limiter.SetLimit(rate.Every(gap))
}

// Broadcast sends text to each recipient in order. A failed send is logged
// and skipped. When ctx is canceled no further recipient is attempted and
// the partial report is returned.
func (n *Notifier) Broadcast(ctx context.Context, text string, recipients []int64, opt *kit.SendOptions) Report {
	var rep Report
	start := time.Now()
	for _, id := range recipients {
		if ctx.Err() != nil {
			break
		}
		if err := n.limiter.Wait(ctx); err != nil {
			break
		}
		rep.Attempted++
		_, err := n.sender.SendText(ctx, kit.ChatTarget{ChatID: id}, text, opt)
		class := classify(err)
		n.metrics.Delivery(class)
		if err == nil {
			rep.Delivered++
			continue
		}
		lvl := n.log.Warn
		if class == "blocked" || class == "not_found" {
			lvl = n.log.Debug
		}
		lvl("broadcast send failed", logx.Int64("chat_id", id), logx.String("class", class), logx.Err(err))
	}
	n.metrics.BroadcastFinished(rep.Attempted, rep.Delivered)

	fields := []logx.Field{
		logx.Int("recipients", len(recipients)),
		logx.Int("attempted", rep.Attempted),
		logx.Int("delivered", rep.Delivered),
		logx.Duration("dur", time.Since(start)),
	}
	if ctx.Err() != nil && rep.Attempted < len(recipients) {
		n.log.Warn("broadcast interrupted", fields...)
	} else {
		n.log.Info("broadcast finished", fields...)
	}
	return rep
}

func classify(err error) string {
	switch {
	case err == nil:
		return "delivered"
	case errors.Is(err, kit.ErrRecipientBlocked):
		return "blocked"
	case errors.Is(err, kit.ErrRecipientNotFound):
		return "not_found"
	case errors.Is(err, kit.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "transport"
	}
}
