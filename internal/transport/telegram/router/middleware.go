package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "proxybot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// slowRequest promotes the access log line from debug to info.
const slowRequest = 750 * time.Millisecond

// Chain wraps h so that m[0] runs first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// Deadline bounds a handler run. Zero leaves ctx untouched.
func Deadline(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// Recover turns a handler panic into an error and tells the user something
// went wrong, so one bad update never takes a worker down.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				req.Logger.Error("handler panic", logx.String("cmd", req.Command), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				err = fmt.Errorf("handler %s panicked: %v", req.Command, r)
				if req.Adapter != nil && req.CallbackID == "" {
					_, _ = req.Reply(context.WithoutCancel(ctx), "⚠️ Something went wrong. Please try again.", nil)
				}
			}()
			return next(ctx, req)
		}
	}
}

// AccessLog writes one line per handled update.
func AccessLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)

			fields := []logx.Field{
				logx.String("kind", string(req.Update.Kind)),
				logx.Bool("owner", req.Owner),
				logx.Duration("took", took),
			}
			if err != nil {
				req.Logger.Warn("update failed", append(fields, logx.Err(err))...)
				return err
			}
			if took >= slowRequest {
				req.Logger.Info("slow update", fields...)
			} else {
				req.Logger.Debug("update handled", fields...)
			}
			return nil
		}
	}
}
