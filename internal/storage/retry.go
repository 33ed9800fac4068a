package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "proxybot/pkg/logx"
)

// errRaced marks a transaction that lost a race with a concurrent writer
// (e.g. the selected proxy was deleted or disabled mid-grant). It is retried
// like driver-level contention so the next attempt reads fresh state.
var errRaced = errors.New("storage: raced with concurrent writer")

func (s *Store) transient(err error) bool {
	return errors.Is(err, errRaced) || s.dialect.isTransient(err) || s.dialect.isForeignKeyViolation(err)
}

// retry runs fn until it succeeds, fails with a non-transient error, or the
// retry budget is spent. Exhaustion is reported as ErrTransient wrapping the
// last driver error.
func (s *Store) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := s.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !s.transient(err) {
			return err
		}
		if attempt >= s.cfg.RetryMax {
			s.log.Error("store retries exhausted", logx.String("op", op), logx.Int("attempts", attempt+1), logx.Err(err))
			return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
		}
		s.metrics.StoreRetry(op)
		s.log.Warn("store contention; retrying", logx.String("op", op), logx.Int("attempt", attempt+1), logx.Duration("backoff", backoff), logx.Err(err))

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}
}
