package broadcast

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	kit "proxybot/internal/transport"
	logx "proxybot/pkg/logx"
)

var ErrQueueFull = errors.New("broadcast: queue full")

func NewService(n *Notifier, recipients Recipients, cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	n.SetGap(cfg.Gap)
	return &Service{
		n:          n,
		cfg:        cfg,
		log:        log.With(logx.String("comp", "broadcast")),
		recipients: recipients,
		queue:      make(chan job, cfg.QueueSize),
		status:     xsync.NewMap[string, JobStatus](),
		cancels:    xsync.NewMap[string, context.CancelFunc](),
		now:        time.Now,
	}
}

// Notifier exposes the underlying sender for synchronous broadcasts.
func (s *Service) Notifier() *Notifier { return s.n }

// Submit queues a broadcast to every recipient known when the job starts
// and returns its job id.
func (s *Service) Submit(name, text string, opt *kit.SendOptions) (string, error) {
	now := s.now()
	id := fmt.Sprintf("bc-%d", s.seq.Add(1))
	s.prune(now)
	s.status.Store(id, JobStatus{ID: id, Name: name, State: StateQueued, CreatedAt: now})

	select {
	case s.queue <- job{id: id, name: name, text: text, opt: opt}:
		s.log.Debug("broadcast job enqueued", logx.String("job", id), logx.String("name", name), logx.Int("queue_len", len(s.queue)))
		return id, nil
	default:
		s.setState(id, StateDropped, Report{})
		s.log.Warn("broadcast queue full; dropping job", logx.String("job", id), logx.String("name", name))
		return id, ErrQueueFull
	}
}

// Status returns a snapshot of the job.
func (s *Service) Status(id string) (JobStatus, bool) {
	return s.status.Load(id)
}

// Jobs returns retained job statuses, newest first.
func (s *Service) Jobs() []JobStatus {
	out := make([]JobStatus, 0, s.status.Size())
	s.status.Range(func(_ string, st JobStatus) bool {
		out = append(out, st)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Cancel stops a running job before its next recipient, or marks a queued
// job so it never starts. It reports whether the job was still pending.
func (s *Service) Cancel(id string) bool {
	canceled := false
	s.status.Compute(id, func(st JobStatus, loaded bool) (JobStatus, xsync.ComputeOp) {
		if !loaded || st.State != StateQueued {
			return st, xsync.CancelOp
		}
		st.State = StateCanceled
		st.DoneAt = s.now()
		canceled = true
		return st, xsync.UpdateOp
	})
	if canceled {
		return true
	}
	if cancel, ok := s.cancels.Load(id); ok {
		cancel()
		return true
	}
	return false
}

// Run executes queued jobs one at a time until ctx is done. Jobs still
// queued at exit are marked canceled.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("broadcast worker started", logx.Duration("gap", s.cfg.Gap), logx.Int("queue", cap(s.queue)))
	defer s.drain()
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-s.queue:
			s.exec(ctx, j)
		}
	}
}

func (s *Service) exec(ctx context.Context, j job) {
	jctx, cancel := context.WithCancel(ctx)
	s.cancels.Store(j.id, cancel)
	defer func() {
		s.cancels.Delete(j.id)
		cancel()
	}()

	start := false
	s.status.Compute(j.id, func(st JobStatus, loaded bool) (JobStatus, xsync.ComputeOp) {
		if !loaded || st.State != StateQueued {
			return st, xsync.CancelOp
		}
		st.State = StateRunning
		st.StartedAt = s.now()
		start = true
		return st, xsync.UpdateOp
	})
	if !start {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in broadcast job", logx.String("job", j.id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			s.setState(j.id, StateFailed, Report{})
		}
	}()

	recipients, err := s.recipients(jctx)
	if err != nil {
		s.log.Error("broadcast recipients unavailable", logx.String("job", j.id), logx.Err(err))
		s.setState(j.id, StateFailed, Report{})
		return
	}
	s.status.Compute(j.id, func(st JobStatus, loaded bool) (JobStatus, xsync.ComputeOp) {
		if !loaded {
			return st, xsync.CancelOp
		}
		st.Total = len(recipients)
		return st, xsync.UpdateOp
	})

	rep := s.n.Broadcast(jctx, j.text, recipients, j.opt)
	state := StateDone
	if jctx.Err() != nil && rep.Attempted < len(recipients) {
		state = StateCanceled
	}
	s.setState(j.id, state, rep)
}

func (s *Service) drain() {
	for {
		select {
		case j := <-s.queue:
			s.setState(j.id, StateCanceled, Report{})
		default:
			return
		}
	}
}

func (s *Service) setState(id string, state State, rep Report) {
	s.status.Compute(id, func(st JobStatus, loaded bool) (JobStatus, xsync.ComputeOp) {
		if !loaded {
			return st, xsync.CancelOp
		}
		st.State = state
		st.Report = rep
		st.DoneAt = s.now()
		return st, xsync.UpdateOp
	})
}

// prune drops finished statuses older than StatusTTL, then the oldest
// finished ones beyond StatusMax.
func (s *Service) prune(now time.Time) {
	var finished []JobStatus
	s.status.Range(func(id string, st JobStatus) bool {
		if st.State == StateQueued || st.State == StateRunning {
			return true
		}
		if now.Sub(st.CreatedAt) > s.cfg.StatusTTL {
			s.status.Delete(id)
			return true
		}
		finished = append(finished, st)
		return true
	})
	if extra := len(finished) - s.cfg.StatusMax; extra > 0 {
		sort.Slice(finished, func(i, j int) bool { return finished[i].CreatedAt.Before(finished[j].CreatedAt) })
		for _, st := range finished[:extra] {
			s.status.Delete(st.ID)
		}
	}
}
