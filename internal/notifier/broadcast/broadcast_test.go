package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxybot/internal/metrics"
	kit "proxybot/internal/transport"
	logx "proxybot/pkg/logx"
)

type sendCall struct {
	chatID int64
	at     time.Time
}

type fakeSender struct {
	mu     sync.Mutex
	calls  []sendCall
	fail   map[int64]error
	onSend func(chatID int64)
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sendCall{chatID: to.ChatID, at: time.Now()})
	err := f.fail[to.ChatID]
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(to.ChatID)
	}
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (f *fakeSender) snapshot() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendCall(nil), f.calls...)
}

type deliveryMetrics struct {
	metrics.Nop
	mu      sync.Mutex
	classes map[string]int
}

func (d *deliveryMetrics) Delivery(class string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.classes == nil {
		d.classes = map[string]int{}
	}
	d.classes[class]++
}

func TestBroadcastSkipsFailedRecipient(t *testing.T) {
	fs := &fakeSender{fail: map[int64]error{2: kit.ErrRecipientBlocked}}
	dm := &deliveryMetrics{}
	n := NewNotifier(fs, time.Millisecond, logx.Nop(), dm)

	rep := n.Broadcast(context.Background(), "hello", []int64{1, 2, 3}, nil)
	assert.Equal(t, Report{Attempted: 3, Delivered: 2}, rep)
	assert.Equal(t, 1, rep.Failed())

	calls := fs.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{calls[0].chatID, calls[1].chatID, calls[2].chatID})
	assert.Equal(t, map[string]int{"delivered": 2, "blocked": 1}, dm.classes)
}

func TestBroadcastEmptyRecipients(t *testing.T) {
	fs := &fakeSender{}
	n := NewNotifier(fs, 0, logx.Nop(), nil)
	assert.Equal(t, Report{}, n.Broadcast(context.Background(), "x", nil, nil))
	assert.Empty(t, fs.snapshot())
}

func TestBroadcastIsPaced(t *testing.T) {
	const gap = 30 * time.Millisecond
	fs := &fakeSender{}
	n := NewNotifier(fs, gap, logx.Nop(), nil)

	rep := n.Broadcast(context.Background(), "x", []int64{1, 2, 3, 4}, nil)
	require.Equal(t, 4, rep.Delivered)

	calls := fs.snapshot()
	for i := 1; i < len(calls); i++ {
		// Allow a little scheduler slack below the nominal gap.
		assert.GreaterOrEqual(t, calls[i].at.Sub(calls[i-1].at), gap-5*time.Millisecond)
	}
}

func TestBroadcastStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fs := &fakeSender{}
	fs.onSend = func(chatID int64) {
		if chatID == 2 {
			cancel()
		}
	}
	n := NewNotifier(fs, time.Millisecond, logx.Nop(), nil)

	rep := n.Broadcast(ctx, "x", []int64{1, 2, 3, 4}, nil)
	assert.Equal(t, 2, rep.Attempted)
	assert.Equal(t, 2, rep.Delivered)
	assert.Len(t, fs.snapshot(), 2)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, "delivered", classify(nil))
	assert.Equal(t, "not_found", classify(kit.ErrRecipientNotFound))
	assert.Equal(t, "rate_limited", classify(kit.ErrRateLimited))
	assert.Equal(t, "timeout", classify(context.DeadlineExceeded))
	assert.Equal(t, "transport", classify(errors.New("boom")))
}

func fixed(ids ...int64) Recipients {
	return func(context.Context) ([]int64, error) { return ids, nil }
}

func waitState(t *testing.T, s *Service, id string, want State) JobStatus {
	t.Helper()
	var st JobStatus
	require.Eventually(t, func() bool {
		var ok bool
		st, ok = s.Status(id)
		return ok && st.State == want
	}, 2*time.Second, 5*time.Millisecond)
	return st
}

func TestServiceRunsJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fs := &fakeSender{fail: map[int64]error{5: errors.New("down")}}
	s := NewService(NewNotifier(fs, 0, logx.Nop(), nil), fixed(4, 5, 6), Config{Gap: time.Millisecond}, logx.Nop())
	go func() { _ = s.Run(ctx) }()

	id, err := s.Submit("announce", "hi", nil)
	require.NoError(t, err)
	st := waitState(t, s, id, StateDone)
	assert.Equal(t, Report{Attempted: 3, Delivered: 2}, st.Report)
	assert.Equal(t, 3, st.Total)
	assert.False(t, st.DoneAt.IsZero())

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "announce", jobs[0].Name)
}

func TestServiceRecipientFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fs := &fakeSender{}
	fail := func(context.Context) ([]int64, error) { return nil, errors.New("db down") }
	s := NewService(NewNotifier(fs, 0, logx.Nop(), nil), fail, Config{}, logx.Nop())
	go func() { _ = s.Run(ctx) }()

	id, err := s.Submit("x", "x", nil)
	require.NoError(t, err)
	waitState(t, s, id, StateFailed)
	assert.Empty(t, fs.snapshot())
}

func TestServicePanicMarksJobFailed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fs := &fakeSender{}
	boom := func(context.Context) ([]int64, error) { panic("recipients exploded") }
	s := NewService(NewNotifier(fs, 0, logx.Nop(), nil), boom, Config{}, logx.Nop())
	go func() { _ = s.Run(ctx) }()

	id, err := s.Submit("x", "x", nil)
	require.NoError(t, err)
	st := waitState(t, s, id, StateFailed)
	assert.Equal(t, Report{}, st.Report)
	assert.Empty(t, fs.snapshot())
}

func TestSetGapWhileBroadcasting(t *testing.T) {
	fs := &fakeSender{}
	n := NewNotifier(fs, time.Millisecond, logx.Nop(), nil)
	done := make(chan Report)
	go func() { done <- n.Broadcast(context.Background(), "hi", []int64{1, 2, 3, 4, 5}, nil) }()
	for i := 0; i < 20; i++ {
		n.SetGap(time.Duration(i%3+1) * time.Millisecond)
	}
	rep := <-done
	assert.Equal(t, Report{Attempted: 5, Delivered: 5}, rep)
}

func TestServiceQueueFullAndCancelQueued(t *testing.T) {
	fs := &fakeSender{}
	s := NewService(NewNotifier(fs, 0, logx.Nop(), nil), fixed(1), Config{QueueSize: 1}, logx.Nop())

	first, err := s.Submit("a", "x", nil)
	require.NoError(t, err)
	second, err := s.Submit("b", "x", nil)
	require.ErrorIs(t, err, ErrQueueFull)

	st, ok := s.Status(second)
	require.True(t, ok)
	assert.Equal(t, StateDropped, st.State)

	assert.True(t, s.Cancel(first))
	assert.False(t, s.Cancel("missing"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	waitState(t, s, first, StateCanceled)
	cancel()
	<-done
	assert.Empty(t, fs.snapshot())
}

func TestServiceCancelRunning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{}, 1)
	fs := &fakeSender{onSend: func(int64) {
		select {
		case started <- struct{}{}:
		default:
		}
	}}
	recipients := make([]int64, 50)
	for i := range recipients {
		recipients[i] = int64(i + 1)
	}
	s := NewService(NewNotifier(fs, 0, logx.Nop(), nil), fixed(recipients...), Config{Gap: 50 * time.Millisecond}, logx.Nop())
	go func() { _ = s.Run(ctx) }()

	id, err := s.Submit("long", "x", nil)
	require.NoError(t, err)
	<-started
	require.True(t, s.Cancel(id))

	st := waitState(t, s, id, StateCanceled)
	assert.Less(t, st.Report.Attempted, len(recipients))
	assert.Equal(t, st.Report.Attempted, st.Report.Delivered)
}

func TestPruneKeepsBoundedHistory(t *testing.T) {
	s := NewService(NewNotifier(&fakeSender{}, 0, logx.Nop(), nil), fixed(), Config{QueueSize: 8, StatusMax: 2, StatusTTL: time.Hour}, logx.Nop())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		id := at.Format("150405")
		s.status.Store(id, JobStatus{ID: id, State: StateDone, CreatedAt: at})
	}
	s.status.Store("old", JobStatus{ID: "old", State: StateDone, CreatedAt: base.Add(-2 * time.Hour)})
	s.status.Store("live", JobStatus{ID: "live", State: StateRunning, CreatedAt: base.Add(-2 * time.Hour)})

	s.prune(base.Add(5 * time.Minute))

	_, ok := s.Status("old")
	assert.False(t, ok)
	_, ok = s.Status("live")
	assert.True(t, ok)
	_, ok = s.Status("000300")
	assert.True(t, ok)
	_, ok = s.Status("000000")
	assert.False(t, ok)
	assert.Equal(t, 3, s.status.Size())
}
