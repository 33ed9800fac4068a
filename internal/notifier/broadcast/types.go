package broadcast

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"

	"proxybot/internal/metrics"
	kit "proxybot/internal/transport"
	logx "proxybot/pkg/logx"
)

const DefaultGap = 50 * time.Millisecond

// Report is the outcome of one broadcast.
type Report struct {
	Attempted int
	Delivered int
}

func (r Report) Failed() int { return r.Attempted - r.Delivered }

// Notifier sends one text to many recipients, one at a time, at least Gap apart.
type Notifier struct {
	sender  kit.Sender
	log     logx.Logger
	metrics metrics.Recorder
	limiter *rate.Limiter
}

type Config struct {
	Gap       time.Duration
	QueueSize int
	StatusTTL time.Duration
	StatusMax int
}

func (c Config) withDefaults() Config {
	if c.Gap <= 0 {
		c.Gap = DefaultGap
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = time.Hour
	}
	if c.StatusMax <= 0 {
		c.StatusMax = 100
	}
	return c
}

type job struct {
	id   string
	name string
	text string
	opt  *kit.SendOptions
}

// Recipients resolves the audience when a job starts.
type Recipients func(ctx context.Context) ([]int64, error)

type State string

const (
	StateQueued   State = "queued"
	StateRunning  State = "running"
	StateDone     State = "done"
	StateCanceled State = "canceled"
	StateDropped  State = "dropped"
	StateFailed   State = "failed"
)

// JobStatus is a snapshot of a submitted broadcast.
type JobStatus struct {
	ID        string
	Name      string
	State     State
	Total     int
	Report    Report
	CreatedAt time.Time
	StartedAt time.Time
	DoneAt    time.Time
}

// Service queues broadcasts and runs them one after another on a single
// worker, keeping a bounded history of job statuses.
type Service struct {
	n          *Notifier
	cfg        Config
	log        logx.Logger
	recipients Recipients

	queue   chan job
	status  *xsync.Map[string, JobStatus]
	cancels *xsync.Map[string, context.CancelFunc]
	seq     atomic.Uint64
	now     func() time.Time
}
