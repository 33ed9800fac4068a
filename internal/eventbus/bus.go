package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Event is an in-memory signal emitted after a state change was committed.
//
// Publish never blocks. Subscribers get a buffered channel; when it is full
// the event is dropped for that subscriber and counted in Dropped.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe registers a subscriber. With no types, every event is delivered.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: xsync.NewMap[uint64, *sub]()}
}

type sub struct {
	mu     sync.RWMutex
	ch     chan Event
	types  map[string]struct{}
	closed bool
}

func (s *sub) wants(t string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// offer returns false when the event was dropped.
func (s *sub) offer(e Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

type memBus struct {
	subs    *xsync.Map[uint64, *sub]
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.subs.Range(func(_ uint64, s *sub) bool {
		if s.wants(e.Type) && !s.offer(e) {
			b.dropped.Add(1)
		}
		return true
	})
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)
	b.subs.Store(id, s)

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.subs.Delete(id)
			s.mu.Lock()
			s.closed = true
			close(s.ch)
			s.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
