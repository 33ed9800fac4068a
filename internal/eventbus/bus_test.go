package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFiltersByType(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	only, unsubOnly := b.Subscribe(4, "proxy.registered")
	defer unsubOnly()

	b.Publish(Event{Type: "proxy.toggled"})
	b.Publish(Event{Type: "proxy.registered", Data: 7})

	require.Len(t, all, 2)
	require.Len(t, only, 1)
	e := <-only
	assert.Equal(t, "proxy.registered", e.Type)
	assert.Equal(t, 7, e.Data)
	assert.False(t, e.Time.IsZero())
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: "after"})
	assert.Zero(t, b.Dropped())
}
