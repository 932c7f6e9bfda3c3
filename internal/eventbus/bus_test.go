package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersByType(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	skips, unsubSkips := b.Subscribe(4, TopicSkipped)
	defer unsubSkips()

	b.Publish(Event{Type: TopicDone, Data: 1})
	b.Publish(Event{Type: TopicSkipped, Data: 2})

	require.Len(t, all, 2)
	require.Len(t, skips, 1)
	e := <-skips
	assert.Equal(t, TopicSkipped, e.Type)
	assert.False(t, e.Time.IsZero())
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: TopicDone})
	}
	assert.Equal(t, uint64(9), Dropped(b))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: TopicDone})
}
