package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribePublish(t *testing.T) {
	b := NewBus()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	assert.Equal(t, 2, b.Publish(Event{Type: StateChanged}))

	e := <-a
	assert.Equal(t, StateChanged, e.Type)
	assert.False(t, e.Time.IsZero())
	assert.Equal(t, StateChanged, (<-c).Type)

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, b.Publish(Event{Type: DataDeleted, Detail: "cookies"}))
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	assert.Equal(t, 1, b.Publish(Event{Type: Idle}))
	assert.Equal(t, 0, b.Publish(Event{Type: Idle}))
	require.Len(t, ch, 1)
}

func TestClose(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(1)
	b.Close()
	b.Close()
	unsub()

	_, open := <-ch
	assert.False(t, open)

	late, _ := b.Subscribe(1)
	_, open = <-late
	assert.False(t, open)
	assert.Equal(t, 0, b.Publish(Event{Type: Idle}))
}
