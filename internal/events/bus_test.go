package events_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
	"github.com/fairyhunter13/ai-med-transcriber/internal/events"
)

func TestBus_FansOutToAllSubscribers(t *testing.T) {
	t.Parallel()
	bus := events.NewBus()
	defer bus.Close()

	a := bus.Subscribe(4)
	b := bus.Subscribe(4)

	ev := domain.JobStatusChanged{JobID: "j1", To: domain.JobCompleted}
	bus.Publish(ev)

	for _, sub := range []*events.Subscription{a, b} {
		select {
		case got := <-sub.C:
			assert.Equal(t, ev, got)
		case <-time.After(time.Second):
			t.Fatal("subscriber never received the event")
		}
	}
}

func TestBus_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()
	bus := events.NewBus()
	defer bus.Close()

	sub := bus.Subscribe(1)
	defer sub.Close()

	bus.Publish("first")
	bus.Publish("second") // buffer of one is full, must not block

	assert.Equal(t, int64(1), bus.Dropped())
	assert.Equal(t, "first", <-sub.C)
}

func TestBus_CloseDetachesSubscribers(t *testing.T) {
	t.Parallel()
	bus := events.NewBus()
	sub := bus.Subscribe(1)

	bus.Close()
	_, ok := <-sub.C
	assert.False(t, ok, "channel closes with the bus")

	// Publishing after close is a no-op, and closing twice is safe.
	bus.Publish("late")
	bus.Close()

	late := bus.Subscribe(1)
	_, ok = <-late.C
	assert.False(t, ok, "late subscribers get a closed channel")
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	bus := events.NewBus()
	defer bus.Close()

	sub := bus.Subscribe(1)
	sub.Close()
	sub.Close()

	bus.Publish("after close")
	assert.Zero(t, bus.Dropped(), "detached subscribers no longer count drops")

	_, ok := <-sub.C
	require.False(t, ok)
}
