package media

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueueOrder(t *testing.T) {
	eq := NewEventQueue()

	for i := 0; i < 100; i++ {
		eq.Add(Event{Kind: EventFrameShow, PTS: float64(i)})
	}
	eq.Add(Event{Kind: EventFinished})
	assert.Equal(t, 101, eq.Len())

	for i := 0; i < 100; i++ {
		e, ok := eq.Poll()
		require.True(t, ok)
		assert.Equal(t, float64(i), e.PTS)
	}

	e, ok := eq.Poll()
	require.True(t, ok)
	assert.Equal(t, EventFinished, e.Kind)

	_, ok = eq.Poll()
	assert.False(t, ok)
}

func TestEventQueueWait(t *testing.T) {
	eq := NewEventQueue()

	go func() {
		time.Sleep(20 * time.Millisecond)
		eq.Add(Event{Kind: EventFinished})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	e, err := eq.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventFinished, e.Kind)
	assert.Equal(t, "finished", e.Kind.String())
}

func TestEventQueueWaitCanceled(t *testing.T) {
	eq := NewEventQueue()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := eq.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
