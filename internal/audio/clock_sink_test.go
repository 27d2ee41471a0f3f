package audio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTime struct {
	t time.Time
}

func (f *fakeTime) now() time.Time {
	return f.t
}

func (f *fakeTime) advance(d time.Duration) {
	f.t = f.t.Add(d)
}

func newTestSink(bps float64, capacity int) (*WallClockSink, *fakeTime) {
	ft := &fakeTime{t: time.Unix(1000, 0)}
	s := NewWallClockSink(bps, capacity)
	s.now = ft.now
	s.last = ft.t
	return s, ft
}

func TestWallClockSinkDrains(t *testing.T) {
	s, ft := newTestSink(1000, 4000)

	require.NoError(t, s.Push(context.Background(), make([]byte, 1000)))
	assert.Equal(t, 1000, s.Queued())

	ft.advance(250 * time.Millisecond)
	assert.Equal(t, 750, s.Queued())

	ft.advance(time.Second)
	assert.Equal(t, 0, s.Queued())
	assert.EqualValues(t, 1000, s.Played())
}

func TestWallClockSinkPauseFreezes(t *testing.T) {
	s, ft := newTestSink(1000, 4000)
	require.NoError(t, s.Push(context.Background(), make([]byte, 1000)))

	s.SetPaused(true)
	ft.advance(time.Second)
	assert.Equal(t, 1000, s.Queued())

	s.SetPaused(false)
	ft.advance(500 * time.Millisecond)
	assert.Equal(t, 500, s.Queued())
}

func TestWallClockSinkFlush(t *testing.T) {
	s, _ := newTestSink(1000, 4000)
	require.NoError(t, s.Push(context.Background(), make([]byte, 1000)))

	s.Flush()
	assert.Equal(t, 0, s.Queued())
}

func TestWallClockSinkPushBlocksWhenFull(t *testing.T) {
	s, _ := newTestSink(1000, 1000)
	require.NoError(t, s.Push(context.Background(), make([]byte, 1000)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	// The fake clock never advances, so nothing drains.
	assert.ErrorIs(t, s.Push(ctx, make([]byte, 10)), context.DeadlineExceeded)
}

func TestWallClockSinkAcceptsOversizedChunkWhenEmpty(t *testing.T) {
	s, _ := newTestSink(1000, 100)
	require.NoError(t, s.Push(context.Background(), make([]byte, 500)))
	assert.Equal(t, 500, s.Queued())
}

func TestWallClockSinkFlushDropsPendingPush(t *testing.T) {
	s, _ := newTestSink(1000, 1000)
	require.NoError(t, s.Push(context.Background(), make([]byte, 1000)))

	done := make(chan error, 1)
	go func() {
		done <- s.Push(context.Background(), make([]byte, 200))
	}()

	time.Sleep(50 * time.Millisecond)
	s.Flush()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("push was not released by flush")
	}
	assert.Equal(t, 0, s.Queued())
}
