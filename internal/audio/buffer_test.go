package audio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferReadWrite(t *testing.T) {
	b := NewBuffer(8)

	require.NoError(t, b.Write(context.Background(), []byte{1, 2, 3}))
	assert.Equal(t, 3, b.Len())

	p := make([]byte, 2)
	assert.Equal(t, 2, b.Read(p))
	assert.Equal(t, []byte{1, 2}, p)
	assert.Equal(t, 1, b.Len())

	p = make([]byte, 4)
	assert.Equal(t, 1, b.Read(p))
	assert.Equal(t, byte(3), p[0])
	assert.Equal(t, 0, b.Read(p))
}

func TestBufferWriteBlocksWhileFull(t *testing.T) {
	b := NewBuffer(4)
	require.NoError(t, b.Write(context.Background(), []byte{1, 2, 3, 4}))

	done := make(chan error, 1)
	go func() {
		done <- b.Write(context.Background(), []byte{5, 6})
	}()

	select {
	case <-done:
		t.Fatal("write should block on a full buffer")
	case <-time.After(50 * time.Millisecond):
	}

	p := make([]byte, 2)
	b.Read(p)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("write did not resume after a read")
	}

	p = make([]byte, 4)
	require.Equal(t, 4, b.Read(p))
	assert.Equal(t, []byte{3, 4, 5, 6}, p)
}

func TestBufferWriteCanceled(t *testing.T) {
	b := NewBuffer(2)
	require.NoError(t, b.Write(context.Background(), []byte{1, 2}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, b.Write(ctx, []byte{3}), context.DeadlineExceeded)
}

func TestBufferReset(t *testing.T) {
	b := NewBuffer(4)
	require.NoError(t, b.Write(context.Background(), []byte{1, 2, 3, 4}))

	b.Reset()
	assert.Equal(t, 0, b.Len())
	require.NoError(t, b.Write(context.Background(), []byte{9}))
	assert.Equal(t, 1, b.Len())
}

func TestBufferResetDropsPendingWrite(t *testing.T) {
	b := NewBuffer(4)
	require.NoError(t, b.Write(context.Background(), []byte{1, 2, 3, 4}))

	done := make(chan error, 1)
	go func() {
		done <- b.Write(context.Background(), []byte{5, 6, 7, 8, 9, 10})
	}()

	time.Sleep(50 * time.Millisecond)
	b.Reset()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("write was not released by reset")
	}
	assert.Equal(t, 0, b.Len(), "nothing from before the reset is queued")

	require.NoError(t, b.Write(context.Background(), []byte{11}))
	p := make([]byte, 4)
	require.Equal(t, 1, b.Read(p))
	assert.Equal(t, byte(11), p[0])
}
