package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dataPacket(pts float64, n int) Packet {
	return Packet{Stream: StreamVideo, PTS: pts, Data: make([]byte, n)}
}

func TestPacketQueueFIFO(t *testing.T) {
	pq := NewPacketQueue(1024)

	for i := 0; i < 3; i++ {
		require.NoError(t, pq.Put(dataPacket(float64(i), 10)))
	}
	assert.Equal(t, 3, pq.Len())
	assert.Equal(t, 30, pq.Size())

	for i := 0; i < 3; i++ {
		pkt, err := pq.Get(false)
		require.NoError(t, err)
		assert.Equal(t, float64(i), pkt.PTS)
	}

	_, err := pq.Get(false)
	assert.ErrorIs(t, err, ErrQueueEmpty)
	assert.Equal(t, 0, pq.Size())
}

func TestPacketQueueCapacity(t *testing.T) {
	pq := NewPacketQueue(100)

	var max int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			if err := pq.Put(dataPacket(float64(i), 30)); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 50; i++ {
		if s := pq.Size(); s > max {
			max = s
		}
		pkt, err := pq.Get(true)
		require.NoError(t, err)
		assert.Equal(t, float64(i), pkt.PTS)
	}
	<-done

	assert.LessOrEqual(t, max, 100)
}

func TestPacketQueueOversizedUnitAdmittedWhenEmpty(t *testing.T) {
	pq := NewPacketQueue(10)

	require.NoError(t, pq.Put(dataPacket(0, 50)))
	assert.Equal(t, 50, pq.Size())
}

func TestPacketQueuePutBlocksWhenFull(t *testing.T) {
	pq := NewPacketQueue(20)
	require.NoError(t, pq.Put(dataPacket(0, 15)))

	put := make(chan error, 1)
	go func() {
		put <- pq.Put(dataPacket(1, 10))
	}()

	select {
	case <-put:
		t.Fatal("put should block over capacity")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := pq.Get(false)
	require.NoError(t, err)

	select {
	case err := <-put:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("put did not resume")
	}
}

func TestPacketQueueFlush(t *testing.T) {
	pq := NewPacketQueue(1024)
	require.NoError(t, pq.Put(dataPacket(0, 10)))
	require.NoError(t, pq.Put(dataPacket(1, 10)))

	pq.Flush(4)
	assert.Equal(t, 4, pq.Serial())
	require.NoError(t, pq.Put(dataPacket(2, 10)))

	pkt, err := pq.Get(false)
	require.NoError(t, err)
	assert.True(t, pkt.IsFlush())
	assert.Equal(t, 4, pkt.Serial())

	pkt, err = pq.Get(false)
	require.NoError(t, err)
	assert.False(t, pkt.IsFlush())
	assert.Equal(t, 2.0, pkt.PTS)
	assert.Equal(t, 4, pkt.Serial())

	_, err = pq.Get(false)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestPacketQueuePutSerialDropsStaleUnits(t *testing.T) {
	pq := NewPacketQueue(10)
	require.NoError(t, pq.PutSerial(dataPacket(0, 10), 0))

	put := make(chan error, 1)
	go func() {
		put <- pq.PutSerial(dataPacket(1, 10), 0)
	}()

	time.Sleep(20 * time.Millisecond)
	pq.Flush(1)

	select {
	case err := <-put:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("put was not released by flush")
	}

	require.NoError(t, pq.PutEOSSerial(0))
	require.NoError(t, pq.PutSerial(dataPacket(2, 10), 1))

	pkt, err := pq.Get(false)
	require.NoError(t, err)
	assert.True(t, pkt.IsFlush())

	pkt, err = pq.Get(false)
	require.NoError(t, err)
	assert.Equal(t, 2.0, pkt.PTS)
	assert.Equal(t, 1, pkt.Serial())

	_, err = pq.Get(false)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestPacketQueueEOS(t *testing.T) {
	pq := NewPacketQueue(1024)
	require.NoError(t, pq.PutEOS())

	pkt, err := pq.Get(false)
	require.NoError(t, err)
	assert.True(t, pkt.IsEOS())
	assert.False(t, pkt.HasPTS())
}

func TestPacketQueueAbortUnblocks(t *testing.T) {
	t.Run("get", func(t *testing.T) {
		pq := NewPacketQueue(1024)

		got := make(chan error, 1)
		go func() {
			_, err := pq.Get(true)
			got <- err
		}()

		time.Sleep(20 * time.Millisecond)
		pq.Abort()

		select {
		case err := <-got:
			assert.ErrorIs(t, err, ErrQuit)
		case <-time.After(time.Second):
			t.Fatal("get was not released by abort")
		}
	})

	t.Run("put", func(t *testing.T) {
		pq := NewPacketQueue(10)
		require.NoError(t, pq.Put(dataPacket(0, 10)))

		put := make(chan error, 1)
		go func() {
			put <- pq.Put(dataPacket(1, 10))
		}()

		time.Sleep(20 * time.Millisecond)
		pq.Abort()

		select {
		case err := <-put:
			assert.ErrorIs(t, err, ErrQuit)
		case <-time.After(time.Second):
			t.Fatal("put was not released by abort")
		}
	})

	t.Run("quit wins over queued units", func(t *testing.T) {
		pq := NewPacketQueue(1024)
		require.NoError(t, pq.Put(dataPacket(0, 10)))
		pq.Abort()

		_, err := pq.Get(false)
		assert.ErrorIs(t, err, ErrQuit)
	})
}
