// Package audio holds the PCM plumbing between the audio decode goroutine
// and an output device.
package audio

import (
	"context"
	"sync"
)

// Buffer is a bounded FIFO of PCM bytes. Writers block while it is full;
// readers never block.
type Buffer struct {
	mutex sync.Mutex
	data  []byte
	max   int
	space chan struct{}
	// resets counts Reset calls; a Write spanning one gives up the rest of p.
	resets int
}

func NewBuffer(max int) *Buffer {
	return &Buffer{
		data:  make([]byte, 0, max),
		max:   max,
		space: make(chan struct{}, 1),
	}
}

// Write copies p into the buffer, waiting for room as needed. A Reset while
// Write waits drops what is left of p.
func (b *Buffer) Write(ctx context.Context, p []byte) error {
	b.mutex.Lock()
	gen := b.resets
	b.mutex.Unlock()

	for {
		b.mutex.Lock()
		if b.resets != gen {
			b.mutex.Unlock()
			return nil
		}
		if free := b.max - len(b.data); free > 0 {
			n := min(free, len(p))
			b.data = append(b.data, p[:n]...)
			p = p[n:]
		}
		b.mutex.Unlock()

		if len(p) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.space:
		}
	}
}

// Read moves up to len(p) queued bytes into p.
func (b *Buffer) Read(p []byte) int {
	b.mutex.Lock()
	n := copy(p, b.data)
	rest := copy(b.data, b.data[n:])
	b.data = b.data[:rest]
	b.mutex.Unlock()

	if n > 0 {
		b.notify()
	}
	return n
}

func (b *Buffer) Len() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.data)
}

func (b *Buffer) Cap() int {
	return b.max
}

func (b *Buffer) Reset() {
	b.mutex.Lock()
	b.data = b.data[:0]
	b.resets++
	b.mutex.Unlock()

	b.notify()
}

func (b *Buffer) notify() {
	select {
	case b.space <- struct{}{}:
	default:
	}
}
