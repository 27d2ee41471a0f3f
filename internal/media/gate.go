package media

import (
	"context"
	"sync"
)

// gate blocks waiters while closed. Opening it releases every waiter at once.
type gate struct {
	mutex sync.Mutex
	open  bool
	ch    chan struct{}
}

func newGate(open bool) *gate {
	g := &gate{ch: make(chan struct{})}
	if open {
		g.open = true
		close(g.ch)
	}
	return g
}

func (g *gate) Set(open bool) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if open == g.open {
		return
	}
	if open {
		close(g.ch)
	} else {
		g.ch = make(chan struct{})
	}
	g.open = open
}

func (g *gate) IsOpen() bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.open
}

// Wait reports whether it had to block.
func (g *gate) Wait(ctx context.Context) (bool, error) {
	g.mutex.Lock()
	ch, open := g.ch, g.open
	g.mutex.Unlock()

	if open {
		return false, nil
	}

	select {
	case <-ch:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// signal is a coalescing wake-up.
type signal chan struct{}

func newSignal() signal {
	return make(signal, 1)
}

func (s signal) notify() {
	select {
	case s <- struct{}{}:
	default:
	}
}
