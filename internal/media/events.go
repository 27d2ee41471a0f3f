package media

import (
	"context"
	"sync"
)

type EventKind int

const (
	// EventFrameShow: a new picture is ready for Update.
	EventFrameShow EventKind = iota
	// EventFinished: every stream is exhausted and the session is not looping.
	EventFinished
	// EventSeek wakes the demux loop after a seek. It never reaches the host.
	EventSeek
)

func (k EventKind) String() string {
	switch k {
	case EventFrameShow:
		return "frame_show"
	case EventFinished:
		return "finished"
	case EventSeek:
		return "seek"
	}
	return "unknown"
}

type Event struct {
	Kind EventKind
	PTS  float64
	// Serial of the seek that produced the event.
	Serial int
}

// EventQueue is an unbounded single-consumer queue. Emitters never block.
type EventQueue struct {
	sync.Mutex
	queue  []Event
	notify chan struct{}
}

func NewEventQueue() *EventQueue {
	return &EventQueue{
		notify: make(chan struct{}, 1),
	}
}

func (eq *EventQueue) Add(e Event) {
	eq.Lock()
	eq.queue = append(eq.queue, e)
	eq.Unlock()

	select {
	case eq.notify <- struct{}{}:
	default:
	}
}

// Poll pops the oldest event without blocking.
func (eq *EventQueue) Poll() (Event, bool) {
	eq.Lock()
	defer eq.Unlock()

	if len(eq.queue) == 0 {
		return Event{}, false
	}

	e := eq.queue[0]
	eq.queue = eq.queue[1:]
	return e, true
}

// Wait blocks until an event is available or ctx is done.
func (eq *EventQueue) Wait(ctx context.Context) (Event, error) {
	for {
		if e, ok := eq.Poll(); ok {
			return e, nil
		}

		select {
		case <-eq.notify:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

func (eq *EventQueue) Len() int {
	eq.Lock()
	defer eq.Unlock()
	return len(eq.queue)
}
