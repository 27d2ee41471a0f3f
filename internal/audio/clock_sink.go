package audio

import (
	"context"
	"sync"
	"time"
)

// WallClockSink is an audio sink without a device: queued audio drains at
// the stream byte rate in wall-clock time. It paces headless playback and
// tests exactly like a sound card would.
type WallClockSink struct {
	mutex sync.Mutex
	now   func() time.Time

	bytesPerSecond float64
	capacity       int

	queued  float64
	played  int64
	last    time.Time
	paused  bool
	flushes int
}

// NewWallClockSink drains bytesPerSecond and holds at most capacity bytes.
func NewWallClockSink(bytesPerSecond float64, capacity int) *WallClockSink {
	return &WallClockSink{
		now:            time.Now,
		bytesPerSecond: bytesPerSecond,
		capacity:       capacity,
		last:           time.Now(),
	}
}

func (s *WallClockSink) drainLocked() {
	now := s.now()
	if !s.paused {
		n := now.Sub(s.last).Seconds() * s.bytesPerSecond
		if n > s.queued {
			n = s.queued
		}
		s.queued -= n
		s.played += int64(n)
	}
	s.last = now
}

// Push blocks until b fits. A chunk larger than the capacity is accepted
// once the sink is empty. A Flush while Push waits drops b.
func (s *WallClockSink) Push(ctx context.Context, b []byte) error {
	s.mutex.Lock()
	gen := s.flushes
	s.mutex.Unlock()

	for {
		s.mutex.Lock()
		if s.flushes != gen {
			s.mutex.Unlock()
			return nil
		}
		s.drainLocked()

		over := s.queued + float64(len(b)) - float64(s.capacity)
		if over <= 0 || s.queued == 0 {
			s.queued += float64(len(b))
			s.mutex.Unlock()
			return nil
		}

		wait := 10 * time.Millisecond
		if !s.paused && s.bytesPerSecond > 0 {
			wait = max(time.Duration(over/s.bytesPerSecond*float64(time.Second)), time.Millisecond)
		}
		s.mutex.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Queued reports the bytes not played yet.
func (s *WallClockSink) Queued() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.drainLocked()
	return int(s.queued)
}

// Played reports the bytes played since creation.
func (s *WallClockSink) Played() int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.drainLocked()
	return s.played
}

func (s *WallClockSink) SetPaused(paused bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.drainLocked()
	s.paused = paused
}

func (s *WallClockSink) Flush() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.drainLocked()
	s.queued = 0
	s.flushes++
}
