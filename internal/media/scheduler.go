package media

import (
	"math"
)

const (
	defaultFrameDelay = 0.04
	maxFrameDelay     = 1.0
)

// Decision is the outcome of scheduling one picture.
type Decision struct {
	// Delay is the hold time of the previous picture after sync correction.
	Delay float64
	// Wait is how long from now until the picture is due; negative when late.
	Wait float64
	Diff float64
}

func (d Decision) Late() bool {
	return d.Wait < 0
}

// FrameScheduler turns picture timestamps into wall-clock deadlines, holding
// or skipping pictures to follow the master clock.
type FrameScheduler struct {
	minSync float64

	frameTimer float64
	lastPTS    float64
	lastDelay  float64
	hasLast    bool
}

func NewFrameScheduler(minSync float64) *FrameScheduler {
	return &FrameScheduler{
		minSync:   minSync,
		lastDelay: defaultFrameDelay,
	}
}

func isDelayNormal(v float64) bool {
	return v > 0 && v < maxFrameDelay
}

// Reset restarts the frame timer at now (seconds) and forgets the previous
// picture. Called on start and after every seek.
func (s *FrameScheduler) Reset(now float64) {
	s.frameTimer = now
	s.hasLast = false
	s.lastPTS = 0
}

// Resume shifts the frame timer past a pause.
func (s *FrameScheduler) Resume(paused float64) {
	s.frameTimer += paused
}

// Schedule computes when the picture with pts is due. master is consulted
// unless sync is false (the video stream is itself the master).
func (s *FrameScheduler) Schedule(pts, master float64, sync bool, now float64) Decision {
	delay := s.lastDelay
	if s.hasLast {
		delay = pts - s.lastPTS
	}
	if isDelayNormal(delay) {
		s.lastDelay = delay
	} else {
		delay = s.lastDelay
	}
	s.lastPTS = pts
	s.hasLast = true

	var diff float64
	if sync && !math.IsNaN(master) {
		diff = pts - master
		threshold := math.Max(delay, s.minSync)
		if diff <= -threshold {
			delay = 0
		} else if diff >= threshold {
			delay = 2 * delay
		}
	}

	s.frameTimer += delay
	return Decision{
		Delay: delay,
		Wait:  s.frameTimer - now,
		Diff:  diff,
	}
}

// CatchUp moves a frame timer that fell too far behind back to now, so one
// long stall does not turn into a burst of skipped pictures.
func (s *FrameScheduler) CatchUp(now float64) {
	if now-s.frameTimer > maxFrameDelay {
		s.frameTimer = now
	}
}

func (s *FrameScheduler) LastDelay() float64 {
	return s.lastDelay
}
