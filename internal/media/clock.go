package media

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

type MasterSource int

const (
	ExternalMaster MasterSource = iota
	AudioMaster
	VideoMaster
)

func (m MasterSource) String() string {
	switch m {
	case AudioMaster:
		return "audio"
	case VideoMaster:
		return "video"
	}
	return "external"
}

func ParseMasterSource(s string) (MasterSource, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "external", "ext", "wall":
		return ExternalMaster, nil
	case "audio":
		return AudioMaster, nil
	case "video":
		return VideoMaster, nil
	}
	return ExternalMaster, fmt.Errorf("clock: unknown master source %q", s)
}

// Clock tracks the audio, video and wall-clock positions of a session and
// derives the master clock from the selected source. All values are seconds.
type Clock struct {
	mutex sync.Mutex
	now   func() time.Time

	master MasterSource

	audioPTS       float64
	queued         func() int
	bytesPerSecond float64

	videoPTS  float64
	videoWall time.Time

	extBase  float64
	extStart time.Time

	paused   bool
	pausedAt time.Time
}

func NewClock(master MasterSource) *Clock {
	c := &Clock{
		master: master,
		now:    time.Now,
	}
	c.Reset(0)
	return c
}

// SetAudioOutput lets the audio clock account for audio handed to the sink
// but not played yet.
func (c *Clock) SetAudioOutput(queued func() int, bytesPerSecond float64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.queued = queued
	c.bytesPerSecond = bytesPerSecond
}

func (c *Clock) Source() MasterSource {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.master
}

func (c *Clock) current() time.Time {
	if c.paused {
		return c.pausedAt
	}
	return c.now()
}

// Master returns the time every presentation decision is made against.
func (c *Clock) Master() float64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	switch c.master {
	case AudioMaster:
		return c.audioLocked()
	case VideoMaster:
		return c.videoLocked()
	}
	return c.externalLocked()
}

func (c *Clock) Audio() float64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.audioLocked()
}

func (c *Clock) Video() float64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.videoLocked()
}

func (c *Clock) External() float64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.externalLocked()
}

func (c *Clock) audioLocked() float64 {
	pts := c.audioPTS
	if c.queued != nil && c.bytesPerSecond > 0 {
		pts -= float64(c.queued()) / c.bytesPerSecond
	}
	return pts
}

func (c *Clock) videoLocked() float64 {
	return c.videoPTS + c.current().Sub(c.videoWall).Seconds()
}

func (c *Clock) externalLocked() float64 {
	return c.extBase + c.current().Sub(c.extStart).Seconds()
}

// SetAudio records the pts at the end of the audio handed to the sink.
func (c *Clock) SetAudio(pts float64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.audioPTS = pts
}

// SetVideo records the pts of the picture being presented now.
func (c *Clock) SetVideo(pts float64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.videoPTS = pts
	c.videoWall = c.current()
}

// Reset moves every sub-clock to base. The external clock starts counting
// from now, or from resume when paused.
func (c *Clock) Reset(base float64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	if c.paused {
		c.pausedAt = now
	}

	c.audioPTS = base
	c.videoPTS = base
	c.videoWall = now
	c.extBase = base
	c.extStart = now
}

// SetPaused freezes the wall-clock based sources; resuming re-anchors them so
// the paused interval is excluded.
func (c *Clock) SetPaused(paused bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if paused == c.paused {
		return
	}

	now := c.now()
	if paused {
		c.pausedAt = now
	} else {
		d := now.Sub(c.pausedAt)
		c.extStart = c.extStart.Add(d)
		c.videoWall = c.videoWall.Add(d)
	}
	c.paused = paused
}

func (c *Clock) Paused() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.paused
}
