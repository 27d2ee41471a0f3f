package media

import (
	"math"
	"sync/atomic"
)

// Stats is a point-in-time snapshot of playback counters.
type Stats struct {
	FramesDecoded    int64
	FramesShown      int64
	FramesDropped    int64
	DecodeErrors     int64
	AudioChunks      int64
	AudioCorrections int64
	AVDiff           float64
	LiveBuffers      int
}

type counters struct {
	framesDecoded    atomic.Int64
	framesShown      atomic.Int64
	framesDropped    atomic.Int64
	decodeErrors     atomic.Int64
	audioChunks      atomic.Int64
	audioCorrections atomic.Int64
	avDiff           atomic.Uint64
}

func (c *counters) setAVDiff(v float64) {
	c.avDiff.Store(math.Float64bits(v))
}

func (c *counters) snapshot() Stats {
	return Stats{
		FramesDecoded:    c.framesDecoded.Load(),
		FramesShown:      c.framesShown.Load(),
		FramesDropped:    c.framesDropped.Load(),
		DecodeErrors:     c.decodeErrors.Load(),
		AudioChunks:      c.audioChunks.Load(),
		AudioCorrections: c.audioCorrections.Load(),
		AVDiff:           math.Float64frombits(c.avDiff.Load()),
	}
}
