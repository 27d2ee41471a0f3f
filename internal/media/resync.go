package media

import (
	"math"
)

// ResyncConfig tunes AudioResync.
type ResyncConfig struct {
	// NoSyncThreshold is the drift beyond which no correction is attempted.
	NoSyncThreshold float64
	// AvgWindow is the number of measurements averaged before correcting.
	AvgWindow int
	// Threshold is the averaged drift that triggers a correction.
	Threshold float64
	// MaxCorrectionPercent bounds the size change of a single buffer.
	MaxCorrectionPercent int
}

func DefaultResyncConfig() ResyncConfig {
	return ResyncConfig{
		NoSyncThreshold:      10.0,
		AvgWindow:            20,
		Threshold:            2.0 * 1024 / 44100,
		MaxCorrectionPercent: 10,
	}
}

// AudioResync stretches or shortens audio buffers so the audio position
// converges to the master clock. Drift is smoothed with an exponential moving
// average so single noisy measurements never cause an audible jump.
type AudioResync struct {
	cfg ResyncConfig

	coef    float64
	cum     float64
	count   int
	lastAvg float64
}

func NewAudioResync(cfg ResyncConfig) *AudioResync {
	if cfg.AvgWindow <= 0 {
		cfg.AvgWindow = 20
	}
	return &AudioResync{
		cfg:  cfg,
		coef: math.Exp(math.Log(0.01) / float64(cfg.AvgWindow)),
	}
}

func (r *AudioResync) Reset() {
	r.cum = 0
	r.count = 0
	r.lastAvg = 0
}

// AvgDiff is the last averaged drift, zero until the window has filled.
func (r *AudioResync) AvgDiff() float64 {
	return r.lastAvg
}

// WantedSize returns the corrected byte size for a buffer of size bytes given
// diff = audio clock - master clock. Sizes stay multiples of frameBytes.
func (r *AudioResync) WantedSize(size int, diff float64, sampleRate, frameBytes int) int {
	if math.IsNaN(diff) || math.Abs(diff) >= r.cfg.NoSyncThreshold {
		r.Reset()
		return size
	}

	r.cum = diff + r.coef*r.cum
	if r.count < r.cfg.AvgWindow {
		r.count++
		return size
	}

	avg := r.cum * (1 - r.coef)
	r.lastAvg = avg
	if math.Abs(avg) < r.cfg.Threshold {
		return size
	}

	wanted := size + int(math.Round(avg*float64(sampleRate)))*frameBytes

	p := r.cfg.MaxCorrectionPercent
	min := size * (100 - p) / 100
	max := size * (100 + p) / 100
	if frameBytes > 0 {
		min = (min + frameBytes - 1) / frameBytes * frameBytes
		max = max / frameBytes * frameBytes
	}

	if wanted < min {
		wanted = min
	} else if wanted > max {
		wanted = max
	}
	return wanted
}

// resizeFrames resizes b to wanted bytes: it truncates trailing frames when
// shrinking and repeats the last frame when growing.
func resizeFrames(b []byte, wanted, frameBytes int) []byte {
	switch {
	case wanted == len(b) || frameBytes <= 0 || len(b) < frameBytes:
		return b
	case wanted < len(b):
		return b[:wanted]
	}

	out := make([]byte, wanted)
	n := copy(out, b)
	last := b[len(b)-frameBytes:]
	for n < wanted {
		n += copy(out[n:], last)
	}
	return out
}

// Correct applies WantedSize to b.
func (r *AudioResync) Correct(b []byte, diff float64, sampleRate, frameBytes int) []byte {
	return resizeFrames(b, r.WantedSize(len(b), diff, sampleRate, frameBytes), frameBytes)
}
