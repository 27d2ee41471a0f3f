// Package otoaudio plays session audio on the default output device.
package otoaudio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoldenFealla/VideoSyncGo/internal/audio"
	"github.com/ebitengine/oto/v3"
)

// Options describes the PCM format pushed to the sink: interleaved float32.
type Options struct {
	SampleRate   int
	Channels     int
	BufferFrames int
}

var (
	contextOnce sync.Once
	otoCtx      *oto.Context
	otoErr      error
)

// oto allows one context per process.
func sharedContext(o Options) (*oto.Context, error) {
	contextOnce.Do(func() {
		var ready chan struct{}
		otoCtx, ready, otoErr = oto.NewContext(&oto.NewContextOptions{
			SampleRate:   o.SampleRate,
			ChannelCount: o.Channels,
			Format:       oto.FormatFloat32LE,
			BufferSize:   time.Duration(o.BufferFrames) * time.Second / time.Duration(o.SampleRate),
		})
		if otoErr == nil {
			<-ready
		}
	})
	return otoCtx, otoErr
}

type Sink struct {
	buf    *audio.Buffer
	player *oto.Player
	reader *silenceReader
}

func New(o Options) (*Sink, error) {
	if o.SampleRate <= 0 || o.Channels <= 0 {
		return nil, fmt.Errorf("otoaudio: invalid format %dHz %dch", o.SampleRate, o.Channels)
	}
	if o.BufferFrames <= 0 {
		o.BufferFrames = 2048
	}

	ctx, err := sharedContext(o)
	if err != nil {
		return nil, fmt.Errorf("otoaudio: creating context failed: %w", err)
	}

	frameBytes := o.Channels * 4
	s := &Sink{
		buf: audio.NewBuffer(4 * o.BufferFrames * frameBytes),
	}

	s.reader = &silenceReader{buf: s.buf}
	s.player = ctx.NewPlayer(s.reader)
	s.player.SetBufferSize(o.BufferFrames * frameBytes)
	s.player.Play()

	return s, nil
}

func (s *Sink) Push(ctx context.Context, b []byte) error {
	return s.buf.Write(ctx, b)
}

// Queued is what is waiting in the ring plus what oto has pulled but not
// played yet.
func (s *Sink) Queued() int {
	return s.buf.Len() + max(s.player.BufferedSize()-int(s.reader.silence.Load()), 0)
}

func (s *Sink) SetPaused(paused bool) {
	if paused {
		s.player.Pause()
	} else {
		s.player.Play()
	}
}

func (s *Sink) Flush() {
	s.buf.Reset()
}

func (s *Sink) Close() error {
	return s.player.Close()
}

// silenceReader keeps the player fed: gaps in the ring are played as zeros.
// silence counts the zeros handed out since the last real sample.
type silenceReader struct {
	buf     *audio.Buffer
	silence atomic.Int64
}

func (r *silenceReader) Read(p []byte) (int, error) {
	n := r.buf.Read(p)
	clear(p[n:])

	switch {
	case n == len(p):
		r.silence.Store(0)
	case n > 0:
		r.silence.Store(int64(len(p) - n))
	default:
		r.silence.Add(int64(len(p)))
	}
	return len(p), nil
}
