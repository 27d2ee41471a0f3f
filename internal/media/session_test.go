package media_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoldenFealla/VideoSyncGo/internal/audio"
	"github.com/GoldenFealla/VideoSyncGo/internal/decoder/testsrc"
	"github.com/GoldenFealla/VideoSyncGo/internal/media"
)

func testLogger() *slog.Logger {
	level := slog.LevelWarn
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func testConfig(master media.MasterSource) media.Config {
	cfg := media.DefaultConfig()
	cfg.Master = master
	cfg.Logger = testLogger()
	return cfg
}

func opener(o testsrc.Options) media.Opener {
	return func(string) (media.Source, error) {
		return testsrc.New(o)
	}
}

func newSink() *audio.WallClockSink {
	return audio.NewWallClockSink(44100*8, 2*2048*8)
}

// runHost plays the host role: it pumps Update from a single goroutine until
// the returned stop function is called.
func runHost(s *media.Session) (stop func()) {
	quit := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-quit:
				return
			default:
			}
			s.Update()
			time.Sleep(2 * time.Millisecond)
		}
	}()

	return func() {
		close(quit)
		<-done
	}
}

// collect gathers events until Finished or timeout, then keeps draining for
// grace so late events are caught.
func collect(t *testing.T, s *media.Session, timeout, grace time.Duration) []media.Event {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var events []media.Event
	for {
		e, err := s.Events().Wait(ctx)
		if err != nil {
			t.Fatalf("no finished event before timeout, got %d events", len(events))
		}
		events = append(events, e)
		if e.Kind == media.EventFinished {
			break
		}
	}

	time.Sleep(grace)
	for {
		e, ok := s.Events().Poll()
		if !ok {
			return events
		}
		events = append(events, e)
	}
}

func count(events []media.Event, kind media.EventKind) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestSessionPlaysToEnd(t *testing.T) {
	tests := []struct {
		name     string
		master   media.MasterSource
		minShown int
	}{
		{"external clock", media.ExternalMaster, 55},
		{"audio clock", media.AudioMaster, 50},
		{"video clock", media.VideoMaster, 55},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := media.NewSession(opener(testsrc.DefaultOptions()), newSink(), testConfig(tt.master))
			require.NoError(t, s.Open("testsrc:"))
			assert.InDelta(t, 2.0, s.Duration(), 1e-9)
			require.NoError(t, s.Start())

			stop := runHost(s)
			events := collect(t, s, 6*time.Second, 200*time.Millisecond)
			stop()

			assert.GreaterOrEqual(t, count(events, media.EventFrameShow), tt.minShown)
			assert.Equal(t, 1, count(events, media.EventFinished))
			assert.Equal(t, media.EventFinished, events[len(events)-1].Kind, "finished comes after the last frame")

			last := -1.0
			for _, e := range events {
				if e.Kind == media.EventFrameShow {
					assert.Greater(t, e.PTS, last, "frames are shown in order")
					last = e.PTS
				}
			}

			st := s.Stats()
			assert.Greater(t, st.AudioChunks, int64(0))
			assert.EqualValues(t, count(events, media.EventFrameShow), st.FramesShown)

			require.NoError(t, s.Close())
			assert.Equal(t, media.StateClosed, s.State())
		})
	}
}

func TestSessionSeekWhilePaused(t *testing.T) {
	o := testsrc.DefaultOptions()
	o.Duration = 5

	s := media.NewSession(opener(o), newSink(), testConfig(media.ExternalMaster))
	require.NoError(t, s.Open("testsrc:"))
	require.NoError(t, s.Start())

	stop := runHost(s)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for shown := 0; shown < 15; {
		e, err := s.Events().Wait(ctx)
		require.NoError(t, err)
		if e.Kind == media.EventFrameShow {
			shown++
		}
	}

	require.NoError(t, s.SetPlaying(false))
	assert.Equal(t, media.StatePaused, s.State())
	require.NoError(t, s.Seek(0))
	assert.InDelta(t, 0.0, s.Position(), 1e-6)

	time.Sleep(100 * time.Millisecond)
	assert.InDelta(t, 0.0, s.Position(), 1e-6, "position holds while paused")

	require.NoError(t, s.SetPlaying(true))

	for {
		e, err := s.Events().Wait(ctx)
		require.NoError(t, err)
		if e.Kind == media.EventFrameShow && e.Serial == 1 {
			assert.InDelta(t, 0.0, e.PTS, 1e-6)
			break
		}
	}

	assert.Less(t, s.Position(), 1.0)
	require.NoError(t, s.Close())
}

func TestSessionSeekForward(t *testing.T) {
	o := testsrc.DefaultOptions()
	o.Duration = 10

	s := media.NewSession(opener(o), newSink(), testConfig(media.AudioMaster))
	require.NoError(t, s.Open("testsrc:"))
	require.NoError(t, s.Start())

	stop := runHost(s)
	defer stop()

	require.NoError(t, s.Seek(6))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		e, err := s.Events().Wait(ctx)
		require.NoError(t, err)
		if e.Kind == media.EventFrameShow && e.Serial == 1 {
			assert.InDelta(t, 6.0, e.PTS, 0.05)
			break
		}
	}

	assert.InDelta(t, 6.0, s.Position(), 0.5)
	require.NoError(t, s.Close())
}

func TestSessionSeekRefusedBySource(t *testing.T) {
	o := testsrc.DefaultOptions()
	o.Duration = 5
	o.NoSeek = true

	s := media.NewSession(opener(o), newSink(), testConfig(media.ExternalMaster))
	require.NoError(t, s.Open("testsrc:"))
	require.NoError(t, s.Start())

	stop := runHost(s)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for shown := 0; shown < 5; {
		e, err := s.Events().Wait(ctx)
		require.NoError(t, err)
		if e.Kind == media.EventFrameShow {
			shown++
		}
	}

	require.NoError(t, s.SetPlaying(false))
	before := s.Position()

	assert.ErrorIs(t, s.Seek(3), media.ErrSeekUnsupported)
	assert.Equal(t, media.StatePaused, s.State())
	assert.InDelta(t, before, s.Position(), 1e-6, "clock is untouched")

	require.NoError(t, s.SetPlaying(true))

	for {
		e, err := s.Events().Wait(ctx)
		require.NoError(t, err)
		if e.Kind == media.EventFrameShow {
			assert.Equal(t, 0, e.Serial, "no seek took place")
			assert.Less(t, e.PTS, 2.0, "playback continues from the old position")
			break
		}
	}

	require.NoError(t, s.Seek(0), "rewinding is still allowed")
	require.NoError(t, s.Close())
}

func TestSessionCloseDuringPlayback(t *testing.T) {
	o := testsrc.DefaultOptions()
	o.DecodeDelay = 100 * time.Millisecond

	cfg := testConfig(media.ExternalMaster)
	s := media.NewSession(opener(o), newSink(), cfg)
	require.NoError(t, s.Open("testsrc:"))
	require.NoError(t, s.Start())

	stop := runHost(s)
	time.Sleep(250 * time.Millisecond)
	stop()

	start := time.Now()
	require.NoError(t, s.Close())
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, media.StateClosed, s.State())
	assert.Equal(t, 0, s.Stats().LiveBuffers)
	assert.NoError(t, s.Close(), "closing twice is a no-op")
}

func TestSessionStatsWhileHostUpdates(t *testing.T) {
	o := testsrc.DefaultOptions()
	o.Duration = 0.5

	s := media.NewSession(opener(o), newSink(), testConfig(media.ExternalMaster))
	require.NoError(t, s.Open("testsrc:"))
	require.NoError(t, s.Start())

	stop := runHost(s)

	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-quit:
				return
			default:
			}
			st := s.Stats()
			assert.GreaterOrEqual(t, st.LiveBuffers, 0)
			time.Sleep(time.Millisecond)
		}
	}()

	events := collect(t, s, 4*time.Second, 50*time.Millisecond)
	close(quit)
	<-done
	stop()

	assert.Equal(t, 1, count(events, media.EventFinished))
	assert.Positive(t, s.Stats().LiveBuffers, "the current picture is live")
	require.NoError(t, s.Close())
}

func TestSessionLoop(t *testing.T) {
	o := testsrc.DefaultOptions()
	o.Duration = 0.5

	cfg := testConfig(media.AudioMaster)
	cfg.Loop = true

	s := media.NewSession(opener(o), newSink(), cfg)
	require.NoError(t, s.Open("testsrc:"))
	require.NoError(t, s.Start())

	stop := runHost(s)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		e, err := s.Events().Wait(ctx)
		require.NoError(t, err)
		require.NotEqual(t, media.EventFinished, e.Kind, "looping never finishes")
		if e.Kind == media.EventFrameShow && e.PTS > 1.1 {
			break
		}
	}

	require.NoError(t, s.Close())
}

func TestSessionSkipsCorruptPackets(t *testing.T) {
	o := testsrc.DefaultOptions()
	o.CorruptEvery = 10

	s := media.NewSession(opener(o), newSink(), testConfig(media.ExternalMaster))
	require.NoError(t, s.Open("testsrc:"))
	require.NoError(t, s.Start())

	stop := runHost(s)
	events := collect(t, s, 6*time.Second, 50*time.Millisecond)
	stop()

	assert.Equal(t, 1, count(events, media.EventFinished))
	assert.GreaterOrEqual(t, count(events, media.EventFrameShow), 40)
	assert.EqualValues(t, 6, s.Stats().DecodeErrors)

	require.NoError(t, s.Close())
}

func TestSessionSingleStream(t *testing.T) {
	t.Run("video only", func(t *testing.T) {
		o := testsrc.DefaultOptions()
		o.Duration = 0.5

		s := media.NewSession(opener(o), nil, testConfig(media.AudioMaster))
		require.NoError(t, s.Open("testsrc:"))
		assert.Equal(t, media.ExternalMaster, s.Clock().Source(), "falls back without audio")
		require.NoError(t, s.Start())

		stop := runHost(s)
		events := collect(t, s, 4*time.Second, 50*time.Millisecond)
		stop()

		assert.GreaterOrEqual(t, count(events, media.EventFrameShow), 12)
		require.NoError(t, s.Close())
	})

	t.Run("audio only", func(t *testing.T) {
		o := testsrc.DefaultOptions()
		o.Duration = 0.5
		o.NoVideo = true

		s := media.NewSession(opener(o), newSink(), testConfig(media.AudioMaster))
		require.NoError(t, s.Open("testsrc:"))
		require.NoError(t, s.Start())

		events := collect(t, s, 4*time.Second, 50*time.Millisecond)
		assert.Equal(t, 0, count(events, media.EventFrameShow))
		assert.Equal(t, 1, count(events, media.EventFinished))
		assert.InDelta(t, 0.5, s.Position(), 0.1)

		require.NoError(t, s.Close())
	})
}

func TestSessionOpenErrors(t *testing.T) {
	t.Run("no streams", func(t *testing.T) {
		o := testsrc.DefaultOptions()
		o.NoVideo = true
		o.NoAudio = true

		s := media.NewSession(opener(o), newSink(), testConfig(media.AudioMaster))
		assert.ErrorIs(t, s.Open("testsrc:"), media.ErrNoStreams)
		assert.Equal(t, media.StateClosed, s.State())
	})

	t.Run("audio without sink", func(t *testing.T) {
		o := testsrc.DefaultOptions()
		o.NoVideo = true

		s := media.NewSession(opener(o), nil, testConfig(media.AudioMaster))
		assert.ErrorIs(t, s.Open("testsrc:"), media.ErrNoStreams)
	})

	t.Run("bad input", func(t *testing.T) {
		s := media.NewSession(testsrc.Open, newSink(), testConfig(media.AudioMaster))
		assert.Error(t, s.Open("testsrc:?fps=fast"))
		assert.Equal(t, media.StateClosed, s.State())
	})
}

func TestSessionStateErrors(t *testing.T) {
	s := media.NewSession(opener(testsrc.DefaultOptions()), newSink(), testConfig(media.ExternalMaster))

	assert.ErrorIs(t, s.Start(), media.ErrInvalidState)
	assert.ErrorIs(t, s.Seek(1), media.ErrInvalidState)
	assert.ErrorIs(t, s.SetPlaying(false), media.ErrInvalidState)
	assert.False(t, s.Update())
	assert.Zero(t, s.Duration())

	require.NoError(t, s.Open("testsrc:"))
	assert.ErrorIs(t, s.Open("testsrc:"), media.ErrInvalidState)
	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), media.ErrInvalidState)

	assert.ErrorIs(t, s.Seek(-1), media.ErrSeekUnsupported)
	assert.ErrorIs(t, s.Seek(30), media.ErrSeekUnsupported)

	require.NoError(t, s.Close())
}

func TestSessionReopen(t *testing.T) {
	o := testsrc.DefaultOptions()
	o.Duration = 0.3

	s := media.NewSession(opener(o), newSink(), testConfig(media.ExternalMaster))
	for i := 0; i < 2; i++ {
		require.NoError(t, s.Open("testsrc:"))
		require.NoError(t, s.Start())

		stop := runHost(s)
		events := collect(t, s, 4*time.Second, 0)
		stop()

		assert.Equal(t, 1, count(events, media.EventFinished), "pass %d", i)
		require.NoError(t, s.Close())
	}
}
