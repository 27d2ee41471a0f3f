package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"github.com/spf13/cobra"

	"github.com/GoldenFealla/VideoSyncGo/internal/audio"
	"github.com/GoldenFealla/VideoSyncGo/internal/audio/otoaudio"
	"github.com/GoldenFealla/VideoSyncGo/internal/config"
	"github.com/GoldenFealla/VideoSyncGo/internal/decoder"
	"github.com/GoldenFealla/VideoSyncGo/internal/decoder/testsrc"
	"github.com/GoldenFealla/VideoSyncGo/internal/media"
	"github.com/GoldenFealla/VideoSyncGo/internal/widget"
)

var version = "dev"

const (
	pumpInterval = 5 * time.Millisecond
	seekStep     = 5.0
)

var (
	v          = config.New()
	configPath string
)

var rootCmd = &cobra.Command{
	Use:          "videosync [flags] <input>",
	Short:        "Play a media file with audio and video kept in sync.",
	Long:         "Play a media file with audio and video kept in sync.\n\nInputs starting with testsrc: are synthesized, e.g. testsrc:?duration=5&fps=25.",
	Args:         cobra.ExactArgs(1),
	Version:      version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), args[0])
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&configPath, "config", "", "config file (yaml)")
	f.String("backend", "auto", "decoder backend: auto, ffmpeg or testsrc")
	f.String("master", "external", "master clock: audio, video or external")
	f.Bool("loop", false, "restart at the end of the input")
	f.Bool("headless", false, "play without a window")
	f.Bool("audio", true, "play the audio stream")
	f.String("log-level", "info", "log level: debug, info, warn or error")
	f.Int("width", 800, "window width")
	f.Int("height", 450, "window height")

	for key, name := range map[string]string{
		"backend":       "backend",
		"master":        "master",
		"loop":          "loop",
		"headless":      "headless",
		"audio.enabled": "audio",
		"log.level":     "log-level",
		"window.width":  "width",
		"window.height": "height",
	} {
		if err := v.BindPFlag(key, f.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, input string) error {
	if err := config.ReadFile(v, configPath); err != nil {
		return err
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}

	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	opener := newOpener(cfg, input, logger)

	sink, closeSink := newSink(cfg, logger)
	defer closeSink()

	mc := cfg.Media()
	mc.Logger = logger

	if cfg.Headless {
		return runHeadless(ctx, mc, opener, sink, input)
	}
	return runWindow(ctx, cfg, mc, opener, sink, input)
}

// newOpener picks the backend. Every backend delivers audio in the format
// the sink was opened with.
func newOpener(cfg config.Config, input string, logger *slog.Logger) media.Opener {
	backend := cfg.Backend
	if backend == "auto" {
		backend = "ffmpeg"
		if strings.HasPrefix(input, testsrc.Scheme+":") {
			backend = "testsrc"
		}
	}

	if backend == "testsrc" {
		return func(input string) (media.Source, error) {
			o, err := testsrc.ParseInput(input)
			if err != nil {
				return nil, err
			}
			o.SampleRate = cfg.Audio.SampleRate
			o.Channels = cfg.Audio.Channels
			return testsrc.New(o)
		}
	}

	return decoder.NewOpener(decoder.Options{
		SampleRate:   cfg.Audio.SampleRate,
		Channels:     cfg.Audio.Channels,
		FrameSamples: 1024,
		Logger:       logger,
	})
}

func newSink(cfg config.Config, logger *slog.Logger) (media.AudioSink, func()) {
	if !cfg.Audio.Enabled {
		return nil, func() {}
	}

	frameBytes := cfg.Audio.Channels * 4
	wallClock := func() (media.AudioSink, func()) {
		bps := float64(cfg.Audio.SampleRate * frameBytes)
		return audio.NewWallClockSink(bps, 2*cfg.Audio.BufferFrames*frameBytes), func() {}
	}

	if cfg.Headless {
		return wallClock()
	}

	s, err := otoaudio.New(otoaudio.Options{
		SampleRate:   cfg.Audio.SampleRate,
		Channels:     cfg.Audio.Channels,
		BufferFrames: cfg.Audio.BufferFrames,
	})
	if err != nil {
		logger.Warn("audio device unavailable, playing audio silently", "error", err)
		return wallClock()
	}

	return s, func() {
		if err := s.Close(); err != nil {
			logger.Warn("closing audio device failed", "error", err)
		}
	}
}

func closeSession(s *media.Session, logger *slog.Logger) {
	st := s.Stats()
	if err := s.Close(); err != nil {
		logger.Error("closing session failed", "error", err)
	}
	logger.Info("playback stats",
		"decoded", st.FramesDecoded,
		"shown", st.FramesShown,
		"dropped", st.FramesDropped,
		"decode_errors", st.DecodeErrors,
		"audio_corrections", st.AudioCorrections,
	)
}

func runHeadless(ctx context.Context, mc media.Config, opener media.Opener, sink media.AudioSink, input string) error {
	s := media.NewSession(opener, sink, mc)
	if err := s.Open(input); err != nil {
		return err
	}
	defer closeSession(s, mc.Logger)

	if err := s.Start(); err != nil {
		return err
	}

	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		s.Update()

		for {
			e, ok := s.Events().Poll()
			if !ok {
				break
			}
			if e.Kind == media.EventFinished {
				return nil
			}
		}
	}
}

func runWindow(ctx context.Context, cfg config.Config, mc media.Config, opener media.Opener, sink media.AudioSink, input string) error {
	a := app.NewWithID("io.github.goldenfealla.videosync")
	w := a.NewWindow("Video player")

	frame := widget.NewVideoFrame()
	mc.Allocator = frame.Allocator()

	s := media.NewSession(opener, sink, mc)
	frame.Attach(s)

	if err := s.Open(input); err != nil {
		return err
	}
	defer closeSession(s, mc.Logger)

	w.SetTitle(fmt.Sprintf("Video player - %s", input))
	w.SetContent(frame)
	w.Resize(fyne.NewSize(float32(cfg.Window.Width), float32(cfg.Window.Height)))
	w.Canvas().SetOnTypedKey(func(ev *fyne.KeyEvent) {
		if err := handleKey(s, ev.Name); err != nil {
			if errors.Is(err, errQuit) {
				a.Quit()
				return
			}
			mc.Logger.Warn("key action failed", "key", ev.Name, "error", err)
		}
	})

	if err := s.Start(); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pumpInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				fyne.Do(a.Quit)
				return
			case <-ticker.C:
			}

			fyne.Do(func() {
				frame.SetScale(w.Canvas().Scale())
				frame.Pull()

				for {
					e, ok := s.Events().Poll()
					if !ok {
						return
					}
					if e.Kind == media.EventFinished {
						mc.Logger.Info("end of playback, press Home to restart or Q to quit")
					}
				}
			})
		}
	}()

	w.ShowAndRun()
	return nil
}

var errQuit = errors.New("quit requested")

func handleKey(s *media.Session, key fyne.KeyName) error {
	switch key {
	case fyne.KeySpace:
		return s.SetPlaying(s.State() == media.StatePaused)
	case fyne.KeyLeft:
		return s.Seek(max(s.Position()-seekStep, 0))
	case fyne.KeyRight:
		target := s.Position() + seekStep
		if d := s.Duration(); d > 0 && target > d {
			return nil
		}
		return s.Seek(target)
	case fyne.KeyHome:
		return s.Seek(0)
	case fyne.KeyQ, fyne.KeyEscape:
		return errQuit
	}
	return nil
}
