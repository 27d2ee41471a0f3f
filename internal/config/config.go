// Package config loads player settings from defaults, AVSYNC_* environment
// variables and an optional yaml file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/GoldenFealla/VideoSyncGo/internal/media"
	"github.com/spf13/viper"
)

const EnvPrefix = "AVSYNC"

type Config struct {
	Backend  string
	Master   string
	Loop     bool
	Headless bool

	Audio    AudioConfig
	Queue    QueueConfig
	Sync     SyncConfig
	Shutdown time.Duration
	LogLevel string
	Window   WindowConfig
}

type AudioConfig struct {
	Enabled      bool
	SampleRate   int
	Channels     int
	BufferFrames int
}

type QueueConfig struct {
	MaxBytes     int
	PictureSlots int
}

type SyncConfig struct {
	MinThreshold         float64
	NoSyncThreshold      float64
	DiffAvgNB            int
	MaxCorrectionPercent int
	MaxCatchUp           int
	WaitGranularity      time.Duration
}

type WindowConfig struct {
	Width  int
	Height int
}

// New returns a viper instance carrying the defaults and env bindings.
func New() *viper.Viper {
	v := viper.New()

	d := media.DefaultConfig()

	v.SetDefault("backend", "auto")
	v.SetDefault("master", "external")
	v.SetDefault("loop", false)
	v.SetDefault("headless", false)

	v.SetDefault("audio.enabled", true)
	v.SetDefault("audio.sample_rate", 44100)
	v.SetDefault("audio.channels", 2)
	v.SetDefault("audio.buffer_frames", 2048)

	v.SetDefault("queue.max_bytes", d.MaxQueueBytes)
	v.SetDefault("queue.picture_slots", d.PictureSlots)

	v.SetDefault("sync.min_threshold", d.MinSyncThreshold)
	v.SetDefault("sync.nosync_threshold", d.Resync.NoSyncThreshold)
	v.SetDefault("sync.diff_avg_nb", d.Resync.AvgWindow)
	v.SetDefault("sync.max_correction_percent", d.Resync.MaxCorrectionPercent)
	v.SetDefault("sync.max_catch_up", d.MaxCatchUp)
	v.SetDefault("sync.wait_granularity", d.WaitGranularity)

	v.SetDefault("shutdown.timeout", d.ShutdownTimeout)
	v.SetDefault("log.level", "info")

	v.SetDefault("window.width", 800)
	v.SetDefault("window.height", 450)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// ReadFile merges path into v. An empty path looks for avsync.yaml in the
// working directory and $HOME/.config/avsync, and is not an error if absent.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("avsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(os.ExpandEnv("$HOME/.config/avsync"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("config: reading config file failed: %w", err)
	}
	return nil
}

// Load reads defaults, environment and the optional file at path.
func Load(path string) (Config, error) {
	v := New()
	if err := ReadFile(v, path); err != nil {
		return Config{}, err
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (Config, error) {
	c := Config{
		Backend:  strings.ToLower(v.GetString("backend")),
		Master:   strings.ToLower(v.GetString("master")),
		Loop:     v.GetBool("loop"),
		Headless: v.GetBool("headless"),
		Audio: AudioConfig{
			Enabled:      v.GetBool("audio.enabled"),
			SampleRate:   v.GetInt("audio.sample_rate"),
			Channels:     v.GetInt("audio.channels"),
			BufferFrames: v.GetInt("audio.buffer_frames"),
		},
		Queue: QueueConfig{
			MaxBytes:     v.GetInt("queue.max_bytes"),
			PictureSlots: v.GetInt("queue.picture_slots"),
		},
		Sync: SyncConfig{
			MinThreshold:         v.GetFloat64("sync.min_threshold"),
			NoSyncThreshold:      v.GetFloat64("sync.nosync_threshold"),
			DiffAvgNB:            v.GetInt("sync.diff_avg_nb"),
			MaxCorrectionPercent: v.GetInt("sync.max_correction_percent"),
			MaxCatchUp:           v.GetInt("sync.max_catch_up"),
			WaitGranularity:      v.GetDuration("sync.wait_granularity"),
		},
		Shutdown: v.GetDuration("shutdown.timeout"),
		LogLevel: v.GetString("log.level"),
		Window: WindowConfig{
			Width:  v.GetInt("window.width"),
			Height: v.GetInt("window.height"),
		},
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	switch c.Backend {
	case "auto", "ffmpeg", "testsrc":
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}

	if _, err := media.ParseMasterSource(c.Master); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if c.Audio.SampleRate <= 0 || c.Audio.Channels <= 0 || c.Audio.Channels > 2 {
		return fmt.Errorf("config: unsupported audio format %dHz %dch", c.Audio.SampleRate, c.Audio.Channels)
	}
	if c.Queue.PictureSlots < 1 {
		return fmt.Errorf("config: queue.picture_slots must be positive, got %d", c.Queue.PictureSlots)
	}
	if c.Sync.MaxCorrectionPercent < 0 || c.Sync.MaxCorrectionPercent >= 100 {
		return fmt.Errorf("config: sync.max_correction_percent out of range: %d", c.Sync.MaxCorrectionPercent)
	}

	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("config: invalid log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// Media builds the session configuration. The resync threshold is the
// duration of one output device buffer.
func (c Config) Media() media.Config {
	master, _ := media.ParseMasterSource(c.Master)

	m := media.DefaultConfig()
	m.Master = master
	m.Loop = c.Loop
	m.MaxQueueBytes = c.Queue.MaxBytes
	m.PictureSlots = c.Queue.PictureSlots
	m.MinSyncThreshold = c.Sync.MinThreshold
	m.MaxCatchUp = c.Sync.MaxCatchUp
	m.WaitGranularity = c.Sync.WaitGranularity
	m.ShutdownTimeout = c.Shutdown
	m.Resync = media.ResyncConfig{
		NoSyncThreshold:      c.Sync.NoSyncThreshold,
		AvgWindow:            c.Sync.DiffAvgNB,
		Threshold:            float64(c.Audio.BufferFrames) / float64(c.Audio.SampleRate),
		MaxCorrectionPercent: c.Sync.MaxCorrectionPercent,
	}
	return m
}
