package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type State int

const (
	StateClosed State = iota
	StateOpened
	StateStarted
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateOpened:
		return "opened"
	case StateStarted:
		return "started"
	case StatePaused:
		return "paused"
	}
	return "closed"
}

type Config struct {
	Master MasterSource
	Loop   bool

	// MaxQueueBytes bounds each packet queue and, combined, the demux read-ahead.
	MaxQueueBytes int
	PictureSlots  int

	MinSyncThreshold float64
	// MaxCatchUp bounds how many late pictures are skipped in a row.
	MaxCatchUp int
	Resync     ResyncConfig

	// WaitGranularity is the polling step of the demux throttle and drain waits.
	WaitGranularity time.Duration
	ShutdownTimeout time.Duration

	Allocator Allocator
	Logger    *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		Master:           ExternalMaster,
		MaxQueueBytes:    5*256*1024 + 5*16*1024,
		PictureSlots:     3,
		MinSyncThreshold: 0.01,
		MaxCatchUp:       8,
		Resync:           DefaultResyncConfig(),
		WaitGranularity:  10 * time.Millisecond,
		ShutdownTimeout:  2 * time.Second,
		Allocator:        DefaultAllocator,
	}
}

func (c *Config) withDefaults() {
	d := DefaultConfig()
	if c.MaxQueueBytes <= 0 {
		c.MaxQueueBytes = d.MaxQueueBytes
	}
	if c.PictureSlots <= 0 {
		c.PictureSlots = d.PictureSlots
	}
	if c.MinSyncThreshold <= 0 {
		c.MinSyncThreshold = d.MinSyncThreshold
	}
	if c.MaxCatchUp <= 0 {
		c.MaxCatchUp = d.MaxCatchUp
	}
	if c.Resync == (ResyncConfig{}) {
		c.Resync = d.Resync
	}
	if c.WaitGranularity <= 0 {
		c.WaitGranularity = d.WaitGranularity
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.Allocator == nil {
		c.Allocator = d.Allocator
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type thread struct {
	name string
	done chan struct{}
}

// Session is the playback state machine a host drives: Open, Start,
// SetPlaying, Seek, Update and Close. Update and Frame belong to the host
// thread; the other methods may be called from any goroutine.
type Session struct {
	cfg    Config
	opener Opener
	sink   AudioSink
	log    *slog.Logger
	epoch  time.Time

	mutex  sync.Mutex
	state  State
	closer *astikit.Closer

	// srcMutex serializes source reads with seeks.
	srcMutex sync.Mutex

	src   Source
	video VideoStream
	audio AudioStream

	videoq   *PacketQueue
	audioq   *PacketQueue
	pictures *FrameQueue
	clock    *Clock
	events   *EventQueue

	serial     atomic.Int64
	seekCh     chan Event
	wake       signal
	playing    *gate
	firstFrame sync.Once

	cancel  context.CancelFunc
	group   *errgroup.Group
	threads []thread

	endMutex sync.Mutex
	ended    map[StreamKind]bool
	finished bool

	current Frame
	stats   counters
}

// NewSession creates a closed session. sink may be nil, in which case audio
// streams are ignored.
func NewSession(opener Opener, sink AudioSink, cfg Config) *Session {
	cfg.withDefaults()

	return &Session{
		cfg:    cfg,
		opener: opener,
		sink:   sink,
		log:    cfg.Logger.With("component", "session", "session", uuid.NewString()),
		epoch:  time.Now(),
		events: NewEventQueue(),
	}
}

func (s *Session) now() float64 {
	return time.Since(s.epoch).Seconds()
}

func (s *Session) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// Events is the queue FrameShow and Finished are emitted on.
func (s *Session) Events() *EventQueue {
	return s.events
}

// Open probes input and prepares the queues. On failure the session stays
// closed and nothing is retained.
func (s *Session) Open(input string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state != StateClosed {
		return fmt.Errorf("session: opening %q failed: %w", input, ErrInvalidState)
	}

	src, err := s.opener(input)
	if err != nil {
		return fmt.Errorf("session: opening %q failed: %w", input, err)
	}

	video := src.Video()
	audio := src.Audio()
	if audio != nil && s.sink == nil {
		s.log.Info("no audio sink, ignoring audio stream")
		audio = nil
	}
	if video == nil && audio == nil {
		src.Close()
		return fmt.Errorf("session: opening %q failed: %w", input, ErrNoStreams)
	}

	s.closer = astikit.NewCloser()
	s.closer.Add(func() {
		if err := src.Close(); err != nil {
			s.log.Warn("closing source failed", "error", err)
		}
	})

	s.src, s.video, s.audio = src, video, audio
	s.videoq = NewPacketQueue(s.cfg.MaxQueueBytes)
	s.audioq = NewPacketQueue(s.cfg.MaxQueueBytes)
	s.pictures = NewFrameQueue(s.cfg.PictureSlots)
	s.seekCh = make(chan Event, 1)
	s.wake = newSignal()
	s.playing = newGate(true)
	s.firstFrame = sync.Once{}
	s.serial.Store(0)
	s.ended = make(map[StreamKind]bool)
	s.finished = false
	s.current = Frame{}

	master := s.cfg.Master
	if master == AudioMaster && audio == nil || master == VideoMaster && video == nil {
		s.log.Info("master source unavailable, using external clock", "master", master)
		master = ExternalMaster
	}
	s.clock = NewClock(master)
	if audio != nil {
		s.clock.SetAudioOutput(s.sink.Queued, audio.Info().BytesPerSecond())
	}

	s.state = StateOpened
	s.log.Info("opened",
		"input", input,
		"video", video != nil,
		"audio", audio != nil,
		"master", master,
		"duration", src.Duration(),
	)
	return nil
}

// Start spawns the demux goroutine, one decode goroutine per stream and the
// presenter.
func (s *Session) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state != StateOpened {
		return fmt.Errorf("session: starting failed: %w", ErrInvalidState)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	context.AfterFunc(gctx, func() {
		s.videoq.Abort()
		s.audioq.Abort()
		s.pictures.Abort()
	})

	s.cancel = cancel
	s.group = g
	s.threads = nil

	s.spawn(gctx, "demux", s.demuxLoop)
	if s.video != nil {
		s.spawn(gctx, "video", s.videoLoop)
	}
	if s.audio != nil {
		s.spawn(gctx, "audio", s.audioLoop)
	}
	if s.video != nil {
		s.spawn(gctx, "presenter", s.presentLoop)
	}

	s.state = StateStarted
	s.log.Info("started")
	return nil
}

func (s *Session) spawn(ctx context.Context, name string, fn func(context.Context) error) {
	t := thread{name: name, done: make(chan struct{})}
	s.threads = append(s.threads, t)

	s.group.Go(func() error {
		defer close(t.done)
		if err := fn(ctx); err != nil && !errors.Is(err, ErrQuit) && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("session: %s goroutine failed: %w", name, err)
		}
		return nil
	})
}

// SetPlaying pauses or resumes playback without stopping any goroutine.
func (s *Session) SetPlaying(playing bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state != StateStarted && s.state != StatePaused {
		return fmt.Errorf("session: setting playing failed: %w", ErrInvalidState)
	}

	if playing == (s.state == StateStarted) {
		return nil
	}

	s.clock.SetPaused(!playing)
	if s.audio != nil {
		s.sink.SetPaused(!playing)
	}
	s.playing.Set(playing)
	s.wake.notify()

	if playing {
		s.state = StateStarted
	} else {
		s.state = StatePaused
	}
	s.log.Debug("playing changed", "playing", playing)
	return nil
}

// Seek jumps to seconds. The source is moved first; when it refuses the
// target the session is left as it was. Otherwise everything queued for the
// old position is discarded and the clock restarts at seconds.
func (s *Session) Seek(seconds float64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state != StateStarted && s.state != StatePaused {
		return fmt.Errorf("session: seeking failed: %w", ErrInvalidState)
	}

	if math.IsNaN(seconds) || seconds < 0 {
		return fmt.Errorf("session: seeking to %v failed: %w", seconds, ErrSeekUnsupported)
	}
	if d := s.src.Duration(); d > 0 && seconds > d {
		return fmt.Errorf("session: seeking to %v failed: %w", seconds, ErrSeekUnsupported)
	}

	s.srcMutex.Lock()
	if err := s.src.Seek(seconds); err != nil {
		s.srcMutex.Unlock()
		if !errors.Is(err, ErrSeekUnsupported) {
			err = fmt.Errorf("%w: %w", ErrSeekUnsupported, err)
		}
		return fmt.Errorf("session: seeking to %v failed: %w", seconds, err)
	}

	serial := int(s.serial.Add(1))
	s.videoq.Flush(serial)
	s.audioq.Flush(serial)
	s.srcMutex.Unlock()

	s.pictures.Flush(serial)
	if s.audio != nil {
		s.sink.Flush()
	}
	s.clock.Reset(seconds)

	s.endMutex.Lock()
	s.ended = make(map[StreamKind]bool)
	s.finished = false
	s.endMutex.Unlock()

	select {
	case <-s.seekCh:
	default:
	}
	s.seekCh <- Event{Kind: EventSeek, PTS: seconds, Serial: serial}
	s.wake.notify()

	s.log.Debug("seek done", "target", seconds, "serial", serial)
	return nil
}

// Update services pending picture allocations and pulls the next released
// picture into the current frame. It never blocks.
func (s *Session) Update() bool {
	s.mutex.Lock()
	pictures := s.pictures
	current := s.current
	active := s.state == StateStarted || s.state == StatePaused
	s.mutex.Unlock()

	if !active {
		return false
	}

	pictures.Allocate(s.cfg.Allocator)

	f, dropped, ok := pictures.Consume(current)
	if dropped > 0 {
		s.stats.framesDropped.Add(int64(dropped))
	}
	if !ok {
		return false
	}

	s.mutex.Lock()
	s.current = f
	s.mutex.Unlock()
	return true
}

// Frame returns the picture pulled by the last successful Update.
func (s *Session) Frame() Frame {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.current
}

// Position returns the master clock.
func (s *Session) Position() float64 {
	s.mutex.Lock()
	clock := s.clock
	s.mutex.Unlock()

	if clock == nil {
		return 0
	}
	return clock.Master()
}

// Clock exposes the session clock for diagnostics.
func (s *Session) Clock() *Clock {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.clock
}

func (s *Session) Duration() float64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state == StateClosed {
		return 0
	}
	return s.src.Duration()
}

func (s *Session) Stats() Stats {
	st := s.stats.snapshot()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.pictures != nil {
		st.LiveBuffers = s.pictures.Buffers()
	}
	if s.current.Image != nil {
		st.LiveBuffers++
	}
	return st
}

// Close stops every goroutine, joins them in order (demux, decoders,
// presenter) and releases queues and picture buffers. It gives up after the
// configured shutdown timeout and returns ErrShutdownTimeout.
func (s *Session) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state == StateClosed {
		return nil
	}

	var err error
	if s.cancel != nil {
		s.cancel()
		err = s.join()
		s.cancel = nil
	}

	if err != nil && errors.Is(err, ErrShutdownTimeout) {
		// A wedged goroutine may still be inside the decoder: leave the source open.
		s.log.Error("shutdown timed out, leaking source", "error", err)
	} else {
		s.closer.Close()
		s.videoq.Release()
		s.audioq.Release()
		s.pictures.Free()
	}

	s.current = Frame{}
	s.state = StateClosed
	s.log.Info("closed")
	return err
}

func (s *Session) join() error {
	deadline := time.NewTimer(s.cfg.ShutdownTimeout)
	defer deadline.Stop()

	for _, t := range s.threads {
		select {
		case <-t.done:
		case <-deadline.C:
			return fmt.Errorf("session: joining %s goroutine failed: %w", t.name, ErrShutdownTimeout)
		}
	}

	return s.group.Wait()
}

func (s *Session) currentSerial() int {
	return int(s.serial.Load())
}

// streamEnded records that kind reached its end under serial and emits
// Finished once every active stream has ended.
func (s *Session) streamEnded(kind StreamKind, serial int) {
	s.endMutex.Lock()
	defer s.endMutex.Unlock()

	if serial != s.currentSerial() || s.ended[kind] {
		return
	}
	s.ended[kind] = true

	if s.video != nil && !s.ended[StreamVideo] || s.audio != nil && !s.ended[StreamAudio] {
		return
	}
	if s.finished {
		return
	}

	s.finished = true
	s.events.Add(Event{Kind: EventFinished, Serial: serial})
	s.log.Info("finished")
}
