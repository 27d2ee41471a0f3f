// Package testsrc is a synthetic media backend: a moving test pattern and a
// sine tone, packetized like a real demuxer so the playback core can be
// exercised without codecs. Inputs look like
//
//	testsrc:?duration=2&fps=30&rate=44100&width=320&height=240
package testsrc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/GoldenFealla/VideoSyncGo/internal/media"
)

const Scheme = "testsrc"

var ErrCorruptPacket = errors.New("testsrc: corrupt packet")

const (
	corruptMarker = 0xff
	headerSize    = 12
)

type Options struct {
	Duration   float64
	FPS        float64
	Width      int
	Height     int
	SampleRate int
	Channels   int
	Tone       float64
	NoVideo    bool
	NoAudio    bool

	// AudioPacketSamples is the number of sample frames per audio packet.
	AudioPacketSamples int
	// VideoPacketSize and AudioPacketSize pad packets to a realistic size.
	VideoPacketSize int
	AudioPacketSize int

	// DecodeDelay is slept inside every video decode call.
	DecodeDelay time.Duration
	// CorruptEvery makes every n-th video packet fail to decode.
	CorruptEvery int
	// NoSeek makes Seek fail for any target but 0.
	NoSeek bool
}

func DefaultOptions() Options {
	return Options{
		Duration:           2,
		FPS:                30,
		Width:              320,
		Height:             240,
		SampleRate:         44100,
		Channels:           2,
		Tone:               440,
		AudioPacketSamples: 1024,
		VideoPacketSize:    4096,
		AudioPacketSize:    512,
	}
}

// ParseInput reads Options from a testsrc: input string.
func ParseInput(input string) (Options, error) {
	o := DefaultOptions()

	u, err := url.Parse(input)
	if err != nil {
		return o, fmt.Errorf("testsrc: parsing input failed: %w", err)
	}
	if u.Scheme != Scheme {
		return o, fmt.Errorf("testsrc: unsupported scheme %q", u.Scheme)
	}

	q := u.Query()
	for k := range q {
		v := q.Get(k)
		switch strings.ToLower(k) {
		case "duration":
			o.Duration, err = strconv.ParseFloat(v, 64)
		case "fps":
			o.FPS, err = strconv.ParseFloat(v, 64)
		case "width":
			o.Width, err = strconv.Atoi(v)
		case "height":
			o.Height, err = strconv.Atoi(v)
		case "rate":
			o.SampleRate, err = strconv.Atoi(v)
		case "channels":
			o.Channels, err = strconv.Atoi(v)
		case "tone":
			o.Tone, err = strconv.ParseFloat(v, 64)
		case "video":
			var b bool
			b, err = strconv.ParseBool(v)
			o.NoVideo = !b
		case "audio":
			var b bool
			b, err = strconv.ParseBool(v)
			o.NoAudio = !b
		case "delay":
			o.DecodeDelay, err = time.ParseDuration(v)
		case "corrupt":
			o.CorruptEvery, err = strconv.Atoi(v)
		default:
			err = fmt.Errorf("unknown option")
		}
		if err != nil {
			return o, fmt.Errorf("testsrc: parsing option %q failed: %w", k, err)
		}
	}

	return o, nil
}

// Open is a media.Opener for testsrc: inputs.
func Open(input string) (media.Source, error) {
	o, err := ParseInput(input)
	if err != nil {
		return nil, err
	}
	return New(o)
}

type Source struct {
	opts Options

	mutex       sync.Mutex
	nextFrame   int
	nextSample  int
	frames      int
	samples     int
	videoStream *VideoStream
	audioStream *AudioStream
	closed      bool
}

func New(o Options) (*Source, error) {
	if o.Duration <= 0 {
		return nil, fmt.Errorf("testsrc: invalid duration %v", o.Duration)
	}
	if o.NoVideo && o.NoAudio {
		return nil, fmt.Errorf("testsrc: no stream enabled: %w", media.ErrNoStreams)
	}

	d := DefaultOptions()
	if o.AudioPacketSamples <= 0 {
		o.AudioPacketSamples = d.AudioPacketSamples
	}
	if o.VideoPacketSize < headerSize {
		o.VideoPacketSize = headerSize
	}
	if o.AudioPacketSize < headerSize {
		o.AudioPacketSize = headerSize
	}

	s := &Source{opts: o}

	if !o.NoVideo {
		if o.FPS <= 0 || o.Width <= 0 || o.Height <= 0 {
			return nil, fmt.Errorf("testsrc: invalid video options %vfps %dx%d", o.FPS, o.Width, o.Height)
		}
		s.frames = int(math.Floor(o.Duration*o.FPS + 1e-9))
		s.videoStream = &VideoStream{opts: o}
	}
	if !o.NoAudio {
		if o.SampleRate <= 0 || o.Channels <= 0 {
			return nil, fmt.Errorf("testsrc: invalid audio options %dHz %dch", o.SampleRate, o.Channels)
		}
		s.samples = int(math.Round(o.Duration * float64(o.SampleRate)))
		s.audioStream = &AudioStream{opts: o}
	}

	return s, nil
}

func (s *Source) Video() media.VideoStream {
	if s.videoStream == nil {
		return nil
	}
	return s.videoStream
}

func (s *Source) Audio() media.AudioStream {
	if s.audioStream == nil {
		return nil
	}
	return s.audioStream
}

func (s *Source) Duration() float64 {
	return s.opts.Duration
}

func (s *Source) ReadPacket() (media.Packet, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return media.Packet{}, io.ErrClosedPipe
	}

	videoLeft := s.nextFrame < s.frames
	audioLeft := s.nextSample < s.samples
	if !videoLeft && !audioLeft {
		return media.Packet{}, io.EOF
	}

	var vpts, apts float64 = math.Inf(1), math.Inf(1)
	if videoLeft {
		vpts = float64(s.nextFrame) / s.opts.FPS
	}
	if audioLeft {
		apts = float64(s.nextSample) / float64(s.opts.SampleRate)
	}

	if vpts <= apts {
		i := s.nextFrame
		s.nextFrame++

		data := make([]byte, s.opts.VideoPacketSize)
		binary.BigEndian.PutUint64(data[4:], uint64(i))
		if s.opts.CorruptEvery > 0 && (i+1)%s.opts.CorruptEvery == 0 {
			data[0] = corruptMarker
		}

		return media.Packet{
			Stream:   media.StreamVideo,
			Data:     data,
			PTS:      vpts,
			Duration: 1 / s.opts.FPS,
			RawPTS:   int64(i),
			RawDTS:   int64(i),
		}, nil
	}

	start := s.nextSample
	n := min(s.opts.AudioPacketSamples, s.samples-start)
	s.nextSample += n

	data := make([]byte, s.opts.AudioPacketSize)
	binary.BigEndian.PutUint32(data[0:], uint32(n))
	binary.BigEndian.PutUint64(data[4:], uint64(start))

	return media.Packet{
		Stream:   media.StreamAudio,
		Data:     data,
		PTS:      apts,
		Duration: float64(n) / float64(s.opts.SampleRate),
		RawPTS:   int64(start),
		RawDTS:   int64(start),
	}, nil
}

func (s *Source) Seek(seconds float64) error {
	if s.opts.NoSeek && seconds != 0 {
		return fmt.Errorf("testsrc: seeking to %v failed: %w", seconds, media.ErrSeekUnsupported)
	}
	if seconds < 0 || seconds > s.opts.Duration {
		return fmt.Errorf("testsrc: seeking to %v failed: %w", seconds, media.ErrSeekUnsupported)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.frames > 0 {
		s.nextFrame = min(int(math.Ceil(seconds*s.opts.FPS-1e-9)), s.frames)
	}
	if s.samples > 0 {
		s.nextSample = min(int(math.Round(seconds*float64(s.opts.SampleRate))), s.samples)
	}
	return nil
}

func (s *Source) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.closed = true
	return nil
}

// VideoStream renders a vertical bar that moves one column per frame over a
// background whose shade encodes the frame index.
type VideoStream struct {
	opts    Options
	img     *image.RGBA
	flushes int
	mutex   sync.Mutex
}

func (vs *VideoStream) Info() media.VideoInfo {
	return media.VideoInfo{
		Width:     vs.opts.Width,
		Height:    vs.opts.Height,
		FrameRate: vs.opts.FPS,
	}
}

func (vs *VideoStream) Decode(pkt media.Packet, fn func(media.VideoFrame)) error {
	if pkt.IsEOS() {
		return nil
	}

	if vs.opts.DecodeDelay > 0 {
		time.Sleep(vs.opts.DecodeDelay)
	}

	if len(pkt.Data) < headerSize {
		return fmt.Errorf("testsrc: video packet of %d bytes: %w", len(pkt.Data), ErrCorruptPacket)
	}
	if pkt.Data[0] == corruptMarker {
		return fmt.Errorf("testsrc: video packet at %v: %w", pkt.PTS, ErrCorruptPacket)
	}

	i := int(binary.BigEndian.Uint64(pkt.Data[4:]))

	if vs.img == nil {
		vs.img = image.NewRGBA(image.Rect(0, 0, vs.opts.Width, vs.opts.Height))
	}
	vs.render(i)

	fn(media.VideoFrame{
		PTS:   pkt.PTS,
		Image: vs.img,
	})
	return nil
}

func (vs *VideoStream) render(i int) {
	w, h := vs.opts.Width, vs.opts.Height
	bg := color.RGBA{R: uint8(i), G: uint8(i >> 8), B: 0x40, A: 0xff}
	bar := i % w

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := bg
			if x == bar {
				c = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
			}
			vs.img.SetRGBA(x, y, c)
		}
	}
}

func (vs *VideoStream) Flush() {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	vs.flushes++
}

// Flushes reports how many times the codec state was reset.
func (vs *VideoStream) Flushes() int {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	return vs.flushes
}

// FrameIndex recovers the frame index render encoded in img.
func FrameIndex(img *image.RGBA) int {
	c := img.RGBAAt(img.Rect.Max.X-1, img.Rect.Max.Y-1)
	if c.B != 0x40 {
		c = img.RGBAAt(img.Rect.Min.X, img.Rect.Min.Y)
	}
	return int(c.R) | int(c.G)<<8
}

// AudioStream synthesizes interleaved float32 little endian samples.
type AudioStream struct {
	opts Options
}

func (as *AudioStream) Info() media.AudioInfo {
	return media.AudioInfo{
		SampleRate:    as.opts.SampleRate,
		Channels:      as.opts.Channels,
		BytesPerFrame: as.opts.Channels * 4,
	}
}

func (as *AudioStream) Decode(pkt media.Packet, fn func(media.AudioChunk)) error {
	if pkt.IsEOS() {
		return nil
	}
	if len(pkt.Data) < headerSize {
		return fmt.Errorf("testsrc: audio packet of %d bytes: %w", len(pkt.Data), ErrCorruptPacket)
	}

	n := int(binary.BigEndian.Uint32(pkt.Data[0:]))
	start := int(binary.BigEndian.Uint64(pkt.Data[4:]))

	ch := as.opts.Channels
	data := make([]byte, n*ch*4)
	for i := 0; i < n; i++ {
		t := float64(start+i) / float64(as.opts.SampleRate)
		v := math.Float32bits(float32(0.2 * math.Sin(2*math.Pi*as.opts.Tone*t)))
		for c := 0; c < ch; c++ {
			binary.LittleEndian.PutUint32(data[(i*ch+c)*4:], v)
		}
	}

	fn(media.AudioChunk{
		PTS:     pkt.PTS,
		Data:    data,
		Samples: n,
	})
	return nil
}

func (as *AudioStream) Flush() {}
