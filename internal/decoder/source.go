// Package decoder is the FFmpeg backed media.Source.
package decoder

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/GoldenFealla/VideoSyncGo/internal/media"
	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
)

// avTimeBase is the unit of format level timestamps (AV_TIME_BASE).
const avTimeBase = 1000000

// Options controls the audio output format every audio stream is resampled to.
type Options struct {
	SampleRate   int
	Channels     int
	FrameSamples int

	// Logger receives errors the media.Source interface cannot return.
	Logger *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		SampleRate:   44100,
		Channels:     2,
		FrameSamples: 1024,
	}
}

// NewOpener returns a media.Opener decoding inputs with FFmpeg.
func NewOpener(o Options) media.Opener {
	return func(input string) (media.Source, error) {
		return Open(input, o)
	}
}

type Source struct {
	closer *astikit.Closer

	iformat *astiav.FormatContext
	pkt     *astiav.Packet

	videoStream *VideoStream
	audioStream *AudioStream
}

func Open(input string, o Options) (*Source, error) {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	log := o.Logger.With("component", "decoder")

	s := &Source{
		closer: astikit.NewCloser(),
	}

	if s.iformat = astiav.AllocFormatContext(); s.iformat == nil {
		return nil, ErrInputContextNil
	}
	s.closer.Add(s.iformat.Free)

	if err := s.iformat.OpenInput(input, nil, nil); err != nil {
		s.closer.Close()
		return nil, fmt.Errorf("format context: opening input failed: %w", err)
	}
	s.closer.Add(s.iformat.CloseInput)

	if err := s.iformat.FindStreamInfo(nil); err != nil {
		s.closer.Close()
		return nil, fmt.Errorf("format context: finding stream info failed: %w", err)
	}

	s.pkt = astiav.AllocPacket()
	s.closer.Add(s.pkt.Free)

	vst := NewVideoStream()
	vst.log = log.With("stream", "video")
	s.closer.Add(vst.Close)
	if err := vst.LoadInputContext(s.iformat); err == nil {
		s.videoStream = vst
	} else if !errors.Is(err, ErrNoVideo) {
		s.closer.Close()
		return nil, fmt.Errorf("loading video stream failed: %w", err)
	}

	ast, err := NewAudioStream(o)
	if err != nil {
		s.closer.Close()
		return nil, err
	}
	ast.log = log.With("stream", "audio")
	s.closer.Add(ast.Close)
	if err := ast.LoadInputContext(s.iformat); err == nil {
		s.audioStream = ast
	} else if !errors.Is(err, ErrNoAudio) {
		s.closer.Close()
		return nil, fmt.Errorf("loading audio stream failed: %w", err)
	}

	if s.videoStream == nil && s.audioStream == nil {
		s.closer.Close()
		return nil, fmt.Errorf("decoder: %q: %w", input, media.ErrNoStreams)
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
	d := s.iformat.Duration()
	if d <= 0 {
		return 0
	}
	return float64(d) / avTimeBase
}

func (s *Source) ReadPacket() (media.Packet, error) {
	for {
		if err := s.iformat.ReadFrame(s.pkt); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				return media.Packet{}, io.EOF
			}
			return media.Packet{}, fmt.Errorf("decoding: reading packet failed: %w", err)
		}

		pkt, ok := s.convert(s.pkt)
		s.pkt.Unref()
		if ok {
			return pkt, nil
		}
	}
}

func (s *Source) convert(p *astiav.Packet) (media.Packet, bool) {
	var (
		kind     media.StreamKind
		timebase float64
	)

	switch {
	case s.videoStream != nil && p.StreamIndex() == s.videoStream.Index():
		kind, timebase = media.StreamVideo, s.videoStream.Timebase()
	case s.audioStream != nil && p.StreamIndex() == s.audioStream.Index():
		kind, timebase = media.StreamAudio, s.audioStream.Timebase()
	default:
		return media.Packet{}, false
	}

	pkt := media.Packet{
		Stream: kind,
		Data:   p.Data(),
		PTS:    media.NoPTS,
		RawPTS: p.Pts(),
		RawDTS: p.Dts(),
	}

	switch {
	case p.Pts() != astiav.NoPtsValue:
		pkt.PTS = float64(p.Pts()) * timebase
	case p.Dts() != astiav.NoPtsValue:
		pkt.PTS = float64(p.Dts()) * timebase
	}
	if d := p.Duration(); d > 0 {
		pkt.Duration = float64(d) * timebase
	}

	return pkt, true
}

// Seek moves to the keyframe at or before seconds.
func (s *Source) Seek(seconds float64) error {
	ts := int64(seconds * avTimeBase)
	if start := s.iformat.StartTime(); start != astiav.NoPtsValue {
		ts += start
	}

	if err := s.iformat.SeekFrame(-1, ts, astiav.NewSeekFlags(astiav.SeekFlagBackward)); err != nil {
		return fmt.Errorf("decoding: seeking to %v failed: %w", seconds, err)
	}
	return nil
}

func (s *Source) Close() error {
	return s.closer.Close()
}

// openCodec opens a decoder for the first stream of type t.
func openCodec(i *astiav.FormatContext, t astiav.MediaType) (*astiav.Stream, *astiav.CodecContext, error) {
	for _, is := range i.Streams() {
		if is.CodecParameters().MediaType() != t {
			continue
		}

		cc, err := newCodecContext(is)
		if err != nil {
			return nil, nil, err
		}
		return is, cc, nil
	}

	return nil, nil, nil
}

func newCodecContext(is *astiav.Stream) (*astiav.CodecContext, error) {
	codec := astiav.FindDecoder(is.CodecParameters().CodecID())
	if codec == nil {
		return nil, errors.New("finding codec: codec is nil")
	}

	cc := astiav.AllocCodecContext(codec)
	if cc == nil {
		return nil, errors.New("finding codec: codec context is nil")
	}

	if err := is.CodecParameters().ToCodecContext(cc); err != nil {
		cc.Free()
		return nil, fmt.Errorf("finding codec: updating codec context failed: %w", err)
	}

	if err := cc.Open(codec, nil); err != nil {
		cc.Free()
		return nil, fmt.Errorf("finding codec: opening codec context failed: %w", err)
	}

	return cc, nil
}

// sendPacket rebuilds the FFmpeg packet carried by pkt and feeds it to cc. An
// end-of-stream packet puts the decoder in draining mode.
func sendPacket(cc *astiav.CodecContext, dst *astiav.Packet, pkt media.Packet) error {
	if pkt.IsEOS() {
		if err := cc.SendPacket(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
			return fmt.Errorf("sending flush packet failed: %w", err)
		}
		return nil
	}

	if err := dst.FromData(pkt.Data); err != nil {
		return fmt.Errorf("building packet failed: %w", err)
	}
	defer dst.Unref()

	dst.SetPts(pkt.RawPTS)
	dst.SetDts(pkt.RawDTS)

	if err := cc.SendPacket(dst); err != nil {
		return fmt.Errorf("sending packet failed: %w", err)
	}
	return nil
}

func framePTS(f *astiav.Frame, timebase float64) float64 {
	if f.Pts() == astiav.NoPtsValue {
		return media.NoPTS
	}
	return float64(f.Pts()) * timebase
}
