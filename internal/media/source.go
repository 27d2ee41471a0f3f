package media

import (
	"context"
	"image"
	"math"
)

type StreamKind int

const (
	StreamVideo StreamKind = iota
	StreamAudio
)

func (k StreamKind) String() string {
	switch k {
	case StreamVideo:
		return "video"
	case StreamAudio:
		return "audio"
	}
	return "unknown"
}

// NoPTS marks a unit without a presentation timestamp.
var NoPTS = math.NaN()

type packetKind int

const (
	packetData packetKind = iota
	packetFlush
	packetEOS
)

// Packet is one compressed unit read from a Source. PTS and Duration are in
// seconds, RawPTS/RawDTS keep the container timestamps for backends that need
// to hand the unit back to their codec.
type Packet struct {
	Stream   StreamKind
	Data     []byte
	PTS      float64
	Duration float64
	RawPTS   int64
	RawDTS   int64

	serial int
	kind   packetKind
}

func (p Packet) HasPTS() bool {
	return !math.IsNaN(p.PTS)
}

func (p Packet) IsFlush() bool {
	return p.kind == packetFlush
}

func (p Packet) IsEOS() bool {
	return p.kind == packetEOS
}

func (p Packet) Serial() int {
	return p.serial
}

func (p Packet) size() int {
	return len(p.Data)
}

// VideoFrame is a decoded picture handed out by a VideoStream.
type VideoFrame struct {
	PTS   float64
	Image image.Image
}

// AudioChunk is decoded, interleaved PCM in the sink's output format.
type AudioChunk struct {
	PTS     float64
	Data    []byte
	Samples int
}

type VideoInfo struct {
	Width     int
	Height    int
	FrameRate float64
}

type AudioInfo struct {
	SampleRate    int
	Channels      int
	BytesPerFrame int
}

func (ai AudioInfo) BytesPerSecond() float64 {
	return float64(ai.SampleRate * ai.BytesPerFrame)
}

// VideoStream decodes compressed video units. Decode may call fn zero or more
// times; a packet flagged EOS asks the codec to drain.
type VideoStream interface {
	Info() VideoInfo
	Decode(pkt Packet, fn func(VideoFrame)) error
	Flush()
}

// AudioStream decodes compressed audio units into the sink's PCM format. A
// packet flagged EOS asks the codec to drain.
type AudioStream interface {
	Info() AudioInfo
	Decode(pkt Packet, fn func(AudioChunk)) error
	Flush()
}

// Source is a probed input. ReadPacket returns io.EOF at the end of input.
type Source interface {
	Video() VideoStream
	Audio() AudioStream
	ReadPacket() (Packet, error)
	Seek(seconds float64) error
	Duration() float64
	Close() error
}

// Opener probes input and returns a Source with at least one stream.
type Opener func(input string) (Source, error)

// AudioSink plays PCM. Push blocks while the device buffer is full. Queued
// reports bytes handed over but not yet played.
type AudioSink interface {
	Push(ctx context.Context, b []byte) error
	Queued() int
	SetPaused(paused bool)
	Flush()
}
