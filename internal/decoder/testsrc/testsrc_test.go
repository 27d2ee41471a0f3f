package testsrc

import (
	"errors"
	"image"
	"io"
	"testing"
	"time"

	"github.com/GoldenFealla/VideoSyncGo/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallOptions() Options {
	o := DefaultOptions()
	o.Duration = 1
	o.FPS = 10
	o.Width = 16
	o.Height = 8
	o.SampleRate = 1000
	o.Channels = 2
	o.AudioPacketSamples = 250
	return o
}

func readAll(t *testing.T, s *Source) []media.Packet {
	t.Helper()

	var pkts []media.Packet
	for {
		pkt, err := s.ReadPacket()
		if errors.Is(err, io.EOF) {
			return pkts
		}
		require.NoError(t, err)
		pkts = append(pkts, pkt)
	}
}

func TestParseInput(t *testing.T) {
	o, err := ParseInput("testsrc:?duration=5&fps=25&width=64&height=48&rate=48000&channels=1&audio=false&delay=10ms&corrupt=7")
	require.NoError(t, err)

	assert.Equal(t, 5.0, o.Duration)
	assert.Equal(t, 25.0, o.FPS)
	assert.Equal(t, 64, o.Width)
	assert.Equal(t, 48, o.Height)
	assert.Equal(t, 48000, o.SampleRate)
	assert.Equal(t, 1, o.Channels)
	assert.True(t, o.NoAudio)
	assert.False(t, o.NoVideo)
	assert.Equal(t, 10*time.Millisecond, o.DecodeDelay)
	assert.Equal(t, 7, o.CorruptEvery)
}

func TestParseInputErrors(t *testing.T) {
	tests := map[string]string{
		"wrong scheme":   "file:///tmp/a.mp4",
		"unknown option": "testsrc:?colour=red",
		"bad number":     "testsrc:?fps=fast",
	}

	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseInput(input)
			assert.Error(t, err)
		})
	}
}

func TestNewRejectsNoStreams(t *testing.T) {
	o := smallOptions()
	o.NoVideo, o.NoAudio = true, true

	_, err := New(o)
	assert.ErrorIs(t, err, media.ErrNoStreams)
}

func TestReadPacketInterleaves(t *testing.T) {
	s, err := New(smallOptions())
	require.NoError(t, err)

	pkts := readAll(t, s)

	var video, audio int
	last := -1.0
	for _, p := range pkts {
		assert.GreaterOrEqual(t, p.PTS, last)
		last = p.PTS

		switch p.Stream {
		case media.StreamVideo:
			video++
		case media.StreamAudio:
			audio++
		}
	}
	assert.Equal(t, 10, video)
	assert.Equal(t, 4, audio)
	assert.Equal(t, 1.0, s.Duration())
}

func TestSeek(t *testing.T) {
	s, err := New(smallOptions())
	require.NoError(t, err)

	require.NoError(t, s.Seek(0.55))

	pkt, err := s.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, media.StreamAudio, pkt.Stream)
	assert.Equal(t, int64(550), pkt.RawPTS)

	pkt, err = s.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, media.StreamVideo, pkt.Stream)
	assert.Equal(t, int64(6), pkt.RawPTS)

	assert.ErrorIs(t, s.Seek(-1), media.ErrSeekUnsupported)
	assert.ErrorIs(t, s.Seek(2), media.ErrSeekUnsupported)
}

func TestSeekDisabled(t *testing.T) {
	o := smallOptions()
	o.NoSeek = true
	s, err := New(o)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Seek(0.5), media.ErrSeekUnsupported)
	assert.NoError(t, s.Seek(0))
}

func TestVideoDecodeEncodesIndex(t *testing.T) {
	s, err := New(smallOptions())
	require.NoError(t, err)

	var shown []int
	for _, p := range readAll(t, s) {
		if p.Stream != media.StreamVideo {
			continue
		}
		err := s.Video().Decode(p, func(f media.VideoFrame) {
			assert.Equal(t, p.PTS, f.PTS)
			shown = append(shown, FrameIndex(f.Image.(*image.RGBA)))
		})
		require.NoError(t, err)
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, shown)
}

func TestVideoDecodeCorrupt(t *testing.T) {
	o := smallOptions()
	o.CorruptEvery = 3
	s, err := New(o)
	require.NoError(t, err)

	var failed int
	for _, p := range readAll(t, s) {
		if p.Stream != media.StreamVideo {
			continue
		}
		if err := s.Video().Decode(p, func(media.VideoFrame) {}); err != nil {
			assert.ErrorIs(t, err, ErrCorruptPacket)
			failed++
		}
	}

	assert.Equal(t, 3, failed)
}

func TestAudioDecode(t *testing.T) {
	s, err := New(smallOptions())
	require.NoError(t, err)

	var samples int
	for _, p := range readAll(t, s) {
		if p.Stream != media.StreamAudio {
			continue
		}
		err := s.Audio().Decode(p, func(c media.AudioChunk) {
			assert.Equal(t, c.Samples*8, len(c.Data))
			samples += c.Samples
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 1000, samples)
	assert.Equal(t, 8, s.Audio().Info().BytesPerFrame)
}

func TestReadAfterClose(t *testing.T) {
	s, err := New(smallOptions())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.ReadPacket()
	assert.Error(t, err)
}
