package decoder

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/GoldenFealla/VideoSyncGo/internal/media"
	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
)

// AudioStream decodes one audio stream and resamples it to interleaved
// float32 at the configured rate, cut into chunks of FrameSamples.
type AudioStream struct {
	opts Options

	st       *astiav.Stream
	codecCtx *astiav.CodecContext

	resamplerCtx *astiav.SoftwareResampleContext
	fifo         *astiav.AudioFifo
	fifoPTS      float64

	pkt            *astiav.Packet
	decodedFrame   *astiav.Frame
	resampledFrame *astiav.Frame
	finalFrame     *astiav.Frame

	closer *astikit.Closer
	log    *slog.Logger
}

func NewAudioStream(o Options) (*AudioStream, error) {
	d := DefaultOptions()
	if o.SampleRate <= 0 {
		o.SampleRate = d.SampleRate
	}
	if o.Channels <= 0 {
		o.Channels = d.Channels
	}
	if o.FrameSamples <= 0 {
		o.FrameSamples = d.FrameSamples
	}

	ast := &AudioStream{
		opts:    o,
		closer:  astikit.NewCloser(),
		fifoPTS: media.NoPTS,
		log:     slog.Default(),
	}

	layout := astiav.ChannelLayoutStereo
	if o.Channels == 1 {
		layout = astiav.ChannelLayoutMono
	}

	ast.pkt = astiav.AllocPacket()
	ast.closer.Add(ast.pkt.Free)

	ast.decodedFrame = astiav.AllocFrame()
	ast.closer.Add(ast.decodedFrame.Free)

	ast.resampledFrame = astiav.AllocFrame()
	ast.closer.Add(ast.resampledFrame.Free)
	ast.resampledFrame.SetChannelLayout(layout)
	ast.resampledFrame.SetSampleFormat(astiav.SampleFormatFlt)
	ast.resampledFrame.SetSampleRate(o.SampleRate)
	ast.resampledFrame.SetNbSamples(o.FrameSamples)
	if err := ast.resampledFrame.AllocBuffer(0); err != nil {
		ast.closer.Close()
		return nil, fmt.Errorf("create audio decoder: allocating resampled frame buffer failed: %w", err)
	}

	ast.finalFrame = astiav.AllocFrame()
	ast.closer.Add(ast.finalFrame.Free)
	ast.finalFrame.SetChannelLayout(ast.resampledFrame.ChannelLayout())
	ast.finalFrame.SetNbSamples(ast.resampledFrame.NbSamples())
	ast.finalFrame.SetSampleFormat(ast.resampledFrame.SampleFormat())
	ast.finalFrame.SetSampleRate(ast.resampledFrame.SampleRate())
	if err := ast.finalFrame.AllocBuffer(0); err != nil {
		ast.closer.Close()
		return nil, fmt.Errorf("create audio decoder: allocating final frame buffer failed: %w", err)
	}

	ast.fifo = astiav.AllocAudioFifo(
		ast.finalFrame.SampleFormat(),
		ast.finalFrame.ChannelLayout().Channels(),
		ast.finalFrame.NbSamples(),
	)
	ast.closer.Add(ast.fifo.Free)

	ast.resamplerCtx = astiav.AllocSoftwareResampleContext()
	ast.closer.Add(func() { ast.resamplerCtx.Free() })

	ast.closer.Add(func() {
		if ast.codecCtx != nil {
			ast.codecCtx.Free()
		}
	})

	return ast, nil
}

func (ast *AudioStream) Close() {
	ast.closer.Close()
}

func (ast *AudioStream) Index() int {
	return ast.st.Index()
}

func (ast *AudioStream) Timebase() float64 {
	return ast.st.TimeBase().Float64()
}

func (ast *AudioStream) LoadInputContext(i *astiav.FormatContext) error {
	if i == nil {
		return ErrInputContextNil
	}

	st, cc, err := openCodec(i, astiav.MediaTypeAudio)
	if err != nil {
		return fmt.Errorf("finding audio codec: %w", err)
	}
	if st == nil {
		return ErrNoAudio
	}

	ast.st, ast.codecCtx = st, cc
	return nil
}

func (ast *AudioStream) Info() media.AudioInfo {
	return media.AudioInfo{
		SampleRate:    ast.opts.SampleRate,
		Channels:      ast.opts.Channels,
		BytesPerFrame: ast.opts.Channels * 4,
	}
}

func (ast *AudioStream) Decode(pkt media.Packet, fn func(media.AudioChunk)) error {
	if err := sendPacket(ast.codecCtx, ast.pkt, pkt); err != nil {
		return fmt.Errorf("audio decode: %w", err)
	}

	for {
		stop, err := ast.decode(fn)
		if err != nil {
			return err
		}

		if stop {
			break
		}
	}

	if pkt.IsEOS() {
		if err := ast.flushResampler(true, fn); err != nil {
			return fmt.Errorf("audio decode: flushing software resample context failed: %w", err)
		}
		if err := ast.processFifo(true, fn); err != nil {
			return fmt.Errorf("audio decode: draining audio fifo failed: %w", err)
		}
	}

	return nil
}

func (ast *AudioStream) decode(fn func(media.AudioChunk)) (bool, error) {
	if err := ast.codecCtx.ReceiveFrame(ast.decodedFrame); err != nil {
		if errors.Is(err, astiav.ErrEof) || errors.Is(err, astiav.ErrEagain) {
			return true, nil
		}
		return false, fmt.Errorf("decode: receiving frame failed: %w", err)
	}

	defer ast.decodedFrame.Unref()

	if ast.fifo.Size() == 0 {
		ast.fifoPTS = framePTS(ast.decodedFrame, ast.Timebase())
	}

	if err := ast.resamplerCtx.ConvertFrame(ast.decodedFrame, ast.resampledFrame); err != nil {
		return false, fmt.Errorf("decode: resampling decoded frame failed: %w", err)
	}

	if nbSamples := ast.resampledFrame.NbSamples(); nbSamples > 0 {
		if err := ast.processFifo(false, fn); err != nil {
			return false, fmt.Errorf("decode: adding resampled frame to audio fifo failed: %w", err)
		}
	}

	return false, nil
}

func (ast *AudioStream) flushResampler(isFinalFlush bool, fn func(media.AudioChunk)) error {
	for {
		if !(isFinalFlush && ast.resamplerCtx.Delay(int64(ast.resampledFrame.SampleRate())) >= int64(ast.resampledFrame.NbSamples())) {
			break
		}

		if err := ast.resamplerCtx.ConvertFrame(nil, ast.resampledFrame); err != nil {
			return fmt.Errorf("flush resampler: flushing resampler failed: %w", err)
		}

		if err := ast.processFifo(false, fn); err != nil {
			return fmt.Errorf("flush resampler: adding resampled frame to audio fifo failed: %w", err)
		}

		if ast.resampledFrame.NbSamples() == 0 {
			break
		}
	}
	return nil
}

// processFifo queues the last resampled frame and emits every full chunk, or
// everything left when isFlush is set.
func (ast *AudioStream) processFifo(isFlush bool, fn func(media.AudioChunk)) error {
	if !isFlush && ast.resampledFrame.NbSamples() > 0 {
		if _, err := ast.fifo.Write(ast.resampledFrame); err != nil {
			return fmt.Errorf("process fifo: writing failed: %w", err)
		}
	}

	for {
		if (isFlush && ast.fifo.Size() > 0) || (!isFlush && ast.fifo.Size() >= ast.finalFrame.NbSamples()) {
			n, err := ast.fifo.Read(ast.finalFrame)
			if err != nil {
				return fmt.Errorf("process fifo: reading failed: %w", err)
			}

			b, err := ast.finalFrame.Data().Bytes(1)
			if err != nil {
				return fmt.Errorf("process fifo: get data failed: %w", err)
			}

			size := n * ast.opts.Channels * 4
			if size > len(b) {
				size = len(b)
			}
			data := make([]byte, size)
			copy(data, b)

			fn(media.AudioChunk{
				PTS:     ast.fifoPTS,
				Data:    data,
				Samples: n,
			})
			ast.fifoPTS += float64(n) / float64(ast.opts.SampleRate)

			continue
		}
		break
	}
	return nil
}

// Flush drops the decoder, resampler and fifo state.
func (ast *AudioStream) Flush() {
	if cc, err := newCodecContext(ast.st); err == nil {
		ast.codecCtx.Free()
		ast.codecCtx = cc
	} else {
		ast.log.Warn("reopening codec failed, keeping stale decoder state", "error", err)
	}

	ast.resamplerCtx.Free()
	ast.resamplerCtx = astiav.AllocSoftwareResampleContext()

	for ast.fifo.Size() > 0 {
		if _, err := ast.fifo.Read(ast.finalFrame); err != nil {
			ast.log.Warn("draining fifo failed", "error", err)
			break
		}
	}
	ast.fifoPTS = media.NoPTS
}
