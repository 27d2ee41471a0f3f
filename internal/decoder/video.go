package decoder

import (
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/GoldenFealla/VideoSyncGo/internal/media"
	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
)

type VideoStream struct {
	st *astiav.Stream
	cc *astiav.CodecContext

	pkt *astiav.Packet
	df  *astiav.Frame

	// Pixel formats image.Image has no match for go through sws into rgba.
	sws  *astiav.SoftwareScaleContext
	rgba *astiav.Frame

	img                image.Image
	imgW, imgH, imgFmt int

	closer *astikit.Closer
	log    *slog.Logger
}

func NewVideoStream() *VideoStream {
	vst := &VideoStream{
		closer: astikit.NewCloser(),
		log:    slog.Default(),
	}

	vst.pkt = astiav.AllocPacket()
	vst.closer.Add(vst.pkt.Free)

	vst.df = astiav.AllocFrame()
	vst.closer.Add(vst.df.Free)

	vst.closer.Add(vst.freeScaler)
	vst.closer.Add(func() {
		if vst.cc != nil {
			vst.cc.Free()
		}
	})

	return vst
}

func (vst *VideoStream) Close() {
	vst.closer.Close()
}

func (vst *VideoStream) Index() int {
	return vst.st.Index()
}

func (vst *VideoStream) Timebase() float64 {
	return vst.st.TimeBase().Float64()
}

func (vst *VideoStream) LoadInputContext(i *astiav.FormatContext) error {
	if i == nil {
		return ErrInputContextNil
	}

	st, cc, err := openCodec(i, astiav.MediaTypeVideo)
	if err != nil {
		return fmt.Errorf("finding video codec: %w", err)
	}
	if st == nil {
		return ErrNoVideo
	}

	vst.st, vst.cc = st, cc
	return nil
}

func (vst *VideoStream) Info() media.VideoInfo {
	cp := vst.st.CodecParameters()

	fr := vst.st.AvgFrameRate()
	if fr.Num() <= 0 || fr.Den() <= 0 {
		fr = vst.st.RFrameRate()
	}

	info := media.VideoInfo{
		Width:  cp.Width(),
		Height: cp.Height(),
	}
	if fr.Num() > 0 && fr.Den() > 0 {
		info.FrameRate = fr.Float64()
	}
	return info
}

func (vst *VideoStream) Decode(pkt media.Packet, fn func(media.VideoFrame)) error {
	if err := sendPacket(vst.cc, vst.pkt, pkt); err != nil {
		return fmt.Errorf("video decode: %w", err)
	}

	for {
		stop, err := vst.decode(fn)
		if err != nil {
			return err
		}

		if stop {
			return nil
		}
	}
}

func (vst *VideoStream) decode(fn func(media.VideoFrame)) (bool, error) {
	if err := vst.cc.ReceiveFrame(vst.df); err != nil {
		if errors.Is(err, astiav.ErrEof) || errors.Is(err, astiav.ErrEagain) {
			return true, nil
		}
		return true, fmt.Errorf("video decoding: receiving frame failed: %w", err)
	}

	defer vst.df.Unref()

	img, err := vst.image(vst.df)
	if err != nil {
		return false, fmt.Errorf("video decoding: converting frame failed: %w", err)
	}

	fn(media.VideoFrame{
		PTS:   framePTS(vst.df, vst.Timebase()),
		Image: img,
	})

	return false, nil
}

// image converts f into a buffer reused for as long as the frame geometry
// and pixel format stay the same.
func (vst *VideoStream) image(f *astiav.Frame) (image.Image, error) {
	w, h, pf := f.Width(), f.Height(), int(f.PixelFormat())

	if vst.img == nil || w != vst.imgW || h != vst.imgH || pf != vst.imgFmt {
		vst.freeScaler()
		vst.img = nil

		img, err := f.Data().GuessImageFormat()
		if err != nil {
			if img, err = vst.newScaler(f); err != nil {
				return nil, err
			}
		}
		vst.img, vst.imgW, vst.imgH, vst.imgFmt = img, w, h, pf
	}

	if vst.sws == nil {
		if err := f.Data().ToImage(vst.img); err != nil {
			return nil, err
		}
		return vst.img, nil
	}

	if err := vst.sws.ScaleFrame(f, vst.rgba); err != nil {
		return nil, fmt.Errorf("scaling frame failed: %w", err)
	}
	if err := vst.rgba.Data().ToImage(vst.img); err != nil {
		return nil, err
	}
	return vst.img, nil
}

func (vst *VideoStream) newScaler(f *astiav.Frame) (image.Image, error) {
	sws, err := astiav.CreateSoftwareScaleContext(
		f.Width(), f.Height(), f.PixelFormat(),
		f.Width(), f.Height(), astiav.PixelFormatRgba,
		astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear),
	)
	if err != nil {
		return nil, fmt.Errorf("creating scale context failed: %w", err)
	}
	vst.sws = sws

	vst.rgba = astiav.AllocFrame()
	vst.rgba.SetWidth(f.Width())
	vst.rgba.SetHeight(f.Height())
	vst.rgba.SetPixelFormat(astiav.PixelFormatRgba)
	if err := vst.rgba.AllocBuffer(1); err != nil {
		return nil, fmt.Errorf("allocating rgba frame buffer failed: %w", err)
	}

	return vst.rgba.Data().GuessImageFormat()
}

func (vst *VideoStream) freeScaler() {
	if vst.sws != nil {
		vst.sws.Free()
		vst.sws = nil
	}
	if vst.rgba != nil {
		vst.rgba.Free()
		vst.rgba = nil
	}
}

// Flush drops the decoder state by reopening the codec.
func (vst *VideoStream) Flush() {
	cc, err := newCodecContext(vst.st)
	if err != nil {
		vst.log.Warn("reopening codec failed, keeping stale decoder state", "error", err)
		return
	}
	vst.cc.Free()
	vst.cc = cc
}
