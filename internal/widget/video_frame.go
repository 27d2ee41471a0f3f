package widget

import (
	"image"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/widget"
	"github.com/GoldenFealla/VideoSyncGo/internal/media"
)

// VideoFrame shows the current picture of a session. Pull must run on the
// fyne UI thread.
type VideoFrame struct {
	widget.BaseWidget

	session *media.Session
	image   *canvas.Image
	scale   float32
}

func NewVideoFrame() *VideoFrame {
	v := &VideoFrame{
		image: canvas.NewImageFromImage(nil),
		scale: 1,
	}
	v.image.FillMode = canvas.ImageFillContain
	v.image.ScaleMode = canvas.ImageScaleFastest

	v.ExtendBaseWidget(v)
	return v
}

func (v *VideoFrame) CreateRenderer() fyne.WidgetRenderer {
	return widget.NewSimpleRenderer(v.image)
}

func (v *VideoFrame) MinSize() fyne.Size {
	return fyne.NewSize(160, 90)
}

// Attach binds the session Pull reads from.
func (v *VideoFrame) Attach(s *media.Session) {
	v.session = s
}

// SetScale sets the device pixels per fyne unit used by Allocator.
func (v *VideoFrame) SetScale(scale float32) {
	if scale > 0 {
		v.scale = scale
	}
}

// Pull takes the next due picture from the session and repaints. It reports
// whether the picture changed.
func (v *VideoFrame) Pull() bool {
	if v.session == nil || !v.session.Update() {
		return false
	}

	v.image.Image = v.session.Frame().Image
	v.image.Refresh()
	return true
}

// Allocator sizes picture buffers to the widget: pictures larger than the
// widget are decoded straight into a buffer that fits it.
func (v *VideoFrame) Allocator() media.Allocator {
	return func(width, height int, old *image.RGBA) *image.RGBA {
		size := v.Size()
		maxW := int(size.Width * v.scale)
		maxH := int(size.Height * v.scale)

		if maxW > 0 && maxH > 0 && (width > maxW || height > maxH) {
			if r := float64(maxW) / float64(width); float64(height)*r <= float64(maxH) {
				width, height = maxW, max(int(float64(height)*r), 1)
			} else {
				r = float64(maxH) / float64(height)
				width, height = max(int(float64(width)*r), 1), maxH
			}
		}

		return media.DefaultAllocator(width, height, old)
	}
}
