package widget

import (
	"testing"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/test"
	"github.com/stretchr/testify/assert"
)

func TestAllocatorFitsWidget(t *testing.T) {
	test.NewTempApp(t)

	v := NewVideoFrame()
	v.Resize(fyne.NewSize(200, 200))

	tests := []struct {
		name         string
		w, h         int
		wantW, wantH int
	}{
		{"smaller is kept", 160, 90, 160, 90},
		{"wide is fit to width", 800, 400, 200, 100},
		{"tall is fit to height", 300, 600, 100, 200},
	}

	alloc := v.Allocator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := alloc(tt.w, tt.h, nil)
			assert.Equal(t, tt.wantW, img.Rect.Dx())
			assert.Equal(t, tt.wantH, img.Rect.Dy())
		})
	}
}

func TestAllocatorHonorsScale(t *testing.T) {
	test.NewTempApp(t)

	v := NewVideoFrame()
	v.Resize(fyne.NewSize(100, 100))
	v.SetScale(2)

	img := v.Allocator()(400, 400, nil)
	assert.Equal(t, 200, img.Rect.Dx())
}

func TestPullWithoutSession(t *testing.T) {
	test.NewTempApp(t)

	assert.False(t, NewVideoFrame().Pull())
}
