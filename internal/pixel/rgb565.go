// Package pixel provides the 16bpp RGB565 framebuffer the encoder diffs
// and the device displays. Wire byte order is dlproto's concern; values
// here are host-order uint16s.
package pixel

import (
	"image"
	"image/color"
)

const (
	mask5 = 0x1F
	mask6 = 0x3F
)

// RGB565Model converts arbitrary colors to 5-6-5 packed form.
var RGB565Model = color.ModelFunc(func(c color.Color) color.Color {
	if v, ok := c.(Value); ok {
		return v
	}
	return FromColor(c)
})

// Value is one packed RGB565 pixel.
type Value uint16

// FromColor packs a color into RGB565, keeping the top 5/6/5 bits of each
// channel.
func FromColor(c color.Color) Value {
	r, g, b, _ := c.RGBA()
	return Value((r & 0xF800) | ((g & 0xFC00) >> 5) | (b >> 11))
}

// RGBA expands the packed channels, replicating high bits into the low
// ones so full white maps back to full white.
func (v Value) RGBA() (r, g, b, a uint32) {
	r5 := uint32(v>>11) & mask5
	g6 := uint32(v>>5) & mask6
	b5 := uint32(v) & mask5

	r8 := (r5 << 3) | (r5 >> 2)
	g8 := (g6 << 2) | (g6 >> 4)
	b8 := (b5 << 3) | (b5 >> 2)

	return r8 * 0x101, g8 * 0x101, b8 * 0x101, 0xFFFF
}

// Image is an in-memory RGB565 frame with the same geometry as the device
// framebuffer. It implements draw.Image so arbitrary sources can be
// composed onto it with image/draw.
type Image struct {
	Pix    []uint16
	Stride int // pixels per row
	Rect   image.Rectangle
}

// NewImage allocates a zeroed (black) frame of the given size.
func NewImage(w, h int) *Image {
	return &Image{
		Pix:    make([]uint16, w*h),
		Stride: w,
		Rect:   image.Rect(0, 0, w, h),
	}
}

func (p *Image) Bounds() image.Rectangle { return p.Rect }
func (p *Image) ColorModel() color.Model { return RGB565Model }

// PixOffset returns the index of the pixel at (x, y).
func (p *Image) PixOffset(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x - p.Rect.Min.X)
}

func (p *Image) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(p.Rect)) {
		return Value(0)
	}
	return Value(p.Pix[p.PixOffset(x, y)])
}

func (p *Image) Set(x, y int, c color.Color) {
	if !(image.Point{x, y}.In(p.Rect)) {
		return
	}
	p.Pix[p.PixOffset(x, y)] = uint16(FromColor(c))
}

// Row returns the pixels of row y restricted to [x0, x1). The slice
// aliases the frame.
func (p *Image) Row(y, x0, x1 int) []uint16 {
	off := p.PixOffset(x0, y)
	return p.Pix[off : off+(x1-x0)]
}
