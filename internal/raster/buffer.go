package raster

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
)

// Channels is the fixed number of interleaved 8-bit channels per pixel (R, G, B, A).
const Channels = 4

var (
	ErrDegenerateGeometry = errors.New("degenerate image geometry")
	ErrBufferSize         = errors.New("pixel buffer size mismatch")
)

// PixelBuffer is a row-major, non-premultiplied RGBA buffer with no row padding.
type PixelBuffer struct {
	Pix    []byte
	Width  int
	Height int
}

func New(width, height int) (*PixelBuffer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrDegenerateGeometry, width, height)
	}
	return &PixelBuffer{
		Pix:    make([]byte, width*height*Channels),
		Width:  width,
		Height: height,
	}, nil
}

func (p *PixelBuffer) Validate() error {
	if p == nil {
		return errors.New("pixel buffer is nil")
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrDegenerateGeometry, p.Width, p.Height)
	}
	if want := p.Width * p.Height * Channels; len(p.Pix) != want {
		return fmt.Errorf("%w: have %d bytes, want %d for %dx%d", ErrBufferSize, len(p.Pix), want, p.Width, p.Height)
	}
	return nil
}

func (p *PixelBuffer) Clone() *PixelBuffer {
	pix := make([]byte, len(p.Pix))
	copy(pix, p.Pix)
	return &PixelBuffer{Pix: pix, Width: p.Width, Height: p.Height}
}

// Offset returns the index of the R channel of pixel (x, y).
func (p *PixelBuffer) Offset(x, y int) int {
	return (y*p.Width + x) * Channels
}

func (p *PixelBuffer) Pixels() int {
	return p.Width * p.Height
}

// Opaque reports whether every pixel has alpha 255.
func (p *PixelBuffer) Opaque() bool {
	for i := 3; i < len(p.Pix); i += Channels {
		if p.Pix[i] != 0xff {
			return false
		}
	}
	return true
}

// NRGBA wraps the buffer as an *image.NRGBA without copying. The returned image
// aliases p.Pix, so it must not outlive a later mutation of the buffer.
func (p *PixelBuffer) NRGBA() *image.NRGBA {
	return &image.NRGBA{
		Pix:    p.Pix,
		Stride: p.Width * Channels,
		Rect:   image.Rect(0, 0, p.Width, p.Height),
	}
}

// FromImage copies any image into a freshly owned buffer. Sources without an
// alpha channel come back fully opaque.
func FromImage(img image.Image) (*PixelBuffer, error) {
	b := img.Bounds()
	pb, err := New(b.Dx(), b.Dy())
	if err != nil {
		return nil, err
	}

	switch src := img.(type) {
	case *image.NRGBA:
		rowBytes := pb.Width * Channels
		for y := 0; y < pb.Height; y++ {
			start := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(pb.Pix[y*rowBytes:(y+1)*rowBytes], src.Pix[start:start+rowBytes])
		}
		return pb, nil
	case *image.Paletted:
		// palette entries are straight alpha already; going through draw would
		// premultiply and lose precision on translucent entries
		lut := make([]color.NRGBA, 256)
		for i, c := range src.Palette {
			lut[i] = color.NRGBAModel.Convert(c).(color.NRGBA)
		}
		o := 0
		for y := 0; y < pb.Height; y++ {
			row := src.PixOffset(b.Min.X, b.Min.Y+y)
			for x := 0; x < pb.Width; x++ {
				c := lut[src.Pix[row+x]]
				pb.Pix[o], pb.Pix[o+1], pb.Pix[o+2], pb.Pix[o+3] = c.R, c.G, c.B, c.A
				o += Channels
			}
		}
		return pb, nil
	}

	draw.Draw(pb.NRGBA(), image.Rect(0, 0, pb.Width, pb.Height), img, b.Min, draw.Src)
	return pb, nil
}
