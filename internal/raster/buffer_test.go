package raster

import (
	"errors"
	"image"
	"image/color"
	"testing"
)

func TestNewRejectsDegenerateGeometry(t *testing.T) {
	for _, dims := range [][2]int{{0, 10}, {10, 0}, {-1, 4}} {
		if _, err := New(dims[0], dims[1]); !errors.Is(err, ErrDegenerateGeometry) {
			t.Fatalf("New(%d, %d): expected ErrDegenerateGeometry, got %v", dims[0], dims[1], err)
		}
	}
}

func TestValidateChecksBufferLength(t *testing.T) {
	pb := &PixelBuffer{Pix: make([]byte, 15), Width: 2, Height: 2}
	if err := pb.Validate(); !errors.Is(err, ErrBufferSize) {
		t.Fatalf("expected ErrBufferSize, got %v", err)
	}

	pb.Pix = make([]byte, 16)
	if err := pb.Validate(); err != nil {
		t.Fatalf("expected valid buffer, got %v", err)
	}
}

func TestFromImageForcesOpaqueAlpha(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 3, 2))
	for i := range gray.Pix {
		gray.Pix[i] = 200
	}

	pb, err := FromImage(gray)
	if err != nil {
		t.Fatalf("from image: %v", err)
	}
	if pb.Width != 3 || pb.Height != 2 {
		t.Fatalf("expected 3x2, got %dx%d", pb.Width, pb.Height)
	}
	if !pb.Opaque() {
		t.Fatal("expected gray source to decode fully opaque")
	}
	if pb.Pix[0] != 200 || pb.Pix[1] != 200 || pb.Pix[2] != 200 {
		t.Fatalf("unexpected rgb %v", pb.Pix[:3])
	}
}

func TestFromImageCopiesOffsetSubImage(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	src.SetNRGBA(2, 2, color.NRGBA{R: 9, G: 8, B: 7, A: 6})
	sub := src.SubImage(image.Rect(2, 2, 4, 4))

	pb, err := FromImage(sub)
	if err != nil {
		t.Fatalf("from image: %v", err)
	}
	if got := pb.Pix[:4]; got[0] != 9 || got[1] != 8 || got[2] != 7 || got[3] != 6 {
		t.Fatalf("expected first pixel 9,8,7,6 got %v", got)
	}

	src.Pix[src.PixOffset(2, 2)] = 0
	if pb.Pix[0] != 9 {
		t.Fatal("expected buffer to own its pixels")
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	pb, _ := New(1, 1)
	clone := pb.Clone()
	clone.Pix[0] = 1
	if pb.Pix[0] != 0 {
		t.Fatal("clone aliased the source buffer")
	}
}

func TestFromImagePalettedKeepsStraightAlpha(t *testing.T) {
	pal := color.Palette{color.NRGBA{}, color.NRGBA{R: 245, G: 240, B: 235, A: 128}}
	src := image.NewPaletted(image.Rect(0, 0, 2, 1), pal)
	src.Pix[1] = 1

	pb, err := FromImage(src)
	if err != nil {
		t.Fatalf("from image: %v", err)
	}
	want := []byte{0, 0, 0, 0, 245, 240, 235, 128}
	for i := range want {
		if pb.Pix[i] != want[i] {
			t.Fatalf("byte %d: got %d want %d", i, pb.Pix[i], want[i])
		}
	}
}
