package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"testing"

	"github.com/freakifranky/image-creator/internal/codec"
	"github.com/freakifranky/image-creator/internal/domain"
	"github.com/freakifranky/image-creator/internal/raster"
)

func newTestPostprocessor(t testing.TB) *Postprocessor {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Budget.Encode.Iterations = 1
	post, err := NewPostprocessor(codec.NewStd(nil), cfg)
	if err != nil {
		t.Fatalf("new postprocessor: %v", err)
	}
	return post
}

func solidPNG(t testing.TB, w, h int, fill color.NRGBA, draw func(img *image.NRGBA)) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, fill)
		}
	}
	if draw != nil {
		draw(img)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode source png: %v", err)
	}
	return buf.Bytes()
}

func decodeOutput(t *testing.T, data []byte) *raster.PixelBuffer {
	t.Helper()

	pb, err := codec.NewStd(nil).Decode(context.Background(), data)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	return pb
}

var (
	white = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	black = color.NRGBA{A: 255}
)

func TestPostprocessAllWhiteBecomesTransparent(t *testing.T) {
	post := newTestPostprocessor(t)
	src := solidPNG(t, 1024, 1024, white, nil)

	img, err := post.Postprocess(context.Background(), src, post.OptionsFor(domain.Variant{ID: "v", TransparentBackground: true}))
	if err != nil {
		t.Fatalf("postprocess: %v", err)
	}
	if img.Width != 1024 || img.Height != 1024 {
		t.Fatalf("expected 1024x1024, got %dx%d", img.Width, img.Height)
	}
	if img.Removal.Masked != 1024*1024 {
		t.Fatalf("expected every pixel masked, got %d", img.Removal.Masked)
	}

	out := decodeOutput(t, img.Data)
	for i := 3; i < len(out.Pix); i += raster.Channels {
		if out.Pix[i] != 0 {
			t.Fatalf("pixel %d kept alpha %d", i/raster.Channels, out.Pix[i])
		}
	}
}

func TestPostprocessKeepsCenteredSquare(t *testing.T) {
	post := newTestPostprocessor(t)
	src := solidPNG(t, 512, 512, white, func(img *image.NRGBA) {
		for y := 206; y < 306; y++ {
			for x := 206; x < 306; x++ {
				img.SetNRGBA(x, y, black)
			}
		}
	})

	img, err := post.Postprocess(context.Background(), src, Options{
		TransparentBackground: true,
		Removal:               post.removal,
	})
	if err != nil {
		t.Fatalf("postprocess: %v", err)
	}

	out := decodeOutput(t, img.Data)
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			i := out.Offset(x, y)
			inside := x >= 206 && x < 306 && y >= 206 && y < 306
			switch {
			case inside && (out.Pix[i+3] != 255 || out.Pix[i] != 0):
				t.Fatalf("square pixel (%d,%d) changed: %v", x, y, out.Pix[i:i+4])
			case !inside && out.Pix[i+3] != 0:
				t.Fatalf("background pixel (%d,%d) kept alpha %d", x, y, out.Pix[i+3])
			}
		}
	}
}

func TestPostprocessWithoutOptionsIsLossless(t *testing.T) {
	post := newTestPostprocessor(t)
	src := solidPNG(t, 64, 48, white, func(img *image.NRGBA) {
		for y := 0; y < 48; y++ {
			for x := 0; x < 64; x++ {
				img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 4), G: uint8(y * 5), B: 90, A: 255})
			}
		}
	})

	img, err := post.Postprocess(context.Background(), src, Options{})
	if err != nil {
		t.Fatalf("postprocess: %v", err)
	}
	if !img.BudgetMet || img.Compressed {
		t.Fatalf("expected untouched budget state, got met=%v compressed=%v", img.BudgetMet, img.Compressed)
	}

	want := decodeOutput(t, src)
	got := decodeOutput(t, img.Data)
	if !bytes.Equal(want.Pix, got.Pix) {
		t.Fatal("expected identical pixels after lossless re-encode")
	}
}

func TestPostprocessNoBackgroundKeepsPixels(t *testing.T) {
	post := newTestPostprocessor(t)
	src := solidPNG(t, 10, 10, color.NRGBA{R: 30, G: 120, B: 200, A: 255}, nil)

	img, err := post.Postprocess(context.Background(), src, Options{TransparentBackground: true, Removal: post.removal})
	if err != nil {
		t.Fatalf("postprocess: %v", err)
	}
	if img.Removal.Masked != 0 {
		t.Fatalf("expected empty mask, got %d", img.Removal.Masked)
	}

	want := decodeOutput(t, src)
	got := decodeOutput(t, img.Data)
	if !bytes.Equal(want.Pix, got.Pix) {
		t.Fatal("expected 10x10 image to pass through unchanged")
	}
}

func speckledPNG(t testing.TB, w, h int) []byte {
	t.Helper()

	rng := rand.New(rand.NewSource(7))
	return solidPNG(t, w, h, white, func(img *image.NRGBA) {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.SetNRGBA(x, y, color.NRGBA{R: uint8(rng.Intn(256)), G: uint8(rng.Intn(256)), B: uint8(rng.Intn(256)), A: 255})
			}
		}
	})
}

func TestPostprocessBudgetShrinksOutput(t *testing.T) {
	post := newTestPostprocessor(t)
	src := speckledPNG(t, 600, 400)

	const maxBytes = 100 * 1024
	img, err := post.Postprocess(context.Background(), src, Options{MaxBytes: maxBytes})
	if err != nil {
		t.Fatalf("postprocess: %v", err)
	}
	if !img.Compressed {
		t.Fatal("expected compression to run for an over-budget source")
	}
	if img.Width > 600 {
		t.Fatalf("output upscaled to %d", img.Width)
	}
	if len(img.Data) > maxBytes && img.Width != post.compressor.Policy().MinWidth {
		t.Fatalf("budget missed at width %d with %d bytes", img.Width, len(img.Data))
	}
	if img.BudgetMet != (len(img.Data) <= maxBytes) {
		t.Fatalf("BudgetMet=%v disagrees with %d bytes", img.BudgetMet, len(img.Data))
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(img.Data))
	if err != nil {
		t.Fatalf("decode output config: %v", err)
	}
	if cfg.Width != img.Width || cfg.Height != img.Height {
		t.Fatalf("reported %dx%d, encoded %dx%d", img.Width, img.Height, cfg.Width, cfg.Height)
	}
}

func TestPostprocessSkipsBudgetWhenAlreadySmall(t *testing.T) {
	post := newTestPostprocessor(t)
	src := solidPNG(t, 32, 32, white, nil)

	img, err := post.Postprocess(context.Background(), src, Options{MaxBytes: 1 << 20})
	if err != nil {
		t.Fatalf("postprocess: %v", err)
	}
	if img.Compressed || !img.BudgetMet {
		t.Fatalf("expected no compression, got compressed=%v met=%v", img.Compressed, img.BudgetMet)
	}
}

func TestPostprocessPropagatesDecodeError(t *testing.T) {
	post := newTestPostprocessor(t)

	_, err := post.Postprocess(context.Background(), []byte("definitely not an image"), Options{TransparentBackground: true})
	if !errors.Is(err, codec.ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

type degenerateCodec struct {
	codec.Codec
}

func (degenerateCodec) Decode(context.Context, []byte) (*raster.PixelBuffer, error) {
	return raster.New(0, 8)
}

func TestPostprocessPropagatesDegenerateGeometry(t *testing.T) {
	post, err := NewPostprocessor(degenerateCodec{Codec: codec.NewStd(nil)}, DefaultConfig())
	if err != nil {
		t.Fatalf("new postprocessor: %v", err)
	}

	_, err = post.Postprocess(context.Background(), []byte{1}, Options{})
	if !errors.Is(err, raster.ErrDegenerateGeometry) {
		t.Fatalf("expected ErrDegenerateGeometry, got %v", err)
	}
}

func TestOptionsForResolvesVariant(t *testing.T) {
	post := newTestPostprocessor(t)
	threshold, softness := 200, 250

	opts := post.OptionsFor(domain.Variant{
		ID:                    "thumb",
		TransparentBackground: true,
		MaxKB:                 1.5,
		WhiteThreshold:        &threshold,
		Softness:              &softness,
	})

	if !opts.TransparentBackground {
		t.Fatal("expected transparent background")
	}
	if opts.MaxBytes != 1536 {
		t.Fatalf("expected 1536 max bytes, got %d", opts.MaxBytes)
	}
	if opts.Removal.WhiteThreshold != 200 {
		t.Fatalf("expected threshold 200, got %d", opts.Removal.WhiteThreshold)
	}
	if opts.Removal.Softness != 200 {
		t.Fatalf("expected softness clamped to 200, got %d", opts.Removal.Softness)
	}

	defaults := post.OptionsFor(domain.Variant{ID: "plain"})
	if defaults.MaxBytes != 0 || defaults.Removal.WhiteThreshold != 248 || defaults.Removal.Softness != 6 {
		t.Fatalf("unexpected defaults: %+v", defaults)
	}
}

func TestNewPostprocessorRequiresCodec(t *testing.T) {
	if _, err := NewPostprocessor(nil, DefaultConfig()); err == nil {
		t.Fatal("expected error for missing codec")
	}
}

func BenchmarkPostprocessTransparent(b *testing.B) {
	post := newTestPostprocessor(b)
	src := solidPNG(b, 1024, 768, white, func(img *image.NRGBA) {
		for y := 200; y < 568; y++ {
			for x := 300; x < 724; x++ {
				img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 140, A: 255})
			}
		}
	})
	opts := Options{TransparentBackground: true, Removal: post.removal}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := post.Postprocess(context.Background(), src, opts); err != nil {
			b.Fatalf("postprocess: %v", err)
		}
	}
}
