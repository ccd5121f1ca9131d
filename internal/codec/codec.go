package codec

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/freakifranky/image-creator/internal/raster"
)

var (
	ErrDecode             = errors.New("decode image")
	ErrUnsupportedBackend = errors.New("unsupported codec backend")
)

// Effort selects how hard the PNG encoder works on compression.
type Effort int

const (
	EffortDefault Effort = iota
	EffortFast
	EffortMax
)

const (
	DefaultPaletteColors     = 256
	DefaultPaletteIterations = 4
)

type EncodeOptions struct {
	Palette bool
	Effort  Effort
	// Colors caps the palette size when Palette is set. Zero means DefaultPaletteColors.
	Colors int
	// Iterations bounds k-means refinement passes after the median cut.
	Iterations int
}

func (o EncodeOptions) normalize() EncodeOptions {
	if o.Colors <= 0 || o.Colors > 256 {
		o.Colors = DefaultPaletteColors
	}
	if o.Colors < 2 {
		o.Colors = 2
	}
	if o.Iterations < 0 {
		o.Iterations = 0
	}
	return o
}

type Metadata struct {
	Width  int
	Height int
	Format string
}

// Codec decodes arbitrary image bytes into owned pixel buffers and encodes pixel
// buffers back into PNG.
type Codec interface {
	Decode(ctx context.Context, data []byte) (*raster.PixelBuffer, error)
	Encode(ctx context.Context, pb *raster.PixelBuffer, opts EncodeOptions) ([]byte, error)
	// Resize scales to width preserving aspect ratio. Widths at or above the
	// current width return an unscaled copy.
	Resize(ctx context.Context, pb *raster.PixelBuffer, width int) (*raster.PixelBuffer, error)
	Metadata(ctx context.Context, data []byte) (Metadata, error)
}

type Config struct {
	Backend   string
	Resampler string
}

// New builds the codec named by cfg.Backend. An empty backend picks govips when
// the binary was built with it and the standard codec otherwise.
func New(cfg Config) (Codec, error) {
	resampler, err := NewResampler(cfg.Resampler)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "":
		return newDefault(resampler), nil
	case "std", "stdlib":
		return NewStd(resampler), nil
	case "govips", "vips":
		c, ok := newGovips()
		if !ok {
			return nil, fmt.Errorf("%w: %s requires the govips build tag", ErrUnsupportedBackend, cfg.Backend)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Backend)
	}
}

func scaledHeight(srcW, srcH, width int) int {
	h := int(float64(srcH)*float64(width)/float64(srcW) + 0.5)
	if h < 1 {
		h = 1
	}
	return h
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
