package codec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"

	"github.com/disintegration/imaging"
	"github.com/freakifranky/image-creator/internal/raster"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Std is the pure-Go codec. Decoding understands every format registered with
// image (png, jpeg, gif, webp, bmp, tiff) and honours EXIF orientation.
type Std struct {
	resampler Resampler
}

func NewStd(resampler Resampler) *Std {
	if resampler == nil {
		resampler = imagingResampler{filter: imaging.Lanczos}
	}
	return &Std{resampler: resampler}
}

func (c *Std) Decode(ctx context.Context, data []byte) (*raster.PixelBuffer, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return raster.FromImage(img)
}

func (c *Std) Encode(ctx context.Context, pb *raster.PixelBuffer, opts EncodeOptions) ([]byte, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := pb.Validate(); err != nil {
		return nil, err
	}
	opts = opts.normalize()

	var img image.Image = pb.NRGBA()
	if opts.Palette {
		img = Quantize(pb, opts.Colors, opts.Iterations)
	}

	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: stdCompression(opts.Effort)}
	if err := encoder.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Std) Resize(ctx context.Context, pb *raster.PixelBuffer, width int) (*raster.PixelBuffer, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := pb.Validate(); err != nil {
		return nil, err
	}
	if width <= 0 {
		return nil, errors.New("resize requires width > 0")
	}
	if width >= pb.Width {
		return pb.Clone(), nil
	}

	scaled := c.resampler.Scale(pb.NRGBA(), width, scaledHeight(pb.Width, pb.Height, width))
	return raster.FromImage(scaled)
}

func (c *Std) Metadata(ctx context.Context, data []byte) (Metadata, error) {
	if err := checkContext(ctx); err != nil {
		return Metadata{}, err
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return Metadata{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}

func stdCompression(effort Effort) png.CompressionLevel {
	switch effort {
	case EffortMax:
		return png.BestCompression
	case EffortFast:
		return png.BestSpeed
	default:
		return png.DefaultCompression
	}
}
