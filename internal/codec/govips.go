//go:build govips && cgo

package codec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/freakifranky/image-creator/internal/raster"
)

// Govips runs decode, resize and PNG export through libvips. Pixel buffers cross
// the cgo boundary as uncompressed PNG.
type Govips struct{}

func (Govips) Decode(ctx context.Context, data []byte) (*raster.PixelBuffer, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	img, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer img.Close()

	if err := img.AutoRotate(); err != nil {
		return nil, fmt.Errorf("%w: auto rotate: %v", ErrDecode, err)
	}
	return govipsToBuffer(img)
}

func (Govips) Encode(ctx context.Context, pb *raster.PixelBuffer, opts EncodeOptions) ([]byte, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	opts = opts.normalize()

	img, err := bufferToGovips(pb)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	params := vips.NewPngExportParams()
	params.Compression = govipsCompression(opts.Effort)
	params.StripMetadata = true
	if opts.Palette {
		params.Palette = true
		params.Bitdepth = paletteBitdepth(opts.Colors)
	}

	data, _, err := img.ExportPng(params)
	if err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return data, nil
}

func (Govips) Resize(ctx context.Context, pb *raster.PixelBuffer, width int) (*raster.PixelBuffer, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if width <= 0 {
		return nil, errors.New("resize requires width > 0")
	}
	if err := pb.Validate(); err != nil {
		return nil, err
	}
	if width >= pb.Width {
		return pb.Clone(), nil
	}

	img, err := bufferToGovips(pb)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	if err := img.Resize(float64(width)/float64(pb.Width), vips.KernelLanczos3); err != nil {
		return nil, fmt.Errorf("resize image: %w", err)
	}
	return govipsToBuffer(img)
}

func (Govips) Metadata(ctx context.Context, data []byte) (Metadata, error) {
	if err := checkContext(ctx); err != nil {
		return Metadata{}, err
	}

	img, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer img.Close()

	return Metadata{
		Width:  img.Width(),
		Height: img.Height(),
		Format: govipsFormat(vips.DetermineImageType(data)),
	}, nil
}

func bufferToGovips(pb *raster.PixelBuffer) (*vips.ImageRef, error) {
	if err := pb.Validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.NoCompression}
	if err := encoder.Encode(&buf, pb.NRGBA()); err != nil {
		return nil, fmt.Errorf("stage pixels for libvips: %w", err)
	}

	img, err := vips.NewImageFromBuffer(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("load staged pixels: %w", err)
	}
	return img, nil
}

func govipsToBuffer(img *vips.ImageRef) (*raster.PixelBuffer, error) {
	params := vips.NewPngExportParams()
	params.Compression = 0
	data, _, err := img.ExportPng(params)
	if err != nil {
		return nil, fmt.Errorf("export staged pixels: %w", err)
	}

	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return raster.FromImage(decoded)
}

func govipsCompression(effort Effort) int {
	switch effort {
	case EffortMax:
		return 9
	case EffortFast:
		return 1
	default:
		return 6
	}
}

func paletteBitdepth(colors int) int {
	switch {
	case colors <= 2:
		return 1
	case colors <= 4:
		return 2
	case colors <= 16:
		return 4
	default:
		return 8
	}
}

func govipsFormat(t vips.ImageType) string {
	switch t {
	case vips.ImageTypeJPEG:
		return "jpeg"
	case vips.ImageTypeWEBP:
		return "webp"
	case vips.ImageTypePNG:
		return "png"
	case vips.ImageTypeGIF:
		return "gif"
	case vips.ImageTypeTIFF:
		return "tiff"
	case vips.ImageTypeHEIF:
		return "heif"
	case vips.ImageTypeAVIF:
		return "avif"
	default:
		return "unknown"
	}
}
