// Package budget shrinks PNG output until it fits a byte budget.
//
// The compressor first tries an indexed-palette encode at full resolution. If
// that is still too large it walks a decaying sequence of widths, starting at
// min(source width, MaxStartWidth), and stops at the first candidate within
// budget. When the floor is reached without success the smallest candidate is
// returned; missing the budget is never an error.
package budget

import (
	"context"
	"errors"
	"fmt"

	"github.com/freakifranky/image-creator/internal/codec"
	"github.com/freakifranky/image-creator/internal/raster"
)

const (
	DefaultMaxStartWidth = 1400
	DefaultMinWidth      = 256
	DefaultDecay         = 0.85
)

type Policy struct {
	MaxStartWidth int
	MinWidth      int
	Decay         float64
	Encode        codec.EncodeOptions
}

func DefaultPolicy() Policy {
	return Policy{
		MaxStartWidth: DefaultMaxStartWidth,
		MinWidth:      DefaultMinWidth,
		Decay:         DefaultDecay,
		Encode: codec.EncodeOptions{
			Palette:    true,
			Effort:     codec.EffortMax,
			Colors:     codec.DefaultPaletteColors,
			Iterations: codec.DefaultPaletteIterations,
		},
	}
}

func (p Policy) Validate() error {
	if p.MinWidth < 1 {
		return errors.New("min width must be positive")
	}
	if p.MaxStartWidth < p.MinWidth {
		return fmt.Errorf("max start width %d is below min width %d", p.MaxStartWidth, p.MinWidth)
	}
	if p.Decay <= 0 || p.Decay >= 1 {
		return fmt.Errorf("decay %.3f must be in (0, 1)", p.Decay)
	}
	return nil
}

// Codec is the subset of codec.Codec the compressor needs.
type Codec interface {
	Decode(ctx context.Context, data []byte) (*raster.PixelBuffer, error)
	Encode(ctx context.Context, pb *raster.PixelBuffer, opts codec.EncodeOptions) ([]byte, error)
	Resize(ctx context.Context, pb *raster.PixelBuffer, width int) (*raster.PixelBuffer, error)
}

type Candidate struct {
	Width  int
	Height int
	Bytes  int
}

type Result struct {
	Data   []byte
	Width  int
	Height int
	// Met reports whether len(Data) <= the requested budget.
	Met        bool
	Candidates []Candidate
}

// Source is the input of a compression run. Paletted, when set, must be the
// palette encoding of Pixels under the compressor's policy; it saves the first
// re-encode.
type Source struct {
	Pixels   *raster.PixelBuffer
	Paletted []byte
}

type Compressor struct {
	codec  Codec
	policy Policy
}

func NewCompressor(c Codec, policy Policy) (*Compressor, error) {
	if c == nil {
		return nil, errors.New("codec is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid budget policy: %w", err)
	}
	return &Compressor{codec: c, policy: policy}, nil
}

func (c *Compressor) Policy() Policy {
	return c.policy
}

// CompressEncoded decodes data and compresses it.
func (c *Compressor) CompressEncoded(ctx context.Context, data []byte, maxBytes int) (Result, error) {
	pb, err := c.codec.Decode(ctx, data)
	if err != nil {
		return Result{}, err
	}
	return c.Compress(ctx, Source{Pixels: pb}, maxBytes)
}

func (c *Compressor) Compress(ctx context.Context, src Source, maxBytes int) (Result, error) {
	if maxBytes <= 0 {
		return Result{}, errors.New("max bytes must be positive")
	}
	if err := src.Pixels.Validate(); err != nil {
		return Result{}, err
	}

	pb := src.Pixels
	first := src.Paletted
	if first == nil {
		var err error
		first, err = c.codec.Encode(ctx, pb, c.policy.Encode)
		if err != nil {
			return Result{}, fmt.Errorf("palette encode: %w", err)
		}
	}

	best := Result{Data: first, Width: pb.Width, Height: pb.Height}
	trace := []Candidate{{Width: pb.Width, Height: pb.Height, Bytes: len(first)}}
	if len(first) <= maxBytes {
		best.Met = true
		best.Candidates = trace
		return best, nil
	}

	for _, width := range c.widths(pb.Width) {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		resized, err := c.codec.Resize(ctx, pb, width)
		if err != nil {
			return Result{}, fmt.Errorf("resize to %d: %w", width, err)
		}
		data, err := c.codec.Encode(ctx, resized, c.policy.Encode)
		if err != nil {
			return Result{}, fmt.Errorf("encode at width %d: %w", width, err)
		}

		trace = append(trace, Candidate{Width: resized.Width, Height: resized.Height, Bytes: len(data)})
		if len(data) <= len(best.Data) {
			best = Result{Data: data, Width: resized.Width, Height: resized.Height}
		}
		if len(data) <= maxBytes {
			best.Met = true
			break
		}
	}

	best.Candidates = trace
	return best, nil
}

// widths lists the downscale sequence for a source of the given width. Widths
// equal to the source are skipped since the palette pass already covered them.
// If decay would step from above MinWidth to below it, MinWidth itself is the
// last entry.
func (c *Compressor) widths(srcWidth int) []int {
	w := min(srcWidth, c.policy.MaxStartWidth)
	var out []int
	for w >= c.policy.MinWidth {
		if w < srcWidth {
			out = append(out, w)
		}
		next := int(float64(w) * c.policy.Decay)
		if next < c.policy.MinWidth && w > c.policy.MinWidth {
			next = c.policy.MinWidth
		}
		if next >= w {
			break
		}
		w = next
	}
	return out
}
