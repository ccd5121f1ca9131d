package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/freakifranky/image-creator/internal/background"
	"github.com/freakifranky/image-creator/internal/budget"
	"github.com/freakifranky/image-creator/internal/codec"
	"github.com/freakifranky/image-creator/internal/domain"
	"github.com/freakifranky/image-creator/internal/raster"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Options toggles the two postprocessing stages. The zero value re-encodes the
// input losslessly as PNG.
type Options struct {
	TransparentBackground bool
	Removal               background.Options
	// MaxBytes enables the budget pass when positive.
	MaxBytes int
}

// Image is a postprocessed PNG.
type Image struct {
	Data        []byte
	Width       int
	Height      int
	SourceBytes int
	// BudgetMet is false only when a budget was requested and not reached.
	BudgetMet  bool
	Compressed bool
	Candidates int
	Removal    background.Stats
}

type Config struct {
	Removal background.Options
	Budget  budget.Policy
}

func DefaultConfig() Config {
	return Config{
		Removal: background.DefaultOptions(),
		Budget:  budget.DefaultPolicy(),
	}
}

// Postprocessor runs decode -> optional background removal -> encode -> optional
// budget compression. It holds no per-request state and is safe for concurrent use.
type Postprocessor struct {
	codec      codec.Codec
	compressor *budget.Compressor
	removal    background.Options
	paletted   codec.EncodeOptions
	tracer     trace.Tracer
}

func NewPostprocessor(c codec.Codec, cfg Config) (*Postprocessor, error) {
	if c == nil {
		return nil, errors.New("codec is required")
	}
	compressor, err := budget.NewCompressor(c, cfg.Budget)
	if err != nil {
		return nil, err
	}

	return &Postprocessor{
		codec:      c,
		compressor: compressor,
		removal:    cfg.Removal.Normalize(),
		paletted:   cfg.Budget.Encode,
		tracer:     otel.Tracer("image-creator/pipeline"),
	}, nil
}

// OptionsFor resolves a variant against the configured removal defaults.
func (p *Postprocessor) OptionsFor(v domain.Variant) Options {
	removal := p.removal
	if v.WhiteThreshold != nil {
		removal.WhiteThreshold = uint8(clamp(*v.WhiteThreshold, 0, 255))
	}
	if v.Softness != nil {
		removal.Softness = uint8(clamp(*v.Softness, 0, 255))
	}
	return Options{
		TransparentBackground: v.TransparentBackground,
		Removal:               removal.Normalize(),
		MaxBytes:              v.MaxBytes(),
	}
}

// Decoded is a source decoded once and shared by every variant of a job.
// Postprocessing never mutates Pixels.
type Decoded struct {
	Pixels      *raster.PixelBuffer
	SourceBytes int
}

func (p *Postprocessor) Decode(ctx context.Context, input []byte) (Decoded, error) {
	pb, err := traced(ctx, p.tracer, "pipeline.decode", func(ctx context.Context) (*raster.PixelBuffer, error) {
		return p.codec.Decode(ctx, input)
	})
	if err != nil {
		return Decoded{}, fmt.Errorf("decode stage: %w", err)
	}
	return Decoded{Pixels: pb, SourceBytes: len(input)}, nil
}

func (p *Postprocessor) Postprocess(ctx context.Context, input []byte, opts Options) (Image, error) {
	return p.run(ctx, len(input), opts, func(ctx context.Context) (Decoded, error) {
		return p.Decode(ctx, input)
	})
}

// PostprocessDecoded runs the pipeline on an already decoded source.
func (p *Postprocessor) PostprocessDecoded(ctx context.Context, src Decoded, opts Options) (Image, error) {
	return p.run(ctx, src.SourceBytes, opts, func(context.Context) (Decoded, error) {
		if err := src.Pixels.Validate(); err != nil {
			return Decoded{}, fmt.Errorf("decode stage: %w", err)
		}
		return src, nil
	})
}

func (p *Postprocessor) run(ctx context.Context, sourceBytes int, opts Options, source func(context.Context) (Decoded, error)) (Image, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.postprocess")
	span.SetAttributes(
		attribute.Int("image.source_bytes", sourceBytes),
		attribute.Bool("image.transparent_bg", opts.TransparentBackground),
		attribute.Int("image.max_bytes", opts.MaxBytes),
	)
	defer span.End()

	out, err := func() (Image, error) {
		src, err := source(ctx)
		if err != nil {
			return Image{}, err
		}
		return p.postprocess(ctx, src, opts)
	}()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "postprocess failed")
		return Image{}, err
	}

	span.SetAttributes(
		attribute.Int("image.output_bytes", len(out.Data)),
		attribute.Int("image.width", out.Width),
		attribute.Bool("image.budget_met", out.BudgetMet),
	)
	return out, nil
}

func (p *Postprocessor) postprocess(ctx context.Context, src Decoded, opts Options) (Image, error) {
	pb := src.Pixels
	var err error
	out := Image{SourceBytes: src.SourceBytes, BudgetMet: true}
	encodeOpts := codec.EncodeOptions{Effort: codec.EffortMax}

	if opts.TransparentBackground {
		var stats background.Stats
		pb, err = traced(ctx, p.tracer, "pipeline.remove_background", func(ctx context.Context) (*raster.PixelBuffer, error) {
			removed, s, err := background.Remove(ctx, pb, opts.Removal)
			stats = s
			return removed, err
		})
		if err != nil {
			return Image{}, fmt.Errorf("background stage: %w", err)
		}
		out.Removal = stats
		encodeOpts = p.paletted
	}

	data, err := traced(ctx, p.tracer, "pipeline.encode", func(ctx context.Context) ([]byte, error) {
		return p.codec.Encode(ctx, pb, encodeOpts)
	})
	if err != nil {
		return Image{}, fmt.Errorf("encode stage: %w", err)
	}
	out.Data, out.Width, out.Height = data, pb.Width, pb.Height

	if opts.MaxBytes <= 0 || len(data) <= opts.MaxBytes {
		return out, nil
	}

	budgetSrc := budget.Source{Pixels: pb}
	if encodeOpts.Palette {
		budgetSrc.Paletted = data
	}
	res, err := traced(ctx, p.tracer, "pipeline.compress", func(ctx context.Context) (budget.Result, error) {
		return p.compressor.Compress(ctx, budgetSrc, opts.MaxBytes)
	})
	if err != nil {
		return Image{}, fmt.Errorf("compress stage: %w", err)
	}

	out.Data, out.Width, out.Height = res.Data, res.Width, res.Height
	out.BudgetMet = res.Met
	out.Compressed = true
	out.Candidates = len(res.Candidates)
	return out, nil
}

func traced[T any](ctx context.Context, tracer trace.Tracer, name string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()

	v, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
	}
	return v, err
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
