package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/freakifranky/image-creator/internal/domain"
)

const SourceTypeLocalFile = domain.SourceTypeLocalFile

var ErrUnsupportedSourceType = errors.New("unsupported source_type")

type Request struct {
	JobID      string
	SourceType string
	ObjectKey  string
	Variants   []domain.Variant
}

type Output struct {
	VariantID string `json:"variant_id"`
	Format    string `json:"format"`
	Path      string `json:"path"`
	Bytes     int    `json:"bytes"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	BudgetMet bool   `json:"budget_met"`
	Masked    int    `json:"masked_pixels"`
	Success   bool   `json:"success"`
}

type Result struct {
	SourceBytes int
	Outputs     []Output
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, variant domain.Variant, img Image) (Output, error)
}

// Processor runs a job: fetch the source once, postprocess it per variant and
// emit every rendition.
type Processor struct {
	fetcher Fetcher
	post    *Postprocessor
	emitter Emitter
}

func NewProcessor(fetcher Fetcher, post *Postprocessor, emitter Emitter) (*Processor, error) {
	if fetcher == nil || emitter == nil {
		return nil, errors.New("fetcher and emitter are required")
	}
	if post == nil {
		return nil, errors.New("postprocessor is required")
	}
	return &Processor{fetcher: fetcher, post: post, emitter: emitter}, nil
}

func NewLocalProcessor(post *Postprocessor, outputDir string) (*Processor, error) {
	return NewProcessor(LocalFileFetcher{}, post, LocalFileEmitter{OutputDir: outputDir})
}

func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, errors.New("job_id is required")
	}
	if len(req.Variants) == 0 {
		return Result{}, errors.New("job must request at least one variant")
	}

	sourceBytes, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stage: %w", err)
	}

	src, err := p.post.Decode(ctx, sourceBytes)
	if err != nil {
		return Result{}, err
	}

	out := Result{
		SourceBytes: src.SourceBytes,
		Outputs:     make([]Output, 0, len(req.Variants)),
	}
	for _, variant := range req.Variants {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		img, err := p.post.PostprocessDecoded(ctx, src, p.post.OptionsFor(variant))
		if err != nil {
			return Result{}, fmt.Errorf("postprocess variant=%s: %w", variant.ID, err)
		}

		written, err := p.emitter.Emit(ctx, req, variant, img)
		if err != nil {
			return Result{}, fmt.Errorf("emit variant=%s: %w", variant.ID, err)
		}
		out.Outputs = append(out.Outputs, written)
	}

	return out, nil
}

func outputFor(variant domain.Variant, path string, img Image) Output {
	return Output{
		VariantID: variant.ID,
		Format:    "png",
		Path:      path,
		Bytes:     len(img.Data),
		Width:     img.Width,
		Height:    img.Height,
		BudgetMet: img.BudgetMet,
		Masked:    img.Removal.Masked,
		Success:   true,
	}
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(req.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", req.ObjectKey, err)
	}
	return data, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, variant domain.Variant, img Image) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}
	if strings.TrimSpace(variant.ID) == "" {
		return Output{}, errors.New("variant id is required")
	}

	fullPath := LocalOutputPath(e.OutputDir, req.JobID, variant.ID)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(fullPath, img.Data, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}

	return outputFor(variant, fullPath, img), nil
}

// LocalOutputPath is <dir>/<job_id>/<variant_id>.png with both ids sanitized.
func LocalOutputPath(dir, jobID, variantID string) string {
	return filepath.Join(dir, sanitizePathToken(jobID), sanitizePathToken(variantID)+".png")
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
