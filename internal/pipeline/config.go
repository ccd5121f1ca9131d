package pipeline

import (
	"fmt"

	"github.com/freakifranky/image-creator/internal/background"
	"github.com/freakifranky/image-creator/internal/codec"
	"github.com/freakifranky/image-creator/internal/config"
)

// ConfigFrom maps the environment-driven settings onto removal and budget
// options. Out-of-range thresholds are clamped to a byte.
func ConfigFrom(pc config.PostprocessConfig) (Config, error) {
	mode, err := background.ParseMode(pc.Mode)
	if err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	cfg.Removal = background.Options{
		WhiteThreshold: uint8(clamp(pc.WhiteThreshold, 0, 255)),
		Softness:       uint8(clamp(pc.Softness, 0, 255)),
		Mode:           mode,
		Workers:        pc.Workers,
	}.Normalize()

	cfg.Budget.MaxStartWidth = pc.MaxStartWidth
	cfg.Budget.MinWidth = pc.MinWidth
	cfg.Budget.Decay = pc.Decay
	cfg.Budget.Encode.Colors = pc.PaletteColors
	cfg.Budget.Encode.Iterations = pc.PaletteIterations
	if err := cfg.Budget.Validate(); err != nil {
		return Config{}, fmt.Errorf("postprocess config: %w", err)
	}
	return cfg, nil
}

// NewFromConfig builds the codec named by pc.Backend and a Postprocessor on top of it.
func NewFromConfig(pc config.PostprocessConfig) (*Postprocessor, error) {
	cfg, err := ConfigFrom(pc)
	if err != nil {
		return nil, err
	}

	c, err := codec.New(codec.Config{Backend: pc.Backend, Resampler: pc.Resampler})
	if err != nil {
		return nil, fmt.Errorf("initialize codec: %w", err)
	}
	return NewPostprocessor(c, cfg)
}
