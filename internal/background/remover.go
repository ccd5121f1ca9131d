// Package background turns a near-white studio background into transparency.
//
// The default mode flood-fills from the four image corners through 4-connected
// near-white pixels, so white regions enclosed by the product survive. Pixels on
// the boundary of the filled region are feathered: their alpha fades towards 0
// as their average intensity approaches the white threshold.
package background

import (
	"context"
	"fmt"
	"math"

	"github.com/freakifranky/image-creator/internal/raster"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWhiteThreshold uint8 = 248
	DefaultSoftness       uint8 = 6
)

type Mode string

const (
	ModeFloodFill Mode = "flood_fill"

	// ModeGlobal clears every near-white pixel regardless of connectivity and
	// feathers every pixel inside the softness band.
	//
	// Deprecated: it erases white highlights enclosed by the product. Use
	// ModeFloodFill.
	ModeGlobal Mode = "global"
)

type Options struct {
	WhiteThreshold uint8
	Softness       uint8
	Mode           Mode
	// Workers bounds the goroutines used to commit alpha after the mask is built.
	Workers int
}

func DefaultOptions() Options {
	return Options{
		WhiteThreshold: DefaultWhiteThreshold,
		Softness:       DefaultSoftness,
		Mode:           ModeFloodFill,
		Workers:        1,
	}
}

// Normalize clamps Softness so that WhiteThreshold-Softness never drops below zero.
func (o Options) Normalize() Options {
	if o.Softness > o.WhiteThreshold {
		o.Softness = o.WhiteThreshold
	}
	if o.Mode == "" {
		o.Mode = ModeFloodFill
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	return o
}

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeFloodFill:
		return ModeFloodFill, nil
	case ModeGlobal:
		return ModeGlobal, nil
	default:
		return "", fmt.Errorf("unknown background removal mode %q", s)
	}
}

type Stats struct {
	Masked    int
	Feathered int
}

// Remove returns a new buffer in which background pixels are transparent. Only
// the alpha channel changes; src is never mutated.
func Remove(ctx context.Context, src *raster.PixelBuffer, opts Options) (*raster.PixelBuffer, Stats, error) {
	if err := src.Validate(); err != nil {
		return nil, Stats{}, err
	}
	opts = opts.Normalize()

	out := src.Clone()
	if src.Width < 2 || src.Height < 2 {
		return out, Stats{}, nil
	}

	var mask *Mask
	switch opts.Mode {
	case ModeGlobal:
		mask = thresholdMask(out, opts.WhiteThreshold)
	default:
		mask = BuildMask(out, opts.WhiteThreshold)
	}

	feathered, err := commitAlpha(ctx, out, mask, opts)
	if err != nil {
		return nil, Stats{}, err
	}
	return out, Stats{Masked: mask.Count(), Feathered: feathered}, nil
}

func isWhite(pix []byte, i int, threshold uint8) bool {
	o := i * raster.Channels
	return pix[o] >= threshold && pix[o+1] >= threshold && pix[o+2] >= threshold
}

// BuildMask marks every near-white pixel reachable from a corner through a
// 4-connected path of near-white pixels. The traversal uses an explicit stack.
func BuildMask(pb *raster.PixelBuffer, threshold uint8) *Mask {
	w, h := pb.Width, pb.Height
	n := w * h
	mask := NewMask(n)

	stack := make([]int, 0, 1024)
	push := func(i int) {
		if mask.Has(i) || !isWhite(pb.Pix, i, threshold) {
			return
		}
		mask.Set(i)
		stack = append(stack, i)
	}

	for _, corner := range [4]int{0, w - 1, (h - 1) * w, n - 1} {
		push(corner)
	}

	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		x := i % w
		if x > 0 {
			push(i - 1)
		}
		if x < w-1 {
			push(i + 1)
		}
		if i >= w {
			push(i - w)
		}
		if i+w < n {
			push(i + w)
		}
	}
	return mask
}

func thresholdMask(pb *raster.PixelBuffer, threshold uint8) *Mask {
	mask := NewMask(pb.Pixels())
	for i := 0; i < pb.Pixels(); i++ {
		if isWhite(pb.Pix, i, threshold) {
			mask.Set(i)
		}
	}
	return mask
}

func touchesMask(mask *Mask, i, x, y, w, h int) bool {
	return (x > 0 && mask.Has(i-1)) ||
		(x < w-1 && mask.Has(i+1)) ||
		(y > 0 && mask.Has(i-w)) ||
		(y < h-1 && mask.Has(i+w))
}

// featherAlpha maps an average intensity inside the softness band to an alpha
// ceiling: threshold-softness stays opaque and threshold becomes transparent.
func featherAlpha(avg float64, threshold, softness uint8) (uint8, bool) {
	if softness == 0 {
		return 0, false
	}
	th := float64(threshold)
	if avg < th-float64(softness) {
		return 0, false
	}
	t := (th - avg) / float64(softness)
	t = math.Max(0, math.Min(1, t))
	return uint8(math.Round(t * 255)), true
}

// commitAlpha writes alpha for the whole image once the mask is final. Rows are
// split across workers; each worker only writes alpha of its own rows and reads
// RGB and the mask, neither of which changes here.
func commitAlpha(ctx context.Context, pb *raster.PixelBuffer, mask *Mask, opts Options) (int, error) {
	w, h := pb.Width, pb.Height
	workers := min(opts.Workers, h)
	rowsPer := (h + workers - 1) / workers
	counts := make([]int, workers)
	adjacentOnly := opts.Mode != ModeGlobal

	g, ctx := errgroup.WithContext(ctx)
	for k := 0; k < workers; k++ {
		y0 := k * rowsPer
		y1 := min(h, y0+rowsPer)
		g.Go(func() error {
			for y := y0; y < y1; y++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				for x := 0; x < w; x++ {
					i := y*w + x
					o := i*raster.Channels + 3
					if mask.Has(i) {
						pb.Pix[o] = 0
						continue
					}
					if adjacentOnly && !touchesMask(mask, i, x, y, w, h) {
						continue
					}
					p := pb.Pix[o-3 : o]
					avg := float64(int(p[0])+int(p[1])+int(p[2])) / 3
					if a, ok := featherAlpha(avg, opts.WhiteThreshold, opts.Softness); ok && a < pb.Pix[o] {
						pb.Pix[o] = a
						counts[k]++
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	total := 0
	for _, c := range counts {
		total += c
	}
	return total, nil
}
