package codec

import (
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

// Resampler scales an image to exactly width x height.
type Resampler interface {
	Name() string
	Scale(src image.Image, width, height int) image.Image
}

const (
	ResamplerLanczos    = "lanczos"
	ResamplerLanczos3   = "lanczos3"
	ResamplerCatmullRom = "catmullrom"
)

func NewResampler(name string) (Resampler, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", ResamplerLanczos:
		return imagingResampler{filter: imaging.Lanczos}, nil
	case ResamplerLanczos3:
		return nfntResampler{}, nil
	case ResamplerCatmullRom:
		return xdrawResampler{}, nil
	default:
		return nil, fmt.Errorf("unknown resampler %q", name)
	}
}

type imagingResampler struct {
	filter imaging.ResampleFilter
}

func (imagingResampler) Name() string { return ResamplerLanczos }

func (r imagingResampler) Scale(src image.Image, width, height int) image.Image {
	return imaging.Resize(src, width, height, r.filter)
}

type nfntResampler struct{}

func (nfntResampler) Name() string { return ResamplerLanczos3 }

func (nfntResampler) Scale(src image.Image, width, height int) image.Image {
	return resize.Resize(uint(width), uint(height), src, resize.Lanczos3)
}

type xdrawResampler struct{}

func (xdrawResampler) Name() string { return ResamplerCatmullRom }

func (xdrawResampler) Scale(src image.Image, width, height int) image.Image {
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}
