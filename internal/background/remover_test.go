package background

import (
	"context"
	"math/rand"
	"testing"

	"github.com/freakifranky/image-creator/internal/raster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rgb struct{ r, g, b uint8 }

var (
	white = rgb{255, 255, 255}
	black = rgb{0, 0, 0}
)

func filled(t testing.TB, w, h int, c rgb) *raster.PixelBuffer {
	t.Helper()
	pb, err := raster.New(w, h)
	require.NoError(t, err)
	for i := 0; i < pb.Pixels(); i++ {
		setPixel(pb, i%w, i/w, c)
	}
	return pb
}

func setPixel(pb *raster.PixelBuffer, x, y int, c rgb) {
	o := pb.Offset(x, y)
	pb.Pix[o], pb.Pix[o+1], pb.Pix[o+2], pb.Pix[o+3] = c.r, c.g, c.b, 255
}

func fillRect(pb *raster.PixelBuffer, x0, y0, x1, y1 int, c rgb) {
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			setPixel(pb, x, y, c)
		}
	}
}

func alphaAt(pb *raster.PixelBuffer, x, y int) uint8 {
	return pb.Pix[pb.Offset(x, y)+3]
}

func TestRemoveAllWhiteBecomesTransparent(t *testing.T) {
	src := filled(t, 1024, 1024, white)

	out, stats, err := Remove(context.Background(), src, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 1024*1024, stats.Masked)
	for i := 3; i < len(out.Pix); i += raster.Channels {
		if out.Pix[i] != 0 {
			t.Fatalf("pixel %d kept alpha %d", i/raster.Channels, out.Pix[i])
		}
	}
}

func TestRemoveKeepsCenteredProduct(t *testing.T) {
	src := filled(t, 512, 512, white)
	fillRect(src, 206, 206, 306, 306, black)

	out, _, err := Remove(context.Background(), src, Options{WhiteThreshold: 248, Softness: 6})
	require.NoError(t, err)

	for y := 0; y < 512; y++ {
		for x := 0; x < 512; x++ {
			inSquare := x >= 206 && x < 306 && y >= 206 && y < 306
			want := uint8(0)
			if inSquare {
				want = 255
			}
			if got := alphaAt(out, x, y); got != want {
				t.Fatalf("alpha at (%d,%d) = %d, want %d", x, y, got, want)
			}
		}
	}
}

func TestRemoveKeepsEnclosedWhite(t *testing.T) {
	src := filled(t, 64, 64, white)
	fillRect(src, 16, 16, 48, 48, black)
	fillRect(src, 20, 20, 44, 44, white)

	out, stats, err := Remove(context.Background(), src, DefaultOptions())
	require.NoError(t, err)

	for y := 20; y < 44; y++ {
		for x := 20; x < 44; x++ {
			require.Equal(t, uint8(255), alphaAt(out, x, y), "enclosed pixel (%d,%d)", x, y)
		}
	}
	assert.Equal(t, 64*64-32*32, stats.Masked)
}

func TestRemoveGlobalModeErasesEnclosedWhite(t *testing.T) {
	src := filled(t, 64, 64, white)
	fillRect(src, 16, 16, 48, 48, black)
	fillRect(src, 20, 20, 44, 44, white)

	out, _, err := Remove(context.Background(), src, Options{WhiteThreshold: 248, Softness: 6, Mode: ModeGlobal})
	require.NoError(t, err)
	assert.Equal(t, uint8(0), alphaAt(out, 30, 30))
	assert.Equal(t, uint8(255), alphaAt(out, 17, 17))
}

func TestRemoveClearsWhiteCorners(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	src := filled(t, 40, 30, black)
	for i := range src.Pix {
		if i%raster.Channels != 3 {
			src.Pix[i] = uint8(rng.Intn(256))
		}
	}
	corners := [][2]int{{0, 0}, {39, 0}, {0, 29}, {39, 29}}
	for _, c := range corners {
		setPixel(src, c[0], c[1], rgb{250, 252, 249})
	}

	out, _, err := Remove(context.Background(), src, DefaultOptions())
	require.NoError(t, err)
	for _, c := range corners {
		assert.Equal(t, uint8(0), alphaAt(out, c[0], c[1]), "corner %v", c)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	src := filled(t, 48, 48, white)
	for x := 8; x < 40; x++ {
		// soft gradient ring around the product exercises feathering
		fillRect(src, x, 8, x+1, 40, rgb{uint8(210 + x), uint8(210 + x), uint8(210 + x)})
	}
	fillRect(src, 16, 16, 32, 32, rgb{30, 60, 90})

	once, _, err := Remove(context.Background(), src, DefaultOptions())
	require.NoError(t, err)
	twice, _, err := Remove(context.Background(), once, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, once.Pix, twice.Pix)
}

func TestRemoveNoBackgroundLeavesAlpha(t *testing.T) {
	src := filled(t, 10, 10, rgb{120, 130, 140})
	src.Pix[3] = 77

	out, stats, err := Remove(context.Background(), src, DefaultOptions())
	require.NoError(t, err)

	assert.Zero(t, stats.Masked)
	assert.Zero(t, stats.Feathered)
	assert.Equal(t, src.Pix, out.Pix)
}

func TestRemoveFeathersBoundary(t *testing.T) {
	src := filled(t, 8, 8, white)
	fillRect(src, 3, 3, 5, 5, rgb{245, 245, 245})

	out, stats, err := Remove(context.Background(), src, Options{WhiteThreshold: 248, Softness: 6})
	require.NoError(t, err)

	// t = (248-245)/6 = 0.5 -> round(127.5)
	assert.Equal(t, uint8(128), alphaAt(out, 3, 3))
	assert.Equal(t, 4, stats.Feathered)
}

func TestRemoveZeroSoftnessDisablesFeathering(t *testing.T) {
	src := filled(t, 8, 8, white)
	fillRect(src, 3, 3, 5, 5, rgb{245, 245, 245})

	out, stats, err := Remove(context.Background(), src, Options{WhiteThreshold: 248, Softness: 0})
	require.NoError(t, err)

	assert.Equal(t, uint8(255), alphaAt(out, 3, 3))
	assert.Zero(t, stats.Feathered)
	assert.Equal(t, uint8(0), alphaAt(out, 0, 0))
}

func TestRemoveFeatherOnlyTouchesMaskNeighbours(t *testing.T) {
	src := filled(t, 9, 9, white)
	fillRect(src, 2, 2, 7, 7, rgb{245, 245, 245})

	out, _, err := Remove(context.Background(), src, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, uint8(128), alphaAt(out, 2, 4))
	assert.Equal(t, uint8(255), alphaAt(out, 4, 4), "interior pixel is not adjacent to the mask")
}

func TestRemoveThinImageUnchanged(t *testing.T) {
	src := filled(t, 1, 12, white)

	out, stats, err := Remove(context.Background(), src, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, src.Pix, out.Pix)
	assert.Zero(t, stats.Masked)
}

func TestRemoveDoesNotMutateSource(t *testing.T) {
	src := filled(t, 16, 16, white)
	before := append([]byte(nil), src.Pix...)

	_, _, err := Remove(context.Background(), src, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, before, src.Pix)
}

func TestRemoveWorkersMatchSequential(t *testing.T) {
	src := filled(t, 97, 61, white)
	fillRect(src, 20, 10, 70, 50, rgb{243, 244, 246})
	fillRect(src, 30, 20, 60, 40, black)

	seq, seqStats, err := Remove(context.Background(), src, Options{WhiteThreshold: 248, Softness: 10, Workers: 1})
	require.NoError(t, err)
	par, parStats, err := Remove(context.Background(), src, Options{WhiteThreshold: 248, Softness: 10, Workers: 7})
	require.NoError(t, err)

	assert.Equal(t, seq.Pix, par.Pix)
	assert.Equal(t, seqStats, parStats)
}

func TestRemoveOnlyChangesAlpha(t *testing.T) {
	src := filled(t, 32, 32, white)
	fillRect(src, 10, 10, 20, 20, rgb{246, 247, 250})

	out, _, err := Remove(context.Background(), src, DefaultOptions())
	require.NoError(t, err)
	for i := range src.Pix {
		if i%raster.Channels == 3 {
			continue
		}
		require.Equal(t, src.Pix[i], out.Pix[i], "rgb byte %d changed", i)
	}
}

func TestRemoveRejectsInvalidBuffer(t *testing.T) {
	_, _, err := Remove(context.Background(), &raster.PixelBuffer{Pix: make([]byte, 3), Width: 1, Height: 1}, DefaultOptions())
	assert.ErrorIs(t, err, raster.ErrBufferSize)
}

func TestRemoveHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := Remove(ctx, filled(t, 8, 8, white), DefaultOptions())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalizeClampsSoftness(t *testing.T) {
	opts := Options{WhiteThreshold: 4, Softness: 10}.Normalize()
	assert.Equal(t, uint8(4), opts.Softness)
	assert.Equal(t, ModeFloodFill, opts.Mode)
	assert.Equal(t, 1, opts.Workers)
}

func TestMaskBits(t *testing.T) {
	m := NewMask(130)
	m.Set(0)
	m.Set(64)
	m.Set(129)
	assert.True(t, m.Has(64))
	assert.False(t, m.Has(65))
	assert.Equal(t, 3, m.Count())
	assert.Equal(t, 130, m.Len())
}

func BenchmarkRemove(b *testing.B) {
	src := filled(b, 1024, 1024, white)
	fillRect(src, 256, 256, 768, 768, rgb{90, 40, 20})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := Remove(context.Background(), src, DefaultOptions()); err != nil {
			b.Fatalf("remove: %v", err)
		}
	}
}
