package codec

import (
	"image"
	"image/color"
	"sort"

	"github.com/freakifranky/image-creator/internal/raster"
	"github.com/soniakeys/quant/median"
)

// maxQuantizeSamples bounds the pixels handed to the median-cut seeder.
const maxQuantizeSamples = 1 << 16

// histEntry is one occupied cell of the 5-bit-per-channel grid: the mean color
// of its pixels and how many there are.
type histEntry struct {
	c [4]uint8
	n int
}

// Quantize maps pb onto a palette of at most colors entries. Images that
// already fit are mapped exactly. Otherwise colors are binned on a 5-bit grid,
// seeded by a median cut and refined by up to iterations k-means passes over
// the bins. Opaque images are seeded by the median quantizer; images with
// partial alpha by a median cut that also splits on alpha. Fully transparent
// pixels always share one (0,0,0,0) entry at index 0.
func Quantize(pb *raster.PixelBuffer, colors, iterations int) *image.Paletted {
	if exact, ok := exactPalette(pb, colors); ok {
		return exact
	}

	entries, cells, hasClear := gridHistogram(pb)
	budget := colors
	if hasClear {
		budget--
	}

	var centroids [][4]uint8
	if pb.Opaque() {
		centroids = medianPalette(pb, budget)
	}
	if len(centroids) == 0 {
		centroids = medianCut(entries, budget)
	}

	assign := make([]int, len(entries))
	for pass := 0; ; pass++ {
		for i, e := range entries {
			assign[i] = nearest(centroids, e.c)
		}
		if pass >= iterations || !refine(centroids, entries, assign) {
			break
		}
	}

	offset := 0
	palette := make(color.Palette, 0, len(centroids)+1)
	if hasClear {
		palette = append(palette, color.NRGBA{})
		offset = 1
	}
	for _, c := range centroids {
		palette = append(palette, color.NRGBA{R: c[0], G: c[1], B: c[2], A: c[3]})
	}

	dst := image.NewPaletted(image.Rect(0, 0, pb.Width, pb.Height), palette)
	for i := 0; i < pb.Pixels(); i++ {
		o := i * raster.Channels
		if pb.Pix[o+3] == 0 {
			continue
		}
		dst.Pix[i] = uint8(assign[cells[cellKey(pb.Pix[o:o+4])]] + offset)
	}
	return dst
}

func packColor(p []byte) uint32 {
	return uint32(p[0])<<24 | uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3])
}

func cellKey(p []byte) uint32 {
	return uint32(p[0]>>3)<<15 | uint32(p[1]>>3)<<10 | uint32(p[2]>>3)<<5 | uint32(p[3]>>3)
}

// exactPalette maps pb losslessly when it has at most colors distinct colors,
// counting every fully transparent pixel as (0,0,0,0).
func exactPalette(pb *raster.PixelBuffer, colors int) (*image.Paletted, bool) {
	index := make(map[uint32]int, colors+1)
	for o := 0; o < len(pb.Pix); o += raster.Channels {
		var k uint32
		if pb.Pix[o+3] != 0 {
			k = packColor(pb.Pix[o : o+4])
		}
		if _, ok := index[k]; ok {
			continue
		}
		if len(index) == colors {
			return nil, false
		}
		index[k] = 0
	}

	// Visible colors never pack to 0, so a transparent entry sorts first.
	keys := make([]uint32, 0, len(index))
	for k := range index {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	palette := make(color.Palette, len(keys))
	for i, k := range keys {
		palette[i] = color.NRGBA{R: uint8(k >> 24), G: uint8(k >> 16), B: uint8(k >> 8), A: uint8(k)}
		index[k] = i
	}

	dst := image.NewPaletted(image.Rect(0, 0, pb.Width, pb.Height), palette)
	for i := 0; i < pb.Pixels(); i++ {
		o := i * raster.Channels
		if pb.Pix[o+3] == 0 {
			dst.Pix[i] = uint8(index[0])
			continue
		}
		dst.Pix[i] = uint8(index[packColor(pb.Pix[o:o+4])])
	}
	return dst, true
}

// gridHistogram bins visible pixels on a 5-bit-per-channel grid, sorted by
// cell so that quantization is deterministic. cells maps a cell key to its
// entry index.
func gridHistogram(pb *raster.PixelBuffer) ([]histEntry, map[uint32]int, bool) {
	type cellSum struct {
		sum [4]int
		n   int
	}
	sums := make(map[uint32]*cellSum)
	hasClear := false
	for o := 0; o < len(pb.Pix); o += raster.Channels {
		if pb.Pix[o+3] == 0 {
			hasClear = true
			continue
		}
		k := cellKey(pb.Pix[o : o+4])
		cs := sums[k]
		if cs == nil {
			cs = &cellSum{}
			sums[k] = cs
		}
		for ch := 0; ch < 4; ch++ {
			cs.sum[ch] += int(pb.Pix[o+ch])
		}
		cs.n++
	}

	keys := make([]uint32, 0, len(sums))
	for k := range sums {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	entries := make([]histEntry, len(keys))
	cells := make(map[uint32]int, len(keys))
	for i, k := range keys {
		cs := sums[k]
		var c [4]uint8
		for ch := 0; ch < 4; ch++ {
			c[ch] = uint8((cs.sum[ch] + cs.n/2) / cs.n)
		}
		entries[i] = histEntry{c: c, n: cs.n}
		cells[k] = i
	}
	return entries, cells, hasClear
}

// medianPalette seeds an opaque palette of up to n colors from a strided sample
// of pb.
func medianPalette(pb *raster.PixelBuffer, n int) [][4]uint8 {
	var src image.Image = pb.NRGBA()
	if step := sampleStep(pb.Pixels()); step > 1 {
		src = sampledImage{src: src, step: step}
	}

	pal := median.Quantizer(n).Quantize(make(color.Palette, 0, n), src)
	out := make([][4]uint8, 0, min(len(pal), n))
	for _, c := range pal[:min(len(pal), n)] {
		nc := color.NRGBAModel.Convert(c).(color.NRGBA)
		out = append(out, [4]uint8{nc.R, nc.G, nc.B, 0xff})
	}
	return out
}

func sampleStep(pixels int) int {
	step := 1
	for pixels/(step*step) > maxQuantizeSamples {
		step++
	}
	return step
}

// sampledImage exposes every step-th pixel of src in both directions.
type sampledImage struct {
	src  image.Image
	step int
}

func (s sampledImage) ColorModel() color.Model { return s.src.ColorModel() }

func (s sampledImage) Bounds() image.Rectangle {
	b := s.src.Bounds()
	return image.Rect(0, 0, (b.Dx()+s.step-1)/s.step, (b.Dy()+s.step-1)/s.step)
}

func (s sampledImage) At(x, y int) color.Color {
	b := s.src.Bounds()
	return s.src.At(b.Min.X+x*s.step, b.Min.Y+y*s.step)
}

type colorBox struct {
	entries []histEntry
}

func (b colorBox) widest() (channel int, span int) {
	for ch := 0; ch < 4; ch++ {
		lo, hi := uint8(255), uint8(0)
		for _, e := range b.entries {
			lo = min(lo, e.c[ch])
			hi = max(hi, e.c[ch])
		}
		if s := int(hi) - int(lo); s > span {
			channel, span = ch, s
		}
	}
	return channel, span
}

func (b colorBox) mean() [4]uint8 {
	var sum [4]int
	total := 0
	for _, e := range b.entries {
		for ch := 0; ch < 4; ch++ {
			sum[ch] += int(e.c[ch]) * e.n
		}
		total += e.n
	}
	var out [4]uint8
	for ch := 0; ch < 4; ch++ {
		out[ch] = uint8((sum[ch] + total/2) / total)
	}
	return out
}

func medianCut(entries []histEntry, k int) [][4]uint8 {
	work := make([]histEntry, len(entries))
	copy(work, entries)
	boxes := []colorBox{{entries: work}}

	for len(boxes) < k {
		pick, ch, best := -1, 0, 0
		for i, b := range boxes {
			if len(b.entries) < 2 {
				continue
			}
			c, span := b.widest()
			if score := span * len(b.entries); score > best {
				pick, ch, best = i, c, score
			}
		}
		if pick < 0 {
			break
		}

		b := boxes[pick]
		sort.SliceStable(b.entries, func(i, j int) bool { return b.entries[i].c[ch] < b.entries[j].c[ch] })

		total := 0
		for _, e := range b.entries {
			total += e.n
		}
		split, acc := 1, 0
		for i, e := range b.entries[:len(b.entries)-1] {
			acc += e.n
			if acc*2 >= total {
				split = i + 1
				break
			}
		}

		boxes[pick] = colorBox{entries: b.entries[:split]}
		boxes = append(boxes, colorBox{entries: b.entries[split:]})
	}

	out := make([][4]uint8, len(boxes))
	for i, b := range boxes {
		out[i] = b.mean()
	}
	return out
}

func nearest(palette [][4]uint8, c [4]uint8) int {
	best, bestDist := 0, int(^uint(0)>>1)
	for i, p := range palette {
		d := 0
		for ch := 0; ch < 4; ch++ {
			v := int(p[ch]) - int(c[ch])
			d += v * v
		}
		if d < bestDist {
			best, bestDist = i, d
			if d == 0 {
				break
			}
		}
	}
	return best
}

// refine moves each centroid to the weighted mean of its members and reports
// whether anything moved.
func refine(centroids [][4]uint8, entries []histEntry, assign []int) bool {
	sums := make([][4]int, len(centroids))
	totals := make([]int, len(centroids))
	for i, e := range entries {
		k := assign[i]
		for ch := 0; ch < 4; ch++ {
			sums[k][ch] += int(e.c[ch]) * e.n
		}
		totals[k] += e.n
	}

	moved := false
	for k := range centroids {
		if totals[k] == 0 {
			continue
		}
		var next [4]uint8
		for ch := 0; ch < 4; ch++ {
			next[ch] = uint8((sums[k][ch] + totals[k]/2) / totals[k])
		}
		if next != centroids[k] {
			centroids[k] = next
			moved = true
		}
	}
	return moved
}
