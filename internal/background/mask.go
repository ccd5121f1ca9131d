package background

import "math/bits"

// Mask holds one bit per pixel; a set bit marks a background-connected pixel.
type Mask struct {
	words []uint64
	size  int
}

func NewMask(size int) *Mask {
	return &Mask{
		words: make([]uint64, (size+63)/64),
		size:  size,
	}
}

func (m *Mask) Set(i int) {
	m.words[i>>6] |= 1 << (uint(i) & 63)
}

func (m *Mask) Has(i int) bool {
	return m.words[i>>6]&(1<<(uint(i)&63)) != 0
}

func (m *Mask) Len() int {
	return m.size
}

func (m *Mask) Count() int {
	n := 0
	for _, w := range m.words {
		n += bits.OnesCount64(w)
	}
	return n
}
