package set

import "math/bits"

type (
	// Bitmap is a dense set of small non-negative ints, block indices mostly.
	Bitmap struct {
		w []uint64
	}
)

func NewBitmap(n int) *Bitmap {
	return &Bitmap{w: make([]uint64, (n+63)/64)}
}

func (s *Bitmap) Set(i int) {
	for i/64 >= len(s.w) {
		s.w = append(s.w, 0)
	}

	s.w[i/64] |= 1 << (i % 64)
}

// TrySet sets the bit and reports whether it was clear before.
func (s *Bitmap) TrySet(i int) bool {
	if s.IsSet(i) {
		return false
	}

	s.Set(i)

	return true
}

func (s *Bitmap) IsSet(i int) bool {
	if i < 0 || i/64 >= len(s.w) {
		return false
	}

	return s.w[i/64]>>(i%64)&1 != 0
}

// Size is the number of set bits.
func (s *Bitmap) Size() (n int) {
	for _, w := range s.w {
		n += bits.OnesCount64(w)
	}

	return n
}
