package set

type (
	Key interface {
		~int | ~int64
	}

	// Bits is a sparse growable set of keys not below base.
	// Copies share storage.
	Bits[K Key] struct {
		base K
		w    []uint64
	}
)

func MakeBits[K Key](base K) Bits[K] {
	return Bits[K]{base: base}
}

func (s *Bits[K]) Set(k K) {
	i, j := s.word(k)
	if i < 0 {
		panic("key below base")
	}

	for i >= len(s.w) {
		s.w = append(s.w, 0)
	}

	s.w[i] |= 1 << j
}

func (s Bits[K]) IsSet(k K) bool {
	i, j := s.word(k)
	if i < 0 || i >= len(s.w) {
		return false
	}

	return s.w[i]>>j&1 != 0
}

func (s Bits[K]) word(k K) (int, uint) {
	p := int(k - s.base)
	if p < 0 {
		return -1, 0
	}

	return p / 64, uint(p % 64)
}
