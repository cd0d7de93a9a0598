package regusage

import (
	"math/bits"

	"tlog.app/go/tlog/tlwire"

	"github.com/slowlang/armjit/compiler/ir"
)

type (
	// Mask is a set of flat register keys of all classes.
	Mask [ir.ClassCount * ir.RegsPerClass / 64]uint64
)

func (m *Mask) Set(k ir.RegKey) { m[k/64] |= 1 << (k % 64) }

func (m Mask) IsSet(k ir.RegKey) bool { return m[k/64]&(1<<(k%64)) != 0 }

func (m Mask) Or(x Mask) (r Mask) {
	for i := range m {
		r[i] = m[i] | x[i]
	}

	return
}

func (m Mask) And(x Mask) (r Mask) {
	for i := range m {
		r[i] = m[i] & x[i]
	}

	return
}

func (m Mask) AndNot(x Mask) (r Mask) {
	for i := range m {
		r[i] = m[i] &^ x[i]
	}

	return
}

func (m Mask) IsZero() bool { return m == Mask{} }

// Class returns the mask bits of one register class.
func (m Mask) Class(c ir.RegClass) uint32 {
	k := int(c) * ir.RegsPerClass

	return uint32(m[k/64] >> (k % 64))
}

// Keys returns set keys of class c in ascending order.
func (m Mask) Keys(c ir.RegClass) []ir.RegKey {
	var r []ir.RegKey

	for b := m.Class(c); b != 0; b &= b - 1 {
		r = append(r, ir.MakeRegKey(c, bits.TrailingZeros32(b)))
	}

	return r
}

func (m Mask) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	b = e.AppendMap(b, int(ir.ClassCount))

	for c := ir.RegClass(0); c < ir.ClassCount; c++ {
		b = e.AppendString(b, c.String())
		b = e.AppendFormat(b, "%#x", m.Class(c))
	}

	return b
}
