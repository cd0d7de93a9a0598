// Package vm manages host memory outside of the Go heap.
package vm

type Prot int

const (
	ProtNone Prot = 0
	ProtRead Prot = 1 << (iota - 1)
	ProtWrite
	ProtExec

	ProtRW  = ProtRead | ProtWrite
	ProtRX  = ProtRead | ProtExec
	ProtRWX = ProtRead | ProtWrite | ProtExec
)

// AlignUp rounds x up to a multiple of a, a power of two.
func AlignUp(x, a int) int {
	return (x + a - 1) &^ (a - 1)
}

func (p Prot) String() string {
	b := []byte("---")

	if p&ProtRead != 0 {
		b[0] = 'r'
	}

	if p&ProtWrite != 0 {
		b[1] = 'w'
	}

	if p&ProtExec != 0 {
		b[2] = 'x'
	}

	return string(b)
}
