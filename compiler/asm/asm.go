package asm

type (
	// Cond is a guest condition code as encoded in instructions.
	Cond uint8

	// Mode is the guest execution mode.
	Mode uint8

	Flag int
)

const (
	Eq Cond = iota
	Ne
	GeUn // carry set
	LtUn // carry clear
	Mi
	Pl
	Vs
	Vc
	GtUn
	LeUn
	Ge
	Lt
	Gt
	Le
	Al
	Nv
)

const (
	Aarch64 Mode = iota
	Aarch32Arm
	Aarch32Thumb
)

// Flag register indices, matching their PSTATE bit positions.
const (
	FlagV Flag = 28
	FlagC Flag = 29
	FlagZ Flag = 30
	FlagN Flag = 31
)

func (c Cond) Invert() Cond { return c ^ 1 }

func (c Cond) String() string {
	return condNames[c&15]
}

var condNames = [16]string{"eq", "ne", "hs", "lo", "mi", "pl", "vs", "vc", "hi", "ls", "ge", "lt", "gt", "le", "al", "nv"}

func (m Mode) Is64() bool { return m == Aarch64 }

func (m Mode) String() string {
	switch m {
	case Aarch64:
		return "aarch64"
	case Aarch32Arm:
		return "aarch32"
	case Aarch32Thumb:
		return "thumb"
	}

	return "mode?"
}
