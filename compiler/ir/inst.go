package ir

const (
	Nop Inst = iota

	Add
	BitwiseAnd
	BitwiseExclusiveOr
	BitwiseNot
	BitwiseOr
	ByteSwap
	Call
	CompareAndSwap
	Compare
	ConditionalSelect
	ConvertI64ToI32
	Copy
	CountLeadingZeros
	Divide
	DivideUI
	Load
	Load8
	Load16
	LoadArgument
	MemoryBarrier
	Multiply
	Multiply64HighSI
	Multiply64HighUI
	Negate
	Phi
	Return
	RotateRight
	ShiftLeft
	ShiftRightSI
	ShiftRightUI
	SignExtend8
	SignExtend16
	SignExtend32
	Store
	Store8
	Store16
	Subtract
	Tailcall
	VectorCreateScalar
	VectorExtract
	VectorInsert
	VectorZero
	ZeroExtend8
	ZeroExtend16
	ZeroExtend32

	BranchIf

	LoadFromContext
	StoreToContext

	InstCount
)

var instNames = [...]string{
	Nop:                "nop",
	Add:                "add",
	BitwiseAnd:         "and",
	BitwiseExclusiveOr: "xor",
	BitwiseNot:         "not",
	BitwiseOr:          "or",
	ByteSwap:           "bswap",
	Call:               "call",
	CompareAndSwap:     "cas",
	Compare:            "cmp",
	ConditionalSelect:  "csel",
	ConvertI64ToI32:    "trunc",
	Copy:               "copy",
	CountLeadingZeros:  "clz",
	Divide:             "div",
	DivideUI:           "divu",
	Load:               "load",
	Load8:              "load8",
	Load16:             "load16",
	LoadArgument:       "arg",
	MemoryBarrier:      "barrier",
	Multiply:           "mul",
	Multiply64HighSI:   "mulhs",
	Multiply64HighUI:   "mulhu",
	Negate:             "neg",
	Phi:                "phi",
	Return:             "ret",
	RotateRight:        "ror",
	ShiftLeft:          "shl",
	ShiftRightSI:       "sar",
	ShiftRightUI:       "shr",
	SignExtend8:        "sext8",
	SignExtend16:       "sext16",
	SignExtend32:       "sext32",
	Store:              "store",
	Store8:             "store8",
	Store16:            "store16",
	Subtract:           "sub",
	Tailcall:           "tailcall",
	VectorCreateScalar: "vscalar",
	VectorExtract:      "vextract",
	VectorInsert:       "vinsert",
	VectorZero:         "vzero",
	ZeroExtend8:        "zext8",
	ZeroExtend16:       "zext16",
	ZeroExtend32:       "zext32",
	BranchIf:           "brif",
	LoadFromContext:    "ctxload",
	StoreToContext:     "ctxstore",
}

func (i Inst) String() string {
	if int(i) < len(instNames) && instNames[i] != "" {
		return instNames[i]
	}

	return "inst?"
}

// IsTerminator reports whether the instruction must end its block.
func (i Inst) IsTerminator() bool {
	return i == BranchIf || i == Return || i == Tailcall
}

// HasSideEffects reports whether the instruction may not be removed when its result is unused.
func (i Inst) HasSideEffects() bool {
	switch i {
	case Call, CompareAndSwap, MemoryBarrier, Return, Store, Store8, Store16, Tailcall, BranchIf,
		LoadFromContext, StoreToContext:
		return true
	}

	return false
}
