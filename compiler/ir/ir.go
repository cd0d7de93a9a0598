package ir

type (
	Type uint8
	Kind uint8

	RegClass uint8

	// RegKey is a flat register identity: class*RegsPerClass + index.
	RegKey int

	Inst uint8

	Comparison uint8

	OpFlags uint8

	SymbolType uint8

	// Symbol marks a constant that must be patched when code is relocated.
	Symbol struct {
		Type  SymbolType
		Value uint64
	}

	Operand struct {
		Kind  Kind
		Type  Type
		Class RegClass
		Value uint64
		Sym   Symbol
	}
)

const (
	None Type = iota
	I32
	I64
	FP32
	FP64
	V128
)

const (
	KindNone Kind = iota
	KindConst
	KindRegister
	KindLocal
	KindUndef
)

const (
	ClassInt RegClass = iota
	ClassVector
	ClassFlag
	ClassFpFlag

	ClassCount
)

const RegsPerClass = 32

const (
	SymNone SymbolType = iota
	// SymHelper is an index into the native helper table.
	SymHelper
	SymPageTable
	SymDispatchStub
	SymSlowDispatchStub
	SymIndirectStub
	// SymStaticEntry is a static jump-table slot, Value is the guest target.
	SymStaticEntry
	// SymDynamicEntry is a dynamic jump-table site, Value is the owner address.
	SymDynamicEntry
	// SymCountEntry is the call counter of the function at Value.
	SymCountEntry
)

const (
	// Volatile loads are acquire and volatile stores are release ordered.
	Volatile OpFlags = 1 << iota
)

const (
	Equal Comparison = iota
	NotEqual
	Greater
	GreaterOrEqual
	Less
	LessOrEqual
	GreaterUI
	GreaterOrEqualUI
	LessUI
	LessOrEqualUI
)

func (t Type) IsInteger() bool { return t == I32 || t == I64 }

func (t Type) Size() int {
	switch t {
	case I32, FP32:
		return 4
	case I64, FP64:
		return 8
	case V128:
		return 16
	}

	return 0
}

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case I32:
		return "i32"
	case I64:
		return "i64"
	case FP32:
		return "f32"
	case FP64:
		return "f64"
	case V128:
		return "v128"
	}

	return "type?"
}

func (c RegClass) String() string {
	switch c {
	case ClassInt:
		return "x"
	case ClassVector:
		return "v"
	case ClassFlag:
		return "f"
	case ClassFpFlag:
		return "ff"
	}

	return "class?"
}

func (c Comparison) Invert() Comparison {
	switch c {
	case Equal:
		return NotEqual
	case NotEqual:
		return Equal
	case Greater:
		return LessOrEqual
	case GreaterOrEqual:
		return Less
	case Less:
		return GreaterOrEqual
	case LessOrEqual:
		return Greater
	case GreaterUI:
		return LessOrEqualUI
	case GreaterOrEqualUI:
		return LessUI
	case LessUI:
		return GreaterOrEqualUI
	case LessOrEqualUI:
		return GreaterUI
	}

	panic(c)
}

func (c Comparison) String() string {
	if int(c) < len(compNames) {
		return compNames[c]
	}

	return "cmp?"
}

var compNames = [...]string{
	Equal:            "eq",
	NotEqual:         "ne",
	Greater:          "gt",
	GreaterOrEqual:   "ge",
	Less:             "lt",
	LessOrEqual:      "le",
	GreaterUI:        "gtu",
	GreaterOrEqualUI: "geu",
	LessUI:           "ltu",
	LessOrEqualUI:    "leu",
}

func (k SymbolType) String() string {
	switch k {
	case SymNone:
		return ""
	case SymHelper:
		return "helper"
	case SymPageTable:
		return "page_table"
	case SymDispatchStub:
		return "dispatch_stub"
	case SymSlowDispatchStub:
		return "slow_dispatch_stub"
	case SymIndirectStub:
		return "indirect_stub"
	case SymStaticEntry:
		return "static_entry"
	case SymDynamicEntry:
		return "dynamic_entry"
	case SymCountEntry:
		return "count_entry"
	}

	return "sym?"
}
