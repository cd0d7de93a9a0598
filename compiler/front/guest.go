package front

import (
	"github.com/slowlang/armjit/compiler/asm"
	"github.com/slowlang/armjit/compiler/ir"
	"github.com/slowlang/armjit/jit/state"
)

type (
	// Reader is guest memory instructions are fetched from.
	Reader interface {
		Read(addr uint64, p []byte) error
	}

	// Env provides the runtime tables generated guest code links against.
	Env interface {
		// ReserveStaticEntry returns the address of the host half of a new static slot.
		ReserveStaticEntry(owner, target uint64) (uintptr, error)

		// ReserveDynamicSite returns the address of the first of DynamicElems slots.
		ReserveDynamicSite(owner uint64) (uintptr, error)
		DynamicElems() int

		Stub(kind ir.SymbolType) uintptr

		// AllocateCounter returns the address of a zero 32-bit call counter.
		AllocateCounter(owner uint64) (uintptr, error)

		// PageTable returns the guest memory base and address mask.
		// Zero mask means memory is accessed through helpers.
		PageTable() (base uintptr, mask uint64)
	}

	Options struct {
		// Synchronize emits counter checks at entry and backward branches.
		Synchronize bool

		// UseJumpTable routes direct calls through static jump-table slots.
		// Otherwise control returns to the dispatcher.
		UseJumpTable bool

		// DynamicTable routes indirect calls through dynamic jump-table sites.
		// Otherwise they go through the radix dispatch stub.
		DynamicTable bool

		// RejitCalls makes baseline code count its calls and request
		// promotion on reaching that number. Zero disables the check.
		RejitCalls uint32
	}

	CompareKind int

	// Context is the guest-aware IR builder.
	Context struct {
		*Builder

		Env  Env
		Opts Options

		Entry  uint64
		Mode   asm.Mode
		HighCq bool

		CurrBlock *Block
		CurrOp    *OpCode

		labels map[uint64]Label

		lastCompare *OpCode
		lastFlagSet *OpCode

		cmpKind CompareKind
		cmpN    ir.Operand
		cmpM    ir.Operand
		cmpImm  uint64

		dynSites int

		// Counter is the call counter allocated by EmitRejitCheck.
		Counter uintptr
	}
)

const (
	CompareSub CompareKind = iota
	CompareAddImm
)

const ZR = 31

func NewContext(env Env, entry uint64, mode asm.Mode, highCq bool, opts Options) *Context {
	c := &Context{
		Builder: NewBuilder(),
		Env:     env,
		Opts:    opts,
		Entry:   entry,
		Mode:    mode,
		HighCq:  highCq,
		labels:  make(map[uint64]Label),
	}

	c.Builder.OnNextBlock = c.resetBlockState

	return c
}

func (c *Context) resetBlockState() {
	c.lastCompare = nil
	c.lastFlagSet = nil
}

// Label returns the label of a guest address, one per address.
func (c *Context) Label(address uint64) Label {
	if l, ok := c.labels[address]; ok {
		return l
	}

	l := c.NewLabel()
	c.labels[address] = l

	return l
}

// MarkComparison records a compare whose operands may later be reused by conditions.
func (c *Context) MarkComparison(n, m ir.Operand, kind CompareKind, imm uint64) {
	c.cmpKind = kind
	c.cmpN = c.Copy(n)
	c.cmpM = c.Copy(m)
	c.cmpImm = imm

	c.lastCompare = c.CurrOp
}

// MarkFlagSet records that the current instruction changed guest flags.
func (c *Context) MarkFlagSet() {
	c.lastFlagSet = c.CurrOp
}

// TryComparisonResult builds cond from the last compare operands
// if nothing touched the flags since.
func (c *Context) TryComparisonResult(cond asm.Cond) (ir.Operand, bool) {
	if c.lastCompare == nil || c.lastCompare != c.lastFlagSet {
		return ir.Operand{}, false
	}

	n, m := c.cmpN, c.cmpM

	var cmp ir.Comparison

	switch c.cmpKind {
	case CompareSub:
		switch cond {
		case asm.Eq:
			cmp = ir.Equal
		case asm.Ne:
			cmp = ir.NotEqual
		case asm.GeUn:
			cmp = ir.GreaterOrEqualUI
		case asm.LtUn:
			cmp = ir.LessUI
		case asm.GtUn:
			cmp = ir.GreaterUI
		case asm.LeUn:
			cmp = ir.LessOrEqualUI
		case asm.Ge:
			cmp = ir.GreaterOrEqual
		case asm.Lt:
			cmp = ir.Less
		case asm.Gt:
			cmp = ir.Greater
		case asm.Le:
			cmp = ir.LessOrEqual
		default:
			return ir.Operand{}, false
		}
	case CompareAddImm:
		// unsigned conditions depend on carry which differs between add and sub,
		// and only immediates can be negated without overflow
		m = ir.Const(n.Type, -c.cmpImm)

		switch cond {
		case asm.Eq:
			cmp = ir.Equal
		case asm.Ne:
			cmp = ir.NotEqual
		case asm.Ge:
			cmp = ir.GreaterOrEqual
		case asm.Lt:
			cmp = ir.Less
		case asm.Gt:
			cmp = ir.Greater
		case asm.Le:
			cmp = ir.LessOrEqual
		default:
			return ir.Operand{}, false
		}
	default:
		return ir.Operand{}, false
	}

	return c.ICompare(n, m, cmp), true
}

// CondTrue returns I32 1 when cond holds.
func (c *Context) CondTrue(cond asm.Cond) ir.Operand {
	if v, ok := c.TryComparisonResult(cond); ok {
		return v
	}

	n := func() ir.Operand { return c.GetFlag(asm.FlagN) }
	z := func() ir.Operand { return c.GetFlag(asm.FlagZ) }
	cf := func() ir.Operand { return c.GetFlag(asm.FlagC) }
	v := func() ir.Operand { return c.GetFlag(asm.FlagV) }
	not := func(x ir.Operand) ir.Operand { return c.BitwiseExclusiveOr(x, ir.Const32(1)) }

	switch cond {
	case asm.Eq:
		return z()
	case asm.Ne:
		return not(z())
	case asm.GeUn:
		return cf()
	case asm.LtUn:
		return not(cf())
	case asm.Mi:
		return n()
	case asm.Pl:
		return not(n())
	case asm.Vs:
		return v()
	case asm.Vc:
		return not(v())
	case asm.GtUn:
		return c.BitwiseAnd(cf(), not(z()))
	case asm.LeUn:
		return not(c.BitwiseAnd(cf(), not(z())))
	case asm.Ge:
		return c.ICompareEqual(n(), v())
	case asm.Lt:
		return c.ICompareNotEqual(n(), v())
	case asm.Gt:
		return c.BitwiseAnd(not(z()), c.ICompareEqual(n(), v()))
	case asm.Le:
		return c.BitwiseOr(z(), c.ICompareNotEqual(n(), v()))
	}

	return ir.Const32(1)
}

func (c *Context) intType() ir.Type {
	return state.RegisterType(ir.ClassInt, c.Mode)
}

func (c *Context) GetFlag(f asm.Flag) ir.Operand {
	return ir.Reg(int(f), ir.ClassFlag, ir.I32)
}

func (c *Context) SetFlag(f asm.Flag, v ir.Operand) {
	c.CopyTo(c.GetFlag(f), v)

	c.MarkFlagSet()
}

// GetIntOrZR reads a general register, index 31 is zero.
func (c *Context) GetIntOrZR(r int) ir.Operand {
	if r == ZR {
		return ir.Const(c.intType(), 0)
	}

	return ir.Reg(r, ir.ClassInt, c.intType())
}

// GetIntOrSP reads a general register, index 31 is the stack pointer.
func (c *Context) GetIntOrSP(r int) ir.Operand {
	return ir.Reg(r, ir.ClassInt, c.intType())
}

func (c *Context) SetIntOrZR(r int, v ir.Operand) {
	if r == ZR {
		return
	}

	c.CopyTo(ir.Reg(r, ir.ClassInt, c.intType()), v)
}

func (c *Context) SetIntOrSP(r int, v ir.Operand) {
	c.CopyTo(ir.Reg(r, ir.ClassInt, c.intType()), v)
}

func (c *Context) GetVec(r int) ir.Operand {
	return ir.Reg(r, ir.ClassVector, ir.V128)
}

// ContextPointer is the native context argument of the translated function.
func (c *Context) ContextPointer() ir.Operand {
	return c.LoadArgument(ir.I64, 0)
}

func (c *Context) contextField(off int64) ir.Operand {
	return c.Add(c.ContextPointer(), ir.Const64(off))
}

func (c *Context) CurrAddress() uint64 {
	if c.CurrOp == nil {
		return c.Entry
	}

	return c.CurrOp.Address
}
