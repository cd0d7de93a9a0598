package front

import (
	"github.com/slowlang/armjit/compiler/ir"
)

func (b *Builder) Add(x, y ir.Operand) ir.Operand { return b.emit(ir.Add, x.Type, x, y) }

func (b *Builder) Subtract(x, y ir.Operand) ir.Operand { return b.emit(ir.Subtract, x.Type, x, y) }

func (b *Builder) Multiply(x, y ir.Operand) ir.Operand { return b.emit(ir.Multiply, x.Type, x, y) }

func (b *Builder) Multiply64HighSI(x, y ir.Operand) ir.Operand {
	return b.emit(ir.Multiply64HighSI, ir.I64, x, y)
}

func (b *Builder) Multiply64HighUI(x, y ir.Operand) ir.Operand {
	return b.emit(ir.Multiply64HighUI, ir.I64, x, y)
}

func (b *Builder) Divide(x, y ir.Operand) ir.Operand { return b.emit(ir.Divide, x.Type, x, y) }

func (b *Builder) DivideUI(x, y ir.Operand) ir.Operand { return b.emit(ir.DivideUI, x.Type, x, y) }

func (b *Builder) Negate(x ir.Operand) ir.Operand { return b.emit(ir.Negate, x.Type, x) }

func (b *Builder) BitwiseAnd(x, y ir.Operand) ir.Operand { return b.emit(ir.BitwiseAnd, x.Type, x, y) }

func (b *Builder) BitwiseOr(x, y ir.Operand) ir.Operand { return b.emit(ir.BitwiseOr, x.Type, x, y) }

func (b *Builder) BitwiseExclusiveOr(x, y ir.Operand) ir.Operand {
	return b.emit(ir.BitwiseExclusiveOr, x.Type, x, y)
}

func (b *Builder) BitwiseNot(x ir.Operand) ir.Operand { return b.emit(ir.BitwiseNot, x.Type, x) }

func (b *Builder) ShiftLeft(x, s ir.Operand) ir.Operand { return b.emit(ir.ShiftLeft, x.Type, x, s) }

func (b *Builder) ShiftRightSI(x, s ir.Operand) ir.Operand {
	return b.emit(ir.ShiftRightSI, x.Type, x, s)
}

func (b *Builder) ShiftRightUI(x, s ir.Operand) ir.Operand {
	return b.emit(ir.ShiftRightUI, x.Type, x, s)
}

func (b *Builder) RotateRight(x, s ir.Operand) ir.Operand { return b.emit(ir.RotateRight, x.Type, x, s) }

func (b *Builder) CountLeadingZeros(x ir.Operand) ir.Operand {
	return b.emit(ir.CountLeadingZeros, x.Type, x)
}

func (b *Builder) ByteSwap(x ir.Operand) ir.Operand { return b.emit(ir.ByteSwap, x.Type, x) }

func (b *Builder) SignExtend8(t ir.Type, x ir.Operand) ir.Operand {
	return b.emit(ir.SignExtend8, t, x)
}

func (b *Builder) SignExtend16(t ir.Type, x ir.Operand) ir.Operand {
	return b.emit(ir.SignExtend16, t, x)
}

func (b *Builder) SignExtend32(t ir.Type, x ir.Operand) ir.Operand {
	return b.emit(ir.SignExtend32, t, x)
}

func (b *Builder) ZeroExtend8(t ir.Type, x ir.Operand) ir.Operand {
	return b.emit(ir.ZeroExtend8, t, x)
}

func (b *Builder) ZeroExtend16(t ir.Type, x ir.Operand) ir.Operand {
	return b.emit(ir.ZeroExtend16, t, x)
}

func (b *Builder) ZeroExtend32(t ir.Type, x ir.Operand) ir.Operand {
	return b.emit(ir.ZeroExtend32, t, x)
}

func (b *Builder) ConvertI64ToI32(x ir.Operand) ir.Operand {
	return b.emit(ir.ConvertI64ToI32, ir.I32, x)
}

// ICompare returns I32 1 if the comparison holds and 0 otherwise.
func (b *Builder) ICompare(x, y ir.Operand, c ir.Comparison) ir.Operand {
	return b.emit(ir.Compare, ir.I32, x, y, ir.Const32(int32(c)))
}

func (b *Builder) ICompareEqual(x, y ir.Operand) ir.Operand { return b.ICompare(x, y, ir.Equal) }

func (b *Builder) ICompareNotEqual(x, y ir.Operand) ir.Operand {
	return b.ICompare(x, y, ir.NotEqual)
}

func (b *Builder) ICompareGreater(x, y ir.Operand) ir.Operand { return b.ICompare(x, y, ir.Greater) }

func (b *Builder) ICompareGreaterOrEqual(x, y ir.Operand) ir.Operand {
	return b.ICompare(x, y, ir.GreaterOrEqual)
}

func (b *Builder) ICompareLess(x, y ir.Operand) ir.Operand { return b.ICompare(x, y, ir.Less) }

func (b *Builder) ICompareLessOrEqual(x, y ir.Operand) ir.Operand {
	return b.ICompare(x, y, ir.LessOrEqual)
}

func (b *Builder) ICompareGreaterUI(x, y ir.Operand) ir.Operand {
	return b.ICompare(x, y, ir.GreaterUI)
}

func (b *Builder) ICompareGreaterOrEqualUI(x, y ir.Operand) ir.Operand {
	return b.ICompare(x, y, ir.GreaterOrEqualUI)
}

func (b *Builder) ICompareLessUI(x, y ir.Operand) ir.Operand { return b.ICompare(x, y, ir.LessUI) }

func (b *Builder) ICompareLessOrEqualUI(x, y ir.Operand) ir.Operand {
	return b.ICompare(x, y, ir.LessOrEqualUI)
}

// ConditionalSelect returns x if cond is non-zero and y otherwise.
func (b *Builder) ConditionalSelect(cond, x, y ir.Operand) ir.Operand {
	return b.emit(ir.ConditionalSelect, x.Type, cond, x, y)
}

func (b *Builder) Copy(x ir.Operand) ir.Operand { return b.emit(ir.Copy, x.Type, x) }

// CopyTo assigns x to dest, which is a register or a local from AllocateLocal.
func (b *Builder) CopyTo(dest, x ir.Operand) {
	b.add(ir.Copy, dest, x)
}

func (b *Builder) Load(t ir.Type, addr ir.Operand) ir.Operand { return b.emit(ir.Load, t, addr) }

func (b *Builder) Load8(addr ir.Operand) ir.Operand { return b.emit(ir.Load8, ir.I32, addr) }

func (b *Builder) Load16(addr ir.Operand) ir.Operand { return b.emit(ir.Load16, ir.I32, addr) }

// LoadAcquire is an ordered load matching StoreRelease publication.
func (b *Builder) LoadAcquire(t ir.Type, addr ir.Operand) ir.Operand {
	d := b.AllocateLocal(t)

	op := b.add(ir.Load, d, addr)
	op.Flags |= ir.Volatile

	return d
}

func (b *Builder) Store(addr, v ir.Operand) { b.add(ir.Store, ir.Operand{}, addr, v) }

func (b *Builder) Store8(addr, v ir.Operand) { b.add(ir.Store8, ir.Operand{}, addr, v) }

func (b *Builder) Store16(addr, v ir.Operand) { b.add(ir.Store16, ir.Operand{}, addr, v) }

func (b *Builder) StoreRelease(addr, v ir.Operand) {
	op := b.add(ir.Store, ir.Operand{}, addr, v)
	op.Flags |= ir.Volatile
}

// CompareAndSwap returns the value found at addr.
func (b *Builder) CompareAndSwap(addr, expected, desired ir.Operand) ir.Operand {
	return b.emit(ir.CompareAndSwap, desired.Type, addr, expected, desired)
}

func (b *Builder) MemoryBarrier() { b.add(ir.MemoryBarrier, ir.Operand{}) }

func (b *Builder) LoadArgument(t ir.Type, index int) ir.Operand {
	return b.emit(ir.LoadArgument, t, ir.Const32(int32(index)))
}

func (b *Builder) VectorZero() ir.Operand { return b.emit(ir.VectorZero, ir.V128) }

func (b *Builder) VectorCreateScalar(x ir.Operand) ir.Operand {
	return b.emit(ir.VectorCreateScalar, ir.V128, x)
}

func (b *Builder) VectorExtract(t ir.Type, v ir.Operand, index int) ir.Operand {
	return b.emit(ir.VectorExtract, t, v, ir.Const32(int32(index)))
}

func (b *Builder) VectorInsert(v, x ir.Operand, index int) ir.Operand {
	return b.emit(ir.VectorInsert, ir.V128, v, x, ir.Const32(int32(index)))
}

// Call invokes a native helper by its table index.
func (b *Builder) Call(index int, ret ir.Type, args ...ir.Operand) ir.Operand {
	return b.CallAddress(ir.ConstSym(uint64(index), ir.SymHelper, uint64(index)), ret, args...)
}

// CallAddress calls a host code address. ret may be ir.None.
func (b *Builder) CallAddress(addr ir.Operand, ret ir.Type, args ...ir.Operand) ir.Operand {
	srcs := append([]ir.Operand{addr}, args...)

	if ret == ir.None {
		b.add(ir.Call, ir.Operand{}, srcs...)

		return ir.Operand{}
	}

	return b.emit(ir.Call, ret, srcs...)
}
