package arm64

import (
	"tlog.app/go/errors"

	"github.com/slowlang/armjit/compiler/asm"
	"github.com/slowlang/armjit/compiler/front"
	"github.com/slowlang/armjit/compiler/ir"
	"github.com/slowlang/armjit/jit/helpers"
	"github.com/slowlang/armjit/jit/state"
)

var ErrUnsupportedMode = errors.New("unsupported guest mode")

// OpCode wraps i for the IR emitter.
func (i Inst) OpCode() front.OpCode {
	return front.OpCode{
		Address: i.Address,
		Raw:     i.Raw,
		Size:    4,
		Name:    i.Op.String(),
		Emitter: i.Emit,
		Branch:  !i.FallsThrough(),
	}
}

func (i Inst) Emit(c *front.Context) error {
	if c.Mode != asm.Aarch64 {
		return errors.Wrap(ErrUnsupportedMode, "%v", c.Mode)
	}

	t := i.typ()

	switch i.Op {
	case OpNop:
	case OpMovz:
		i.set(c, i.Rd, false, ir.Const(t, i.Imm))
	case OpMovn:
		i.set(c, i.Rd, false, ir.Const(t, ^i.Imm))
	case OpMovk:
		v := c.BitwiseAnd(i.get(c, i.Rd, false), ir.Const(t, ^(uint64(0xffff) << i.Amount)))
		i.set(c, i.Rd, false, c.BitwiseOr(v, ir.Const(t, i.Imm)))
	case OpAddImm, OpSubImm:
		n := i.get(c, i.Rn, true)
		m := ir.Const(t, i.Imm)

		i.arith(c, n, m, !i.SetFlags)
	case OpAddReg, OpSubReg:
		n := i.get(c, i.Rn, false)
		m := i.shifted(c, i.get(c, i.Rm, false))

		i.arith(c, n, m, false)
	case OpAnd, OpOrr, OpEor:
		i.logical(c)
	case OpMadd, OpMsub:
		p := c.Multiply(i.get(c, i.Rn, false), i.get(c, i.Rm, false))
		a := i.get(c, i.Ra, false)

		if i.Op == OpMadd {
			i.set(c, i.Rd, false, c.Add(a, p))
		} else {
			i.set(c, i.Rd, false, c.Subtract(a, p))
		}
	case OpUdiv:
		i.set(c, i.Rd, false, c.DivideUI(i.get(c, i.Rn, false), i.get(c, i.Rm, false)))
	case OpSdiv:
		i.set(c, i.Rd, false, c.Divide(i.get(c, i.Rn, false), i.get(c, i.Rm, false)))
	case OpClz:
		i.set(c, i.Rd, false, c.CountLeadingZeros(i.get(c, i.Rn, false)))
	case OpCls, OpRbit:
		h := helpers.CountLeadingSigns
		if i.Op == OpRbit {
			h = helpers.ReverseBits
		}

		n := i.get(c, i.Rn, false)
		if !i.Sf {
			n = c.ZeroExtend32(ir.I64, n)
		}

		r := c.Call(h, ir.I64, n, ir.Const32(int32(t.Size()*8)))
		if !i.Sf {
			r = c.ConvertI64ToI32(r)
		}

		i.set(c, i.Rd, false, r)
	case OpLdr, OpStr:
		addr := c.Add(c.GetIntOrSP(i.Rn), ir.Const64(int64(i.Imm)))

		if i.Op == OpLdr {
			c.SetIntOrZR(i.Rd, c.EmitLoad(ir.I64, addr, i.Size))
		} else {
			c.EmitStore(addr, c.GetIntOrZR(i.Rd), i.Size)
		}
	case OpB:
		c.Branch(c.Label(i.Target))
	case OpBCond:
		if i.Cond >= asm.Al {
			c.Branch(c.Label(i.Target))
			break
		}

		c.BranchIfTrue(c.Label(i.Target), c.CondTrue(i.Cond))
	case OpCbz, OpCbnz:
		cmp := ir.Equal
		if i.Op == OpCbnz {
			cmp = ir.NotEqual
		}

		c.BranchIf(c.Label(i.Target), i.get(c, i.Rd, false), ir.Const(t, 0), cmp)
	case OpBL:
		return c.EmitCall(i.Target)
	case OpBlr:
		return c.EmitVirtualCall(c.GetIntOrZR(i.Rn))
	case OpBr:
		return c.EmitVirtualJump(c.GetIntOrZR(i.Rn), false)
	case OpRet:
		return c.EmitVirtualJump(c.GetIntOrZR(i.Rn), true)
	case OpSvc:
		emitTrap(c, helpers.SupervisorCall, i.Imm, true)
	case OpBrk:
		emitTrap(c, helpers.Break, i.Imm, false)
	case OpUndefined:
		emitTrap(c, helpers.Undefined, uint64(i.Raw), false)
	default:
		return errors.New("no emitter for %v", i.Op)
	}

	return nil
}

func (i Inst) typ() ir.Type {
	if i.Sf {
		return ir.I64
	}

	return ir.I32
}

func (i Inst) get(c *front.Context, r int, sp bool) ir.Operand {
	var v ir.Operand

	if sp {
		v = c.GetIntOrSP(r)
	} else {
		v = c.GetIntOrZR(r)
	}

	if !i.Sf {
		v = c.ConvertI64ToI32(v)
	}

	return v
}

func (i Inst) set(c *front.Context, r int, sp bool, v ir.Operand) {
	if !i.Sf {
		v = c.ZeroExtend32(ir.I64, v)
	}

	if sp {
		c.SetIntOrSP(r, v)
	} else {
		c.SetIntOrZR(r, v)
	}
}

func (i Inst) shifted(c *front.Context, v ir.Operand) ir.Operand {
	if i.Amount == 0 {
		return v
	}

	a := ir.Const(v.Type, uint64(i.Amount))

	switch i.Shift {
	case ShiftLSR:
		return c.ShiftRightUI(v, a)
	case ShiftASR:
		return c.ShiftRightSI(v, a)
	case ShiftROR:
		return c.RotateRight(v, a)
	default:
		return c.ShiftLeft(v, a)
	}
}

// arith is add or sub with optional flags. Flags are computed
// before the destination is written as it may alias a source.
func (i Inst) arith(c *front.Context, n, m ir.Operand, sp bool) {
	sub := i.Op == OpSubImm || i.Op == OpSubReg

	var res ir.Operand
	if sub {
		res = c.Subtract(n, m)
	} else {
		res = c.Add(n, m)
	}

	if i.SetFlags {
		switch {
		case sub:
			c.MarkComparison(n, m, front.CompareSub, 0)
		case i.Op == OpAddImm:
			c.MarkComparison(n, m, front.CompareAddImm, i.Imm)
		}

		zero := ir.Const(n.Type, 0)
		x := c.BitwiseExclusiveOr(n, m)
		y := c.BitwiseExclusiveOr(n, res)

		c.SetFlag(asm.FlagN, c.ICompareLess(res, zero))
		c.SetFlag(asm.FlagZ, c.ICompareEqual(res, zero))

		if sub {
			c.SetFlag(asm.FlagC, c.ICompareGreaterOrEqualUI(n, m))
			c.SetFlag(asm.FlagV, c.ICompareLess(c.BitwiseAnd(x, y), zero))
		} else {
			c.SetFlag(asm.FlagC, c.ICompareLessUI(res, n))
			c.SetFlag(asm.FlagV, c.ICompareLess(c.BitwiseAnd(c.BitwiseNot(x), y), zero))
		}
	}

	i.set(c, i.Rd, sp, res)
}

func (i Inst) logical(c *front.Context) {
	n := i.get(c, i.Rn, false)
	m := i.shifted(c, i.get(c, i.Rm, false))

	if i.Invert {
		m = c.BitwiseNot(m)
	}

	var res ir.Operand

	switch i.Op {
	case OpOrr:
		res = c.BitwiseOr(n, m)
	case OpEor:
		res = c.BitwiseExclusiveOr(n, m)
	default:
		res = c.BitwiseAnd(n, m)
	}

	if i.SetFlags {
		zero := ir.Const(res.Type, 0)

		c.SetFlag(asm.FlagN, c.ICompareLess(res, zero))
		c.SetFlag(asm.FlagZ, c.ICompareEqual(res, zero))
		c.SetFlag(asm.FlagC, ir.Const32(0))
		c.SetFlag(asm.FlagV, ir.Const32(0))
	}

	i.set(c, i.Rd, false, res)
}

// emitTrap hands the guest state to a native handler.
// Unless resume is set, or once the guest stopped, control returns to the dispatcher.
func emitTrap(c *front.Context, h int, arg uint64, resume bool) {
	addr := c.CurrAddress()
	next := ir.Const64(int64(c.CurrOp.NextAddress()))

	c.StoreToContext()
	c.Call(h, ir.None, ir.Const64(int64(addr)), ir.Const32(int32(uint32(arg))))
	c.LoadFromContext()

	if !resume {
		c.Return(next)
		return
	}

	running := c.Load(ir.I32, c.Add(c.ContextPointer(), ir.Const64(state.OffsetRunning)))

	cont := c.NewLabel()

	c.BranchIfTrue(cont, running)
	c.Return(next)

	c.MarkLabel(cont)
}
