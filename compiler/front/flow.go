package front

import (
	"tlog.app/go/errors"

	"github.com/slowlang/armjit/compiler/ir"
	"github.com/slowlang/armjit/jit/helpers"
	"github.com/slowlang/armjit/jit/state"
)

const LinkRegister = 30

// EmitSynchronization decrements the context counter and checks
// for interrupts when it reaches zero. Returns 0 if the guest stopped.
func (c *Context) EmitSynchronization() {
	cnt := c.contextField(state.OffsetCounter)
	count := c.Load(ir.I32, cnt)

	nonZero := c.NewLabel()
	exit := c.NewLabel()

	c.BranchIfTrue(nonZero, count)

	running := c.Call(helpers.CheckSynchronization, ir.I32)

	c.BranchIfTrue(exit, running)
	c.Return(ir.Const64(0))

	c.MarkLabel(nonZero)
	c.Store(cnt, c.Subtract(count, ir.Const32(1)))

	c.MarkLabel(exit)
}

// EmitRejitCheck bumps the function call counter and asks
// for promotion when it reaches Opts.RejitCalls.
func (c *Context) EmitRejitCheck() error {
	p, err := c.Env.AllocateCounter(c.Entry)
	if err != nil {
		return errors.Wrap(err, "allocate counter")
	}

	c.Counter = p

	addr := ir.ConstSym(uint64(p), ir.SymCountEntry, c.Entry)

	count := c.Add(c.Load(ir.I32, addr), ir.Const32(1))
	c.Store(addr, count)

	skip := c.NewLabel()

	c.BranchIf(skip, count, ir.Const32(int32(c.Opts.RejitCalls)), ir.NotEqual)
	c.Call(helpers.EnqueueForRejit, ir.None, ir.Const64(int64(c.Entry)))

	c.MarkLabel(skip)

	return nil
}

// EmitCall is a direct guest call to target with the link register set.
func (c *Context) EmitCall(target uint64) error {
	ret := c.CurrOp.NextAddress()

	c.SetIntOrZR(LinkRegister, ir.Const64(int64(ret)))

	if !c.Opts.UseJumpTable {
		c.Return(ir.Const64(int64(target)))
		return nil
	}

	slot, err := c.Env.ReserveStaticEntry(c.Entry, target)
	if err != nil {
		return errors.Wrap(err, "reserve static entry")
	}

	c.StoreToContext()

	ctx := c.ContextPointer()
	c.Store(c.Add(ctx, ir.Const64(state.OffsetDispatchAddress)), ir.Const64(int64(target)))

	host := c.LoadAcquire(ir.I64, ir.ConstSym(uint64(slot), ir.SymStaticEntry, target))
	r := c.CallAddress(host, ir.I64, ctx)

	c.LoadFromContext()
	c.emitContinueOrReturnCheck(r, ret)

	return nil
}

// EmitVirtualCall is an indirect guest call through a register.
func (c *Context) EmitVirtualCall(target ir.Operand) error {
	ret := c.CurrOp.NextAddress()

	t := c.Copy(target)

	c.SetIntOrZR(LinkRegister, ir.Const64(int64(ret)))

	if !c.Opts.UseJumpTable {
		c.Return(t)
		return nil
	}

	c.StoreToContext()

	ctx := c.ContextPointer()
	c.Store(c.Add(ctx, ir.Const64(state.OffsetDispatchAddress)), t)

	host, extra, err := c.indirectTarget(t)
	if err != nil {
		return err
	}

	r := c.CallAddress(host, ir.I64, append([]ir.Operand{ctx}, extra...)...)

	c.LoadFromContext()
	c.emitContinueOrReturnCheck(r, ret)

	return nil
}

// EmitVirtualJump leaves the function for a computed address.
// Returns go back to the caller which checks the address.
func (c *Context) EmitVirtualJump(target ir.Operand, isReturn bool) error {
	if isReturn || !c.Opts.UseJumpTable {
		c.Return(target)
		return nil
	}

	t := c.Copy(target)

	ctx := c.ContextPointer()
	c.Store(c.Add(ctx, ir.Const64(state.OffsetDispatchAddress)), t)

	host, extra, err := c.indirectTarget(t)
	if err != nil {
		return err
	}

	c.Tailcall(host, append([]ir.Operand{ctx}, extra...)...)

	return nil
}

// EmitTailContinue leaves the function for a known guest address.
func (c *Context) EmitTailContinue(address uint64) error {
	if !c.Opts.UseJumpTable {
		c.Return(ir.Const64(int64(address)))
		return nil
	}

	slot, err := c.Env.ReserveStaticEntry(c.Entry, address)
	if err != nil {
		return errors.Wrap(err, "reserve static entry")
	}

	ctx := c.ContextPointer()
	c.Store(c.Add(ctx, ir.Const64(state.OffsetDispatchAddress)), ir.Const64(int64(address)))

	host := c.LoadAcquire(ir.I64, ir.ConstSym(uint64(slot), ir.SymStaticEntry, address))

	c.Tailcall(host, ctx)

	return nil
}

func (c *Context) indirectTarget(t ir.Operand) (host ir.Operand, extra []ir.Operand, err error) {
	if !c.Opts.DynamicTable {
		return ir.ConstSym(uint64(c.Env.Stub(ir.SymDispatchStub)), ir.SymDispatchStub, 0), nil, nil
	}

	site, err := c.Env.ReserveDynamicSite(c.Entry)
	if err != nil {
		return ir.Operand{}, nil, errors.Wrap(err, "reserve dynamic site")
	}

	c.dynSites++
	siteOp := ir.ConstSym(uint64(site), ir.SymDynamicEntry, uint64(c.dynSites))

	host = ir.ConstSym(uint64(c.Env.Stub(ir.SymIndirectStub)), ir.SymIndirectStub, 0)

	for i := c.Env.DynamicElems() - 1; i >= 0; i-- {
		g := c.Load(ir.I64, c.Add(siteOp, ir.Const64(int64(16*i))))
		h := c.LoadAcquire(ir.I64, c.Add(siteOp, ir.Const64(int64(16*i+8))))

		host = c.ConditionalSelect(c.ICompareEqual(g, t), h, host)
	}

	return host, []ir.Operand{siteOp}, nil
}

func (c *Context) emitContinueOrReturnCheck(r ir.Operand, ret uint64) {
	c.BranchIf(c.Label(ret), r, ir.Const64(int64(ret)), ir.Equal)

	c.Return(r)
}
