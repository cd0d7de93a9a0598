// Package stubs generates the dispatch code shared by all translated functions.
//
// Stubs are built with the IR builder and compiled through the regular pipeline,
// so they run on whatever backend translated code runs on.
//
//	DispatchLoop(ctx, address)  calls Dispatch until the guest stops or returns 0
//	Dispatch(ctx)               walks the address table for ctx.DispatchAddress
//	SlowDispatch(ctx)           asks the translator, used for table misses
//	IndirectMiss(ctx, site)     resolves and claims a dynamic jump-table slot
package stubs

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/armjit/compiler"
	"github.com/slowlang/armjit/compiler/back"
	"github.com/slowlang/armjit/compiler/cfg"
	"github.com/slowlang/armjit/compiler/front"
	"github.com/slowlang/armjit/compiler/ir"
	"github.com/slowlang/armjit/jit/addrtable"
	"github.com/slowlang/armjit/jit/helpers"
	"github.com/slowlang/armjit/jit/state"
)

type (
	Mapper interface {
		Map(code []byte, unwind back.UnwindInfo) (uintptr, error)
	}

	Stubs struct {
		SlowDispatch uintptr
		DirectMiss   uintptr
		IndirectMiss uintptr
		Dispatch     uintptr
		DispatchLoop uintptr
	}
)

var (
	guestSig = back.Signature{Ret: ir.I64, Args: []ir.Type{ir.I64}}
	siteSig  = back.Signature{Ret: ir.I64, Args: []ir.Type{ir.I64, ir.I64}}
	loopSig  = back.Signature{Ret: ir.I64, Args: []ir.Type{ir.I64, ir.I64}}
)

// Generate compiles and maps all stubs.
// Zero address table entries at any level take the slow path.
func Generate(ctx context.Context, be back.Backend, m Mapper, at *addrtable.Table) (s *Stubs, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "generate stubs", "backend", be.Name())
	defer tr.Finish("err", &err)

	s = &Stubs{}

	s.SlowDispatch, err = build(ctx, be, m, "slow_dispatch", guestSig, slowDispatch())
	if err != nil {
		return nil, err
	}

	s.DirectMiss = s.SlowDispatch

	s.IndirectMiss, err = build(ctx, be, m, "indirect_miss", siteSig, indirectMiss())
	if err != nil {
		return nil, err
	}

	s.Dispatch, err = build(ctx, be, m, "dispatch", guestSig, dispatch(at, s.SlowDispatch))
	if err != nil {
		return nil, err
	}

	s.DispatchLoop, err = build(ctx, be, m, "dispatch_loop", loopSig, dispatchLoop(s.Dispatch))
	if err != nil {
		return nil, err
	}

	tr.Printw("stubs", "slow", tlog.FormatNext("%#x"), s.SlowDispatch, "indirect", tlog.FormatNext("%#x"), s.IndirectMiss,
		"dispatch", tlog.FormatNext("%#x"), s.Dispatch, "loop", tlog.FormatNext("%#x"), s.DispatchLoop)

	return s, nil
}

// Stub resolves a stub symbol.
func (s *Stubs) Stub(kind ir.SymbolType) uintptr {
	switch kind {
	case ir.SymDispatchStub:
		return s.Dispatch
	case ir.SymSlowDispatchStub:
		return s.SlowDispatch
	case ir.SymIndirectStub:
		return s.IndirectMiss
	}

	panic(errors.New("not a stub: %v", kind))
}

func build(ctx context.Context, be back.Backend, m Mapper, name string, sig back.Signature, g *cfg.Graph) (uintptr, error) {
	// stubs reassign locals, which the SSA optimizer does not expect
	c, err := compiler.Compile(ctx, g, sig, be, compiler.Options{})
	if err != nil {
		return 0, errors.Wrap(err, "%v", name)
	}

	p, err := m.Map(c.Code, c.Unwind)
	if err != nil {
		return 0, errors.Wrap(err, "map %v", name)
	}

	return p, nil
}

func dispatchAddress(b *front.Builder, ctx ir.Operand) ir.Operand {
	return b.Add(ctx, ir.Const64(state.OffsetDispatchAddress))
}

func slowDispatch() *cfg.Graph {
	b := front.NewBuilder()

	ctx := b.LoadArgument(ir.I64, 0)
	guest := b.Load(ir.I64, dispatchAddress(b, ctx))

	host := b.Call(helpers.GetFunctionAddress, ir.I64, guest)

	b.Tailcall(host, ctx)

	return b.Graph()
}

func indirectMiss() *cfg.Graph {
	b := front.NewBuilder()

	ctx := b.LoadArgument(ir.I64, 0)
	site := b.LoadArgument(ir.I64, 1)
	guest := b.Load(ir.I64, dispatchAddress(b, ctx))

	host := b.Call(helpers.GetIndirectFunctionAddress, ir.I64, guest, site)

	b.Tailcall(host, ctx)

	return b.Graph()
}

func dispatch(at *addrtable.Table, slow uintptr) *cfg.Graph {
	b := front.NewBuilder()

	ctx := b.LoadArgument(ir.I64, 0)
	guest := b.Load(ir.I64, dispatchAddress(b, ctx))

	miss := b.NewLabel()

	b.BranchIfTrue(miss, b.BitwiseAnd(guest, ir.Const64(int64(^at.Mask()))))

	p := ir.Const64(int64(at.Base()))
	for _, l := range at.Levels() {
		idx := b.BitwiseAnd(b.ShiftRightUI(guest, ir.Const64(int64(l.Index))), ir.Const64(int64(1)<<l.Length-1))
		p = b.LoadAcquire(ir.I64, b.Add(p, b.ShiftLeft(idx, ir.Const64(3))))

		b.BranchIfFalse(miss, p)
	}

	b.Tailcall(p, ctx)

	b.MarkLabel(miss)
	b.Tailcall(ir.ConstSym(uint64(slow), ir.SymSlowDispatchStub, 0), ctx)

	return b.Graph()
}

func dispatchLoop(disp uintptr) *cfg.Graph {
	b := front.NewBuilder()

	ctx := b.LoadArgument(ir.I64, 0)

	guest := b.AllocateLocal(ir.I64)
	b.CopyTo(guest, b.LoadArgument(ir.I64, 1))

	loop, done := b.NewLabel(), b.NewLabel()

	b.MarkLabel(loop)
	b.Store(dispatchAddress(b, ctx), guest)

	next := b.CallAddress(ir.ConstSym(uint64(disp), ir.SymDispatchStub, 0), ir.I64, ctx)
	b.CopyTo(guest, next)

	running := b.Load(ir.I32, b.Add(ctx, ir.Const64(state.OffsetRunning)))

	b.BranchIfFalse(done, running)
	b.BranchIfTrue(loop, guest)

	b.MarkLabel(done)
	b.Return(guest)

	return b.Graph()
}
