package stubs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/armjit/compiler"
	"github.com/slowlang/armjit/compiler/asm"
	"github.com/slowlang/armjit/compiler/back/interp"
	"github.com/slowlang/armjit/compiler/front"
	"github.com/slowlang/armjit/compiler/ir"
	"github.com/slowlang/armjit/jit/addrtable"
	"github.com/slowlang/armjit/jit/helpers"
	"github.com/slowlang/armjit/jit/jitcache"
	"github.com/slowlang/armjit/jit/state"
	"github.com/slowlang/armjit/memory"
)

type (
	env struct {
		ec    *state.ExecutionContext
		funcs map[uint64]uintptr

		misses []uint64
		sites  []uint64
	}

	fixture struct {
		env   *env
		cache *jitcache.Cache
		at    *addrtable.Table
		stubs *Stubs
		m     *interp.Machine
	}
)

func (e *env) Context() *state.ExecutionContext { return e.ec }
func (e *env) Memory() memory.Manager           { return nil }
func (e *env) EnqueueForRejit(guest uint64)     {}

func (e *env) GetFunctionAddress(guest uint64) uint64 {
	e.misses = append(e.misses, guest)
	return uint64(e.funcs[guest])
}

func (e *env) GetIndirectFunctionAddress(guest, site uint64) uint64 {
	e.sites = append(e.sites, site)
	return uint64(e.funcs[guest])
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctx := context.Background()

	c, err := jitcache.New(1<<20, 16)
	require.NoError(t, err)

	ec, err := state.NewExecutionContext(asm.Aarch64)
	require.NoError(t, err)

	f := &fixture{
		env:   &env{ec: ec, funcs: map[uint64]uintptr{}},
		cache: c,
	}

	at, err := addrtable.New(addrtable.Levels64, 0)
	require.NoError(t, err)

	f.at = at

	t.Cleanup(func() {
		_ = at.Close()
		_ = ec.Close()
		_ = c.Close()
	})

	f.stubs, err = Generate(ctx, interp.New(), c, at)
	require.NoError(t, err)

	require.NoError(t, at.SetFill(f.stubs.SlowDispatch))

	f.m = interp.NewMachine(c, helpers.Default())

	return f
}

// guest maps a function returning next and counting its calls in X0.
func (f *fixture) guest(t *testing.T, next uint64) uintptr {
	t.Helper()

	b := front.NewBuilder()

	ctx := b.LoadArgument(ir.I64, 0)
	x0 := b.Add(ctx, ir.Const64(state.RegisterOffset(ir.ClassInt, 0)))

	b.Store(x0, b.Add(b.Load(ir.I64, x0), ir.Const64(1)))
	b.Return(ir.Const64(int64(next)))

	c, err := compiler.Compile(context.Background(), b.Graph(), guestSig, interp.New(), compiler.Options{})
	require.NoError(t, err)

	p, err := f.cache.Map(c.Code, c.Unwind)
	require.NoError(t, err)

	return p
}

func TestDispatchLoop(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.at.Set(0x1000, f.guest(t, 0x2000)))
	require.NoError(t, f.at.Set(0x2000, f.guest(t, 0x3000)))

	f.env.funcs[0x3000] = f.guest(t, 0)

	ec := f.env.ec

	next := f.m.Execute(f.stubs.DispatchLoop, []uint64{uint64(ec.Pointer()), 0x1000}, f.env)

	assert.Equal(t, uint64(0), next)
	assert.Equal(t, uint64(3), ec.X(0), "calls")
	assert.Equal(t, []uint64{0x3000}, f.env.misses)
}

func TestDispatchLoopStops(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.at.Set(0x1000, f.guest(t, 0x1000)))

	ec := f.env.ec
	ec.StopRunning()

	next := f.m.Execute(f.stubs.DispatchLoop, []uint64{uint64(ec.Pointer()), 0x1000}, f.env)

	assert.Equal(t, uint64(0x1000), next)
	assert.Equal(t, uint64(1), ec.X(0))
}

func TestDispatchInvalidAddress(t *testing.T) {
	f := newFixture(t)

	f.env.funcs[0x1002] = f.guest(t, 0)

	ec := f.env.ec
	ec.Native().DispatchAddress = 0x1002

	next := f.m.Execute(f.stubs.Dispatch, []uint64{uint64(ec.Pointer())}, f.env)

	assert.Equal(t, uint64(0), next)
	assert.Equal(t, []uint64{0x1002}, f.env.misses)
}

func TestIndirectMiss(t *testing.T) {
	f := newFixture(t)

	f.env.funcs[0x4000] = f.guest(t, 0x44)

	ec := f.env.ec
	ec.Native().DispatchAddress = 0x4000

	next := f.m.Execute(f.stubs.IndirectMiss, []uint64{uint64(ec.Pointer()), 0x777}, f.env)

	assert.Equal(t, uint64(0x44), next)
	assert.Equal(t, []uint64{0x777}, f.env.sites)
	assert.Equal(t, f.stubs.SlowDispatch, f.stubs.DirectMiss)
	assert.Equal(t, f.stubs.Dispatch, f.stubs.Stub(ir.SymDispatchStub))
	assert.Panics(t, func() { f.stubs.Stub(ir.SymHelper) })
}
