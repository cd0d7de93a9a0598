package translator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/armjit/compiler/asm"
	"github.com/slowlang/armjit/compiler/asm/arm64"
	"github.com/slowlang/armjit/config"
	"github.com/slowlang/armjit/jit/state"
	"github.com/slowlang/armjit/memory"
)

type fixture struct {
	t   *Translator
	mem *memory.Flat
	ec  *state.ExecutionContext
}

var fib = []uint32{
	arm64.MOVZ(1, 0, 0), // 1000
	arm64.MOVZ(2, 1, 0), // 1004
	arm64.CBZ(0, 0x18),  // 1008 -> 1020
	arm64.ADD(3, 1, 2),  // 100c
	arm64.MOV(1, 2),     // 1010
	arm64.MOV(2, 3),     // 1014
	arm64.SUBi(0, 0, 1), // 1018
	arm64.B(-0x14),      // 101c -> 1008
	arm64.RET(),         // 1020
}

func testConfig() *config.Config {
	c := config.Default()

	c.Translator.Workers = 1
	c.Cache.Size = 4 << 20
	c.JumpTable.StaticEntries = 1 << 12
	c.JumpTable.DynamicSites = 1 << 8

	return c
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()

	ctx := context.Background()

	mem, err := memory.NewFlat(1 << 16)
	require.NoError(t, err)

	ec, err := state.NewExecutionContext(asm.Aarch64)
	require.NoError(t, err)

	tc, err := NewContext(ctx, cfg, asm.Aarch64)
	require.NoError(t, err)

	tr, err := New(ctx, tc, mem, arm64.NewDecoder())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = tr.Close()
		_ = tc.Close()
		_ = ec.Close()
		_ = mem.Close()
	})

	return &fixture{t: tr, mem: mem, ec: ec}
}

func (f *fixture) write(t *testing.T, addr uint64, prog ...uint32) {
	t.Helper()

	require.NoError(t, memory.WriteInstructions(f.mem, addr, prog...))
}

func TestExecuteFib(t *testing.T) {
	ctx := context.Background()

	for _, loop := range []bool{false, true} {
		for _, jt := range []bool{false, true} {
			t.Run(fmt.Sprintf("loop_%v_jt_%v", loop, jt), func(t *testing.T) {
				cfg := testConfig()
				cfg.Translator.UseDispatchLoop = loop
				cfg.Translator.UseJumpTable = jt
				cfg.Translator.DynamicTable = jt

				f := newFixture(t, cfg)
				f.write(t, 0x1000, fib...)

				f.ec.SetX(0, 10)

				err := f.t.Execute(ctx, f.ec, 0x1000)
				require.NoError(t, err)

				assert.Equal(t, uint64(55), f.ec.X(1))
				assert.Equal(t, uint64(0), f.ec.X(0))

				s := f.t.Stats()
				assert.Equal(t, 1, s.Functions)
				assert.Equal(t, int64(1), s.Translated)
			})
		}
	}
}

func TestExecuteCalls(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	cfg.Translator.AllowLcqInFunctionTable = true

	f := newFixture(t, cfg)

	f.write(t, 0x1000,
		arm64.MOVZ(0, 5, 0),      // 1000
		arm64.MOV(20, 30),        // 1004
		arm64.BL(0xf8),           // 1008 -> 1100
		arm64.MOVZ(1, 0x1100, 0), // 100c
		arm64.BLR(1),             // 1010
		arm64.MOV(30, 20),        // 1014
		arm64.RET(),              // 1018
	)
	f.write(t, 0x1100,
		arm64.ADD(0, 0, 0),
		arm64.RET(),
	)

	for run := 0; run < 2; run++ {
		err := f.t.Execute(ctx, f.ec, 0x1000)
		require.NoError(t, err)

		assert.Equal(t, uint64(20), f.ec.X(0), "run %d", run)

		f.ec.SetX(0, 5)
	}

	assert.Equal(t, int64(2), f.t.Stats().Translated)

	callee, ok := f.t.Function(0x1100)
	require.True(t, ok)

	jt := f.t.Context().Jumps

	deps := jt.Dependants(0x1100)
	require.Len(t, deps, 1)
	assert.Equal(t, uint64(0x1000), deps[0].Owner)
	assert.Equal(t, uint64(callee.FuncPtr), atomic.LoadUint64((*uint64)(unsafe.Pointer(deps[0].Slot))))

	static, dynamic := jt.Used()
	assert.Equal(t, 1, static)
	assert.Equal(t, 1, dynamic)

	assert.Equal(t, callee.FuncPtr, f.t.Context().Addrs.Get(0x1100))
}

func TestBaselineStaysUnpublished(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, testConfig())
	f.write(t, 0x1000, fib...)

	fn, err := f.t.GetOrTranslate(ctx, 0x1000, asm.Aarch64, false)
	require.NoError(t, err)
	assert.False(t, fn.HighCq)

	tc := f.t.Context()
	assert.Equal(t, tc.Stubs.SlowDispatch, tc.Addrs.Get(0x1000))

	again, err := f.t.GetOrTranslate(ctx, 0x1000, asm.Aarch64, false)
	require.NoError(t, err)
	assert.Same(t, fn, again)
}

func TestPromotion(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, testConfig())
	f.write(t, 0x1000, fib...)

	for i := 0; i < MinCallsForRejit-1; i++ {
		_, err := f.t.GetOrTranslate(ctx, 0x1000, asm.Aarch64, true)
		require.NoError(t, err)
	}

	assert.Equal(t, 0, f.t.Stats().Queued)

	_, err := f.t.GetOrTranslate(ctx, 0x1000, asm.Aarch64, true)
	require.NoError(t, err)

	assert.Equal(t, 1, f.t.Stats().Queued)

	assert.True(t, f.t.processOne(ctx))
	assert.False(t, f.t.processOne(ctx))

	fn, ok := f.t.Function(0x1000)
	require.True(t, ok)
	assert.True(t, fn.HighCq)
	assert.Equal(t, int64(1), f.t.Stats().Promoted)

	tc := f.t.Context()
	assert.Equal(t, fn.FuncPtr, tc.Addrs.Get(0x1000))

	// the high tier code runs straight from the address table
	f.ec.SetX(0, 12)

	err = f.t.Execute(ctx, f.ec, 0x1000)
	require.NoError(t, err)

	assert.Equal(t, uint64(144), f.ec.X(1))
	assert.Equal(t, int64(2), f.t.Stats().Translated)
}

func TestPromotionFromCode(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	cfg.Translator.AllowLcqInFunctionTable = true

	f := newFixture(t, cfg)
	f.write(t, 0x1100, arm64.ADDi(0, 0, 1), arm64.RET())

	fn, err := f.t.GetOrTranslate(ctx, 0x1100, asm.Aarch64, true)
	require.NoError(t, err)
	require.NotZero(t, fn.counter)

	tc := f.t.Context()
	assert.Equal(t, fn.FuncPtr, tc.Addrs.Get(0x1100), "baseline code is published")

	env := f.t.env(ctx, f.ec)

	call := func(n int) {
		for i := 0; i < n; i++ {
			fn.Execute(tc.Exec, f.ec, env)
		}
	}

	call(MinCallsForRejit - 1)
	assert.Equal(t, 0, f.t.Stats().Queued)

	call(1)
	assert.Equal(t, 1, f.t.Stats().Queued)
	assert.Equal(t, uint64(MinCallsForRejit), f.ec.X(0))

	f.t.ClearRejitQueue(true)
	assert.Equal(t, 0, f.t.Stats().Queued)

	n, err := tc.Counts.Load(fn.counter)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), n)

	call(MinCallsForRejit)
	assert.Equal(t, 1, f.t.Stats().Queued, "requeued after the counter reset")

	assert.True(t, f.t.processOne(ctx))

	high, ok := f.t.Function(0x1100)
	require.True(t, ok)
	assert.True(t, high.HighCq)
	assert.Zero(t, high.counter)
	assert.Equal(t, high.FuncPtr, tc.Addrs.Get(0x1100))
}

func TestClearRejitQueue(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, testConfig())
	f.write(t, 0x1000, fib...)

	call := func(n int) {
		for i := 0; i < n; i++ {
			_, err := f.t.GetOrTranslate(ctx, 0x1000, asm.Aarch64, true)
			require.NoError(t, err)
		}
	}

	call(MinCallsForRejit)
	assert.Equal(t, 1, f.t.Stats().Queued)

	f.t.ClearRejitQueue(true)
	assert.Equal(t, 0, f.t.Stats().Queued)

	call(MinCallsForRejit)
	assert.Equal(t, 1, f.t.Stats().Queued, "requeued after the counter reset")

	f.t.ClearRejitQueue(false)
	assert.Equal(t, 0, f.t.Stats().Queued)

	f.t.EnqueueForRejit(0x1000, asm.Aarch64)
	assert.Equal(t, 0, f.t.Stats().Queued, "still marked as queued")
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	cfg.Translator.AllowLcqInFunctionTable = true

	f := newFixture(t, cfg)
	f.write(t, 0x1000, arm64.MOVZ(0, 1, 0), arm64.RET())
	f.write(t, 0x2000, arm64.MOVZ(0, 2, 0), arm64.RET())

	a, err := f.t.GetOrTranslate(ctx, 0x1000, asm.Aarch64, false)
	require.NoError(t, err)

	b, err := f.t.GetOrTranslate(ctx, 0x2000, asm.Aarch64, false)
	require.NoError(t, err)

	tc := f.t.Context()
	assert.Equal(t, a.FuncPtr, tc.Addrs.Get(0x1000))

	f.t.InvalidateJitCacheRegion(ctx, 0x1004, 4)

	_, ok := f.t.Function(0x1000)
	assert.False(t, ok)
	assert.Equal(t, tc.Stubs.SlowDispatch, tc.Addrs.Get(0x1000))

	got, ok := f.t.Function(0x2000)
	assert.True(t, ok)
	assert.Same(t, b, got)
	assert.Equal(t, b.FuncPtr, tc.Addrs.Get(0x2000))

	// new guest code at the same address is picked up
	f.write(t, 0x1000, arm64.MOVZ(0, 3, 0), arm64.RET())

	err = f.t.Execute(ctx, f.ec, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), f.ec.X(0))
}

func TestInvalidateCodeBelowEntry(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	cfg.Translator.AllowLcqInFunctionTable = true

	f := newFixture(t, cfg)
	f.write(t, 0x1000,
		arm64.ADD(2, 2, 0),  // 1000 loop body
		arm64.CBZ(1, 0xc),   // 1004 entry -> 1010
		arm64.SUBi(1, 1, 1), // 1008
		arm64.B(-0xc),       // 100c -> 1000
		arm64.RET(),         // 1010
	)

	run := func() uint64 {
		f.ec.SetX(0, 5)
		f.ec.SetX(1, 4)
		f.ec.SetX(2, 0)

		err := f.t.Execute(ctx, f.ec, 0x1004)
		require.NoError(t, err)

		return f.ec.X(2)
	}

	assert.Equal(t, uint64(20), run())

	fn, ok := f.t.Function(0x1004)
	require.True(t, ok)
	assert.Equal(t, uint64(0x1000), fn.Start)
	assert.Equal(t, uint64(0x1014), fn.End)

	f.write(t, 0x1000, arm64.ADDi(2, 2, 1))
	f.t.InvalidateJitCacheRegion(ctx, 0x1000, 4)

	_, ok = f.t.Function(0x1004)
	assert.False(t, ok)

	assert.Equal(t, uint64(4), run())
}

func TestStep(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, testConfig())
	f.write(t, 0x1000,
		arm64.MOVZ(0, 7, 0),
		arm64.ADDi(0, 0, 1),
		arm64.B(0x100),
	)

	next, err := f.t.Step(ctx, f.ec, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1004), next)
	assert.Equal(t, uint64(7), f.ec.X(0))

	next, err = f.t.Step(ctx, f.ec, next)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1008), next)
	assert.Equal(t, uint64(8), f.ec.X(0))

	next, err = f.t.Step(ctx, f.ec, next)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1108), next)

	assert.Equal(t, 0, f.t.Stats().Functions)
}

func TestTranslationCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cfg := testConfig()
	cfg.PTC.Enabled = true
	cfg.PTC.Path = filepath.Join(dir, "armjit.ptc")
	cfg.PTC.ProfilePath = filepath.Join(dir, "armjit.prof")

	run := func() Stats {
		f := newFixture(t, cfg)
		f.write(t, 0x1000, fib...)

		f.ec.SetX(0, 10)

		err := f.t.Execute(ctx, f.ec, 0x1000)
		require.NoError(t, err)

		assert.Equal(t, uint64(55), f.ec.X(1))

		return f.t.Stats()
	}

	s := run()
	assert.Equal(t, int64(1), s.Translated)
	assert.Equal(t, int64(0), s.Loaded)

	s = run()
	assert.Equal(t, int64(0), s.Translated)
	assert.Equal(t, int64(1), s.Loaded)
	assert.Equal(t, 1, s.Functions)
}

func TestUnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Translator.Backend = "amd64"

	var (
		tc  *Context
		err error
	)

	require.NotPanics(t, func() {
		tc, err = NewContext(context.Background(), cfg, asm.Aarch64)
	})

	assert.ErrorIs(t, err, ErrUnknownBackend)
	assert.Nil(t, tc)
}

func TestContextCleanupAfterFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Translator.AllowLcqInFunctionTable = true
	cfg.JumpTable.Counters = 1 << 61 // the byte size overflows, mmap refuses it

	var err error

	require.NotPanics(t, func() {
		_, err = NewContext(context.Background(), cfg, asm.Aarch64)
	})

	assert.Error(t, err)
}
