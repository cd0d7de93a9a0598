package front

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/armjit/compiler/asm"
	"github.com/slowlang/armjit/compiler/ir"
)

type testEnv struct {
	static   map[uint64]int
	dynamic  int
	counters int
}

func (e *testEnv) ReserveStaticEntry(owner, target uint64) (uintptr, error) {
	if e.static == nil {
		e.static = map[uint64]int{}
	}

	e.static[target]++

	return uintptr(0x1000 + 16*len(e.static) + 8), nil
}

func (e *testEnv) ReserveDynamicSite(owner uint64) (uintptr, error) {
	e.dynamic++

	return uintptr(0x8000 + 64*e.dynamic), nil
}

func (e *testEnv) DynamicElems() int { return 2 }

func (e *testEnv) Stub(kind ir.SymbolType) uintptr { return 0x100 * uintptr(kind) }

func (e *testEnv) PageTable() (uintptr, uint64) { return 0x40000, 0xffff }

func (e *testEnv) AllocateCounter(owner uint64) (uintptr, error) {
	e.counters++

	return uintptr(0x20000 + 4*e.counters), nil
}

func TestBuilderBranchSuccessors(t *testing.T) {
	b := NewBuilder()

	x := b.LoadArgument(ir.I64, 1)

	then := b.NewLabel()
	end := b.NewLabel()

	b.BranchIfTrue(then, x)

	b.Copy(ir.Const64(1))
	b.Branch(end)

	b.MarkLabel(then)
	b.Copy(ir.Const64(2))

	b.MarkLabel(end)
	b.Return(x)

	g := b.Graph()
	g.Update()

	require.Len(t, g.Blocks, 4)

	entry := g.Blocks[0]
	require.Len(t, entry.Succs, 2)
	assert.Equal(t, ir.BranchIf, entry.Last().Inst)
	assert.Equal(t, 1, entry.Succs[0].Index, "fallthrough goes first")
	assert.Equal(t, 2, entry.Succs[1].Index, "branch target goes second")

	join := g.Blocks[3]
	assert.Len(t, join.Preds, 2)
	assert.True(t, join.EndsWithReturn())
}

func TestBuilderTrailingBranchIf(t *testing.T) {
	b := NewBuilder()

	x := b.LoadArgument(ir.I64, 1)

	loop := b.NewLabel()

	b.MarkLabel(loop)
	b.Copy(x)
	b.BranchIfTrue(loop, x)

	g := b.Graph()

	require.Len(t, g.Blocks, 3)

	last := g.Blocks[2]
	require.True(t, last.EndsWithReturn())
	assert.Equal(t, ir.Const64(0), last.Last().Srcs[0])

	body := g.Blocks[1]
	require.Len(t, body.Succs, 2)
	assert.Same(t, last, body.Succs[0])
	assert.Same(t, body, body.Succs[1])
}

func TestBuilderMarkTwicePanics(t *testing.T) {
	b := NewBuilder()
	l := b.NewLabel()

	b.MarkLabel(l)

	assert.Panics(t, func() { b.MarkLabel(l) })
}

func TestBuilderContextMarkers(t *testing.T) {
	b := NewBuilder()

	b.Copy(ir.Const64(1))
	b.StoreToContext()
	b.Copy(ir.Const64(2))
	b.LoadFromContext()
	b.Return(ir.Operand{})

	g := b.Graph()

	require.Len(t, g.Blocks, 3)
	assert.Equal(t, ir.StoreToContext, g.Blocks[0].Last().Inst)
	assert.Equal(t, ir.LoadFromContext, g.Blocks[2].First().Inst)
}

func TestComparisonFusion(t *testing.T) {
	c := NewContext(&testEnv{}, 0x1000, asm.Aarch64, false, Options{})

	op := OpCode{Address: 0x1000, Size: 4}
	c.CurrOp = &op

	n := c.GetIntOrZR(0)
	m := c.GetIntOrZR(1)

	c.MarkComparison(n, m, CompareSub, 0)
	c.MarkFlagSet()

	next := OpCode{Address: 0x1004, Size: 4}
	c.CurrOp = &next

	c.SetFlag(asm.FlagZ, ir.Const32(0))

	_, ok := c.TryComparisonResult(asm.Lt)
	assert.False(t, ok, "flag set after compare by other instruction")

	c.CurrOp = &op
	c.MarkComparison(n, m, CompareSub, 0)
	c.MarkFlagSet()

	v, ok := c.TryComparisonResult(asm.GtUn)
	require.True(t, ok)
	assert.Equal(t, ir.I32, v.Type)

	_, ok = c.TryComparisonResult(asm.Mi)
	assert.False(t, ok)

	c.MarkComparison(n, ir.Const64(5), CompareAddImm, 5)
	c.MarkFlagSet()

	_, ok = c.TryComparisonResult(asm.GeUn)
	assert.False(t, ok, "carry differs for add")

	_, ok = c.TryComparisonResult(asm.Le)
	assert.True(t, ok)
}

func TestLabelCache(t *testing.T) {
	c := NewContext(&testEnv{}, 0, asm.Aarch64, false, Options{})

	a := c.Label(0x10)
	b := c.Label(0x20)

	assert.NotEqual(t, a, b)
	assert.Equal(t, a, c.Label(0x10))
}

func TestTranslateStraightLine(t *testing.T) {
	env := &testEnv{}
	c := NewContext(env, 0x100, asm.Aarch64, true, Options{UseJumpTable: true})

	blk := &Block{
		Address:    0x100,
		EndAddress: 0x108,
		OpCodes: []OpCode{
			{Address: 0x100, Size: 4, Name: "movz", Emitter: func(c *Context) error {
				c.SetIntOrZR(0, ir.Const64(7))
				return nil
			}},
			{Address: 0x104, Size: 4, Name: "ret", Branch: true, Emitter: func(c *Context) error {
				return c.EmitVirtualJump(c.GetIntOrZR(LinkRegister), true)
			}},
		},
	}

	g, rng, err := Translate(context.Background(), c, []*Block{blk})
	require.NoError(t, err)

	g.Update()

	require.Len(t, g.Blocks, 1)
	assert.Equal(t, ir.Return, g.Blocks[0].Last().Inst)
	assert.Equal(t, Range{Start: 0x100, End: 0x108}, rng)
	assert.Empty(t, env.static)
}

func TestTranslateExitBlock(t *testing.T) {
	env := &testEnv{}
	c := NewContext(env, 0x100, asm.Aarch64, true, Options{UseJumpTable: true, Synchronize: true})

	exit := &Block{Address: 0x104, EndAddress: 0x104, Exit: true}
	blk := &Block{
		Address:    0x100,
		EndAddress: 0x104,
		Next:       exit,
		OpCodes: []OpCode{
			{Address: 0x100, Size: 4, Name: "nop", Emitter: func(c *Context) error { return nil }},
		},
	}

	g, _, err := Translate(context.Background(), c, []*Block{blk, exit})
	require.NoError(t, err)

	g.Update()

	assert.Equal(t, 1, env.static[0x104])

	var tail *ir.Operation
	for _, b := range g.Blocks {
		if l := b.Last(); l != nil && l.Inst == ir.Tailcall {
			tail = l
		}
	}

	require.NotNil(t, tail)

	last := g.Blocks[len(g.Blocks)-1]
	assert.True(t, last.EndsWithReturn())
}

func TestTranslateErrors(t *testing.T) {
	c := NewContext(&testEnv{}, 0x100, asm.Aarch64, false, Options{})

	_, _, err := Translate(context.Background(), c, nil)
	assert.ErrorIs(t, err, ErrNoBlocks)

	c = NewContext(&testEnv{}, 0x100, asm.Aarch64, false, Options{})

	_, _, err = Translate(context.Background(), c, []*Block{{Address: 0x100, EndAddress: 0x104, OpCodes: []OpCode{{Address: 0x100, Size: 4}}}})
	assert.ErrorIs(t, err, ErrNoEmitter)
}

func TestDynamicSiteChain(t *testing.T) {
	env := &testEnv{}
	c := NewContext(env, 0x100, asm.Aarch64, true, Options{UseJumpTable: true, DynamicTable: true})

	op := OpCode{Address: 0x100, Size: 4}
	c.CurrOp = &op

	require.NoError(t, c.EmitVirtualJump(c.GetIntOrZR(3), false))

	g := c.Graph()

	var sel, tail int
	var site ir.Operand

	for _, b := range g.Blocks {
		for _, op := range b.Ops {
			switch op.Inst {
			case ir.ConditionalSelect:
				sel++
			case ir.Tailcall:
				tail++
				site = op.Srcs[2]
			}
		}
	}

	assert.Equal(t, env.DynamicElems(), sel)
	assert.Equal(t, 1, tail)
	assert.Equal(t, ir.SymDynamicEntry, site.Sym.Type)
	assert.Equal(t, uint64(1), site.Sym.Value)
}

func TestRejitCheckBaselineOnly(t *testing.T) {
	blk := func() *Block {
		return &Block{
			Address:    0x100,
			EndAddress: 0x104,
			OpCodes: []OpCode{
				{Address: 0x100, Size: 4, Name: "ret", Branch: true, Emitter: func(c *Context) error {
					return c.EmitVirtualJump(c.GetIntOrZR(LinkRegister), true)
				}},
			},
		}
	}

	for _, highCq := range []bool{false, true} {
		env := &testEnv{}
		c := NewContext(env, 0x100, asm.Aarch64, highCq, Options{RejitCalls: 100})

		g, _, err := Translate(context.Background(), c, []*Block{blk()})
		require.NoError(t, err)

		var calls int
		var counter ir.Operand

		for _, b := range g.Blocks {
			for _, op := range b.Ops {
				if op.Inst == ir.Call {
					calls++
				}

				if op.Inst == ir.Store && op.Srcs[0].Sym.Type == ir.SymCountEntry {
					counter = op.Srcs[0]
				}
			}
		}

		if highCq {
			assert.Equal(t, 0, env.counters)
			assert.Equal(t, 0, calls)
			assert.Equal(t, uintptr(0), c.Counter)

			continue
		}

		assert.Equal(t, 1, env.counters)
		assert.Equal(t, 1, calls)
		assert.Equal(t, uint64(c.Counter), counter.Value)
		assert.Equal(t, uint64(0x100), counter.Sym.Value)
	}
}
