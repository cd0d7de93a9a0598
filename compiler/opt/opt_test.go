package opt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/armjit/compiler/front"
	"github.com/slowlang/armjit/compiler/ir"
)

func TestFoldAndPropagate(t *testing.T) {
	b := front.NewBuilder()

	a := b.Add(ir.Const64(2), ir.Const64(3))
	m := b.Multiply(a, ir.Const64(4))
	c := b.Copy(m)
	arg := b.LoadArgument(ir.I64, 1)
	_ = b.Subtract(arg, ir.Const64(1)) // dead
	b.Store(arg, c)
	b.Return(c)

	g := b.Graph()

	st := Optimize(context.Background(), g)

	assert.NotZero(t, st.Folded)
	assert.NotZero(t, st.Removed)

	ops := g.Entry.Ops
	require.Len(t, ops, 3, "%v", ops)

	assert.Equal(t, ir.LoadArgument, ops[0].Inst)
	assert.Equal(t, ir.Store, ops[1].Inst)
	assert.Equal(t, ir.Const64(20), ops[1].Srcs[1])
	assert.Equal(t, ir.Const64(20), ops[2].Srcs[0])
}

func TestKeepSideEffects(t *testing.T) {
	b := front.NewBuilder()

	r := b.Call(3, ir.I64)
	_ = r
	old := b.CompareAndSwap(ir.Const64(0x100), ir.Const64(0), ir.Const64(1))
	_ = old
	b.Return(ir.Operand{})

	g := b.Graph()

	Optimize(context.Background(), g)

	assert.Len(t, g.Entry.Ops, 3)
}

func TestNoFoldRelocatable(t *testing.T) {
	b := front.NewBuilder()

	p := b.Add(ir.ConstSym(0x1000, ir.SymPageTable, 0), ir.Const64(8))
	b.Return(p)

	g := b.Graph()

	assert.Zero(t, Fold(g))
	assert.Equal(t, ir.Add, g.Entry.Ops[0].Inst)
}

func TestFoldCompare(t *testing.T) {
	b := front.NewBuilder()

	c := b.ICompareLess(ir.Const32(-1), ir.Const32(0))
	s := b.ConditionalSelect(c, ir.Const64(7), ir.Const64(9))
	b.Return(s)

	g := b.Graph()

	Optimize(context.Background(), g)

	require.Len(t, g.Entry.Ops, 1)
	assert.Equal(t, ir.Const64(7), g.Entry.Ops[0].Srcs[0])
}
