package ssa

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/armjit/compiler/cfg"
	"github.com/slowlang/armjit/compiler/df"
	"github.com/slowlang/armjit/compiler/front"
	"github.com/slowlang/armjit/compiler/ir"
)

type (
	machine struct {
		regs   map[ir.RegKey]uint64
		locals map[uint64]uint64
		mem    map[uint64]uint64
		args   []uint64
		path   []int
	}

	result struct {
		ret  uint64
		mem  map[uint64]uint64
		path []int
	}
)

func x(i int) ir.Operand { return ir.Reg(i, ir.ClassInt, ir.I64) }

func (m *machine) val(o ir.Operand) uint64 {
	switch o.Kind {
	case ir.KindConst:
		return o.Value
	case ir.KindRegister:
		return m.regs[o.Key()]
	case ir.KindLocal:
		return m.locals[o.Value]
	}

	return 0xdead
}

func (m *machine) set(d ir.Operand, v uint64) {
	switch d.Kind {
	case ir.KindRegister:
		m.regs[d.Key()] = v
	case ir.KindLocal:
		m.locals[d.Value] = v
	}
}

func run(t *testing.T, g *cfg.Graph, args ...uint64) result {
	m := &machine{
		regs:   map[ir.RegKey]uint64{},
		locals: map[uint64]uint64{},
		mem:    map[uint64]uint64{},
		args:   args,
	}

	var prev *ir.Block
	b := g.Entry

	for step := 0; step < 10000; step++ {
		m.path = append(m.path, b.Index)

		n := b.PhiCount()
		vals := make([]uint64, n)

		for i, phi := range b.Ops[:n] {
			j := -1
			for k, p := range phi.Preds {
				if p == prev {
					j = k
				}
			}

			require.NotEqual(t, -1, j, "phi in block %d has no source for predecessor", b.Index)

			vals[i] = m.val(phi.Srcs[j])
		}

		for i, phi := range b.Ops[:n] {
			m.set(phi.Dest, vals[i])
		}

		taken := false

		for _, op := range b.Ops[n:] {
			switch op.Inst {
			case ir.LoadArgument:
				m.set(op.Dest, m.args[op.Srcs[0].Value])
			case ir.Store:
				m.mem[m.val(op.Srcs[0])] = m.val(op.Srcs[1])
			case ir.BranchIf:
				taken = ir.Comparison(op.Srcs[2].Value).Eval(op.Srcs[0].Type, m.val(op.Srcs[0]), m.val(op.Srcs[1]))
			case ir.Return:
				return result{ret: m.val(op.Srcs[0]), mem: m.mem, path: m.path}
			default:
				s := make([]uint64, len(op.Srcs))
				for i, src := range op.Srcs {
					s[i] = m.val(src)
				}

				var st ir.Type
				if len(op.Srcs) != 0 {
					st = op.Srcs[0].Type
				}

				r, ok := ir.Eval(op.Inst, op.Dest.Type, st, s)
				require.True(t, ok, "unsupported %v", op.Inst)

				m.set(op.Dest, r)
			}
		}

		prev = b

		if taken {
			b = b.Branch()
		} else {
			b = b.Next()
		}

		require.NotNil(t, b)
	}

	t.Fatalf("too many steps")

	return result{}
}

func loopProgram() *cfg.Graph {
	b := front.NewBuilder()

	b.CopyTo(x(0), b.LoadArgument(ir.I64, 0))
	b.CopyTo(x(1), b.LoadArgument(ir.I64, 1))
	b.CopyTo(x(3), b.LoadArgument(ir.I64, 2))
	b.CopyTo(x(2), ir.Const64(0))

	head := b.NewLabel()
	exit := b.NewLabel()
	odd := b.NewLabel()
	join := b.NewLabel()

	b.MarkLabel(head)
	b.BranchIf(exit, x(0), ir.Const64(0), ir.Equal)

	b.BranchIfTrue(odd, b.BitwiseAnd(x(0), ir.Const64(1)))

	b.CopyTo(x(2), b.Add(x(2), x(1)))
	b.Branch(join)

	b.MarkLabel(odd)
	b.CopyTo(x(3), b.Subtract(x(2), x(0)))
	b.CopyTo(x(2), x(3))

	// swap
	b.CopyTo(x(4), x(1))
	b.CopyTo(x(1), x(3))
	b.CopyTo(x(3), x(4))

	b.MarkLabel(join)
	b.CopyTo(x(0), b.Subtract(x(0), ir.Const64(1)))
	b.Branch(head)

	b.MarkLabel(exit)

	for i := 0; i < 4; i++ {
		b.Store(ir.Const64(int64(0x1000+8*i)), x(i))
	}

	b.Return(x(2))

	return b.Graph()
}

func construct(t *testing.T, g *cfg.Graph) {
	df.Dominators(g)
	df.Frontiers(g)

	Construct(context.Background(), g)

	defs := map[uint64]int{}

	for _, b := range g.Blocks {
		for _, op := range b.Ops {
			for _, s := range op.Srcs {
				assert.False(t, s.IsRegister(), "register use left: %v", op)
			}

			assert.False(t, op.Dest.IsRegister(), "register def left: %v", op)

			if op.Dest.IsLocal() {
				defs[op.Dest.Value]++
			}
		}
	}

	for l, n := range defs {
		assert.Equal(t, 1, n, "local %d defined %d times", l, n)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, args := range [][]uint64{
		{0, 5, 9},
		{1, 5, 9},
		{7, 3, 100},
		{10, 0xffffffff, 1},
	} {
		want := run(t, loopProgram(), args...)

		g := loopProgram()
		construct(t, g)

		phis := 0
		for _, b := range g.Blocks {
			phis += b.PhiCount()
		}

		assert.NotZero(t, phis)

		ssaRes := run(t, g, args...)
		assert.Equal(t, want, ssaRes, "ssa form %v", args)

		Deconstruct(g)

		for _, b := range g.Blocks {
			assert.Zero(t, b.PhiCount())
		}

		got := run(t, g, args...)
		assert.Equal(t, want, got, "deconstructed %v", args)
	}
}

func TestUndefOnUninitializedPath(t *testing.T) {
	b := front.NewBuilder()

	skip := b.NewLabel()

	b.BranchIfTrue(skip, b.LoadArgument(ir.I64, 0))
	b.CopyTo(x(5), ir.Const64(1))
	b.MarkLabel(skip)
	b.Return(x(5))

	g := b.Graph()
	construct(t, g)

	last := g.Blocks[len(g.Blocks)-1]
	require.Equal(t, 1, last.PhiCount())

	phi := last.Ops[0]

	var undef, def int
	for _, s := range phi.Srcs {
		switch s.Kind {
		case ir.KindUndef:
			undef++
		case ir.KindLocal:
			def++
		}
	}

	assert.Equal(t, 1, undef)
	assert.Equal(t, 1, def)
	assert.Equal(t, phi.Dest, last.Last().Srcs[0])
}

func TestRegisterToLocal(t *testing.T) {
	want := run(t, loopProgram(), 6, 2, 3)

	g := loopProgram()
	RegisterToLocal(g)

	for _, b := range g.Blocks {
		for _, op := range b.Ops {
			assert.False(t, op.Dest.IsRegister())

			for _, s := range op.Srcs {
				assert.False(t, s.IsRegister())
			}
		}
	}

	assert.Equal(t, want, run(t, g, 6, 2, 3))
}
