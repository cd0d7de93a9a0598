package compiler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/armjit/compiler/asm"
	"github.com/slowlang/armjit/compiler/back"
	"github.com/slowlang/armjit/compiler/back/interp"
	"github.com/slowlang/armjit/compiler/cfg"
	"github.com/slowlang/armjit/compiler/front"
	"github.com/slowlang/armjit/compiler/ir"
	"github.com/slowlang/armjit/jit/helpers"
	"github.com/slowlang/armjit/jit/state"
)

type codeMap map[uintptr][]byte

func (m codeMap) Code(p uintptr) ([]byte, bool) {
	c, ok := m[p]
	return c, ok
}

func x(i int) ir.Operand { return ir.Reg(i, ir.ClassInt, ir.I64) }

// fibProgram leaves fib(x0) in x1.
func fibProgram() *cfg.Graph {
	b := front.NewBuilder()

	loop, done := b.NewLabel(), b.NewLabel()

	b.CopyTo(x(1), ir.Const64(0))
	b.CopyTo(x(2), ir.Const64(1))

	b.MarkLabel(loop)
	b.BranchIf(done, x(0), ir.Const64(0), ir.Equal)
	b.CopyTo(x(3), b.Add(x(1), x(2)))
	b.CopyTo(x(1), x(2))
	b.CopyTo(x(2), x(3))
	b.CopyTo(x(0), b.Subtract(x(0), ir.Const64(1)))
	b.Branch(loop)

	b.MarkLabel(done)
	b.Return(ir.Operand{})

	return b.Graph()
}

func TestCompileTiers(t *testing.T) {
	for _, highCq := range []bool{false, true} {
		ec, err := state.NewExecutionContext(asm.Aarch64)
		require.NoError(t, err)

		defer ec.Close()

		c, err := Compile(context.Background(), fibProgram(), back.Signature{Args: []ir.Type{ir.I64}}, interp.New(), Options{
			HighCq:    highCq,
			GuestCode: true,
			Mode:      asm.Aarch64,
		})
		require.NoError(t, err, "high_cq %v", highCq)

		ec.SetX(0, 10)
		ec.SetX(9, 0x99)

		m := interp.NewMachine(codeMap{0x100: c.Code}, helpers.Default())
		m.Execute(0x100, []uint64{uint64(ec.Pointer())}, nil)

		assert.Equal(t, uint64(55), ec.X(1), "high_cq %v", highCq)
		assert.Equal(t, uint64(0), ec.X(0), "high_cq %v", highCq)
		assert.Equal(t, uint64(0x99), ec.X(9), "high_cq %v", highCq)
	}
}

func TestCompileNoBackend(t *testing.T) {
	_, err := Compile(context.Background(), fibProgram(), back.Signature{}, nil, Options{})
	assert.ErrorIs(t, err, ErrNoBackend)
}

func TestCompileStubWithoutRegisters(t *testing.T) {
	b := front.NewBuilder()
	b.Return(b.Add(b.LoadArgument(ir.I64, 0), ir.Const64(2)))

	c, err := Compile(context.Background(), b.Graph(), back.Signature{Ret: ir.I64, Args: []ir.Type{ir.I64}}, interp.New(), Options{HighCq: true})
	require.NoError(t, err)

	m := interp.NewMachine(codeMap{1: c.Code}, nil)
	assert.Equal(t, uint64(42), m.Execute(1, []uint64{40}, nil))
}
