package interp

import (
	"context"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/armjit/compiler/back"
	"github.com/slowlang/armjit/compiler/cfg"
	"github.com/slowlang/armjit/compiler/front"
	"github.com/slowlang/armjit/compiler/ir"
	"github.com/slowlang/armjit/jit/helpers"
)

type codeMap map[uintptr][]byte

var cell uint64

func (m codeMap) Code(p uintptr) ([]byte, bool) {
	c, ok := m[p]
	return c, ok
}

func compile(t *testing.T, g *cfg.Graph) *back.Compiled {
	t.Helper()

	c, err := New().Compile(context.Background(), g, back.Signature{Ret: ir.I64, Args: []ir.Type{ir.I64}}, back.Options{Relocatable: true})
	require.NoError(t, err)

	return c
}

func sumLoop() *cfg.Graph {
	b := front.NewBuilder()

	n := b.LoadArgument(ir.I64, 0)
	p := b.LoadArgument(ir.I64, 1)

	i := b.AllocateLocal(ir.I64)
	s := b.AllocateLocal(ir.I64)

	b.CopyTo(i, ir.Const64(0))
	b.CopyTo(s, ir.Const64(0))

	loop, done := b.NewLabel(), b.NewLabel()

	b.MarkLabel(loop)
	b.BranchIf(done, i, n, ir.GreaterOrEqualUI)
	b.CopyTo(i, b.Add(i, ir.Const64(1)))
	b.CopyTo(s, b.Add(s, i))
	b.Branch(loop)

	b.MarkLabel(done)
	b.Store(p, s)
	b.Return(s)

	return b.Graph()
}

func TestExecuteLoop(t *testing.T) {
	code := codeMap{0x1000: compile(t, sumLoop()).Code}

	m := NewMachine(code, helpers.Default())

	cell = 0
	addr := uint64(uintptr(unsafe.Pointer(&cell)))

	r := m.Execute(0x1000, []uint64{10, addr}, nil)
	assert.Equal(t, uint64(55), r)
	assert.Equal(t, uint64(55), cell)
}

func TestExecuteCallsAndTailcall(t *testing.T) {
	b := front.NewBuilder()
	r := b.CallAddress(ir.Const64(0x1000), ir.I64, ir.Const64(4), ir.Const64(int64(uintptr(unsafe.Pointer(&cell)))))
	rb := b.Call(helpers.ReverseBits, ir.I64, r, ir.Const32(64))
	b.Tailcall(ir.Const64(0x3000), rb)
	caller := compile(t, b.Graph())

	assert.Len(t, caller.Relocs, 1)
	assert.Equal(t, ir.Symbol{Type: ir.SymHelper, Value: helpers.ReverseBits}, caller.Relocs[0].Symbol)

	b = front.NewBuilder()
	b.Return(b.Add(b.LoadArgument(ir.I64, 0), ir.Const64(1)))
	inc := compile(t, b.Graph())

	code := codeMap{
		0x1000: compile(t, sumLoop()).Code,
		0x2000: caller.Code,
		0x3000: inc.Code,
	}

	m := NewMachine(code, helpers.Default())

	res := m.Execute(0x2000, nil, nil)
	assert.Equal(t, uint64(0x5000000000000001), res)
}

func TestExecuteVector(t *testing.T) {
	b := front.NewBuilder()

	v := b.VectorZero()
	v = b.VectorInsert(v, ir.Const32(7), 3)
	v = b.VectorInsert(v, ir.Const64(-1), 0)
	x := b.VectorExtract(ir.I32, v, 3)
	y := b.VectorExtract(ir.I32, v, 1)
	b.Return(b.Add(b.ZeroExtend32(ir.I64, x), b.ZeroExtend32(ir.I64, y)))

	code := codeMap{0x10: compile(t, b.Graph()).Code}

	r := NewMachine(code, nil).Execute(0x10, nil, nil)
	assert.Equal(t, uint64(7+0xffffffff), r)
}

func TestPatchReloc(t *testing.T) {
	b := front.NewBuilder()
	b.Return(ir.ConstSym(0x1111, ir.SymPageTable, 0))

	c := compile(t, b.Graph())
	require.Len(t, c.Relocs, 1)

	PatchReloc(c.Code, c.Relocs[0], 0x2222)

	r := NewMachine(codeMap{1: c.Code}, nil).Execute(1, nil, nil)
	assert.Equal(t, uint64(0x2222), r)
}

func TestCompileErrors(t *testing.T) {
	b := front.NewBuilder()
	b.CopyTo(ir.Reg(1, ir.ClassInt, ir.I64), ir.Const64(1))
	b.Return(ir.Operand{})

	_, err := New().Compile(context.Background(), b.Graph(), back.Signature{}, back.Options{})
	assert.ErrorIs(t, err, ErrRegister)
}

func TestDecodeErrors(t *testing.T) {
	c := compile(t, sumLoop())

	_, err := decode(c.Code[:len(c.Code)-4])
	assert.ErrorIs(t, err, ErrBadCode)

	_, err = decode([]byte{1, 2, 3})
	assert.Error(t, err)

	m := NewMachine(codeMap{}, nil)
	assert.Panics(t, func() { m.Execute(0x1234, nil, nil) })
}
