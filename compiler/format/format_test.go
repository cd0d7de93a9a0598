package format

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/armjit/compiler/front"
	"github.com/slowlang/armjit/compiler/ir"
)

func TestFormatGraph(t *testing.T) {
	b := front.NewBuilder()

	l := b.NewLabel()

	x := b.LoadArgument(ir.I64, 0)
	b.BranchIf(l, x, ir.Const64(3), ir.LessUI)
	b.CopyTo(ir.Reg(1, ir.ClassInt, ir.I64), ir.Const64(1))
	b.MarkLabel(l)
	b.Return(ir.ConstSym(0x40, ir.SymHelper, 2))

	g := b.Graph()

	r, err := Format(context.Background(), nil, g)
	require.NoError(t, err)

	exp := `b0:
	%1 = arg.i64 0x0
	brif %1, 0x3, ltu
	// next b1 branch b2

b1: // preds b0
	x1 = copy.i64 0x1
	jmp b2

b2: // preds b0 b1
	ret helper(0x2)
`

	assert.Equal(t, exp, string(r))
}

func TestFormatUnsupported(t *testing.T) {
	_, err := Format(context.Background(), nil, 5)
	assert.Error(t, err)
}
