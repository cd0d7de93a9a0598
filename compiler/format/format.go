package format

import (
	"context"

	"github.com/nikandfor/hacked/hfmt"
	"tlog.app/go/errors"

	"github.com/slowlang/armjit/compiler/cfg"
	"github.com/slowlang/armjit/compiler/ir"
)

// Format appends a text dump of x: *cfg.Graph, *ir.Block, *ir.Operation or ir.Operand.
func Format(ctx context.Context, b []byte, x any) ([]byte, error) {
	return format(ctx, b, x, 0)
}

func format(ctx context.Context, b []byte, x any, d int) ([]byte, error) {
	switch x := x.(type) {
	case *cfg.Graph:
		return formatGraph(ctx, b, x, d)
	case *ir.Block:
		return formatBlock(ctx, b, x, d)
	case *ir.Operation:
		return formatOp(b, x, d), nil
	case ir.Operand:
		return formatOperand(b, x), nil
	default:
		return nil, errors.New("unsupported type: %T", x)
	}
}

func formatGraph(ctx context.Context, b []byte, g *cfg.Graph, d int) (_ []byte, err error) {
	for i, blk := range g.Blocks {
		if i != 0 {
			b = append(b, '\n')
		}

		b, err = formatBlock(ctx, b, blk, d)
		if err != nil {
			return nil, errors.Wrap(err, "block %v", blk.Index)
		}
	}

	return b, nil
}

func formatBlock(ctx context.Context, b []byte, x *ir.Block, d int) ([]byte, error) {
	b = app(b, d, "b%d:", x.Index)

	if len(x.Preds) != 0 {
		b = append(b, " // preds"...)

		for _, p := range x.Preds {
			b = hfmt.Appendf(b, " b%d", p.Index)
		}
	}

	if x.Freq == ir.FreqCold {
		b = append(b, " cold"...)
	}

	b = append(b, '\n')

	for _, op := range x.Ops {
		b = formatOp(b, op, d+1)
	}

	switch len(x.Succs) {
	case 0:
	case 1:
		if l := x.Last(); l == nil || !l.Inst.IsTerminator() {
			b = app(b, d+1, "jmp b%d\n", x.Succs[0].Index)
		}
	default:
		b = app(b, d+1, "// next b%d branch b%d\n", x.Succs[0].Index, x.Succs[1].Index)
	}

	return b, nil
}

func formatOp(b []byte, op *ir.Operation, d int) []byte {
	b = app(b, d, "")

	if op.HasDest() {
		b = formatOperand(b, op.Dest)
		b = append(b, " = "...)
	}

	b = append(b, op.Inst.String()...)

	if op.Flags&ir.Volatile != 0 {
		b = append(b, ".v"...)
	}

	if op.HasDest() {
		b = hfmt.Appendf(b, ".%v", op.Dest.Type)
	}

	for i, s := range op.Srcs {
		if i == 0 {
			b = append(b, ' ')
		} else {
			b = append(b, ", "...)
		}

		if op.Inst == ir.Phi {
			b = hfmt.Appendf(b, "[b%d] ", op.Preds[i].Index)
		}

		if (op.Inst == ir.BranchIf || op.Inst == ir.Compare) && i == 2 && s.IsConst() {
			b = append(b, ir.Comparison(s.Value).String()...)
			continue
		}

		b = formatOperand(b, s)
	}

	return append(b, '\n')
}

func formatOperand(b []byte, x ir.Operand) []byte {
	switch x.Kind {
	case ir.KindConst:
		if x.Sym.Type != ir.SymNone {
			return hfmt.Appendf(b, "%v(%#x)", x.Sym.Type, x.Sym.Value)
		}

		return hfmt.Appendf(b, "%#x", x.Value)
	case ir.KindRegister:
		return hfmt.Appendf(b, "%v%d", x.Class, x.Value)
	case ir.KindLocal:
		return hfmt.Appendf(b, "%%%d", x.Value)
	case ir.KindUndef:
		return append(b, "undef"...)
	}

	return append(b, '_')
}

func app(b []byte, d int, f string, args ...any) []byte {
	const tabs = "\t\t\t\t\t\t\t\t\t\t\t\t\t\t\t"
	b = append(b, tabs[:d]...)
	b = hfmt.Appendf(b, f, args...)
	return b
}
