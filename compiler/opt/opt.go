package opt

import (
	"context"

	"tlog.app/go/tlog"

	"github.com/slowlang/armjit/compiler/cfg"
	"github.com/slowlang/armjit/compiler/ir"
)

type (
	Stats struct {
		Folded     int
		Propagated int
		Removed    int
	}
)

// Optimize runs constant folding, copy propagation and dead code removal
// until nothing changes. The graph must be in SSA form.
func Optimize(ctx context.Context, g *cfg.Graph) (st Stats) {
	tr := tlog.SpanFromContext(ctx)

	for {
		f := Fold(g)
		p := Propagate(g)
		r := RemoveDead(g)

		st.Folded += f
		st.Propagated += p
		st.Removed += r

		if f+p+r == 0 {
			break
		}
	}

	if tr.If("opt") {
		tr.Printw("optimized", "folded", st.Folded, "propagated", st.Propagated, "removed", st.Removed)
	}

	return st
}

// Fold replaces pure integer operations over constants with copies.
func Fold(g *cfg.Graph) (n int) {
	var vals []uint64

	for _, b := range g.Blocks {
		for _, op := range b.Ops {
			if op.Inst == ir.Copy || !op.Dest.IsLocal() || !op.Dest.Type.IsInteger() {
				continue
			}

			vals = vals[:0]
			ok := len(op.Srcs) != 0

			for _, s := range op.Srcs {
				if !s.IsConst() || s.Sym.Type != ir.SymNone || !s.Type.IsInteger() {
					ok = false
					break
				}

				vals = append(vals, s.Value)
			}

			if !ok {
				continue
			}

			r, ok := ir.Eval(op.Inst, op.Dest.Type, op.Srcs[0].Type, vals)
			if !ok {
				continue
			}

			op.Inst = ir.Copy
			op.Srcs = []ir.Operand{ir.Const(op.Dest.Type, r)}

			n++
		}
	}

	return n
}

// Propagate replaces uses of copied locals with the copy source.
func Propagate(g *cfg.Graph) (n int) {
	repl := map[uint64]ir.Operand{}

	for _, b := range g.Blocks {
		for _, op := range b.Ops {
			if op.Inst != ir.Copy || !op.Dest.IsLocal() {
				continue
			}

			s := op.Srcs[0]

			if !s.IsConst() && !s.IsLocal() || s.Type != op.Dest.Type {
				continue
			}

			repl[op.Dest.Value] = s
		}
	}

	if len(repl) == 0 {
		return 0
	}

	resolve := func(o ir.Operand) ir.Operand {
		for i := 0; i < len(repl) && o.IsLocal(); i++ {
			r, ok := repl[o.Value]
			if !ok {
				break
			}

			o = r
		}

		return o
	}

	for _, b := range g.Blocks {
		for _, op := range b.Ops {
			for i, s := range op.Srcs {
				if !s.IsLocal() {
					continue
				}

				if r := resolve(s); r != s {
					op.Srcs[i] = r
					n++
				}
			}
		}
	}

	return n
}

// RemoveDead drops operations whose results are never used.
func RemoveDead(g *cfg.Graph) (n int) {
	used := map[uint64]struct{}{}

	for _, b := range g.Blocks {
		for _, op := range b.Ops {
			for _, s := range op.Srcs {
				if s.IsLocal() {
					used[s.Value] = struct{}{}
				}
			}
		}
	}

	for _, b := range g.Blocks {
		ops := b.Ops[:0]

		for _, op := range b.Ops {
			if op.Dest.IsLocal() && !op.Inst.HasSideEffects() {
				if _, ok := used[op.Dest.Value]; !ok {
					n++
					continue
				}
			}

			ops = append(ops, op)
		}

		for i := len(ops); i < len(b.Ops); i++ {
			b.Ops[i] = nil
		}

		b.Ops = ops
	}

	return n
}
