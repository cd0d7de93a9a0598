package ssa

import (
	"github.com/slowlang/armjit/compiler/cfg"
	"github.com/slowlang/armjit/compiler/ir"
)

// Deconstruct replaces phis with copies through a temporary:
// one at the end of every predecessor and one at the top of the phi block.
func Deconstruct(g *cfg.Graph) {
	for _, b := range g.Blocks {
		n := b.PhiCount()
		if n == 0 {
			continue
		}

		top := make([]*ir.Operation, 0, n)

		for _, phi := range b.Ops[:n] {
			tmp := g.Local(phi.Dest.Type)

			for i, p := range phi.Preds {
				p.Append(ir.NewOp(ir.Copy, tmp, phi.Srcs[i]))
			}

			top = append(top, ir.NewOp(ir.Copy, phi.Dest, tmp))
		}

		rest := b.Ops[n:]

		b.Ops = make([]*ir.Operation, 0, len(top)+len(rest))
		b.Ops = append(b.Ops, top...)
		b.Ops = append(b.Ops, rest...)
	}
}

// RegisterToLocal renames every register to one local per register.
// The result is not SSA: locals may be defined many times.
func RegisterToLocal(g *cfg.Graph) {
	locals := map[ir.RegKey]ir.Operand{}

	get := func(r ir.Operand) ir.Operand {
		k := r.Key()

		l, ok := locals[k]
		if !ok {
			l = g.Local(r.Type)
			locals[k] = l
		}

		return l
	}

	for _, b := range g.Blocks {
		for _, op := range b.Ops {
			for i, s := range op.Srcs {
				if s.IsRegister() {
					op.Srcs[i] = get(s)
				}
			}

			if op.Dest.IsRegister() {
				op.Dest = get(op.Dest)
			}
		}
	}
}
