package ssa

import (
	"context"

	"tlog.app/go/tlog"

	"github.com/slowlang/armjit/compiler/cfg"
	"github.com/slowlang/armjit/compiler/ir"
	"github.com/slowlang/armjit/compiler/set"
)

type (
	// defMap is the per block state: the value of each register
	// at the block exit and the registers which need a phi at the block entry.
	defMap struct {
		defs map[ir.RegKey]ir.Operand
		phis set.Bits[ir.RegKey]

		// materialized phi destinations
		made map[ir.RegKey]ir.Operand
	}

	constructor struct {
		g    *cfg.Graph
		defs []defMap
	}
)

// Construct converts register operands into SSA locals.
// Dominators and frontiers must be computed.
func Construct(ctx context.Context, g *cfg.Graph) {
	tr := tlog.SpanFromContext(ctx)

	c := &constructor{
		g:    g,
		defs: make([]defMap, len(g.Blocks)),
	}

	for i := range c.defs {
		c.defs[i] = defMap{
			defs: map[ir.RegKey]ir.Operand{},
			phis: set.MakeBits[ir.RegKey](0),
		}
	}

	local := map[ir.RegKey]ir.Operand{}
	var queue []*ir.Block

	for _, b := range g.Blocks {
		clear(local)

		for _, op := range b.Ops {
			for i, s := range op.Srcs {
				if !s.IsRegister() {
					continue
				}

				if d, ok := local[s.Key()]; ok {
					op.Srcs[i] = d
				}
			}

			if !op.Dest.IsRegister() {
				continue
			}

			k := op.Dest.Key()
			d := g.Local(op.Dest.Type)

			local[k] = d
			op.Dest = d
		}

		for k, d := range local {
			c.defs[b.Index].defs[k] = d

			queue = append(queue[:0], b)

			for len(queue) != 0 {
				x := queue[len(queue)-1]
				queue = queue[:len(queue)-1]

				for _, f := range x.Frontier {
					if c.defs[f.Index].phis.IsSet(k) {
						continue
					}

					c.defs[f.Index].phis.Set(k)
					queue = append(queue, f)
				}
			}
		}
	}

	for _, b := range g.Blocks {
		clear(local)

		for _, op := range b.Ops {
			if op.Inst == ir.Phi {
				continue
			}

			for i, s := range op.Srcs {
				if !s.IsRegister() {
					continue
				}

				k := s.Key()

				d, ok := local[k]
				if !ok {
					d = c.findDef(b, s)
					local[k] = d
				}

				op.Srcs[i] = d
			}
		}
	}

	if tr.If("dump_ssa") {
		tr.Printw("ssa constructed", "graph", g)
	}
}

func (c *constructor) findDef(b *ir.Block, reg ir.Operand) ir.Operand {
	if c.defs[b.Index].phis.IsSet(reg.Key()) {
		return c.insertPhi(b, reg)
	}

	if b.IDom != nil && b.IDom != b {
		return c.findDefOnPred(b.IDom, reg)
	}

	return ir.Undef(reg.Type)
}

func (c *constructor) findDefOnPred(b *ir.Block, reg ir.Operand) ir.Operand {
	k := reg.Key()

	for {
		dm := &c.defs[b.Index]

		if d, ok := dm.defs[k]; ok {
			return d
		}

		if dm.phis.IsSet(k) {
			return c.insertPhi(b, reg)
		}

		if b.IDom == nil || b.IDom == b {
			return ir.Undef(reg.Type)
		}

		b = b.IDom
	}
}

func (c *constructor) insertPhi(b *ir.Block, reg ir.Operand) ir.Operand {
	k := reg.Key()
	dm := &c.defs[b.Index]

	if d, ok := dm.made[k]; ok {
		return d
	}

	d := c.g.Local(reg.Type)

	if dm.made == nil {
		dm.made = map[ir.RegKey]ir.Operand{}
	}

	dm.made[k] = d

	if _, ok := dm.defs[k]; !ok {
		dm.defs[k] = d
	}

	phi := ir.NewPhi(d, len(b.Preds))
	b.InsertAt(b.PhiCount(), phi)

	for i, p := range b.Preds {
		phi.Preds[i] = p
		phi.Srcs[i] = c.findDefOnPred(p, reg)
	}

	return d
}
