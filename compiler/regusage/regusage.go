package regusage

import (
	"context"

	"tlog.app/go/tlog"

	"github.com/slowlang/armjit/compiler/asm"
	"github.com/slowlang/armjit/compiler/cfg"
	"github.com/slowlang/armjit/compiler/ir"
	"github.com/slowlang/armjit/jit/state"
)

type (
	Usage struct {
		LocalInputs  []Mask
		LocalOutputs []Mask

		GlobalInputs  []Mask
		GlobalOutputs []Mask

		// registers every path into the block has written locally
		CommonOutputs []Mask
	}
)

// CallerSaved are registers dead across a call under the host ABI contract:
// X9-X15, V16-V31, NZCV and the FP flags.
var CallerSaved = func() (m Mask) {
	for i := 9; i <= 15; i++ {
		m.Set(ir.MakeRegKey(ir.ClassInt, i))
	}

	for i := 16; i < 32; i++ {
		m.Set(ir.MakeRegKey(ir.ClassVector, i))
	}

	for _, f := range []asm.Flag{asm.FlagN, asm.FlagZ, asm.FlagC, asm.FlagV} {
		m.Set(ir.MakeRegKey(ir.ClassFlag, int(f)))
	}

	for i := 0; i < ir.RegsPerClass; i++ {
		m.Set(ir.MakeRegKey(ir.ClassFpFlag, i))
	}

	return
}()

// Analyze computes per block register inputs and outputs.
func Analyze(g *cfg.Graph) *Usage {
	n := len(g.Blocks)

	u := &Usage{
		LocalInputs:   make([]Mask, n),
		LocalOutputs:  make([]Mask, n),
		GlobalInputs:  make([]Mask, n),
		GlobalOutputs: make([]Mask, n),
		CommonOutputs: make([]Mask, n),
	}

	for _, b := range g.Blocks {
		in, out := &u.LocalInputs[b.Index], &u.LocalOutputs[b.Index]

		for _, op := range b.Ops {
			for _, s := range op.Srcs {
				if s.IsRegister() && !out.IsSet(s.Key()) {
					in.Set(s.Key())
				}
			}

			if op.Dest.IsRegister() {
				out.Set(op.Dest.Key())
			}
		}
	}

	first := true

	for modified := true; modified; first = false {
		modified = false

		for i := len(g.PostOrder) - 1; i >= 0; i-- {
			b := g.PostOrder[i]

			if len(b.Preds) == 0 || hasContextLoad(b) {
				modified = exchange(u.GlobalOutputs, b.Index, u.LocalOutputs[b.Index]) || modified
				continue
			}

			p := b.Preds[0]

			cmn := u.LocalOutputs[p.Index].Or(u.CommonOutputs[p.Index])
			outs := u.GlobalOutputs[p.Index]

			for _, p := range b.Preds[1:] {
				cmn = cmn.And(u.LocalOutputs[p.Index].Or(u.CommonOutputs[p.Index]))
				outs = outs.Or(u.GlobalOutputs[p.Index])
			}

			u.GlobalInputs[b.Index] = u.GlobalInputs[b.Index].Or(outs.AndNot(cmn))

			if !first {
				cmn = cmn.And(u.CommonOutputs[b.Index])
			}

			modified = exchange(u.CommonOutputs, b.Index, cmn) || modified

			outs = outs.Or(u.LocalOutputs[b.Index])

			modified = exchange(u.GlobalOutputs, b.Index, u.GlobalOutputs[b.Index].Or(outs)) || modified
		}

		for _, b := range g.PostOrder {
			in := u.LocalInputs[b.Index]

			for _, s := range b.Succs {
				in = in.Or(u.GlobalInputs[s.Index])
			}

			in = in.AndNot(u.CommonOutputs[b.Index])

			modified = exchange(u.GlobalInputs, b.Index, u.GlobalInputs[b.Index].Or(in)) || modified
		}
	}

	return u
}

// RunPass replaces context markers with register loads and stores.
// complete drops caller saved registers from stores.
func RunPass(ctx context.Context, g *cfg.Graph, mode asm.Mode, complete bool) *Usage {
	tr := tlog.SpanFromContext(ctx)

	u := Analyze(g)

	for _, b := range g.Blocks {
		load := hasContextLoad(b)
		if load {
			b.RemoveAt(0)
		}

		if load || len(b.Preds) == 0 {
			loadRegisters(g, b, u.GlobalInputs[b.Index], mode)
		}

		store := hasContextStore(b)
		if store {
			b.RemoveAt(len(b.Ops) - 1)
		}

		if store || b.EndsWithReturn() {
			outs := u.GlobalOutputs[b.Index]

			if complete {
				outs = outs.AndNot(CallerSaved)
			}

			storeRegisters(g, b, outs, mode)
		}
	}

	if tr.If("dump_regusage") {
		for _, b := range g.Blocks {
			tr.Printw("regusage", "block", b.Index, "in", u.GlobalInputs[b.Index], "out", u.GlobalOutputs[b.Index])
		}
	}

	return u
}

func loadRegisters(g *cfg.Graph, b *ir.Block, m Mask, mode asm.Mode) {
	if m.IsZero() {
		return
	}

	ctx := g.Local(ir.I64)
	ops := []*ir.Operation{ir.NewOp(ir.LoadArgument, ctx, ir.Const32(0))}

	for _, c := range []ir.RegClass{ir.ClassVector, ir.ClassInt, ir.ClassFlag, ir.ClassFpFlag} {
		for _, k := range m.Keys(c) {
			reg := state.KeyRegister(k, mode)
			addr := g.Local(ir.I64)

			ops = append(ops,
				ir.NewOp(ir.Add, addr, ctx, ir.Const64(state.RegisterOffset(c, k.Index()))),
				ir.NewOp(ir.Load, reg, addr),
			)
		}
	}

	b.InsertAt(0, ops...)
}

func storeRegisters(g *cfg.Graph, b *ir.Block, m Mask, mode asm.Mode) {
	if m.IsZero() {
		return
	}

	ctx := g.Local(ir.I64)
	b.Append(ir.NewOp(ir.LoadArgument, ctx, ir.Const32(0)))

	for _, c := range []ir.RegClass{ir.ClassInt, ir.ClassVector, ir.ClassFlag, ir.ClassFpFlag} {
		for _, k := range m.Keys(c) {
			reg := state.KeyRegister(k, mode)
			addr := g.Local(ir.I64)

			b.Append(ir.NewOp(ir.Add, addr, ctx, ir.Const64(state.RegisterOffset(c, k.Index()))))
			b.Append(ir.NewOp(ir.Store, ir.Operand{}, addr, reg))
		}
	}
}

func hasContextLoad(b *ir.Block) bool {
	f := b.First()

	return f != nil && f.Inst == ir.LoadFromContext
}

func hasContextStore(b *ir.Block) bool {
	l := b.Last()

	return l != nil && l.Inst == ir.StoreToContext
}

func exchange(masks []Mask, i int, v Mask) bool {
	if masks[i] == v {
		return false
	}

	masks[i] = v

	return true
}
