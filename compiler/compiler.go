package compiler

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/armjit/compiler/asm"
	"github.com/slowlang/armjit/compiler/back"
	"github.com/slowlang/armjit/compiler/cfg"
	"github.com/slowlang/armjit/compiler/df"
	"github.com/slowlang/armjit/compiler/format"
	"github.com/slowlang/armjit/compiler/opt"
	"github.com/slowlang/armjit/compiler/regusage"
	"github.com/slowlang/armjit/compiler/ssa"
)

type (
	Options struct {
		// HighCq enables SSA and the optimizer.
		HighCq bool

		// GuestCode graphs carry guest registers which are loaded and stored
		// around context markers. Stubs are built without it.
		GuestCode bool
		Mode      asm.Mode

		// Complete skips storing caller saved registers on exit.
		Complete bool

		Relocatable bool
	}
)

var ErrNoBackend = errors.New("no backend")

// Compile lowers g through the middle end and hands it to be.
// g is consumed.
func Compile(ctx context.Context, g *cfg.Graph, sig back.Signature, be back.Backend, opts Options) (c *back.Compiled, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "compile", "blocks", len(g.Blocks), "high_cq", opts.HighCq, "guest", opts.GuestCode)
	defer tr.Finish("err", &err)

	if be == nil {
		return nil, ErrNoBackend
	}

	if opts.GuestCode {
		g.SplitEntry()

		pass(ctx, "regusage", func(ctx context.Context) {
			regusage.RunPass(ctx, g, opts.Mode, opts.Complete)
		})
	}

	if opts.HighCq {
		pass(ctx, "dominators", func(ctx context.Context) {
			df.Dominators(g)
			df.Frontiers(g)
		})

		pass(ctx, "ssa", func(ctx context.Context) {
			ssa.Construct(ctx, g)
		})

		pass(ctx, "opt", func(ctx context.Context) {
			st := opt.Optimize(ctx, g)

			tlog.SpanFromContext(ctx).V("opt").Printw("optimized", "folded", st.Folded, "propagated", st.Propagated, "removed", st.Removed)
		})

		pass(ctx, "ssa_deconstruct", func(ctx context.Context) {
			ssa.Deconstruct(g)
		})
	} else {
		pass(ctx, "register_to_local", func(ctx context.Context) {
			ssa.RegisterToLocal(g)
		})
	}

	if tr.If("dump_ir") {
		b, err := format.Format(ctx, nil, g)
		if err != nil {
			return nil, errors.Wrap(err, "format")
		}

		tr.Printw("final ir", "ir", string(b))
	}

	c, err = be.Compile(ctx, g, sig, back.Options{
		HighCq:      opts.HighCq,
		Relocatable: opts.Relocatable,
	})
	if err != nil {
		return nil, errors.Wrap(err, "%v backend", be.Name())
	}

	return c, nil
}

func pass(ctx context.Context, name string, f func(ctx context.Context)) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, name)
	defer tr.Finish()

	f(ctx)
}
