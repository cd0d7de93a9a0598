package front

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/armjit/compiler/cfg"
)

type (
	// Range is the guest address range covered by translated code.
	Range struct {
		Start uint64
		End   uint64
	}
)

var (
	ErrNoBlocks    = errors.New("no blocks")
	ErrNoEmitter   = errors.New("no emitter")
	ErrUnreachable = errors.New("entry block not found")
)

// Translate emits IR for the decoded blocks of the function at c.Entry.
func Translate(ctx context.Context, c *Context, blocks []*Block) (g *cfg.Graph, rng Range, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "emit_ir", "entry", tlog.FormatNext("%#x"), c.Entry, "blocks", len(blocks), "high_cq", c.HighCq)
	defer tr.Finish("err", &err)

	if len(blocks) == 0 {
		return nil, rng, ErrNoBlocks
	}

	if !hasEntry(blocks, c.Entry) {
		return nil, rng, errors.Wrap(ErrUnreachable, "entry %#x", c.Entry)
	}

	if c.Opts.Synchronize {
		c.EmitSynchronization()
	}

	if c.Opts.RejitCalls != 0 && !c.HighCq {
		err = c.EmitRejitCheck()
		if err != nil {
			return nil, rng, err
		}
	}

	if blocks[0].Address != c.Entry {
		c.Branch(c.Label(c.Entry))
	}

	rng.Start = ^uint64(0)

	for _, b := range blocks {
		c.CurrBlock = b
		c.CurrOp = nil

		c.MarkLabel(c.Label(b.Address))

		if b.Exit {
			err = c.EmitTailContinue(b.Address)
			if err != nil {
				return nil, rng, errors.Wrap(err, "exit block %#x", b.Address)
			}

			continue
		}

		rng.Start = min(rng.Start, b.Address)
		rng.End = max(rng.End, b.EndAddress)

		for i := range b.OpCodes {
			op := &b.OpCodes[i]
			c.CurrOp = op

			if i == len(b.OpCodes)-1 && c.Opts.Synchronize && b.Branch != nil && b.Branch.Address <= b.Address {
				c.EmitSynchronization()
			}

			if op.Emitter == nil {
				return nil, rng, errors.Wrap(ErrNoEmitter, "%#x: %08x", op.Address, op.Raw)
			}

			err = op.Emitter(c)
			if err != nil {
				return nil, rng, errors.Wrap(err, "%#x: %v", op.Address, op.Name)
			}
		}

		if l := b.Last(); b.Next != nil && (l == nil || !l.Branch) {
			c.Branch(c.Label(b.Next.Address))
		}
	}

	if rng.Start > rng.End {
		rng.Start = rng.End
	}

	g = c.Graph()

	if tr.If("dump_ir") {
		tr.Printw("ir", "graph", g)
	}

	return g, rng, nil
}

func hasEntry(blocks []*Block, entry uint64) bool {
	for _, b := range blocks {
		if b.Address == entry {
			return true
		}
	}

	return false
}

func (r Range) Size() uint64 { return r.End - r.Start }
