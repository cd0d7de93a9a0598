package translator

import (
	"context"

	"golang.org/x/sync/errgroup"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/armjit/compiler/ir"
	"github.com/slowlang/armjit/jit/ptc"
)

type (
	// resolver links persisted code against this process.
	resolver struct {
		t *Translator

		// counter allocated while relocating the current entry
		counter uintptr
	}
)

var ErrUnknownSymbol = errors.New("unknown relocation symbol")

// loadCache maps every valid persisted function.
func (t *Translator) loadCache(ctx context.Context) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "load translation cache", "path", t.ptc.Path())
	defer tr.Finish("err", &err)

	loaded, stale, err := t.ptc.Load(ctx, t.mem)
	if err != nil {
		if errors.Is(err, ptc.ErrIncompatible) || errors.Is(err, ptc.ErrCorrupted) {
			tr.Printw("translation cache dropped", "err", err)
			return nil
		}

		return err
	}

	r := &resolver{t: t}

	for _, e := range t.ptc.Entries() {
		if _, ok := t.Function(e.Address); ok {
			continue
		}

		r.counter = 0

		code, err := ptc.Relocate(e, t.tc.Backend, r)
		if err != nil {
			return errors.Wrap(err, "relocate %#x", e.Address)
		}

		ptr, err := t.tc.Cache.Map(code, e.Unwind)
		if err != nil {
			return errors.Wrap(err, "map %#x", e.Address)
		}

		f := newFunction(e.Address, ptr, e.Start, e.End, e.HighCq)
		f.counter = r.counter

		t.registry.Store(e.Address, f)

		err = t.publish(e.Address, f)
		if err != nil {
			return errors.Wrap(err, "publish %#x", e.Address)
		}

		t.stats.loaded.Add(1)
	}

	tr.Printw("translation cache loaded", "entries", loaded, "stale", stale)

	return nil
}

// prefetch translates the functions the profile says were used the most.
// Baseline code is built right away, functions once promoted are queued for the workers.
func (t *Translator) prefetch(ctx context.Context) (err error) {
	n := t.tc.Config.PTC.Prefetch
	if t.profiler == nil || n == 0 {
		return nil
	}

	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "prefetch", "limit", n)
	defer tr.Finish("err", &err)

	hot, err := t.profiler.Hottest(ctx, n)
	if err != nil {
		return errors.Wrap(err, "profile")
	}

	workers, _ := t.workerCount()

	var g errgroup.Group
	g.SetLimit(workers)

	for _, p := range hot {
		p := p

		if _, ok := t.Function(p.Address); ok {
			continue
		}

		g.Go(func() error {
			_, err := t.GetOrTranslate(ctx, p.Address, p.Mode, false)
			if err != nil {
				tr.Printw("prefetch failed", "address", tlog.FormatNext("%#x"), p.Address, "err", err)
				return nil
			}

			if p.HighCq {
				t.enqueue(p.Address, p.Mode, PriorityPrefetch)
			}

			return nil
		})
	}

	return g.Wait()
}

func (r *resolver) Resolve(e *ptc.Entry, sym ir.Symbol) (uint64, error) {
	t := r.t

	switch sym.Type {
	case ir.SymHelper:
		if sym.Value >= uint64(t.tc.Helpers.Len()) {
			return 0, errors.Wrap(ErrUnknownSymbol, "helper %d", sym.Value)
		}

		return sym.Value, nil
	case ir.SymPageTable:
		return uint64(t.mem.PageTablePointer()), nil
	case ir.SymDispatchStub, ir.SymSlowDispatchStub, ir.SymIndirectStub:
		return uint64(t.tc.Stubs.Stub(sym.Type)), nil
	case ir.SymStaticEntry:
		p, err := t.ReserveStaticEntry(e.Address, sym.Value)
		return uint64(p), err
	case ir.SymDynamicEntry:
		p, err := t.ReserveDynamicSite(e.Address)
		return uint64(p), err
	case ir.SymCountEntry:
		p, err := t.AllocateCounter(e.Address)
		r.counter = p

		return uint64(p), err
	}

	return 0, errors.Wrap(ErrUnknownSymbol, "%v", sym.Type)
}
