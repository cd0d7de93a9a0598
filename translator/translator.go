// Package translator runs guest code, translating it on demand.
//
// A function is first compiled at the baseline tier on the thread that needs it.
// Once it has been entered MinCallsForRejit times, a background worker compiles it
// again at the high tier and publishes the result to the address and jump tables.
package translator

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/armjit/compiler/asm"
	"github.com/slowlang/armjit/compiler/front"
	"github.com/slowlang/armjit/jit/ptc"
	"github.com/slowlang/armjit/jit/state"
	"github.com/slowlang/armjit/memory"
)

type (
	// Decoder splits guest code into blocks with emitters attached.
	Decoder interface {
		DecodeFunction(mem front.Reader, address uint64, mode asm.Mode, highCq bool) ([]*front.Block, error)
		DecodeInstruction(mem front.Reader, address uint64, mode asm.Mode) ([]*front.Block, error)
	}

	Translator struct {
		tc  *Context
		mem memory.Manager
		dec Decoder

		opts front.Options

		// guest address -> *TranslatedFunction
		registry sync.Map

		queue   *PriorityQueue[RejitRequest]
		inQueue sync.Map // guest address -> struct{}

		// mu is held for reading while a worker compiles
		// and for writing while the queue is cleared.
		mu sync.RWMutex

		// event is an auto-reset wake signal.
		event chan struct{}

		threads atomic.Int32

		life    sync.Mutex
		workers *workers

		ptc      *ptc.Cache
		profiler *ptc.Profiler

		stats struct {
			translated atomic.Int64
			promoted   atomic.Int64
			loaded     atomic.Int64
		}
	}

	RejitRequest struct {
		Address uint64
		Mode    asm.Mode
	}

	Stats struct {
		Functions  int
		Translated int64
		Promoted   int64
		Loaded     int64
		Queued     int
	}

	workers struct {
		g    errgroup.Group
		stop atomic.Bool
	}

	// fatal carries a foreground translation failure out of generated code.
	fatal struct {
		err error
	}
)

// Queue levels.
const (
	PriorityRejit = iota
	PriorityPrefetch

	priorityLevels
)

const maxWorkers = 4

func New(ctx context.Context, tc *Context, mem memory.Manager, dec Decoder) (t *Translator, err error) {
	cfg := tc.Config

	t = &Translator{
		tc:    tc,
		mem:   mem,
		dec:   dec,
		queue: NewPriorityQueue[RejitRequest](priorityLevels),
		event: make(chan struct{}, 1),
		opts: front.Options{
			Synchronize:  cfg.Translator.Synchronize,
			UseJumpTable: tc.Jumps != nil,
			DynamicTable: tc.Jumps != nil && cfg.Translator.DynamicTable,
		},
	}

	if tc.Counts != nil {
		t.opts.RejitCalls = MinCallsForRejit
	}

	if !cfg.PTC.Enabled {
		return t, nil
	}

	t.ptc = ptc.New(cfg.PTC.Path, t.codeKind())

	if cfg.PTC.ProfilePath != "" {
		t.profiler, err = ptc.OpenProfiler(ctx, cfg.PTC.ProfilePath)
		if err != nil {
			return nil, errors.Wrap(err, "profiler")
		}
	}

	return t, nil
}

// Close releases the profiler. The Context is owned by the caller.
func (t *Translator) Close() error {
	if t.profiler == nil {
		return nil
	}

	return t.profiler.Close()
}

func (t *Translator) Context() *Context { return t.tc }

// Execute runs guest code from address until the guest stops or jumps to 0.
// The first concurrent caller starts the background workers, the last one stops them.
func (t *Translator) Execute(ctx context.Context, ec *state.ExecutionContext, address uint64) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "execute", "address", tlog.FormatNext("%#x"), address)
	defer tr.Finish("err", &err)

	if t.threads.Add(1) == 1 {
		err = t.start(ctx)
		if err != nil {
			t.threads.Add(-1)
			return errors.Wrap(err, "start")
		}
	}

	defer func() {
		if t.threads.Add(-1) != 0 {
			return
		}

		e := t.stop(ctx)
		if e != nil && err == nil {
			err = errors.Wrap(e, "stop")
		}
	}()

	defer func() {
		p := recover()
		if p == nil {
			return
		}

		f, ok := p.(fatal)
		if !ok {
			panic(p)
		}

		err = f.err
	}()

	env := t.env(ctx, ec)

	if t.tc.Config.Translator.UseDispatchLoop {
		next := t.tc.Exec.Execute(t.tc.Stubs.DispatchLoop, []uint64{uint64(ec.Pointer()), address}, env)

		tr.V("execute").Printw("dispatch loop done", "next", tlog.FormatNext("%#x"), next, "running", ec.Running())

		return nil
	}

	for {
		address, err = t.ExecuteSingle(ctx, ec, address)
		if err != nil {
			return err
		}

		if !ec.Running() || address == 0 {
			return nil
		}
	}
}

// ExecuteSingle runs one function and returns the next guest address.
func (t *Translator) ExecuteSingle(ctx context.Context, ec *state.ExecutionContext, address uint64) (uint64, error) {
	f, err := t.GetOrTranslate(ctx, address, ec.Mode, true)
	if err != nil {
		return 0, err
	}

	return f.Execute(t.tc.Exec, ec, t.env(ctx, ec)), nil
}

// Step translates the single instruction at address, runs it and returns the next address.
// The translation is not published.
func (t *Translator) Step(ctx context.Context, ec *state.ExecutionContext, address uint64) (next uint64, err error) {
	defer func() {
		p := recover()
		if p == nil {
			return
		}

		f, ok := p.(fatal)
		if !ok {
			panic(p)
		}

		err = f.err
	}()

	f, err := t.translate(ctx, address, ec.Mode, false, true)
	if err != nil {
		return 0, err
	}

	return f.Execute(t.tc.Exec, ec, t.env(ctx, ec)), nil
}

// GetOrTranslate returns the current function at address, compiling it at the baseline tier if needed.
// With countCall the call is counted towards promotion unless the code counts its calls itself.
func (t *Translator) GetOrTranslate(ctx context.Context, address uint64, mode asm.Mode, countCall bool) (*TranslatedFunction, error) {
	f, ok := t.Function(address)
	if !ok {
		nf, err := t.translate(ctx, address, mode, false, false)
		if err != nil {
			return nil, errors.Wrap(err, "translate %#x", address)
		}

		x, loaded := t.registry.LoadOrStore(address, nf)
		f = x.(*TranslatedFunction)

		if !loaded {
			t.record(ctx, address, mode, false)

			err = t.publish(address, f)
			if err != nil {
				return nil, errors.Wrap(err, "publish %#x", address)
			}
		}
	}

	if countCall && t.opts.RejitCalls == 0 && f.ShouldRejit() {
		t.EnqueueForRejit(address, mode)
	}

	return f, nil
}

// Function returns the published function at address.
func (t *Translator) Function(address uint64) (*TranslatedFunction, bool) {
	x, ok := t.registry.Load(address)
	if !ok {
		return nil, false
	}

	return x.(*TranslatedFunction), true
}

func (t *Translator) EnqueueForRejit(address uint64, mode asm.Mode) {
	t.enqueue(address, mode, PriorityRejit)
}

func (t *Translator) enqueue(address uint64, mode asm.Mode, prio int) {
	if _, loaded := t.inQueue.LoadOrStore(address, struct{}{}); loaded {
		return
	}

	t.queue.Push(prio, RejitRequest{Address: address, Mode: mode})
	t.wake()
}

// ClearRejitQueue drops pending requests, waiting for in-flight ones.
// With allowRequeue the dropped functions may be requested again
// after another MinCallsForRejit calls.
func (t *Translator) ClearRejitQueue(allowRequeue bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !allowRequeue {
		t.queue.Clear()
		return
	}

	for {
		r, ok := t.queue.TryPop()
		if !ok {
			break
		}

		if f, ok := t.Function(r.Address); ok {
			t.resetCalls(f)
		}

		t.inQueue.Delete(r.Address)
	}
}

func (t *Translator) resetCalls(f *TranslatedFunction) {
	f.ResetCallCounter()

	if f.counter == 0 || t.tc.Counts == nil {
		return
	}

	err := t.tc.Counts.Reset(f.counter)
	if err != nil {
		panic(err)
	}
}

// InvalidateJitCacheRegion forgets every function overlapping the guest range.
// Their code stays mapped as other threads may still be running it.
func (t *Translator) InvalidateJitCacheRegion(ctx context.Context, address, size uint64) {
	tr := tlog.SpanFromContext(ctx)

	t.ClearRejitQueue(true)

	n := 0

	t.registry.Range(func(k, v any) bool {
		f := v.(*TranslatedFunction)
		if !f.overlaps(address, size) {
			return true
		}

		t.registry.Delete(k)
		t.tc.Addrs.Reset(f.Address)

		if t.tc.Jumps != nil {
			t.tc.Jumps.Unregister(f.Address)
		}

		n++

		return true
	})

	if t.ptc != nil {
		t.ptc.RemoveRange(address, size)
	}

	if t.profiler != nil {
		err := t.profiler.RemoveRange(ctx, address, size)
		if err != nil {
			tr.Printw("profiler remove range", "err", err)
		}
	}

	tr.V("invalidate").Printw("invalidated", "address", tlog.FormatNext("%#x"), address, "size", size, "functions", n)
}

func (t *Translator) Stats() Stats {
	s := Stats{
		Translated: t.stats.translated.Load(),
		Promoted:   t.stats.promoted.Load(),
		Loaded:     t.stats.loaded.Load(),
		Queued:     t.queue.Len(),
	}

	t.registry.Range(func(_, _ any) bool {
		s.Functions++
		return true
	})

	return s
}

// publish makes f reachable from generated code.
// Baseline code stays behind the slow path unless configured otherwise,
// so its calls keep being counted.
func (t *Translator) publish(address uint64, f *TranslatedFunction) error {
	if !f.HighCq && !t.tc.Config.Translator.AllowLcqInFunctionTable {
		return nil
	}

	if t.tc.Addrs.IsValid(address) {
		err := t.tc.Addrs.Set(address, f.FuncPtr)
		if err != nil {
			return errors.Wrap(err, "address table")
		}
	}

	if t.tc.Jumps != nil {
		t.tc.Jumps.RegisterFunction(address, f.FuncPtr)
	}

	return nil
}

func (t *Translator) record(ctx context.Context, address uint64, mode asm.Mode, highCq bool) {
	if t.profiler == nil {
		return
	}

	err := t.profiler.Record(ctx, address, mode, highCq)
	if err != nil {
		tlog.SpanFromContext(ctx).Printw("profiler record", "address", tlog.FormatNext("%#x"), address, "err", err)
	}
}

func (t *Translator) wake() {
	select {
	case t.event <- struct{}{}:
	default:
	}
}

func (t *Translator) start(ctx context.Context) (err error) {
	t.life.Lock()
	defer t.life.Unlock()

	if t.workers != nil {
		return nil
	}

	if t.ptc != nil {
		err = t.loadCache(ctx)
		if err != nil {
			return errors.Wrap(err, "load translation cache")
		}

		err = t.prefetch(ctx)
		if err != nil {
			return errors.Wrap(err, "prefetch")
		}
	}

	n, unbounded := t.workerCount()

	w := &workers{}
	wctx := context.WithoutCancel(ctx)

	for i := 0; i < n; i++ {
		i := i
		last := i != 0 && i == unbounded-1

		w.g.Go(func() error {
			t.worker(wctx, w, i, last)
			return nil
		})
	}

	t.workers = w

	tlog.SpanFromContext(ctx).Printw("workers started", "workers", n)

	return nil
}

func (t *Translator) stop(ctx context.Context) (err error) {
	t.life.Lock()
	defer t.life.Unlock()

	w := t.workers
	if w == nil {
		return nil
	}

	w.stop.Store(true)
	t.wake()

	_ = w.g.Wait()

	t.workers = nil

	t.ClearRejitQueue(false)

	if t.ptc != nil {
		err = t.ptc.Save(ctx)
		if err != nil {
			return errors.Wrap(err, "save translation cache")
		}
	}

	return nil
}

// workerCount is one worker per three processors beyond six, at least one, at most maxWorkers.
func (t *Translator) workerCount() (n, unbounded int) {
	if w := t.tc.Config.Translator.Workers; w != 0 {
		return w, w
	}

	unbounded = max(1, (runtime.NumCPU()-6)/3)

	return min(maxWorkers, unbounded), unbounded
}

func (t *Translator) worker(ctx context.Context, w *workers, id int, last bool) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "rejit worker", "id", id, "low_priority", last)
	defer tr.Finish()

	if last {
		err := lowerPriority()
		if err != nil {
			tr.Printw("lower priority", "err", err)
		}
	}

	for t.threads.Load() != 0 && !w.stop.Load() {
		if !t.processOne(ctx) {
			<-t.event
		}
	}

	// pass the wake up on so every worker gets to exit
	t.wake()
}

// processOne promotes the latest queued function.
// It reports false if the queue was empty.
func (t *Translator) processOne(ctx context.Context) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.queue.TryPop()
	if !ok {
		return false
	}

	if _, ok := t.inQueue.LoadAndDelete(r.Address); !ok {
		return true
	}

	if f, ok := t.Function(r.Address); ok && f.HighCq {
		return true
	}

	f, err := t.translate(ctx, r.Address, r.Mode, true, false)
	if err != nil {
		tlog.SpanFromContext(ctx).Printw("rejit failed", "address", tlog.FormatNext("%#x"), r.Address, "err", err)
		return true
	}

	t.registry.Store(r.Address, f)
	t.stats.promoted.Add(1)

	t.record(ctx, r.Address, r.Mode, true)

	err = t.publish(r.Address, f)
	if err != nil {
		tlog.SpanFromContext(ctx).Printw("publish failed", "address", tlog.FormatNext("%#x"), r.Address, "err", err)
		return true
	}

	tlog.V("rejit").Printw("promoted", "func", f)

	return true
}
