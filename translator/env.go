package translator

import (
	"context"

	"tlog.app/go/errors"

	"github.com/slowlang/armjit/compiler/ir"
	"github.com/slowlang/armjit/jit/state"
	"github.com/slowlang/armjit/memory"
)

type (
	// threadEnv is what helpers called from generated code see.
	threadEnv struct {
		*Translator

		ctx context.Context
		ec  *state.ExecutionContext
	}
)

var (
	ErrNoJumpTable  = errors.New("jump table disabled")
	ErrNoCountTable = errors.New("count table disabled")
)

func (t *Translator) env(ctx context.Context, ec *state.ExecutionContext) *threadEnv {
	return &threadEnv{Translator: t, ctx: ctx, ec: ec}
}

// Front end environment.

func (t *Translator) ReserveStaticEntry(owner, target uint64) (uintptr, error) {
	if t.tc.Jumps == nil {
		return 0, ErrNoJumpTable
	}

	return t.tc.Jumps.ReserveTableEntry(owner, target)
}

func (t *Translator) ReserveDynamicSite(owner uint64) (uintptr, error) {
	if t.tc.Jumps == nil {
		return 0, ErrNoJumpTable
	}

	return t.tc.Jumps.ReserveDynamicEntry(owner)
}

func (t *Translator) DynamicElems() int {
	if t.tc.Jumps == nil {
		return 0
	}

	return t.tc.Jumps.DynamicElems()
}

func (t *Translator) AllocateCounter(owner uint64) (uintptr, error) {
	if t.tc.Counts == nil {
		return 0, ErrNoCountTable
	}

	return t.tc.Counts.Allocate()
}

func (t *Translator) Stub(kind ir.SymbolType) uintptr { return t.tc.Stubs.Stub(kind) }

func (t *Translator) PageTable() (uintptr, uint64) {
	return t.mem.PageTablePointer(), t.mem.AddressMask()
}

// Helper environment.

func (e *threadEnv) Context() *state.ExecutionContext { return e.ec }

func (e *threadEnv) Memory() memory.Manager { return e.mem }

func (e *threadEnv) GetFunctionAddress(guest uint64) uint64 {
	f, err := e.GetOrTranslate(e.ctx, guest, e.ec.Mode, true)
	if err != nil {
		panic(fatal{err})
	}

	return uint64(f.FuncPtr)
}

// GetIndirectFunctionAddress also binds the function to the calling site
// once it may be called directly.
func (e *threadEnv) GetIndirectFunctionAddress(guest, site uint64) uint64 {
	f, err := e.GetOrTranslate(e.ctx, guest, e.ec.Mode, true)
	if err != nil {
		panic(fatal{err})
	}

	if e.tc.Jumps != nil && (f.HighCq || e.tc.Config.Translator.AllowLcqInFunctionTable) {
		e.tc.Jumps.ClaimDynamic(uintptr(site), guest, f.FuncPtr)
	}

	return uint64(f.FuncPtr)
}

func (e *threadEnv) EnqueueForRejit(guest uint64) {
	e.Translator.EnqueueForRejit(guest, e.ec.Mode)
}
