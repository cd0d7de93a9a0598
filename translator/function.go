package translator

import (
	"sync/atomic"

	"tlog.app/go/tlog/tlwire"

	"github.com/slowlang/armjit/compiler/back"
	"github.com/slowlang/armjit/jit/helpers"
	"github.com/slowlang/armjit/jit/state"
)

type (
	// TranslatedFunction is a guest function mapped into the code cache.
	// It is immutable once published. A superseded function stays callable.
	TranslatedFunction struct {
		Address uint64
		FuncPtr uintptr
		HighCq  bool

		// Start and End bound the guest code the function was built from.
		// Blocks jumped back to may lie below Address.
		Start uint64
		End   uint64

		calls atomic.Uint32

		// counter is the in-code call counter of baseline code, if any.
		counter uintptr
	}
)

// MinCallsForRejit is the call count at which baseline code is promoted.
const MinCallsForRejit = 100

func newFunction(address uint64, ptr uintptr, start, end uint64, highCq bool) *TranslatedFunction {
	return &TranslatedFunction{
		Address: address,
		FuncPtr: ptr,
		HighCq:  highCq,
		Start:   start,
		End:     end,
	}
}

// ShouldRejit counts a call and reports true on exactly the call reaching MinCallsForRejit.
func (f *TranslatedFunction) ShouldRejit() bool {
	if f.HighCq {
		return false
	}

	return f.calls.Add(1) == MinCallsForRejit
}

func (f *TranslatedFunction) ResetCallCounter() {
	f.calls.Store(0)
}

// Execute runs the function once and returns the next guest address.
func (f *TranslatedFunction) Execute(exec back.Executor, ec *state.ExecutionContext, env helpers.Env) uint64 {
	return exec.Execute(f.FuncPtr, []uint64{uint64(ec.Pointer())}, env)
}

func (f *TranslatedFunction) overlaps(address, size uint64) bool {
	end := max(f.End, f.Start+1)

	return f.Start < address+size && address < end
}

func (f *TranslatedFunction) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	b = e.AppendMap(b, 5)
	b = e.AppendString(b, "address")
	b = e.AppendUint64(b, f.Address)
	b = e.AppendString(b, "ptr")
	b = e.AppendUint64(b, uint64(f.FuncPtr))
	b = e.AppendString(b, "start")
	b = e.AppendUint64(b, f.Start)
	b = e.AppendString(b, "end")
	b = e.AppendUint64(b, f.End)
	b = e.AppendString(b, "high_cq")
	b = e.AppendBool(b, f.HighCq)

	return b
}
