// Package counttable holds the call counters baseline code bumps on entry.
//
// A counter is a 32-bit word outside of the Go heap, so generated code
// may address it by a constant. Counters are never freed.
package counttable

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"tlog.app/go/errors"

	"github.com/slowlang/armjit/jit/vm"
)

type (
	Table struct {
		mu  sync.Mutex
		mem []byte
		n   int
	}
)

const EntrySize = 4

var (
	ErrFull    = errors.New("count table exhausted")
	ErrForeign = errors.New("counter not from this table")
)

func New(entries int) (*Table, error) {
	if entries <= 0 {
		return nil, errors.New("bad count table size: %d", entries)
	}

	mem, err := vm.Alloc(entries * EntrySize)
	if err != nil {
		return nil, errors.Wrap(err, "count table")
	}

	return &Table{mem: mem}, nil
}

func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	err := vm.Free(t.mem)
	t.mem = nil

	return err
}

// Allocate returns the address of a fresh zero counter.
func (t *Table) Allocate() (uintptr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if (t.n+1)*EntrySize > len(t.mem) {
		return 0, ErrFull
	}

	p := unsafe.Pointer(&t.mem[t.n*EntrySize])
	t.n++

	return uintptr(p), nil
}

func (t *Table) Load(p uintptr) (uint32, error) {
	c, err := t.counter(p)
	if err != nil {
		return 0, err
	}

	return atomic.LoadUint32(c), nil
}

func (t *Table) Reset(p uintptr) error {
	c, err := t.counter(p)
	if err != nil {
		return err
	}

	atomic.StoreUint32(c, 0)

	return nil
}

func (t *Table) Used() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.n
}

func (t *Table) counter(p uintptr) (*uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.mem) == 0 {
		return nil, ErrForeign
	}

	base := uintptr(unsafe.Pointer(&t.mem[0]))

	if p < base || p >= base+uintptr(t.n*EntrySize) || (p-base)%EntrySize != 0 {
		return nil, errors.Wrap(ErrForeign, "%#x", p)
	}

	return (*uint32)(unsafe.Pointer(&t.mem[p-base])), nil
}
