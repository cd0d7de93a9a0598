// Package addrtable is the multi-level radix table mapping guest addresses
// to host entry points, walked by the dispatch stub.
package addrtable

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"tlog.app/go/errors"
	"tlog.app/go/tlog/tlwire"

	"github.com/slowlang/armjit/jit/vm"
)

type (
	// Level selects Length address bits starting at bit Index.
	Level struct {
		Index  int
		Length int
	}

	// Table pages live outside of the Go heap: generated code loads from them directly.
	// Missing intermediate pages read as zero, missing leaves as Fill.
	Table struct {
		mu sync.Mutex

		levels []Level
		mask   uint64
		fill   uintptr

		root  []byte
		pages [][]byte
	}
)

var (
	Levels64 = []Level{{31, 17}, {23, 8}, {15, 8}, {7, 8}, {2, 5}}
	Levels32 = []Level{{31, 17}, {23, 8}, {15, 8}, {7, 8}, {1, 6}}
)

var ErrInvalidAddress = errors.New("address not covered by the table")

func (l Level) Mask() uint64 { return (1<<l.Length - 1) << l.Index }

func (l Level) Entries() int { return 1 << l.Length }

func (l Level) Of(addr uint64) int { return int(addr >> l.Index & (1<<l.Length - 1)) }

// New allocates the root level. fill is the value unset leaves read as.
func New(levels []Level, fill uintptr) (*Table, error) {
	if len(levels) == 0 {
		return nil, errors.New("no levels")
	}

	t := &Table{
		levels: levels,
		fill:   fill,
	}

	for _, l := range levels {
		if l.Length <= 0 || l.Index < 0 || l.Index+l.Length > 64 {
			return nil, errors.New("bad level: %+v", l)
		}

		if t.mask&l.Mask() != 0 {
			return nil, errors.New("overlapping level: %+v", l)
		}

		t.mask |= l.Mask()
	}

	var err error

	t.root, err = t.allocPage(0)
	if err != nil {
		return nil, err
	}

	return t, nil
}

func (t *Table) Close() (err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.pages {
		if e := vm.Free(p); err == nil {
			err = e
		}
	}

	t.pages, t.root = nil, nil

	return err
}

func (t *Table) Levels() []Level { return t.levels }

// Mask is the union of all level bits.
func (t *Table) Mask() uint64 { return t.mask }

func (t *Table) Fill() uintptr { return t.fill }

// SetFill changes the default leaf value. It fails once any leaf page exists.
func (t *Table) SetFill(fill uintptr) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.pages) > 1 || len(t.levels) == 1 {
		return errors.New("address table is in use")
	}

	t.fill = fill

	return nil
}

// Base is the root level address.
func (t *Table) Base() uintptr { return uintptr(unsafe.Pointer(&t.root[0])) }

func (t *Table) IsValid(addr uint64) bool { return addr&^t.mask == 0 }

// Get returns the leaf value for addr.
func (t *Table) Get(addr uint64) uintptr {
	if !t.IsValid(addr) {
		return t.fill
	}

	p := t.Base()

	for i, l := range t.levels {
		v := atomic.LoadUint64(slot(p, l.Of(addr)))

		if i == len(t.levels)-1 {
			return uintptr(v)
		}

		if v == 0 {
			return t.fill
		}

		p = uintptr(v)
	}

	panic("unreachable")
}

// Set publishes host for addr, allocating the path to it.
func (t *Table) Set(addr uint64, host uintptr) error {
	if !t.IsValid(addr) {
		return errors.Wrap(ErrInvalidAddress, "%#x", addr)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.Base()

	for i, l := range t.levels {
		s := slot(p, l.Of(addr))

		if i == len(t.levels)-1 {
			atomic.StoreUint64(s, uint64(host))
			return nil
		}

		if v := atomic.LoadUint64(s); v != 0 {
			p = uintptr(v)
			continue
		}

		page, err := t.allocPage(i + 1)
		if err != nil {
			return err
		}

		np := uintptr(unsafe.Pointer(&page[0]))

		// the page is filled before it becomes reachable
		atomic.StoreUint64(s, uint64(np))

		p = np
	}

	panic("unreachable")
}

// Reset returns the leaf for addr to Fill. Pages are kept.
func (t *Table) Reset(addr uint64) {
	if !t.IsValid(addr) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.Base()

	for i, l := range t.levels {
		s := slot(p, l.Of(addr))

		if i == len(t.levels)-1 {
			atomic.StoreUint64(s, uint64(t.fill))
			return
		}

		v := atomic.LoadUint64(s)
		if v == 0 {
			return
		}

		p = uintptr(v)
	}
}

func (t *Table) allocPage(level int) ([]byte, error) {
	l := t.levels[level]

	page, err := vm.Alloc(8 * l.Entries())
	if err != nil {
		return nil, errors.Wrap(err, "level %d page", level)
	}

	if level == len(t.levels)-1 && t.fill != 0 {
		for i := 0; i < l.Entries(); i++ {
			*slot(uintptr(unsafe.Pointer(&page[0])), i) = uint64(t.fill)
		}
	}

	t.pages = append(t.pages, page)

	return page, nil
}

func slot(page uintptr, i int) *uint64 {
	return (*uint64)(unsafe.Pointer(page + uintptr(i)*8)) //nolint:govet
}

func (l Level) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	b = e.AppendMap(b, 2)
	b = e.AppendKeyInt(b, "index", l.Index)
	b = e.AppendKeyInt(b, "length", l.Length)

	return b
}
