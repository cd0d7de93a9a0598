// Package jitcache is the executable region translated code is placed in.
//
// The region is reserved once and committed page by page as code is appended.
// Entries are never freed: superseded functions stay valid for threads still inside them.
package jitcache

import (
	"sort"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"
	"tlog.app/go/tlog/tlwire"

	"github.com/slowlang/armjit/compiler/back"
	"github.com/slowlang/armjit/jit/vm"
)

type (
	Entry struct {
		Offset int
		Size   int
		Unwind back.UnwindInfo
	}

	Cache struct {
		mu sync.Mutex

		mem   []byte
		base  uintptr
		align int
		page  int

		// work is the leading page kept writable for the unwind table.
		work int

		cursor  int
		entries []Entry
	}
)

const DefaultAlignment = 16

var ErrFull = errors.New("jit cache exhausted")

// New reserves size bytes of address space.
// alignment is the code start alignment, a power of two.
func New(size, alignment int) (c *Cache, err error) {
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		return nil, errors.New("bad alignment: %d", alignment)
	}

	page := vm.PageSize()

	if size < 2*page {
		return nil, errors.New("cache too small: %v", humanize.IBytes(uint64(size)))
	}

	size = vm.AlignUp(size, page)

	mem, err := vm.Reserve(size)
	if err != nil {
		return nil, errors.Wrap(err, "reserve jit cache")
	}

	c = &Cache{
		mem:   mem,
		base:  uintptr(unsafe.Pointer(&mem[0])),
		align: alignment,
		page:  page,
		work:  page,
	}

	err = vm.Protect(mem[:page], vm.ProtRW)
	if err != nil {
		_ = vm.Free(mem)
		return nil, errors.Wrap(err, "commit work page")
	}

	c.cursor = page

	tlog.V("jitcache").Printw("jit cache reserved", "base", tlog.FormatNext("%#x"), c.base, "size", humanize.IBytes(uint64(size)))

	return c, nil
}

func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mem == nil {
		return nil
	}

	err := vm.Free(c.mem)
	c.mem = nil

	return err
}

func (c *Cache) Base() uintptr { return c.base }

func (c *Cache) Size() int { return len(c.mem) }

// Work is the writable scratch page at the start of the region.
func (c *Cache) Work() []byte { return c.mem[:c.work] }

// Used is the number of bytes consumed so far.
func (c *Cache) Used() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cursor
}

// Map copies code into the region and returns its host address.
func (c *Cache) Map(code []byte, unwind back.UnwindInfo) (ptr uintptr, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	off := vm.AlignUp(c.cursor, c.align)
	end := off + len(code)

	if end > len(c.mem) {
		return 0, errors.Wrap(ErrFull, "need %v, used %v of %v", humanize.IBytes(uint64(len(code))),
			humanize.IBytes(uint64(c.cursor)), humanize.IBytes(uint64(len(c.mem))))
	}

	start := off &^ (c.page - 1)
	stop := vm.AlignUp(end, c.page)

	err = vm.Protect(c.mem[start:stop], vm.ProtRWX)
	if err != nil {
		return 0, errors.Wrap(err, "commit")
	}

	copy(c.mem[off:], code)

	// the last partial page stays writable for the next entry
	full := end &^ (c.page - 1)
	if full > start {
		err = vm.Protect(c.mem[start:full], vm.ProtRX)
		if err != nil {
			return 0, errors.Wrap(err, "protect")
		}
	}

	c.cursor = end
	c.entries = append(c.entries, Entry{Offset: off, Size: len(code), Unwind: unwind})

	return c.base + uintptr(off), nil
}

// TryFind returns the entry containing offset from the region base.
func (c *Cache) TryFind(offset int) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if offset >= e.Offset && offset < e.Offset+e.Size {
			return e, true
		}
	}

	return Entry{}, false
}

// Code returns the bytes of the entry starting exactly at ptr.
func (c *Cache) Code(ptr uintptr) ([]byte, bool) {
	if ptr < c.base || ptr >= c.base+uintptr(len(c.mem)) {
		return nil, false
	}

	off := int(ptr - c.base)

	c.mu.Lock()
	defer c.mu.Unlock()

	i := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].Offset >= off
	})

	if i == len(c.entries) || c.entries[i].Offset != off {
		return nil, false
	}

	e := c.entries[i]

	return c.mem[e.Offset : e.Offset+e.Size : e.Offset+e.Size], true
}

func (c *Cache) Entries() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

func (e Entry) TlogAppend(b []byte) []byte {
	var enc tlwire.Encoder

	b = enc.AppendMap(b, 3)
	b = enc.AppendKeyInt(b, "off", e.Offset)
	b = enc.AppendKeyInt(b, "size", e.Size)
	b = enc.AppendKeyInt(b, "push_entries", len(e.Unwind.PushEntries))

	return b
}
