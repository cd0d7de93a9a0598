// Package jumptable holds the slots translated code calls other functions through.
//
// A slot is 16 bytes: the guest address and the host entry point.
// Static slots are bound to one target and patched when the target is (re)registered.
// Dynamic sites are DynamicElems slots claimed at run time by indirect calls.
package jumptable

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/armjit/jit/vm"
)

type (
	Options struct {
		StaticEntries int
		DynamicSites  int
		DynamicElems  int
	}

	// Stubs are the miss handlers fresh slots point to.
	Stubs struct {
		DirectMiss   uintptr
		IndirectMiss uintptr
	}

	Table struct {
		opts  Options
		stubs Stubs

		static  pool
		dynamic pool

		// target guest address -> *dependants
		targets sync.Map
	}

	pool struct {
		mu     sync.Mutex
		mem    []byte
		n      int
		owners []uint64
	}

	dependants struct {
		mu    sync.Mutex
		host  uintptr
		slots []int
	}

	// Dependant is a static slot bound to some target.
	Dependant struct {
		Owner uint64
		Slot  uintptr
	}
)

const EntrySize = 16

var ErrFull = errors.New("jump table exhausted")

func DefaultOptions() Options {
	return Options{
		StaticEntries: 1 << 20,
		DynamicSites:  1 << 16,
		DynamicElems:  4,
	}
}

func New(opts Options, stubs Stubs) (t *Table, err error) {
	if opts.StaticEntries <= 0 || opts.DynamicSites < 0 || opts.DynamicElems <= 0 {
		return nil, errors.New("bad jump table options: %+v", opts)
	}

	t = &Table{
		opts:  opts,
		stubs: stubs,
	}

	t.static.mem, err = vm.Alloc(opts.StaticEntries * EntrySize)
	if err != nil {
		return nil, errors.Wrap(err, "static table")
	}

	if opts.DynamicSites != 0 {
		t.dynamic.mem, err = vm.Alloc(opts.DynamicSites * opts.DynamicElems * EntrySize)
		if err != nil {
			_ = vm.Free(t.static.mem)
			return nil, errors.Wrap(err, "dynamic table")
		}
	}

	return t, nil
}

func (t *Table) Close() (err error) {
	err = vm.Free(t.static.mem)

	if t.dynamic.mem != nil {
		if e := vm.Free(t.dynamic.mem); err == nil {
			err = e
		}
	}

	t.static.mem, t.dynamic.mem = nil, nil

	return err
}

func (t *Table) Options() Options { return t.opts }

func (t *Table) DynamicElems() int { return t.opts.DynamicElems }

// ReserveTableEntry allocates a static slot owned by owner for a call to target
// and returns the address of its host half.
// The slot points to the registered function if there is one, to the miss stub otherwise.
func (t *Table) ReserveTableEntry(owner, target uint64) (uintptr, error) {
	i, err := t.static.alloc(1, owner)
	if err != nil {
		return 0, errors.Wrap(err, "static, %d entries", t.opts.StaticEntries)
	}

	guest, host := t.static.entry(i)

	atomic.StoreUint64(guest, target)

	d := t.deps(target)

	d.mu.Lock()

	v := t.stubs.DirectMiss
	if d.host != 0 {
		v = d.host
	}

	atomic.StoreUint64(host, uint64(v))
	d.slots = append(d.slots, i)

	d.mu.Unlock()

	return uintptr(unsafe.Pointer(host)), nil
}

// RegisterFunction records ptr as the entry of address and patches every slot bound to it.
func (t *Table) RegisterFunction(address uint64, ptr uintptr) {
	d := t.deps(address)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.host = ptr

	for _, i := range d.slots {
		_, host := t.static.entry(i)
		atomic.StoreUint64(host, uint64(ptr))
	}

	tlog.V("jumptable").Printw("register function", "address", tlog.FormatNext("%#x"), address, "ptr", tlog.FormatNext("%#x"), ptr, "dependants", len(d.slots))
}

// Unregister points slots bound to address back to the miss stub.
func (t *Table) Unregister(address uint64) {
	x, ok := t.targets.Load(address)
	if !ok {
		return
	}

	d := x.(*dependants)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.host = 0

	for _, i := range d.slots {
		_, host := t.static.entry(i)
		atomic.StoreUint64(host, uint64(t.stubs.DirectMiss))
	}
}

// Dependants lists static slots bound to target.
func (t *Table) Dependants(target uint64) []Dependant {
	x, ok := t.targets.Load(target)
	if !ok {
		return nil
	}

	d := x.(*dependants)

	d.mu.Lock()
	defer d.mu.Unlock()

	r := make([]Dependant, len(d.slots))

	for j, i := range d.slots {
		_, host := t.static.entry(i)

		r[j] = Dependant{
			Owner: t.static.owner(i),
			Slot:  uintptr(unsafe.Pointer(host)),
		}
	}

	return r
}

// ReserveDynamicEntry allocates a site of DynamicElems free slots and returns its address.
func (t *Table) ReserveDynamicEntry(owner uint64) (uintptr, error) {
	if t.dynamic.mem == nil {
		return 0, errors.Wrap(ErrFull, "dynamic table disabled")
	}

	i, err := t.dynamic.alloc(t.opts.DynamicElems, owner)
	if err != nil {
		return 0, errors.Wrap(err, "dynamic, %d sites", t.opts.DynamicSites)
	}

	for j := 0; j < t.opts.DynamicElems; j++ {
		guest, host := t.dynamic.entry(i + j)

		atomic.StoreUint64(guest, 0)
		atomic.StoreUint64(host, uint64(t.stubs.IndirectMiss))
	}

	g, _ := t.dynamic.entry(i)

	return uintptr(unsafe.Pointer(g)), nil
}

// ClaimDynamic binds target to a slot of site: the one already holding it or a free one.
// It reports false if the site is full.
func (t *Table) ClaimDynamic(site uintptr, target uint64, ptr uintptr) bool {
	base := t.dynamic.base()
	if site < base || site >= base+uintptr(len(t.dynamic.mem)) || (site-base)%EntrySize != 0 {
		panic(errors.New("not a dynamic site: %#x", site))
	}

	first := int(site-base) / EntrySize

	for j := 0; j < t.opts.DynamicElems; j++ {
		guest, host := t.dynamic.entry(first + j)

		if atomic.LoadUint64(guest) == 0 {
			atomic.CompareAndSwapUint64(guest, 0, target)
		}

		if atomic.LoadUint64(guest) != target {
			continue
		}

		atomic.StoreUint64(host, uint64(ptr))

		return true
	}

	return false
}

func (t *Table) deps(target uint64) *dependants {
	x, ok := t.targets.Load(target)
	if !ok {
		x, _ = t.targets.LoadOrStore(target, &dependants{})
	}

	return x.(*dependants)
}

func (p *pool) alloc(n int, owner uint64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if (p.n+n)*EntrySize > len(p.mem) {
		return 0, ErrFull
	}

	i := p.n
	p.n += n

	for j := 0; j < n; j++ {
		p.owners = append(p.owners, owner)
	}

	return i, nil
}

func (p *pool) owner(i int) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.owners[i]
}

func (p *pool) base() uintptr {
	if p.mem == nil {
		return 0
	}

	return uintptr(unsafe.Pointer(&p.mem[0]))
}

func (p *pool) entry(i int) (guest, host *uint64) {
	e := unsafe.Pointer(&p.mem[i*EntrySize])

	return (*uint64)(e), (*uint64)(unsafe.Add(e, 8))
}

// Used returns the number of static slots and dynamic sites in use.
func (t *Table) Used() (static, dynamic int) {
	t.static.mu.Lock()
	static = t.static.n
	t.static.mu.Unlock()

	t.dynamic.mu.Lock()
	dynamic = t.dynamic.n / t.opts.DynamicElems
	t.dynamic.mu.Unlock()

	return
}
