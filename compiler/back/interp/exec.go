package interp

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"tlog.app/go/errors"

	"github.com/slowlang/armjit/compiler/ir"
	"github.com/slowlang/armjit/jit/helpers"
)

type (
	// CodeSource returns the code mapped at a host address.
	CodeSource interface {
		Code(ptr uintptr) ([]byte, bool)
	}

	// Machine runs bytecode produced by Backend.
	// Host addresses are code cache addresses and guest memory is reached through raw pointers.
	Machine struct {
		code    CodeSource
		helpers *helpers.Registry

		progs sync.Map // uintptr -> *program
	}

	program struct {
		nlocals int
		blocks  []block
	}

	block struct {
		next, branch int
		ops          []op
	}

	op struct {
		inst  ir.Inst
		t     ir.Type
		flags ir.OpFlags
		dest  int
		srcs  []src
	}

	src struct {
		kind ir.Kind
		t    ir.Type
		sym  ir.SymbolType
		v    uint64
	}

	frame struct {
		lo, hi []uint64
	}
)

var ErrBadCode = errors.New("bad code")

func NewMachine(code CodeSource, h *helpers.Registry) *Machine {
	return &Machine{
		code:    code,
		helpers: h,
	}
}

// Execute runs the function at entry until it returns.
// Tail calls are followed in place.
func (m *Machine) Execute(entry uintptr, args []uint64, env helpers.Env) uint64 {
	for {
		p, err := m.program(entry)
		if err != nil {
			panic(err)
		}

		r, next, nargs := m.run(p, args, env)
		if next == 0 {
			return r
		}

		entry, args = next, nargs
	}
}

func (m *Machine) program(entry uintptr) (*program, error) {
	if p, ok := m.progs.Load(entry); ok {
		return p.(*program), nil
	}

	code, ok := m.code.Code(entry)
	if !ok {
		return nil, errors.Wrap(ErrBadCode, "no code at %#x", entry)
	}

	p, err := decode(code)
	if err != nil {
		return nil, errors.Wrap(err, "decode %#x", entry)
	}

	x, _ := m.progs.LoadOrStore(entry, p)

	return x.(*program), nil
}

// decode parses code into an executable program.
func decode(code []byte) (p *program, err error) {
	size, err := CodeSize(code)
	if err != nil {
		return nil, err
	}

	if size > len(code) {
		return nil, errors.Wrap(ErrBadCode, "truncated: %d of %d", len(code), size)
	}

	code = code[:size]

	p = &program{
		nlocals: int(le.Uint32(code[8:])),
		blocks:  make([]block, le.Uint32(code[12:])),
	}

	i := headerSize

	need := func(n int) error {
		if i+n > len(code) {
			return errors.Wrap(ErrBadCode, "truncated at %#x", i)
		}

		return nil
	}

	for bi := range p.blocks {
		if err = need(blockSize); err != nil {
			return nil, err
		}

		b := &p.blocks[bi]

		b.next = int(int32(le.Uint32(code[i:])))
		b.branch = int(int32(le.Uint32(code[i+4:])))
		b.ops = make([]op, le.Uint32(code[i+8:]))
		i += blockSize

		if b.next >= len(p.blocks) || b.branch >= len(p.blocks) {
			return nil, errors.Wrap(ErrBadCode, "block %d: successor out of range", bi)
		}

		for oi := range b.ops {
			if err = need(opSize); err != nil {
				return nil, err
			}

			o := &b.ops[oi]

			o.inst = ir.Inst(code[i])
			o.t = ir.Type(code[i+1])
			o.flags = ir.OpFlags(code[i+2])
			o.srcs = make([]src, code[i+3])
			o.dest = int(le.Uint32(code[i+4:]))
			i += opSize

			if o.inst >= ir.InstCount || o.dest >= p.nlocals {
				return nil, errors.Wrap(ErrBadCode, "block %d op %d", bi, oi)
			}

			for si := range o.srcs {
				if err = need(srcSize); err != nil {
					return nil, err
				}

				s := &o.srcs[si]

				s.kind = ir.Kind(code[i])
				s.t = ir.Type(code[i+1])
				s.sym = ir.SymbolType(code[i+2])
				s.v = le.Uint64(code[i+4:])
				i += srcSize

				if s.kind == ir.KindLocal && s.v >= uint64(p.nlocals) {
					return nil, errors.Wrap(ErrBadCode, "block %d op %d: local %d", bi, oi, s.v)
				}
			}
		}
	}

	return p, nil
}

func (m *Machine) run(p *program, args []uint64, env helpers.Env) (ret uint64, tail uintptr, targs []uint64) {
	f := frame{
		lo: make([]uint64, p.nlocals),
		hi: make([]uint64, p.nlocals),
	}

	var vals []uint64

	bi := 0

	for {
		b := &p.blocks[bi]
		taken := false

		for oi := range b.ops {
			o := &b.ops[oi]

			vals = vals[:0]
			for _, s := range o.srcs {
				vals = append(vals, f.val(s))
			}

			switch o.inst {
			case ir.Nop, ir.MemoryBarrier:
			case ir.LoadArgument:
				var v uint64
				if i := int(vals[0]); i < len(args) {
					v = args[i]
				}

				f.set(o, v, 0)
			case ir.Copy:
				f.set(o, vals[0], f.hival(o.srcs[0]))
			case ir.Load, ir.Load8, ir.Load16:
				size := o.t.Size()
				if o.inst == ir.Load8 {
					size = 1
				} else if o.inst == ir.Load16 {
					size = 2
				}

				if o.t == ir.V128 {
					f.set(o, load(vals[0], 8, false), load(vals[0]+8, 8, false))
					break
				}

				f.set(o, load(vals[0], size, o.flags&ir.Volatile != 0), 0)
			case ir.Store, ir.Store8, ir.Store16:
				size := o.srcs[1].t.Size()
				if o.inst == ir.Store8 {
					size = 1
				} else if o.inst == ir.Store16 {
					size = 2
				}

				if o.srcs[1].t == ir.V128 {
					store(vals[0], 8, vals[1], false)
					store(vals[0]+8, 8, f.hival(o.srcs[1]), false)
					break
				}

				store(vals[0], size, vals[1], o.flags&ir.Volatile != 0)
			case ir.CompareAndSwap:
				f.set(o, cas(vals[0], vals[1], vals[2], o.t.Size()), 0)
			case ir.Call:
				var r uint64

				if o.srcs[0].sym == ir.SymHelper {
					r = m.helpers.Invoke(int(vals[0]), env, vals[1:])
				} else {
					r = m.Execute(uintptr(vals[0]), append([]uint64(nil), vals[1:]...), env)
				}

				if o.dest != 0 {
					f.set(o, r, 0)
				}
			case ir.Tailcall:
				return 0, uintptr(vals[0]), append([]uint64(nil), vals[1:]...)
			case ir.Return:
				if len(vals) != 0 {
					ret = vals[0]
				}

				return ret, 0, nil
			case ir.BranchIf:
				taken = ir.Comparison(vals[2]).Eval(o.srcs[0].t, vals[0], vals[1])
			case ir.VectorZero:
				f.set(o, 0, 0)
			case ir.VectorCreateScalar:
				f.set(o, vals[0], 0)
			case ir.VectorExtract:
				lo, hi := vals[0], f.hival(o.srcs[0])
				f.set(o, extract(lo, hi, o.t.Size(), int(vals[1])), 0)
			case ir.VectorInsert:
				lo, hi := insert(vals[0], f.hival(o.srcs[0]), vals[1], o.srcs[1].t.Size(), int(vals[2]))
				f.set(o, lo, hi)
			default:
				st := ir.None
				if len(o.srcs) != 0 {
					st = o.srcs[0].t
				}

				r, ok := ir.Eval(o.inst, o.t, st, vals)
				if !ok {
					panic(errors.New("unsupported instruction: %v", o.inst))
				}

				f.set(o, r, 0)
			}
		}

		next := b.next
		if taken {
			next = b.branch
		}

		if next < 0 {
			panic(errors.New("block %d has no successor", bi))
		}

		bi = next
	}
}

func (f *frame) val(s src) uint64 {
	switch s.kind {
	case ir.KindConst:
		return s.v
	case ir.KindLocal:
		return f.lo[s.v]
	}

	return 0
}

func (f *frame) hival(s src) uint64 {
	if s.kind == ir.KindLocal {
		return f.hi[s.v]
	}

	return 0
}

func (f *frame) set(o *op, lo, hi uint64) {
	if o.dest == 0 {
		return
	}

	if o.t == ir.I32 || o.t == ir.FP32 {
		lo = uint64(uint32(lo))
	}

	f.lo[o.dest] = lo
	f.hi[o.dest] = hi
}

func ptr(a uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(a)) //nolint:govet
}

func load(a uint64, size int, volatile bool) uint64 {
	p := ptr(a)

	switch size {
	case 1:
		return uint64(*(*uint8)(p))
	case 2:
		return uint64(*(*uint16)(p))
	case 4:
		if volatile {
			return uint64(atomic.LoadUint32((*uint32)(p)))
		}

		return uint64(*(*uint32)(p))
	default:
		if volatile {
			return atomic.LoadUint64((*uint64)(p))
		}

		return *(*uint64)(p)
	}
}

func store(a uint64, size int, v uint64, volatile bool) {
	p := ptr(a)

	switch size {
	case 1:
		*(*uint8)(p) = uint8(v)
	case 2:
		*(*uint16)(p) = uint16(v)
	case 4:
		if volatile {
			atomic.StoreUint32((*uint32)(p), uint32(v))
			return
		}

		*(*uint32)(p) = uint32(v)
	default:
		if volatile {
			atomic.StoreUint64((*uint64)(p), v)
			return
		}

		*(*uint64)(p) = v
	}
}

// cas returns the value found at a.
func cas(a, exp, v uint64, size int) uint64 {
	p := ptr(a)

	if size == 4 {
		for {
			if atomic.CompareAndSwapUint32((*uint32)(p), uint32(exp), uint32(v)) {
				return uint64(uint32(exp))
			}

			if old := atomic.LoadUint32((*uint32)(p)); old != uint32(exp) {
				return uint64(old)
			}
		}
	}

	for {
		if atomic.CompareAndSwapUint64((*uint64)(p), exp, v) {
			return exp
		}

		if old := atomic.LoadUint64((*uint64)(p)); old != exp {
			return old
		}
	}
}

func extract(lo, hi uint64, size, idx int) uint64 {
	bit := idx * size * 8

	w := lo
	if bit >= 64 {
		w, bit = hi, bit-64
	}

	w >>= uint(bit)

	if size < 8 {
		w &= 1<<(uint(size)*8) - 1
	}

	return w
}

func insert(lo, hi, x uint64, size, idx int) (uint64, uint64) {
	bit := idx * size * 8

	w := &lo
	if bit >= 64 {
		w, bit = &hi, bit-64
	}

	mask := ^uint64(0)
	if size < 8 {
		mask = 1<<(uint(size)*8) - 1
	}

	*w = *w&^(mask<<uint(bit)) | (x&mask)<<uint(bit)

	return lo, hi
}
