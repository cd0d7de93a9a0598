package helpers

import (
	"tlog.app/go/errors"
	"tlog.app/go/tlog/tlwire"

	"github.com/slowlang/armjit/compiler/ir"
	"github.com/slowlang/armjit/jit/state"
	"github.com/slowlang/armjit/memory"
)

type (
	// Env is what a helper may touch: the calling guest thread and the translator.
	Env interface {
		Context() *state.ExecutionContext
		Memory() memory.Manager

		GetFunctionAddress(guest uint64) uint64
		GetIndirectFunctionAddress(guest, site uint64) uint64
		EnqueueForRejit(guest uint64)
	}

	Func func(env Env, args []uint64) uint64

	Helper struct {
		Name string
		Ret  ir.Type
		Args []ir.Type

		Fn Func
	}

	// Registry is the enumerated native helper table referenced by IR Call index.
	Registry struct {
		list   []Helper
		byName map[string]int
	}
)

var ErrDuplicate = errors.New("duplicate helper")

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]int),
	}
}

// Register appends h and returns its index. Duplicate names are fatal.
func (r *Registry) Register(h Helper) int {
	if _, ok := r.byName[h.Name]; ok {
		panic(errors.Wrap(ErrDuplicate, "%v", h.Name))
	}

	r.list = append(r.list, h)
	r.byName[h.Name] = len(r.list) - 1

	return len(r.list) - 1
}

func (r *Registry) Index(name string) (int, bool) {
	i, ok := r.byName[name]

	return i, ok
}

func (r *Registry) Get(i int) (Helper, bool) {
	if i < 0 || i >= len(r.list) {
		return Helper{}, false
	}

	return r.list[i], true
}

func (r *Registry) Len() int { return len(r.list) }

func (r *Registry) Invoke(i int, env Env, args []uint64) uint64 {
	h, ok := r.Get(i)
	if !ok {
		panic(errors.New("no helper %d", i))
	}

	if len(args) < len(h.Args) {
		panic(errors.New("helper %v: %d args, want %d", h.Name, len(args), len(h.Args)))
	}

	return h.Fn(env, args)
}

func (h Helper) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	b = e.AppendMap(b, 2)
	b = e.AppendString(b, "name")
	b = e.AppendString(b, h.Name)
	b = e.AppendKeyInt(b, "args", len(h.Args))

	return b
}
