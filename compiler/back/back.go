package back

import (
	"context"

	"tlog.app/go/tlog/tlwire"

	"github.com/slowlang/armjit/compiler/cfg"
	"github.com/slowlang/armjit/compiler/ir"
	"github.com/slowlang/armjit/jit/helpers"
)

type (
	// Backend turns a finished graph into host code.
	Backend interface {
		Name() string
		Compile(ctx context.Context, g *cfg.Graph, sig Signature, opts Options) (*Compiled, error)
	}

	Signature struct {
		Ret  ir.Type
		Args []ir.Type
	}

	Options struct {
		HighCq bool

		// Relocatable records a relocation for every symbolic constant.
		Relocatable bool
	}

	Compiled struct {
		Code   []byte
		Unwind UnwindInfo
		Relocs []Reloc
	}

	// Reloc is an 8-byte constant in Code to be patched on load.
	Reloc struct {
		Offset int
		Symbol ir.Symbol
	}

	UnwindOp uint8

	UnwindPushEntry struct {
		Op UnwindOp

		// PrologOffset is the code offset right after the prolog instruction.
		PrologOffset int

		Reg int

		// StackOffsetOrAllocSize is the save slot offset or the allocation size.
		StackOffsetOrAllocSize int
	}

	UnwindInfo struct {
		PushEntries []UnwindPushEntry
		PrologSize  int
	}
)

const (
	UnwindPushReg UnwindOp = iota
	UnwindSaveReg
	UnwindSaveXmm128
	UnwindAllocStack
)

func (s Signature) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	b = e.AppendMap(b, 2)
	b = e.AppendString(b, "ret")
	b = e.AppendString(b, s.Ret.String())
	b = e.AppendKeyInt(b, "args", len(s.Args))

	return b
}

// Patcher rewrites relocated constants of code produced by a Backend.
type Patcher interface {
	PatchReloc(code []byte, r Reloc, v uint64)
}

// Executor runs code compiled by a Backend which has no native form.
type Executor interface {
	Execute(entry uintptr, args []uint64, env helpers.Env) uint64
}
