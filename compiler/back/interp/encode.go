package interp

import (
	"context"
	"encoding/binary"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/armjit/compiler/back"
	"github.com/slowlang/armjit/compiler/cfg"
	"github.com/slowlang/armjit/compiler/ir"
)

type (
	// Backend compiles graphs into a compact bytecode run by Machine.
	Backend struct{}
)

// Code layout, little endian:
//
//	header: magic u32, size u32, nlocals u32, nblocks u32
//	block:  next i32, branch i32, nops u32
//	op:     inst u8, type u8, flags u8, nsrcs u8, dest u32
//	src:    kind u8, type u8, sym u8, pad u8, value u64
const (
	Magic = 0x31494a41

	headerSize = 16
	blockSize  = 12
	opSize     = 8
	srcSize    = 12
)

var le = binary.LittleEndian

var (
	ErrPhi      = errors.New("phi left in graph")
	ErrRegister = errors.New("register operand left in graph")
	ErrMarker   = errors.New("context marker left in graph")
)

func New() *Backend { return &Backend{} }

func (*Backend) Name() string { return "interp" }

func (be *Backend) Compile(ctx context.Context, g *cfg.Graph, sig back.Signature, opts back.Options) (c *back.Compiled, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "interp_compile", "blocks", len(g.Blocks), "locals", g.LocalsCount(), "sig", sig)
	defer tr.Finish("err", &err)

	c = &back.Compiled{}

	b := make([]byte, headerSize, 256)

	le.PutUint32(b[0:], Magic)
	le.PutUint32(b[8:], uint32(g.LocalsCount()+1))
	le.PutUint32(b[12:], uint32(len(g.Blocks)))

	for _, blk := range g.Blocks {
		next, branch := int32(-1), int32(-1)

		if s := blk.Next(); s != nil {
			next = int32(s.Index)
		}

		if s := blk.Branch(); s != nil {
			branch = int32(s.Index)
		}

		b = le.AppendUint32(b, uint32(next))
		b = le.AppendUint32(b, uint32(branch))
		b = le.AppendUint32(b, uint32(len(blk.Ops)))

		for _, op := range blk.Ops {
			switch {
			case op.Inst == ir.Phi:
				return nil, errors.Wrap(ErrPhi, "block %d", blk.Index)
			case op.Inst == ir.LoadFromContext || op.Inst == ir.StoreToContext:
				return nil, errors.Wrap(ErrMarker, "block %d", blk.Index)
			case op.Dest.IsRegister():
				return nil, errors.Wrap(ErrRegister, "block %d: dest %v", blk.Index, op.Dest)
			}

			var dest uint32
			if op.Dest.IsLocal() {
				dest = uint32(op.Dest.Value)
			}

			b = append(b, byte(op.Inst), byte(op.Dest.Type), byte(op.Flags), byte(len(op.Srcs)))
			b = le.AppendUint32(b, dest)

			for _, s := range op.Srcs {
				if s.IsRegister() {
					return nil, errors.Wrap(ErrRegister, "block %d: %v", blk.Index, s)
				}

				b = append(b, byte(s.Kind), byte(s.Type), byte(s.Sym.Type), 0)

				if opts.Relocatable && s.Sym.Type != ir.SymNone {
					c.Relocs = append(c.Relocs, back.Reloc{Offset: len(b), Symbol: s.Sym})
				}

				b = le.AppendUint64(b, s.Value)
			}
		}
	}

	le.PutUint32(b[4:], uint32(len(b)))

	c.Code = b

	if tr.If("dump_code") {
		tr.Printw("code", "size", len(b), "relocs", len(c.Relocs))
	}

	return c, nil
}

// PatchReloc writes v at a relocation offset.
func PatchReloc(code []byte, r back.Reloc, v uint64) {
	le.PutUint64(code[r.Offset:], v)
}

func (*Backend) PatchReloc(code []byte, r back.Reloc, v uint64) { PatchReloc(code, r, v) }

// CodeSize reads the code size from a program header.
func CodeSize(hdr []byte) (int, error) {
	if len(hdr) < headerSize || le.Uint32(hdr) != Magic {
		return 0, errors.New("bad header")
	}

	return int(le.Uint32(hdr[4:])), nil
}
