package translator

import (
	"context"
	"fmt"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/armjit/compiler"
	"github.com/slowlang/armjit/compiler/asm"
	"github.com/slowlang/armjit/compiler/back"
	"github.com/slowlang/armjit/compiler/front"
	"github.com/slowlang/armjit/compiler/ir"
	"github.com/slowlang/armjit/jit/ptc"
)

var guestSig = back.Signature{Ret: ir.I64, Args: []ir.Type{ir.I64}}

// translate compiles the guest function at address and maps it.
// Single step translations cover one instruction and are never persisted.
func (t *Translator) translate(ctx context.Context, address uint64, mode asm.Mode, highCq, singleStep bool) (f *TranslatedFunction, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "translate", "address", tlog.FormatNext("%#x"), address, "high_cq", highCq, "single_step", singleStep)
	defer tr.Finish("err", &err)

	var blocks []*front.Block

	if singleStep {
		blocks, err = t.dec.DecodeInstruction(t.mem, address, mode)
	} else {
		blocks, err = t.dec.DecodeFunction(t.mem, address, mode, highCq)
	}
	if err != nil {
		return nil, errors.Wrap(err, "decode")
	}

	opts := t.opts
	if singleStep {
		// control must come back after the one instruction
		opts = front.Options{}
	}

	c := front.NewContext(t, address, mode, highCq, opts)

	g, rng, err := front.Translate(ctx, c, blocks)
	if err != nil {
		return nil, err
	}

	persist := t.ptc != nil && !singleStep

	code, err := compiler.Compile(ctx, g, guestSig, t.tc.Backend, compiler.Options{
		HighCq:      highCq,
		GuestCode:   true,
		Mode:        mode,
		Relocatable: persist,
	})
	if err != nil {
		return nil, err
	}

	if persist {
		h, err := ptc.Hash(t.mem, rng.Start, rng.End)
		if err != nil {
			return nil, errors.Wrap(err, "hash")
		}

		t.ptc.Add(&ptc.Entry{
			Address: address,
			Start:   rng.Start,
			End:     rng.End,
			Hash:    h,
			HighCq:  highCq,
			Mode:    mode,
			Code:    code.Code,
			Relocs:  code.Relocs,
			Unwind:  code.Unwind,
		})
	}

	ptr, err := t.tc.Cache.Map(code.Code, code.Unwind)
	if err != nil {
		return nil, errors.Wrap(err, "map")
	}

	t.stats.translated.Add(1)

	tr.V("translate").Printw("translated", "ptr", tlog.FormatNext("%#x"), ptr, "guest_start", tlog.FormatNext("%#x"), rng.Start, "guest_end", tlog.FormatNext("%#x"), rng.End, "code_size", len(code.Code))

	f = newFunction(address, ptr, rng.Start, rng.End, highCq)
	f.counter = c.Counter

	return f, nil
}

// codeKind names what persisted code depends on besides the guest bytes.
func (t *Translator) codeKind() string {
	return fmt.Sprintf("%s jt=%v dyn=%v/%d sync=%v rejit=%d", t.tc.Backend.Name(),
		t.opts.UseJumpTable, t.opts.DynamicTable, t.tc.Config.JumpTable.DynamicElems, t.opts.Synchronize, t.opts.RejitCalls)
}
