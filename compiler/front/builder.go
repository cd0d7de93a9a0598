package front

import (
	"tlog.app/go/errors"
	"tlog.app/go/loc"

	"github.com/slowlang/armjit/compiler/cfg"
	"github.com/slowlang/armjit/compiler/ir"
)

type (
	Label int

	// Builder accumulates operations into basic blocks.
	// It is single use: Graph finalizes it.
	Builder struct {
		blocks []*ir.Block
		labels []*ir.Block

		cur  *ir.Block
		need bool

		// pending branch target of the current block's trailing BranchIf
		ifBlock *ir.Block

		locals int

		done bool

		// OnNextBlock is called whenever the active block changes.
		OnNextBlock func()
	}
)

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) NewLabel() Label {
	b.labels = append(b.labels, nil)

	return Label(len(b.labels) - 1)
}

func (b *Builder) AllocateLocal(t ir.Type) ir.Operand {
	b.locals++

	return ir.LocalN(b.locals, t)
}

func (b *Builder) labelBlock(l Label) *ir.Block {
	blk := b.labels[l]
	if blk == nil {
		blk = ir.NewBlock(-1)
		b.labels[l] = blk
	}

	return blk
}

// MarkLabel binds l to the current program point.
func (b *Builder) MarkLabel(l Label) {
	blk := b.labelBlock(l)

	if blk.Index >= 0 {
		panic(errors.New("label %d marked twice from %v", l, loc.Caller(1)))
	}

	b.nextBlock(blk)
}

func (b *Builder) Branch(l Label) {
	b.newNextBlockIfNeeded()

	b.branchToLabel(l, true)
}

func (b *Builder) BranchIf(l Label, x, y ir.Operand, c ir.Comparison) {
	b.add(ir.BranchIf, ir.Operand{}, x, y, ir.Const32(int32(c)))

	b.branchToLabel(l, false)
}

func (b *Builder) BranchIfTrue(l Label, x ir.Operand) {
	b.BranchIf(l, x, ir.Const(x.Type, 0), ir.NotEqual)
}

func (b *Builder) BranchIfFalse(l Label, x ir.Operand) {
	b.BranchIf(l, x, ir.Const(x.Type, 0), ir.Equal)
}

func (b *Builder) branchToLabel(l Label, uncond bool) {
	target := b.labelBlock(l)

	if uncond {
		b.cur.AddSuccessor(target)
	} else {
		// fallthrough successor is added first when the next block opens
		b.ifBlock = target
	}

	b.need = true
}

// LoadFromContext starts a new block that reloads guest registers.
func (b *Builder) LoadFromContext() {
	b.need = true

	b.add(ir.LoadFromContext, ir.Operand{})
}

// StoreToContext ends the current block with guest registers saved.
func (b *Builder) StoreToContext() {
	b.add(ir.StoreToContext, ir.Operand{})

	b.need = true
}

func (b *Builder) Return(v ir.Operand) {
	if v.IsNone() {
		b.add(ir.Return, ir.Operand{})
	} else {
		b.add(ir.Return, ir.Operand{}, v)
	}

	b.need = true
}

func (b *Builder) Tailcall(addr ir.Operand, args ...ir.Operand) {
	b.add(ir.Tailcall, ir.Operand{}, append([]ir.Operand{addr}, args...)...)

	b.need = true
}

func (b *Builder) newNextBlockIfNeeded() {
	if b.cur == nil || b.need {
		b.nextBlock(ir.NewBlock(-1))
	}
}

func (b *Builder) nextBlock(next *ir.Block) {
	if b.done {
		panic(errors.New("builder reused after Graph"))
	}

	if b.cur != nil && !b.endsWithUnconditional(b.cur) {
		b.cur.AddSuccessor(next)

		if b.ifBlock != nil {
			b.cur.AddSuccessor(b.ifBlock)
			b.ifBlock = nil
		}
	}

	next.Index = len(b.blocks)
	b.blocks = append(b.blocks, next)

	b.cur = next
	b.need = false

	if b.OnNextBlock != nil {
		b.OnNextBlock()
	}
}

func (b *Builder) endsWithUnconditional(blk *ir.Block) bool {
	if len(blk.Succs) != 0 {
		return true
	}

	l := blk.Last()

	return l != nil && (l.Inst == ir.Return || l.Inst == ir.Tailcall)
}

func (b *Builder) add(inst ir.Inst, dest ir.Operand, srcs ...ir.Operand) *ir.Operation {
	b.newNextBlockIfNeeded()

	op := ir.NewOp(inst, dest, srcs...)
	b.cur.Ops = append(b.cur.Ops, op)

	return op
}

func (b *Builder) emit(inst ir.Inst, t ir.Type, srcs ...ir.Operand) ir.Operand {
	d := b.AllocateLocal(t)

	b.add(inst, d, srcs...)

	return d
}

// SetFrequency marks the current block.
func (b *Builder) SetFrequency(f ir.Frequency) {
	b.newNextBlockIfNeeded()

	b.cur.Freq = f
}

// Graph finalizes building. The first block created is the entry.
func (b *Builder) Graph() *cfg.Graph {
	if b.cur == nil {
		b.newNextBlockIfNeeded()
	}

	if b.ifBlock != nil {
		// trailing BranchIf: its fallthrough returns 0, which stops the guest
		b.nextBlock(ir.NewBlock(-1))
		b.Return(ir.Const64(0))
	}

	b.done = true

	return cfg.New(b.blocks[0], b.blocks, b.locals)
}
