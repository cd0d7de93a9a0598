package ir

import (
	"tlog.app/go/tlog/tlwire"
)

type (
	Operation struct {
		Inst  Inst
		Flags OpFlags
		Dest  Operand
		Srcs  []Operand

		// Preds are phi source blocks, parallel to Srcs.
		Preds []*Block
	}

	Frequency uint8

	Block struct {
		Index int

		Ops []*Operation

		Succs []*Block
		Preds []*Block

		Freq Frequency

		IDom     *Block
		Frontier []*Block
	}
)

const (
	FreqDefault Frequency = iota
	FreqCold
)

func NewOp(inst Inst, dest Operand, srcs ...Operand) *Operation {
	return &Operation{Inst: inst, Dest: dest, Srcs: srcs}
}

func NewPhi(dest Operand, n int) *Operation {
	return &Operation{
		Inst:  Phi,
		Dest:  dest,
		Srcs:  make([]Operand, n),
		Preds: make([]*Block, n),
	}
}

func NewBlock(index int) *Block {
	return &Block{Index: index}
}

func (b *Block) AddSuccessor(s *Block) {
	b.Succs = append(b.Succs, s)
	s.Preds = append(s.Preds, b)
}

func (b *Block) SetSuccessor(i int, s *Block) {
	old := b.Succs[i]
	old.removePred(b)

	b.Succs[i] = s
	s.Preds = append(s.Preds, b)
}

func (b *Block) RemoveSuccessor(i int) {
	old := b.Succs[i]
	old.removePred(b)

	b.Succs = append(b.Succs[:i], b.Succs[i+1:]...)
}

func (b *Block) removePred(p *Block) {
	for i, x := range b.Preds {
		if x == p {
			b.Preds = append(b.Preds[:i], b.Preds[i+1:]...)
			return
		}
	}
}

// Next is the fallthrough successor.
func (b *Block) Next() *Block {
	if len(b.Succs) == 0 {
		return nil
	}

	return b.Succs[0]
}

// Branch is the taken successor of a trailing BranchIf.
func (b *Block) Branch() *Block {
	if len(b.Succs) < 2 {
		return nil
	}

	return b.Succs[1]
}

func (b *Block) First() *Operation {
	if len(b.Ops) == 0 {
		return nil
	}

	return b.Ops[0]
}

func (b *Block) Last() *Operation {
	if len(b.Ops) == 0 {
		return nil
	}

	return b.Ops[len(b.Ops)-1]
}

// Append adds op before the block terminator if there is one.
func (b *Block) Append(op *Operation) {
	if l := b.Last(); l != nil && l.Inst.IsTerminator() {
		b.InsertAt(len(b.Ops)-1, op)
		return
	}

	b.Ops = append(b.Ops, op)
}

func (b *Block) InsertAt(i int, ops ...*Operation) {
	r := make([]*Operation, 0, len(b.Ops)+len(ops))
	r = append(r, b.Ops[:i]...)
	r = append(r, ops...)
	r = append(r, b.Ops[i:]...)

	b.Ops = r
}

func (b *Block) RemoveAt(i int) {
	b.Ops = append(b.Ops[:i], b.Ops[i+1:]...)
}

// PhiCount is the number of leading phi operations.
func (b *Block) PhiCount() (n int) {
	for n < len(b.Ops) && b.Ops[n].Inst == Phi {
		n++
	}

	return n
}

// EndsWithReturn reports whether control leaves the function at the block end.
func (b *Block) EndsWithReturn() bool {
	l := b.Last()

	return l != nil && (l.Inst == Return || l.Inst == Tailcall)
}

func (b *Block) PredIndex(p *Block) int {
	for i, x := range b.Preds {
		if x == p {
			return i
		}
	}

	return -1
}

func (op *Operation) HasDest() bool { return op.Dest.Kind != KindNone }

func (op *Operation) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	b = e.AppendMap(b, -1)

	b = e.AppendString(b, "inst")
	b = e.AppendString(b, op.Inst.String())

	if op.HasDest() {
		b = e.AppendString(b, "dst")
		b = op.Dest.TlogAppend(b)
	}

	b = e.AppendString(b, "src")
	b = e.AppendTag(b, tlwire.Array, len(op.Srcs))

	for _, s := range op.Srcs {
		b = s.TlogAppend(b)
	}

	b = e.AppendBreak(b)

	return b
}

func (b *Block) TlogAppend(buf []byte) []byte {
	var e tlwire.Encoder

	buf = e.AppendMap(buf, 3)

	buf = e.AppendKeyInt(buf, "index", b.Index)
	buf = e.AppendKeyInt(buf, "ops", len(b.Ops))

	buf = e.AppendString(buf, "succs")
	buf = e.AppendTag(buf, tlwire.Array, len(b.Succs))

	for _, s := range b.Succs {
		buf = e.AppendInt(buf, s.Index)
	}

	return buf
}
