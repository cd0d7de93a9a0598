package front

import (
	"tlog.app/go/tlog/tlwire"
)

type (
	// Emitter appends the IR for one decoded instruction.
	Emitter func(c *Context) error

	OpCode struct {
		Address uint64
		Raw     uint32
		Size    int
		Name    string

		Emitter Emitter

		// Branch is true if the instruction never falls through to the next one.
		Branch bool
	}

	// Block is a decoded guest block.
	Block struct {
		Address    uint64
		EndAddress uint64

		Next   *Block
		Branch *Block

		// Exit blocks are function boundaries: only the address is meaningful.
		Exit     bool
		TailCall bool

		OpCodes []OpCode
	}
)

func (b *Block) Last() *OpCode {
	if len(b.OpCodes) == 0 {
		return nil
	}

	return &b.OpCodes[len(b.OpCodes)-1]
}

func (op OpCode) NextAddress() uint64 {
	return op.Address + uint64(op.Size)
}

func (b *Block) TlogAppend(buf []byte) []byte {
	var e tlwire.Encoder

	buf = e.AppendMap(buf, 4)

	buf = e.AppendString(buf, "addr")
	buf = e.AppendFormat(buf, "%#x", b.Address)
	buf = e.AppendString(buf, "end")
	buf = e.AppendFormat(buf, "%#x", b.EndAddress)
	buf = e.AppendKeyInt(buf, "ops", len(b.OpCodes))
	buf = e.AppendString(buf, "exit")
	buf = e.AppendFormat(buf, "%v", b.Exit)

	return buf
}
