package arm64

import (
	"encoding/binary"
	"sort"

	"tlog.app/go/errors"

	"github.com/slowlang/armjit/compiler/asm"
	"github.com/slowlang/armjit/compiler/front"
)

type (
	Reader = front.Reader

	// Decoder discovers the blocks of a guest function.
	Decoder struct {
		MaxInsts      int
		MaxInstsLowCq int
	}

	decoding struct {
		mem    Reader
		blocks map[uint64]*front.Block
		work   []*front.Block
		n      int
		limit  int
	}
)

const (
	MaxInstsPerFunction      = 2500
	MaxInstsPerFunctionLowCq = 500
)

func NewDecoder() *Decoder {
	return &Decoder{
		MaxInsts:      MaxInstsPerFunction,
		MaxInstsLowCq: MaxInstsPerFunctionLowCq,
	}
}

// DecodeFunction follows local branches from entry.
// Targets beyond the instruction limit become exit blocks.
// Blocks are returned in address order.
func (d *Decoder) DecodeFunction(mem Reader, entry uint64, mode asm.Mode, highCq bool) ([]*front.Block, error) {
	if mode != asm.Aarch64 {
		return nil, errors.Wrap(ErrUnsupportedMode, "%v", mode)
	}

	s := &decoding{
		mem:    mem,
		blocks: map[uint64]*front.Block{},
		limit:  d.MaxInsts,
	}

	if !highCq {
		s.limit = d.MaxInstsLowCq
	}

	s.get(entry)

	for len(s.work) != 0 {
		b := s.work[0]
		s.work = s.work[1:]

		if s.n >= s.limit {
			b.Exit = true
			b.EndAddress = b.Address

			continue
		}

		err := s.decodeBlock(b)
		if err != nil {
			return nil, errors.Wrap(err, "block %#x", b.Address)
		}
	}

	list := make([]*front.Block, 0, len(s.blocks))

	for _, b := range s.blocks {
		list = append(list, b)
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Address < list[j].Address
	})

	return list, nil
}

// DecodeInstruction makes a function of the single instruction at addr.
// Every successor is an exit block.
func (d *Decoder) DecodeInstruction(mem Reader, addr uint64, mode asm.Mode) ([]*front.Block, error) {
	if mode != asm.Aarch64 {
		return nil, errors.Wrap(ErrUnsupportedMode, "%v", mode)
	}

	s := &decoding{
		mem:    mem,
		blocks: map[uint64]*front.Block{},
	}

	i, err := s.fetch(addr)
	if err != nil {
		return nil, err
	}

	b := &front.Block{
		Address:    addr,
		EndAddress: addr + 4,
		OpCodes:    []front.OpCode{i.OpCode()},
	}

	list := []*front.Block{b}
	exits := map[uint64]*front.Block{}

	exit := func(a uint64) *front.Block {
		if a == addr {
			return b
		}

		if e, ok := exits[a]; ok {
			return e
		}

		e := &front.Block{Address: a, EndAddress: a, Exit: true}
		exits[a] = e
		list = append(list, e)

		return e
	}

	if i.FallsThrough() || i.Op == OpBL || i.Op == OpBlr {
		b.Next = exit(addr + 4)
	}

	if hasTarget(i) {
		b.Branch = exit(i.Target)
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Address < list[j].Address
	})

	return list, nil
}

func (s *decoding) fetch(addr uint64) (Inst, error) {
	var buf [4]byte

	err := s.mem.Read(addr, buf[:])
	if err != nil {
		return Inst{}, errors.Wrap(err, "fetch %#x", addr)
	}

	return Decode(binary.LittleEndian.Uint32(buf[:]), addr), nil
}

func (s *decoding) decodeBlock(b *front.Block) error {
	addr := b.Address

	for {
		if addr != b.Address {
			if nb, ok := s.blocks[addr]; ok {
				b.Next = nb
				b.EndAddress = addr

				return nil
			}
		}

		if s.n >= s.limit {
			b.EndAddress = addr
			b.Next = s.get(addr)

			return nil
		}

		i, err := s.fetch(addr)
		if err != nil {
			return err
		}

		b.OpCodes = append(b.OpCodes, i.OpCode())
		s.n++
		addr += 4

		if !i.Ends() {
			continue
		}

		b.EndAddress = addr

		var next, branch *front.Block

		if hasTarget(i) {
			branch = s.get(i.Target)
		}

		if i.FallsThrough() || i.Op == OpBL || i.Op == OpBlr {
			next = s.get(addr)
		}

		// a target may have split b
		last := b
		for last.EndAddress < addr {
			last = last.Next
		}

		last.Next = next
		last.Branch = branch

		return nil
	}
}

func hasTarget(i Inst) bool {
	switch i.Op {
	case OpB, OpBCond, OpCbz, OpCbnz:
		return true
	}

	return false
}

// get returns the block starting at addr, splitting a decoded block if needed.
func (s *decoding) get(addr uint64) *front.Block {
	if b, ok := s.blocks[addr]; ok {
		return b
	}

	for _, b := range s.blocks {
		if b.Exit || b.Address >= addr || addr >= b.EndAddress || (addr-b.Address)%4 != 0 {
			continue
		}

		k := int(addr-b.Address) / 4

		nb := &front.Block{
			Address:    addr,
			EndAddress: b.EndAddress,
			Next:       b.Next,
			Branch:     b.Branch,
			OpCodes:    b.OpCodes[k:],
		}

		b.OpCodes = b.OpCodes[:k:k]
		b.EndAddress = addr
		b.Next = nb
		b.Branch = nil

		s.blocks[addr] = nb

		return nb
	}

	b := &front.Block{Address: addr}

	s.blocks[addr] = b
	s.work = append(s.work, b)

	return b
}
