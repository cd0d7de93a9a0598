package cfg

import (
	"tlog.app/go/errors"
	"tlog.app/go/loc"
	"tlog.app/go/tlog/tlwire"

	"github.com/slowlang/armjit/compiler/ir"
	"github.com/slowlang/armjit/compiler/set"
)

type (
	Graph struct {
		Entry  *ir.Block
		Blocks []*ir.Block

		PostOrder    []*ir.Block
		PostOrderMap []int

		locals int
	}
)

var ErrNotConnected = errors.New("predecessor and successor are not connected")

// New takes ownership of blocks and compacts them in place
// when unreachable ones are dropped. Entry must be blocks[0].
func New(entry *ir.Block, blocks []*ir.Block, locals int) *Graph {
	g := &Graph{
		Entry:  entry,
		Blocks: blocks,
		locals: locals,
	}

	g.Update()

	return g
}

func (g *Graph) Local(t ir.Type) ir.Operand {
	g.locals++

	return ir.LocalN(g.locals, t)
}

func (g *Graph) LocalsCount() int { return g.locals }

// Update prunes unreachable blocks, renumbers the rest and recomputes postorder.
func (g *Graph) Update() {
	g.removeUnreachable()

	n := len(g.Blocks)

	g.PostOrder = g.PostOrder[:0]
	if cap(g.PostOrderMap) < n {
		g.PostOrderMap = make([]int, n)
	}
	g.PostOrderMap = g.PostOrderMap[:n]

	visited := set.NewBitmap(n)
	stack := []*ir.Block{g.Entry}

	visited.Set(g.Entry.Index)

	for len(stack) != 0 {
		b := stack[len(stack)-1]

		pushed := false

		for _, s := range b.Succs {
			if visited.TrySet(s.Index) {
				stack = append(stack, s)
				pushed = true

				break
			}
		}

		if pushed {
			continue
		}

		g.PostOrderMap[b.Index] = len(g.PostOrder)
		g.PostOrder = append(g.PostOrder, b)

		stack = stack[:len(stack)-1]
	}
}

func (g *Graph) removeUnreachable() {
	visited := set.NewBitmap(len(g.Blocks))
	queue := []*ir.Block{g.Entry}

	visited.Set(checkIndex(g.Entry))

	for len(queue) != 0 {
		b := queue[0]
		queue = queue[1:]

		for _, s := range b.Succs {
			if visited.TrySet(checkIndex(s)) {
				queue = append(queue, s)
			}
		}
	}

	if visited.Size() == len(g.Blocks) {
		for i, b := range g.Blocks {
			b.Index = i
		}

		return
	}

	live := g.Blocks[:0]

	for _, b := range g.Blocks {
		if !visited.IsSet(b.Index) {
			for len(b.Succs) != 0 {
				b.RemoveSuccessor(0)
			}

			continue
		}

		live = append(live, b)
	}

	for i := len(live); i < len(g.Blocks); i++ {
		g.Blocks[i] = nil
	}

	g.Blocks = live

	for i, b := range g.Blocks {
		b.Index = i
	}
}

func checkIndex(b *ir.Block) int {
	if b.Index < 0 {
		panic(errors.New("block with unset index reached from %v", loc.Caller(2)))
	}

	return b.Index
}

// SplitEdge inserts an empty block on every pred -> succ edge slot.
// The new block gets the next free index; call Update to restore ordering.
func (g *Graph) SplitEdge(pred, succ *ir.Block) *ir.Block {
	split := ir.NewBlock(len(g.Blocks))

	for i, s := range pred.Succs {
		if s == succ {
			pred.SetSuccessor(i, split)
		}
	}

	if len(split.Preds) == 0 {
		panic(errors.Wrap(ErrNotConnected, "split %d -> %d from %v", pred.Index, succ.Index, loc.Caller(1)))
	}

	split.AddSuccessor(succ)

	// phi sources from pred now come through split
	for _, op := range succ.Ops {
		if op.Inst != ir.Phi {
			break
		}

		for i, p := range op.Preds {
			if p == pred {
				op.Preds[i] = split
			}
		}
	}

	at := len(g.Blocks)
	for i, b := range g.Blocks {
		if b == succ {
			at = i
			break
		}
	}

	g.Blocks = append(g.Blocks, nil)
	copy(g.Blocks[at+1:], g.Blocks[at:])
	g.Blocks[at] = split

	return split
}

// SplitEntry gives the graph an entry block without predecessors
// if the current entry is a branch target.
func (g *Graph) SplitEntry() {
	if len(g.Entry.Preds) == 0 {
		return
	}

	e := ir.NewBlock(0)
	e.AddSuccessor(g.Entry)

	g.Blocks = append([]*ir.Block{e}, g.Blocks...)
	g.Entry = e

	for i, b := range g.Blocks {
		b.Index = i
	}

	g.Update()
}

// ReversePostOrder returns blocks in reverse postorder, entry first.
func (g *Graph) ReversePostOrder() []*ir.Block {
	r := make([]*ir.Block, len(g.PostOrder))

	for i, b := range g.PostOrder {
		r[len(r)-1-i] = b
	}

	return r
}

func (g *Graph) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	b = e.AppendMap(b, 3)
	b = e.AppendKeyInt(b, "blocks", len(g.Blocks))
	b = e.AppendKeyInt(b, "locals", g.locals)
	b = e.AppendKeyInt(b, "entry", g.Entry.Index)

	return b
}
