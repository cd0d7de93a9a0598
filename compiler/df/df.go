package df

import (
	"github.com/slowlang/armjit/compiler/cfg"
	"github.com/slowlang/armjit/compiler/ir"
)

// Dominators sets IDom of every block. Entry dominates itself.
func Dominators(g *cfg.Graph) {
	for _, b := range g.Blocks {
		b.IDom = nil
	}

	g.Entry.IDom = g.Entry

	for changed := true; changed; {
		changed = false

		for i := len(g.PostOrder) - 2; i >= 0; i-- {
			b := g.PostOrder[i]

			var idom *ir.Block

			for _, p := range b.Preds {
				if p.IDom == nil {
					continue
				}

				if idom == nil {
					idom = p
				} else {
					idom = intersect(g, p, idom)
				}
			}

			if b.IDom != idom {
				b.IDom = idom
				changed = true
			}
		}
	}
}

func intersect(g *cfg.Graph, a, b *ir.Block) *ir.Block {
	for a != b {
		for g.PostOrderMap[a.Index] < g.PostOrderMap[b.Index] {
			a = a.IDom
		}

		for g.PostOrderMap[b.Index] < g.PostOrderMap[a.Index] {
			b = b.IDom
		}
	}

	return a
}

// Frontiers fills dominance frontiers. Dominators must be computed first.
func Frontiers(g *cfg.Graph) {
	for _, b := range g.Blocks {
		b.Frontier = b.Frontier[:0]
	}

	for _, b := range g.Blocks {
		if len(b.Preds) < 2 {
			continue
		}

		for _, p := range b.Preds {
			for x := p; x != b.IDom; x = x.IDom {
				addFrontier(x, b)
			}
		}
	}
}

func addFrontier(x, b *ir.Block) {
	for _, f := range x.Frontier {
		if f == b {
			return
		}
	}

	x.Frontier = append(x.Frontier, b)
}

// Dominates reports whether a dominates b.
func Dominates(a, b *ir.Block) bool {
	for {
		if a == b {
			return true
		}

		if b.IDom == b || b.IDom == nil {
			return false
		}

		b = b.IDom
	}
}
