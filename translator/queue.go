package translator

import "sync"

type (
	// PriorityQueue drains higher levels first, level 0 being the highest.
	// Within a level it is a stack: the latest push pops first.
	PriorityQueue[T any] struct {
		mu     sync.Mutex
		levels [][]T
		n      int
	}
)

func NewPriorityQueue[T any](levels int) *PriorityQueue[T] {
	return &PriorityQueue[T]{
		levels: make([][]T, levels),
	}
}

// Push adds v at level prio. Out of range levels are clamped.
func (q *PriorityQueue[T]) Push(prio int, v T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	prio = min(max(prio, 0), len(q.levels)-1)

	q.levels[prio] = append(q.levels[prio], v)
	q.n++
}

func (q *PriorityQueue[T]) TryPop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, l := range q.levels {
		if len(l) == 0 {
			continue
		}

		v = l[len(l)-1]

		var zero T
		l[len(l)-1] = zero

		q.levels[i] = l[:len(l)-1]
		q.n--

		return v, true
	}

	return v, false
}

func (q *PriorityQueue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.levels {
		clear(q.levels[i])
		q.levels[i] = q.levels[i][:0]
	}

	q.n = 0
}

func (q *PriorityQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.n
}
