// Package flight coalesces concurrent calls that share a key into one run.
package flight

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPanicked is returned to callers that joined a call whose work panicked.
// The caller that ran the work sees the panic itself.
var ErrPanicked = errors.New("in-flight call panicked")

// Group joins callers of Do for the same key onto a single in-flight call.
// Nothing is cached once the call returns; the next Do starts fresh.
type Group[K comparable, V any] struct {
	mu      sync.Mutex
	pending map[K]*job[V]
}

type job[V any] struct {
	val  V
	err  error
	done chan struct{}
	dups int
}

func NewGroup[K comparable, V any]() *Group[K, V] {
	return &Group[K, V]{pending: make(map[K]*job[V])}
}

// Do runs work for k unless a call for k is already running, in which case
// it waits for that call and returns its result. shared reports whether the
// result came from another caller's run.
func (g *Group[K, V]) Do(k K, work func() (V, error)) (v V, err error, shared bool) {
	g.mu.Lock()
	if g.pending == nil {
		g.pending = make(map[K]*job[V])
	}
	if j, ok := g.pending[k]; ok {
		j.dups++
		g.mu.Unlock()
		<-j.done
		return j.val, j.err, true
	}

	j := &job[V]{done: make(chan struct{})}
	g.pending[k] = j
	g.mu.Unlock()

	defer func() {
		r := recover()
		if r != nil {
			j.err = fmt.Errorf("%w: %v", ErrPanicked, r)
		}
		g.mu.Lock()
		delete(g.pending, k)
		g.mu.Unlock()
		close(j.done)
		if r != nil {
			panic(r)
		}
	}()

	j.val, j.err = work()
	return j.val, j.err, false
}

// InFlight reports whether a call for k is running.
func (g *Group[K, V]) InFlight(k K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[k]
	return ok
}

func (g *Group[K, V]) waiting(k K) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if j, ok := g.pending[k]; ok {
		return j.dups
	}
	return 0
}
