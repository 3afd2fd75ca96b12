package bamlutils

import "sync"

// Pool is a typed sync.Pool. Values are passed through reset on their way
// back into the pool, so Get always hands out a clean value.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)
}

// NewPool creates a Pool. reset may be nil when values carry no state.
func NewPool[T any](newFn func() T, reset func(T)) *Pool[T] {
	return &Pool[T]{
		pool:  sync.Pool{New: func() any { return newFn() }},
		reset: reset,
	}
}

func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(x T) {
	if p.reset != nil {
		p.reset(x)
	}
	p.pool.Put(x)
}

// With runs fn with a pooled value and returns it afterwards.
func (p *Pool[T]) With(fn func(T) error) error {
	x := p.Get()
	defer p.Put(x)
	return fn(x)
}
