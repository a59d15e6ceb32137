package broadcaster

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("broadcaster closed")

// Broadcaster publishes the latest value of T to any number of listeners.
// Listeners only observe the most recent value; intermediate values may be skipped.
type Broadcaster[T any] struct {
	mu         *sync.Mutex
	cond       *sync.Cond
	generation uint64
	value      T
	closed     bool
}

type Listener[T any] struct {
	broadcaster    *Broadcaster[T]
	lastGeneration uint64
}

func New[T any]() *Broadcaster[T] {
	mu := &sync.Mutex{}

	return &Broadcaster[T]{
		mu:   mu,
		cond: sync.NewCond(mu),
	}
}

func (b *Broadcaster[T]) Broadcast(value T) {
	b.mu.Lock()
	b.generation++
	b.value = value
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Current returns the last broadcast value.
func (b *Broadcaster[T]) Current() T {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.value
}

func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Listener returns a listener which will observe values broadcast after this call.
func (b *Broadcaster[T]) Listener() *Listener[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	return &Listener[T]{
		broadcaster:    b,
		lastGeneration: b.generation,
	}
}

// Wait blocks until a newer value is broadcast or the broadcaster is closed.
func (l *Listener[T]) Wait() (T, error) {
	return l.WaitContext(context.Background())
}

// WaitContext is like Wait but gives up once ctx is done.
func (l *Listener[T]) WaitContext(ctx context.Context) (T, error) {
	var result T
	b := l.broadcaster

	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.generation <= l.lastGeneration && !b.closed {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		b.cond.Wait()
	}

	if b.generation > l.lastGeneration {
		l.lastGeneration = b.generation
		return b.value, nil
	}

	return result, ErrClosed
}
