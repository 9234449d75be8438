// Package pool runs submitted tasks on goroutines bounded by a weighted
// semaphore and hands back futures.
package pool

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of concurrently running tasks.
type Pool struct {
	sem *semaphore.Weighted
	max int64
	wg  sync.WaitGroup
}

func New(maxWorkers int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(maxWorkers)), max: int64(maxWorkers)}
}

func (p *Pool) Size() int {
	return int(p.max)
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Future is the eventual result of a submitted task.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks for the result or until ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *Future[T]) resolve(v T, err error) {
	f.value, f.err = v, err
	close(f.done)
}

// Submit schedules fn. If ctx ends before a worker slot frees up the
// future resolves with ctx.Err() and fn never runs. A panic in fn
// resolves the future with an error.
func Submit[T any](p *Pool, ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		var zero T
		if err := p.sem.Acquire(ctx, 1); err != nil {
			f.resolve(zero, err)
			return
		}
		defer p.sem.Release(1)
		v, err := run(ctx, fn)
		f.resolve(v, err)
	}()
	return f
}

func run[T any](ctx context.Context, fn func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v, err = zero, fmt.Errorf("task panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Result pairs a future's index in the submitted slice with its outcome.
type Result[T any] struct {
	Index int
	Value T
	Err   error
}

// AsCompleted yields results in completion order. The channel closes once
// every future has resolved or ctx is done.
func AsCompleted[T any](ctx context.Context, futures []*Future[T]) <-chan Result[T] {
	out := make(chan Result[T], len(futures))
	var wg sync.WaitGroup
	for i, f := range futures {
		wg.Add(1)
		go func(i int, f *Future[T]) {
			defer wg.Done()
			select {
			case <-f.done:
				out <- Result[T]{Index: i, Value: f.value, Err: f.err}
			case <-ctx.Done():
			}
		}(i, f)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
