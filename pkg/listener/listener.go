// Package listener runs background consumers of channels and tickers.
package listener

import (
	"context"
	"log/slog"
	"sync"
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

type Option[T any] func(*Listener[T])

// WithStopHandler runs fn once the consumer goroutine has exited.
func WithStopHandler[T any](fn func()) Option[T] {
	return func(l *Listener[T]) {
		l.onStop = fn
	}
}

// WithErrorHandler receives handler errors. Errors never stop the listener.
func WithErrorHandler[T any](fn func(error)) Option[T] {
	return func(l *Listener[T]) {
		l.onError = fn
	}
}

// Listener feeds every value received on a channel to a handler on one
// goroutine until the context is cancelled or the channel is closed.
type Listener[T any] struct {
	source  <-chan T
	handle  func(T) error
	onStop  func()
	onError func(error)

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

var _ Job = (*Listener[int])(nil)

func New[T any](source <-chan T, handle func(T) error, opts ...Option[T]) *Listener[T] {
	l := &Listener[T]{
		source: source,
		handle: handle,
		onStop: func() {},
		onError: func(err error) {
			slog.Default().Error("channel listener error", "error", err)
		},
		cancel: func() {},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.consume(ctx)
}

func (l *Listener[T]) consume(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-l.source:
			if !ok {
				return
			}
			if err := l.handle(v); err != nil {
				l.onError(err)
			}
		}
	}
}

// Stop cancels the consumer, waits for it and then runs the stop handler.
func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.onStop()
}
