package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	subscriberBuffer   = 64
	redeliveryAttempts = 3
	redeliveryBackoff  = 50 * time.Millisecond
)

// MemoryBus is an in-process Bus with at-least-once delivery: a handler
// returning an error gets the message redelivered with backoff before it is
// dropped and logged.
type MemoryBus struct {
	log *logrus.Logger

	mu         sync.RWMutex
	closed     bool
	dispatches []*subscriber[Dispatch]
	results    []*subscriber[StepResult]
	wg         sync.WaitGroup
}

type subscriber[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
}

func (s *subscriber[T]) cancel() {
	s.once.Do(func() { close(s.done) })
}

// NewMemoryBus creates an in-process bus
func NewMemoryBus(log *logrus.Logger) *MemoryBus {
	return &MemoryBus{log: log}
}

func (b *MemoryBus) PublishDispatch(ctx context.Context, d Dispatch) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus closed")
	}
	subs := append([]*subscriber[Dispatch](nil), b.dispatches...)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- d:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) PublishResult(ctx context.Context, r StepResult) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus closed")
	}
	subs := append([]*subscriber[StepResult](nil), b.results...)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- r:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) SubscribeDispatches(h DispatchHandler) func() {
	sub := &subscriber[Dispatch]{ch: make(chan Dispatch, subscriberBuffer), done: make(chan struct{})}
	b.mu.Lock()
	b.dispatches = append(b.dispatches, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		deliver(b.log, sub, func(ctx context.Context, d Dispatch) error { return h(ctx, d) })
	}()
	return sub.cancel
}

func (b *MemoryBus) SubscribeResults(h ResultHandler) func() {
	sub := &subscriber[StepResult]{ch: make(chan StepResult, subscriberBuffer), done: make(chan struct{})}
	b.mu.Lock()
	b.results = append(b.results, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		deliver(b.log, sub, func(ctx context.Context, r StepResult) error { return h(ctx, r) })
	}()
	return sub.cancel
}

func deliver[T any](log *logrus.Logger, sub *subscriber[T], h func(context.Context, T) error) {
	for {
		select {
		case <-sub.done:
			return
		case msg := <-sub.ch:
			var err error
			for attempt := 0; attempt < redeliveryAttempts; attempt++ {
				if attempt > 0 {
					select {
					case <-time.After(redeliveryBackoff):
					case <-sub.done:
						return
					}
				}
				if err = h(context.Background(), msg); err == nil {
					break
				}
			}
			if err != nil {
				log.WithError(err).Error("Dropping message after redelivery attempts exhausted")
			}
		}
	}
}

// Close stops all subscribers. Publish calls made after Close fail.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	dispatches := b.dispatches
	results := b.results
	b.mu.Unlock()

	for _, s := range dispatches {
		s.cancel()
	}
	for _, s := range results {
		s.cancel()
	}
	b.wg.Wait()
	return nil
}
