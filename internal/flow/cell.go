// Package flow provides an observable most-recent-value cell.
//
// A Cell holds the latest value of a stream. New subscribers receive the
// current value immediately (when one has been set) and every later value in
// order. Each subscriber is fed by its own goroutine through a RingChannel, so
// a slow listener never blocks the producer; with the default buffer of one a
// slow listener skips straight to the latest value.
package flow

import (
	"context"
	"fmt"
	"sync"

	"github.com/srg/blesession/internal/groutine"
)

// Cell is a thread-safe most-recent-value holder with attachable listeners.
type Cell[T any] struct {
	name   string
	buffer int

	mu     sync.Mutex
	value  T
	set    bool
	subs   map[uint64]*subscriber[T]
	nextID uint64
}

type subscriber[T any] struct {
	ring *RingChannel[T]
	sub  *Subscription
}

// Option configures a Cell.
type Option func(*options)

type options struct {
	buffer int
}

// WithBuffer sets the per-subscriber buffer size. Values beyond it overwrite the oldest.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// NewCell creates an empty Cell. The name labels listener goroutines.
func NewCell[T any](name string, opts ...Option) *Cell[T] {
	o := options{buffer: 1}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cell[T]{
		name:   name,
		buffer: o.buffer,
		subs:   make(map[uint64]*subscriber[T]),
	}
}

// Set publishes v to every subscriber and stores it for replay.
func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.value = v
	c.set = true
	for _, s := range c.subs {
		s.ring.ForceSend(v)
	}
}

// Value returns the current value and whether one was ever set.
func (c *Cell[T]) Value() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.set
}

// Subscribe attaches fn. The current value, if any, is delivered first.
func (c *Cell[T]) Subscribe(fn func(T)) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attachLocked(fn)
}

// SingletonSubscribe detaches every existing listener and then attaches fn.
func (c *Cell[T]) SingletonSubscribe(fn func(T)) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detachAllLocked()
	return c.attachLocked(fn)
}

// RemoveAllSubscribers detaches every listener. The stored value is kept.
func (c *Cell[T]) RemoveAllSubscribers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detachAllLocked()
}

// Len returns the number of attached listeners.
func (c *Cell[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *Cell[T]) attachLocked(fn func(T)) *Subscription {
	id := c.nextID
	c.nextID++

	s := &subscriber[T]{
		ring: NewRingChannel[T](c.buffer),
		sub:  newSubscription(),
	}
	s.sub.detach = func() { c.remove(id) }
	if c.set {
		s.ring.ForceSend(c.value)
	}
	c.subs[id] = s

	done := s.sub.done
	groutine.Go(context.Background(), fmt.Sprintf("%s-listener-%d", c.name, id), func(context.Context) {
		for {
			select {
			case <-done:
				return
			case v := <-s.ring.C():
				select {
				case <-done:
					return
				default:
				}
				fn(v)
			}
		}
	})

	return s.sub
}

func (c *Cell[T]) remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, id)
}

func (c *Cell[T]) detachAllLocked() {
	for id, s := range c.subs {
		delete(c.subs, id)
		s.sub.close()
	}
}

// Subscription is the handle of an attached listener.
type Subscription struct {
	once   sync.Once
	done   chan struct{}
	detach func()
}

func newSubscription() *Subscription {
	return &Subscription{done: make(chan struct{})}
}

// Cancel detaches the listener. It is safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	if s.detach != nil {
		s.detach()
	}
	s.close()
}

// Done is closed once the listener is detached, either by Cancel or by its cell.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.done) })
}
