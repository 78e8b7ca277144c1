package flow

import "sync/atomic"

// RingChannel is a bounded channel-like buffer with overwrite-oldest semantics.
//
// Producers never block: when the buffer is full the oldest element is
// discarded. With capacity 1 it behaves as a conflating "latest value" slot,
// which is how observation listeners are fed.
//
//	rc := NewRingChannel[int](1)
//	rc.ForceSend(1)
//	rc.ForceSend(2) // 1 is dropped
//	v := <-rc.C()   // 2
//
// A RingChannel must have a single producer at a time; Cell serializes its
// producers under its own lock.
type RingChannel[T any] struct {
	ch      chan T
	metrics Metrics
}

// NewRingChannel creates a RingChannel with the given capacity.
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("flow: ring channel capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// TrySend attempts to insert without blocking.
// Returns false if the buffer is full.
func (rc *RingChannel[T]) TrySend(v T) bool {
	select {
	case rc.ch <- v:
		rc.metrics.addWritten()
		return true
	default:
		return false
	}
}

// ForceSend always succeeds immediately, discarding the oldest element if needed.
// Returns true when an element was dropped.
func (rc *RingChannel[T]) ForceSend(v T) bool {
	dropped := false

	select {
	case rc.ch <- v:
		rc.metrics.addWritten()
	default:
		select {
		case <-rc.ch:
			rc.metrics.addOverwritten()
			dropped = true
		default:
		}
		rc.ch <- v
		rc.metrics.addWritten()
	}

	return dropped
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// GetMetrics returns a snapshot of the counters.
func (rc *RingChannel[T]) GetMetrics() Metrics {
	return Metrics{
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
	}
}

// Metrics provides lock-free counters for RingChannel.
type Metrics struct {
	Written     int64
	Overwritten int64
}

func (m *Metrics) addWritten() {
	atomic.AddInt64(&m.Written, 1)
}

func (m *Metrics) addOverwritten() {
	atomic.AddInt64(&m.Overwritten, 1)
}
