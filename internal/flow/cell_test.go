package flow

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects delivered values for assertions.
type recorder[T any] struct {
	mu     sync.Mutex
	values []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *recorder[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, len(r.values))
	copy(out, r.values)
	return out
}

func (r *recorder[T]) last() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	if len(r.values) == 0 {
		return zero, false
	}
	return r.values[len(r.values)-1], true
}

func TestCell_ReplaysLatestValue(t *testing.T) {
	// GOAL: Verify a new subscriber receives the current value immediately
	//
	// TEST SCENARIO: Set two values → subscribe → first delivery is the latest value only

	c := NewCell[int]("replay")
	c.Set(1)
	c.Set(2)

	rec := &recorder[int]{}
	sub := c.Subscribe(rec.add)
	defer sub.Cancel()

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{2}, rec.snapshot(), "replay MUST deliver only the latest value")
}

func TestCell_EmptyCellDoesNotReplay(t *testing.T) {
	c := NewCell[string]("empty")
	rec := &recorder[string]{}
	sub := c.Subscribe(rec.add)
	defer sub.Cancel()

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.snapshot(), "cell without value MUST NOT deliver anything")

	_, ok := c.Value()
	assert.False(t, ok)
}

func TestCell_DeliversLiveUpdatesInOrder(t *testing.T) {
	c := NewCell[int]("ordered", WithBuffer(16))
	rec := &recorder[int]{}
	sub := c.Subscribe(rec.add)
	defer sub.Cancel()

	for i := 1; i <= 5; i++ {
		c.Set(i)
	}

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, rec.snapshot())
}

func TestCell_SlowListenerSeesLatest(t *testing.T) {
	c := NewCell[int]("conflate")
	release := make(chan struct{})
	rec := &recorder[int]{}
	sub := c.Subscribe(func(v int) {
		<-release
		rec.add(v)
	})
	defer sub.Cancel()

	for i := 1; i <= 10; i++ {
		c.Set(i)
	}
	close(release)

	require.Eventually(t, func() bool {
		v, ok := rec.last()
		return ok && v == 10
	}, time.Second, 5*time.Millisecond, "slow listener MUST eventually observe the latest value")
	assert.Less(t, len(rec.snapshot()), 10, "intermediate values MUST be conflated")
}

func TestCell_SingletonSubscribeDetachesOthers(t *testing.T) {
	// GOAL: Verify exclusive attach removes every previous listener
	//
	// TEST SCENARIO: Two listeners → singleton attach → only the singleton sees new values

	c := NewCell[int]("singleton")
	first := &recorder[int]{}
	second := &recorder[int]{}
	exclusive := &recorder[int]{}

	s1 := c.Subscribe(first.add)
	s2 := c.Subscribe(second.add)
	s3 := c.SingletonSubscribe(exclusive.add)
	defer s3.Cancel()

	assert.Equal(t, 1, c.Len())
	assertClosed(t, s1.Done(), "previous listener MUST be detached")
	assertClosed(t, s2.Done(), "previous listener MUST be detached")

	c.Set(7)
	require.Eventually(t, func() bool { return len(exclusive.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, first.snapshot())
	assert.Empty(t, second.snapshot())
}

func TestCell_RemoveAllSubscribers(t *testing.T) {
	c := NewCell[int]("remove-all")
	s1 := c.Subscribe(func(int) {})
	s2 := c.Subscribe(func(int) {})

	c.RemoveAllSubscribers()

	assert.Zero(t, c.Len())
	assertClosed(t, s1.Done(), "listener MUST be detached")
	assertClosed(t, s2.Done(), "listener MUST be detached")
}

func TestSubscription_CancelIsIdempotent(t *testing.T) {
	c := NewCell[int]("cancel")
	sub := c.Subscribe(func(int) {})

	sub.Cancel()
	sub.Cancel()
	assert.Zero(t, c.Len())

	var nilSub *Subscription
	assert.NotPanics(t, nilSub.Cancel)
}

func TestSubscription_CancelFromListener(t *testing.T) {
	c := NewCell[int]("self-cancel")
	var sub *Subscription
	ready := make(chan struct{})
	calls := &recorder[int]{}
	sub = c.Subscribe(func(v int) {
		<-ready
		calls.add(v)
		sub.Cancel()
	})
	close(ready)

	c.Set(1)
	assertClosed(t, sub.Done(), "listener MUST be able to cancel itself")
	c.Set(2)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []int{1}, calls.snapshot())
}

func assertClosed(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal(msg)
	}
}
