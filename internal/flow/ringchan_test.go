package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingChannel_ForceSendOverwritesOldest(t *testing.T) {
	rc := NewRingChannel[int](2)

	assert.False(t, rc.ForceSend(1))
	assert.False(t, rc.ForceSend(2))
	assert.True(t, rc.ForceSend(3), "full buffer MUST drop the oldest value")

	assert.Equal(t, 2, rc.Len())
	assert.Equal(t, 2, <-rc.C())
	assert.Equal(t, 3, <-rc.C())

	m := rc.GetMetrics()
	assert.Equal(t, int64(3), m.Written)
	assert.Equal(t, int64(1), m.Overwritten)
}

func TestRingChannel_TrySend(t *testing.T) {
	rc := NewRingChannel[string](1)

	assert.True(t, rc.TrySend("a"))
	assert.False(t, rc.TrySend("b"), "TrySend MUST fail on a full buffer")
	assert.Equal(t, 1, rc.Cap())
	assert.Equal(t, "a", <-rc.C())
}

func TestNewRingChannel_InvalidCapacity(t *testing.T) {
	assert.Panics(t, func() { NewRingChannel[int](0) })
}
