package groutine

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_NamesGoroutine(t *testing.T) {
	names := make(chan string, 1)
	Go(nil, "worker-42", func(ctx context.Context) { //nolint:staticcheck // nil parent is supported
		names <- GetName(ctx)
	})

	select {
	case name := <-names:
		assert.Equal(t, "worker-42", name)
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestGo_RecoversPanic(t *testing.T) {
	logger, hook := test.NewNullLogger()
	prev := PanicLogger
	PanicLogger = logger
	t.Cleanup(func() { PanicLogger = prev })

	Go(context.Background(), "panicker", func(context.Context) {
		panic("boom")
	})

	require.Eventually(t, func() bool { return hook.LastEntry() != nil }, time.Second, 5*time.Millisecond,
		"panic MUST be logged")
	entry := hook.LastEntry()
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "panicker", entry.Data["goroutine"])
	assert.Equal(t, "boom", entry.Data["panic"])
}

func TestGetName_NoName(t *testing.T) {
	assert.Empty(t, GetName(context.Background()))
	assert.Empty(t, GetName(nil)) //nolint:staticcheck // nil context is handled
}
