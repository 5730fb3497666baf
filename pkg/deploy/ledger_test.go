package deploy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_UnwindsInReverseOrder(t *testing.T) {
	var order []string
	var l ledger
	for _, name := range []string{"start target", "switch router", "reload"} {
		l.commit(name, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	failures := l.unwind(context.Background(), nil)

	assert.Empty(t, failures)
	assert.Equal(t, []string{"reload", "switch router", "start target"}, order)
	assert.Equal(t, 0, l.len(), "ledger is empty after unwind")
}

func TestLedger_BestEffort(t *testing.T) {
	var ran []string
	var l ledger
	l.commit("first", func(ctx context.Context) error {
		ran = append(ran, "first")
		return nil
	})
	l.commit("second", func(ctx context.Context) error {
		ran = append(ran, "second")
		return errors.New("boom")
	})

	var steps []string
	failures := l.unwind(context.Background(), func(name string, err error) {
		steps = append(steps, name)
	})

	require.Len(t, failures, 1)
	assert.Equal(t, "second", failures[0].Action)
	assert.Equal(t, []string{"second", "first"}, ran, "a failing step does not stop the rest")
	assert.Equal(t, []string{"second", "first"}, steps)
}

func TestLedger_CancelledContextSkipsRemaining(t *testing.T) {
	called := false
	var l ledger
	l.commit("stop target", func(ctx context.Context) error {
		called = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	failures := l.unwind(ctx, nil)

	assert.False(t, called)
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0].Err, context.Canceled)
}
