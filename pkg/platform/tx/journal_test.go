package tx

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRunner_RollsBackInReverseOrder(t *testing.T) {
	runner := NewMemoryRunner()
	var order []int

	err := runner.RunInTx(context.Background(), func(ctx context.Context) error {
		Record(ctx, func() { order = append(order, 1) })
		Record(ctx, func() { order = append(order, 2) })
		return errors.New("boom")
	})

	require.Error(t, err)
	assert.Equal(t, []int{2, 1}, order)
}

func TestMemoryRunner_CommitSkipsUndo(t *testing.T) {
	runner := NewMemoryRunner()
	called := false

	err := runner.RunInTx(context.Background(), func(ctx context.Context) error {
		Record(ctx, func() { called = true })
		return nil
	})

	require.NoError(t, err)
	assert.False(t, called)
}

func TestRecord_NoJournalIsNoop(t *testing.T) {
	assert.NotPanics(t, func() {
		Record(context.Background(), func() {})
	})
	_, ok := JournalFrom(context.Background())
	assert.False(t, ok)
}

func TestWithTx_NilLeavesContextBare(t *testing.T) {
	ctx := WithTx(context.Background(), nil)
	_, ok := From(ctx)
	assert.False(t, ok)
}
