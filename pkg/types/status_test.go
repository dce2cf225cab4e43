package types_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/scalarorg/fact-relayer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from     types.TransferStatus
		to       types.TransferStatus
		expected bool
	}{
		{types.StatusCreated, types.StatusSubmitting, true},
		{types.StatusCreated, types.StatusConfirmed, true},
		{types.StatusSubmitted, types.StatusConfirming, true},
		{types.StatusConfirmed, types.StatusReconciling, true},
		{types.StatusReconciling, types.StatusCompleted, true},
		{types.StatusConfirmed, types.StatusConfirmed, true},
		{types.StatusSubmitting, types.StatusFailed, true},
		{types.StatusReconciling, types.StatusFailed, true},
		{types.StatusConfirmed, types.StatusSubmitted, false},
		{types.StatusReconciling, types.StatusConfirmed, false},
		{types.StatusCompleted, types.StatusCreated, false},
		{types.StatusCompleted, types.StatusCompleted, false},
		{types.StatusFailed, types.StatusCompleted, false},
		{types.StatusFailed, types.StatusFailed, false},
		{types.TransferStatus("BOGUS"), types.StatusCompleted, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.expected, types.CanTransition(tt.from, tt.to))
		})
	}
}

func TestAggregateStatus(t *testing.T) {
	assert.Equal(t, types.StatusFailed, types.AggregateStatus([]types.TransferStatus{
		types.StatusCompleted, types.StatusFailed, types.StatusCompleted,
	}))
	assert.Equal(t, types.StatusCompleted, types.AggregateStatus([]types.TransferStatus{
		types.StatusCompleted, types.StatusCompleted,
	}))
	assert.Equal(t, types.StatusSubmitted, types.AggregateStatus([]types.TransferStatus{
		types.StatusCompleted, types.StatusSubmitted, types.StatusConfirmed,
	}))
	assert.Equal(t, types.StatusCreated, types.AggregateStatus(nil))
}

func TestCheckUpdateTerminal(t *testing.T) {
	record := &types.TransferRecord{ID: "t1", Status: types.StatusCompleted}
	err := types.CheckUpdate(record, types.StatusCreated, types.TransferUpdate{})
	require.Error(t, err)
	assert.True(t, types.IsInvalidTransition(err))

	//Audit events may still be appended
	err = types.CheckUpdate(record, types.StatusCompleted, types.TransferUpdate{
		AppendEvents: []types.ChainEvent{{Name: types.EventMessageReceived}},
	})
	require.NoError(t, err)

	flag := true
	err = types.CheckUpdate(record, types.StatusCompleted, types.TransferUpdate{NeedsManualReconciliation: &flag})
	require.Error(t, err)
}

func TestErrorKinds(t *testing.T) {
	base := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("reconcile: %w", types.WrapError(types.ErrKindConnection, base, "chain %s unavailable", "buyer"))
	assert.Equal(t, types.ErrKindConnection, types.KindOf(err))
	assert.True(t, types.IsRetryable(err))
	assert.ErrorIs(t, err, base)

	assert.Equal(t, types.ErrKindInternal, types.KindOf(base))
	assert.False(t, types.IsRetryable(types.NewError(types.ErrKindRevert, "execution reverted")))

	transferErr := types.NewError(types.ErrKindTimeout, "receipt not found").WithTxHash("0xabc")
	assert.Contains(t, transferErr.Error(), "0xabc")
}

func TestNewTransferIDIsUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := types.NewTransferID()
		_, ok := seen[id]
		require.False(t, ok)
		seen[id] = struct{}{}
	}
}
