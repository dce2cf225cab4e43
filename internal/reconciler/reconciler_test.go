package reconciler_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/scalarorg/fact-relayer/internal/reconciler"
	"github.com/scalarorg/fact-relayer/internal/tracker"
	"github.com/scalarorg/fact-relayer/pkg/chains"
	"github.com/scalarorg/fact-relayer/pkg/chains/chainstest"
	"github.com/scalarorg/fact-relayer/pkg/db"
	"github.com/scalarorg/fact-relayer/pkg/events"
	"github.com/scalarorg/fact-relayer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	hub      *chainstest.FakeAdapter
	buyer    *chainstest.FakeAdapter
	store    *db.MemoryStore
	eventBus *events.EventBus
	poller   *reconciler.Poller
}

func newFixture(t *testing.T, config reconciler.Config) *fixture {
	f := &fixture{
		hub:      chainstest.NewFakeAdapter("hub", 40161),
		buyer:    chainstest.NewFakeAdapter("buyer", 40231),
		store:    db.NewMemoryStore(),
		eventBus: events.NewEventBus(nil),
	}
	t.Cleanup(f.eventBus.Close)
	registry := chains.NewRegistry(f.hub, f.buyer)
	f.poller = reconciler.NewPoller(config, registry, tracker.NewTracker(f.store, f.eventBus))
	return f
}

func (f *fixture) insert(t *testing.T, status types.TransferStatus, messageID string, mutate ...func(*types.TransferRecord)) *types.TransferRecord {
	txHash := "0x" + messageID[2:]
	record := &types.TransferRecord{
		ID:               types.NewTransferID(),
		SourceChain:      "hub",
		DestinationChain: "buyer",
		Sender:           "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		PayloadSummary:   types.PayloadSummary{Kind: "cid_sync", MessageID: messageID, TokenID: "42", CID: "bafy"},
		Status:           status,
		SourceTxHash:     &txHash,
	}
	for _, fn := range mutate {
		fn(record)
	}
	require.NoError(t, f.store.Insert(context.Background(), record))
	return record
}

func hash(n int) string {
	return fmt.Sprintf("0x%064x", n+1)
}

func TestReconcileOutcomes(t *testing.T) {
	f := newFixture(t, reconciler.Config{MaxAttempts: 2})
	ctx := context.Background()

	pending := f.insert(t, types.StatusConfirmed, hash(0))
	result, err := f.poller.Reconcile(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomePending, result.Outcome)
	assert.Equal(t, 1, result.Record.ReconcileAttempts)
	assert.NotNil(t, result.Record.LastReconciledAt)

	result, err = f.poller.Reconcile(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomeGiveUp, result.Outcome)
	assert.True(t, result.Record.NeedsManualReconciliation)
	assert.Equal(t, types.StatusConfirmed, result.Record.Status)

	f.buyer.Deliver(hash(1), 1)
	delivered := f.insert(t, types.StatusConfirmed, hash(1))
	result, err = f.poller.Reconcile(ctx, delivered.ID)
	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomeCompleted, result.Outcome)
	assert.Equal(t, types.StatusCompleted, result.Record.Status)
	require.Len(t, result.Record.Events, 1)
	assert.Equal(t, types.EventMessageReceived, result.Record.Events[0].Name)

	notConfirmed := f.insert(t, types.StatusSubmitted, hash(2))
	result, err = f.poller.Reconcile(ctx, notConfirmed.ID)
	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomeSkipped, result.Outcome)

	_, err = f.poller.Reconcile(ctx, types.NewTransferID())
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestReconcileShallowMatch(t *testing.T) {
	f := newFixture(t, reconciler.Config{})
	f.buyer.SetFinality(5)
	f.buyer.Deliver(hash(3), 2)
	record := f.insert(t, types.StatusConfirmed, hash(3))
	ctx := context.Background()

	result, err := f.poller.Reconcile(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomeReconciling, result.Outcome)
	assert.Equal(t, types.StatusReconciling, result.Record.Status)
	assert.Len(t, result.Record.Events, 1)

	//Same event seen again is not appended twice
	result, err = f.poller.Reconcile(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReconciling, result.Record.Status)
	assert.Len(t, result.Record.Events, 1)
}

func TestReconcileShallowMatchGivesUp(t *testing.T) {
	f := newFixture(t, reconciler.Config{MaxAttempts: 2})
	f.buyer.SetFinality(5)
	f.buyer.Deliver(hash(12), 1)
	record := f.insert(t, types.StatusConfirmed, hash(12))
	ctx := context.Background()

	result, err := f.poller.Reconcile(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomeReconciling, result.Outcome)
	assert.False(t, result.Record.NeedsManualReconciliation)

	result, err = f.poller.Reconcile(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomeGiveUp, result.Outcome)
	assert.Equal(t, types.StatusReconciling, result.Record.Status)
	assert.True(t, result.Record.NeedsManualReconciliation)
	assert.Equal(t, 2, result.Record.ReconcileAttempts)

	//Flagged records leave the scheduled sweep
	outcomes, err := reconciler.NewScheduler(f.poller, f.store).Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestReconcileDestinationUnavailable(t *testing.T) {
	f := newFixture(t, reconciler.Config{MaxAttempts: 5})
	f.buyer.SetConnected(false)
	record := f.insert(t, types.StatusConfirmed, hash(4))

	result, err := f.poller.Reconcile(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomePending, result.Outcome)
	assert.True(t, types.IsRetryable(result.Err))
	assert.Equal(t, types.StatusConfirmed, result.Record.Status)
	assert.Nil(t, result.Record.Error)
}

func TestReconcileParent(t *testing.T) {
	f := newFixture(t, reconciler.Config{})
	ctx := context.Background()
	parent := &types.TransferRecord{
		ID:               types.NewTransferID(),
		SourceChain:      "hub",
		DestinationChain: types.DestinationAll,
		Destinations:     []string{"buyer"},
		PayloadSummary:   types.PayloadSummary{Kind: "cid_sync", MessageID: hash(5)},
		Status:           types.StatusConfirmed,
	}
	require.NoError(t, f.store.Insert(ctx, parent))
	f.insert(t, types.StatusConfirmed, hash(5), func(r *types.TransferRecord) { r.ParentID = parent.ID })

	result, err := f.poller.Reconcile(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomePending, result.Outcome)
	assert.Equal(t, types.StatusConfirmed, result.Record.Status)

	f.buyer.Deliver(hash(5), 1)
	result, err = f.poller.Reconcile(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomeCompleted, result.Outcome)
	assert.Equal(t, types.StatusCompleted, result.Record.Status)
}

func TestSchedulerSweep(t *testing.T) {
	f := newFixture(t, reconciler.Config{Interval: time.Minute})
	scheduler := reconciler.NewScheduler(f.poller, f.store)
	ctx := context.Background()
	recently := time.Now().UTC()

	f.buyer.Deliver(hash(6), 1)
	due := f.insert(t, types.StatusConfirmed, hash(6))
	pending := f.insert(t, types.StatusReconciling, hash(7))
	cancelled := f.insert(t, types.StatusConfirmed, hash(8), func(r *types.TransferRecord) { r.ReconcileCancelled = true })
	flagged := f.insert(t, types.StatusConfirmed, hash(9), func(r *types.TransferRecord) { r.NeedsManualReconciliation = true })
	checked := f.insert(t, types.StatusConfirmed, hash(10), func(r *types.TransferRecord) { r.LastReconciledAt = &recently })
	f.insert(t, types.StatusSubmitted, hash(11))

	outcomes, err := scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[reconciler.Outcome]int{
		reconciler.OutcomeCompleted: 1,
		reconciler.OutcomePending:   1,
	}, outcomes)

	for id, attempts := range map[string]int{due.ID: 1, pending.ID: 1, cancelled.ID: 0, flagged.ID: 0, checked.ID: 0} {
		record, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, attempts, record.ReconcileAttempts, id)
	}
	record, err := f.store.Get(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, record.Status)
}

func TestSchedulerRejectsInvalidSchedule(t *testing.T) {
	f := newFixture(t, reconciler.Config{Schedule: "every now and then"})
	scheduler := reconciler.NewScheduler(f.poller, f.store)
	assert.Error(t, scheduler.Start(context.Background()))
}
