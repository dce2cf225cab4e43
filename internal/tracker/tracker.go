// Package tracker writes transfer status changes and keeps fan-out parents in step with their children
package tracker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/fact-relayer/pkg/db"
	"github.com/scalarorg/fact-relayer/pkg/events"
	"github.com/scalarorg/fact-relayer/pkg/metrics"
	"github.com/scalarorg/fact-relayer/pkg/types"
)

// Tracker is the only writer of transfer status. Every persisted change is broadcast on the event bus.
type Tracker struct {
	store       db.Store
	eventBus    *events.EventBus
	mu          sync.Mutex
	parentLocks map[string]*sync.Mutex
}

func NewTracker(store db.Store, eventBus *events.EventBus) *Tracker {
	return &Tracker{
		store:       store,
		eventBus:    eventBus,
		parentLocks: make(map[string]*sync.Mutex),
	}
}

func (t *Tracker) Store() db.Store {
	return t.store
}

// Transition persists status `to` together with update and refreshes the parent of a sub-transfer
func (t *Tracker) Transition(ctx context.Context, record *types.TransferRecord, to types.TransferStatus, update types.TransferUpdate) (*types.TransferRecord, error) {
	updated, err := t.store.UpdateStatus(ctx, record.ID, to, update)
	if err != nil {
		log.Error().Err(err).Str("transferId", record.ID).Str("from", record.Status.String()).
			Str("to", to.String()).Msg("[Tracker] [Transition] failed to update transfer status")
		return nil, err
	}
	t.afterWrite(ctx, record, updated, update)
	return updated, nil
}

// Fail moves a record to FAILED keeping the structured cause
func (t *Tracker) Fail(ctx context.Context, record *types.TransferRecord, cause *types.TransferError, update types.TransferUpdate) (*types.TransferRecord, error) {
	update.Error = cause
	if cause.TxHash != "" && update.SourceTxHash == nil && record.SourceTxHash == nil {
		txHash := cause.TxHash
		update.SourceTxHash = &txHash
	}
	log.Warn().Str("transferId", record.ID).Str("kind", string(cause.Kind)).Str("chain", cause.Chain).
		Str("txHash", cause.TxHash).Msgf("[Tracker] [Fail] transfer failed: %s", cause.Message)
	return t.Transition(ctx, record, types.StatusFailed, update)
}

func (t *Tracker) afterWrite(ctx context.Context, previous *types.TransferRecord, updated *types.TransferRecord, update types.TransferUpdate) {
	if updated.Status != previous.Status {
		metrics.StatusTransitionsTotal.WithLabelValues(updated.Status.String()).Inc()
		if updated.Status == types.StatusFailed && updated.Error != nil {
			metrics.TransferFailuresTotal.WithLabelValues(string(updated.Error.Kind)).Inc()
		}
		log.Info().Str("transferId", updated.ID).Str("from", previous.Status.String()).
			Str("to", updated.Status.String()).Msg("[Tracker] [Transition] transfer status changed")
		t.broadcast(events.EVENT_TRANSFER_STATUS_CHANGED, updated)
	}
	if update.NeedsManualReconciliation != nil && *update.NeedsManualReconciliation && !previous.NeedsManualReconciliation {
		metrics.ManualReconciliationTotal.Inc()
		t.broadcast(events.EVENT_TRANSFER_NEEDS_MANUAL, updated)
	}
	if updated.ParentID != "" {
		if _, err := t.SyncParent(ctx, updated.ParentID); err != nil {
			log.Error().Err(err).Str("parentId", updated.ParentID).Msg("[Tracker] [Transition] failed to sync parent transfer")
		}
	}
}

func (t *Tracker) broadcast(eventType string, record *types.TransferRecord) {
	if t.eventBus == nil {
		return
	}
	t.eventBus.BroadcastEvent(events.NewStatusEvent(eventType, record))
}

func (t *Tracker) parentLock(parentID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock, ok := t.parentLocks[parentID]
	if !ok {
		lock = &sync.Mutex{}
		t.parentLocks[parentID] = lock
	}
	return lock
}

// SyncParent recomputes the aggregate status of a fan-out parent from its sub-transfers.
// The parent is flagged for manual reconciliation as soon as one sub-transfer is.
func (t *Tracker) SyncParent(ctx context.Context, parentID string) (*types.TransferRecord, error) {
	lock := t.parentLock(parentID)
	lock.Lock()
	defer lock.Unlock()

	parent, err := t.store.Get(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get parent %s: %w", parentID, err)
	}
	if parent.Status.IsTerminal() {
		return parent, nil
	}
	children, err := t.store.Find(ctx, db.Filter{ParentID: parentID})
	if err != nil {
		return nil, fmt.Errorf("failed to find sub-transfers of %s: %w", parentID, err)
	}
	statuses := make([]types.TransferStatus, 0, len(children))
	var update types.TransferUpdate
	for _, child := range children {
		statuses = append(statuses, child.Status)
		if child.Status == types.StatusFailed && update.Error == nil {
			update.Error = failedChildError(child)
		}
		if child.NeedsManualReconciliation && !parent.NeedsManualReconciliation {
			flag := true
			update.NeedsManualReconciliation = &flag
		}
	}
	status := types.AggregateStatus(statuses)
	if status == parent.Status && update.NeedsManualReconciliation == nil {
		return parent, nil
	}
	if status.Rank() < parent.Status.Rank() && status != types.StatusFailed {
		return parent, nil
	}
	updated, err := t.store.UpdateStatus(ctx, parentID, status, update)
	if err != nil {
		return nil, err
	}
	t.afterWrite(ctx, parent, updated, update)
	return updated, nil
}

func failedChildError(child *types.TransferRecord) *types.TransferError {
	cause := types.NewError(types.ErrKindInternal, "sub-transfer %s to %s failed", child.ID, child.DestinationChain).
		WithChain(child.DestinationChain)
	if child.Error != nil {
		cause = types.NewError(child.Error.Kind, "sub-transfer %s to %s failed: %s", child.ID, child.DestinationChain, child.Error.Message).
			WithChain(child.Error.Chain).WithTxHash(child.Error.TxHash)
	}
	return cause
}
