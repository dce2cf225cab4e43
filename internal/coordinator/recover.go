package coordinator

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/fact-relayer/pkg/chains"
	"github.com/scalarorg/fact-relayer/pkg/db"
	"github.com/scalarorg/fact-relayer/pkg/types"
)

// RecoverUnfinished settles sub-transfers and single transfers a previous run left before source confirmation.
//   - CREATED: nothing was broadcast, the record fails so the idempotency key can be retried
//   - SUBMITTING: a transaction may have been broadcast without its hash being stored, flagged for an operator
//   - SUBMITTED, CONFIRMING: the receipt wait resumes in the background, then inline reconciliation
//
// Returns the number of records found. Resumed waits are tracked by Wait.
func (c *TransferCoordinator) RecoverUnfinished(ctx context.Context) (int, error) {
	records, err := c.store.Find(ctx, db.Filter{Statuses: []types.TransferStatus{
		types.StatusCreated, types.StatusSubmitting, types.StatusSubmitted, types.StatusConfirming,
	}})
	if err != nil {
		return 0, err
	}
	found := 0
	for _, record := range records {
		if record.IsParent() {
			continue
		}
		found++
		switch {
		case record.Status == types.StatusCreated:
			cause := types.NewError(types.ErrKindInternal, "interrupted before submission").WithChain(record.SourceChain)
			if _, err := c.tracker.Fail(ctx, record, cause, types.TransferUpdate{}); err != nil {
				log.Warn().Err(err).Str("transferId", record.ID).Msg("[TransferCoordinator] [Recover] cannot fail transfer")
			}
		case record.Status == types.StatusSubmitting || record.TxHash() == "":
			c.flag(ctx, record, "transaction may have been broadcast without a recorded hash")
		default:
			source, err := c.registry.Get(record.SourceChain)
			if err != nil {
				c.flag(ctx, record, "source chain is not available")
				continue
			}
			c.inflight.Add(1)
			go func(record *types.TransferRecord) {
				defer c.inflight.Done()
				if confirmed := c.confirm(ctx, source, record, resumedHandle(record)); confirmed != nil {
					c.reconcileInline(ctx, confirmed.ID)
				}
			}(record)
		}
	}
	log.Info().Int("transfers", found).Msg("[TransferCoordinator] [Recover] unfinished transfers recovered")
	return found, nil
}

func (c *TransferCoordinator) flag(ctx context.Context, record *types.TransferRecord, reason string) {
	if record.NeedsManualReconciliation {
		return
	}
	flag := true
	if _, err := c.tracker.Transition(ctx, record, record.Status, types.TransferUpdate{NeedsManualReconciliation: &flag}); err != nil {
		log.Warn().Err(err).Str("transferId", record.ID).Msg("[TransferCoordinator] [Recover] cannot flag transfer")
		return
	}
	log.Warn().Str("transferId", record.ID).Str("status", record.Status.String()).Str("txHash", record.TxHash()).
		Msgf("[TransferCoordinator] [Recover] transfer needs manual reconciliation: %s", reason)
}

func resumedHandle(record *types.TransferRecord) *chains.TxHandle {
	handle := &chains.TxHandle{Chain: record.SourceChain, Hash: record.TxHash(), SubmittedAt: record.UpdatedAt}
	for _, event := range record.Events {
		if event.Name == types.EventSourceSubmitted && event.TxHash == handle.Hash {
			handle.SubmittedAt = event.ObservedAt
		}
	}
	return handle
}
