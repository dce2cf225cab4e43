package coordinator

import (
	"context"
	"math/big"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/fact-relayer/internal/reconciler"
	"github.com/scalarorg/fact-relayer/pkg/chains"
	"github.com/scalarorg/fact-relayer/pkg/keys"
	"github.com/scalarorg/fact-relayer/pkg/metrics"
	"github.com/scalarorg/fact-relayer/pkg/telemetry"
	"github.com/scalarorg/fact-relayer/pkg/types"
	"go.opentelemetry.io/otel/attribute"
)

// process takes one record from CREATED to CONFIRMED and runs the inline reconciliation attempts
func (c *TransferCoordinator) process(ctx context.Context, record *types.TransferRecord, credential keys.Credential, value *big.Int) {
	ctx, span := telemetry.Tracer().Start(ctx, "TransferCoordinator.process")
	span.SetAttributes(
		attribute.String("transfer.id", record.ID),
		attribute.String("transfer.source", record.SourceChain),
		attribute.String("transfer.destination", record.DestinationChain),
	)
	defer span.End()

	confirmed := c.submit(ctx, record, credential, value)
	if confirmed == nil {
		return
	}
	c.reconcileInline(ctx, confirmed.ID)
}

// submit returns the CONFIRMED record, or nil once the record has failed
func (c *TransferCoordinator) submit(ctx context.Context, record *types.TransferRecord, credential keys.Credential, value *big.Int) *types.TransferRecord {
	source, err := c.registry.Get(record.SourceChain)
	if err != nil {
		c.fail(ctx, record, err, types.ErrKindConnection)
		return nil
	}
	destination, ok := c.registry.Endpoint(record.DestinationChain)
	if !ok {
		c.fail(ctx, record, types.NewError(types.ErrKindValidation, "destination chain %s is not configured", record.DestinationChain), types.ErrKindValidation)
		return nil
	}
	record, err = c.tracker.Transition(ctx, record, types.StatusSubmitting, types.TransferUpdate{})
	if err != nil {
		return nil
	}

	quote, err := c.estimator.Quote(ctx, source, destination, record.Payload)
	if err != nil {
		c.fail(ctx, record, err, types.ErrKindEstimation)
		return nil
	}
	if quote.IsFallback {
		metrics.FeeFallbackTotal.WithLabelValues(record.SourceChain, record.DestinationChain).Inc()
	}
	if value == nil {
		value = new(big.Int)
	}
	required := new(big.Int).Add(quote.Amount, value)
	balance, err := source.BalanceOf(ctx, credential.Address())
	if err != nil {
		c.fail(ctx, record, err, types.ErrKindQuery)
		return nil
	}
	if balance.Cmp(required) < 0 {
		c.fail(ctx, record, types.NewError(types.ErrKindInsufficientFunds, "balance %s of %s is below required %s (fee %s, value %s)",
			balance, credential.Address(), required, quote.Amount, value).WithChain(record.SourceChain), types.ErrKindInsufficientFunds)
		return nil
	}

	unlock := c.senderLocks.Lock(record.SourceChain + "/" + credential.Address())
	handle, err := source.Submit(ctx, credential, chains.OutboundMessage{
		Destination: destination,
		Payload:     record.Payload,
		Fee:         quote.Amount,
		Value:       value,
	})
	unlock()
	if err != nil {
		c.fail(ctx, record, err, types.ErrKindSubmission)
		return nil
	}
	txHash := handle.Hash
	record, err = c.tracker.Transition(ctx, record, types.StatusSubmitted, types.TransferUpdate{
		SourceTxHash: &txHash,
		FeePaid:      quote,
		AppendEvents: []types.ChainEvent{{
			Chain:     record.SourceChain,
			Name:      types.EventSourceSubmitted,
			TxHash:    txHash,
			MessageID: record.MessageID(),
			Attributes: map[string]string{
				"destination": record.DestinationChain,
				"fee":         quote.Amount.String(),
				"feeFallback": strconv.FormatBool(quote.IsFallback),
				"nonce":       strconv.FormatUint(handle.Nonce, 10),
			},
			ObservedAt: handle.SubmittedAt,
		}},
	})
	if err != nil {
		return nil
	}
	return c.confirm(ctx, source, record, handle)
}

// confirm waits for the source receipt of a SUBMITTED or CONFIRMING record and returns it CONFIRMED,
// or nil once the record has failed. A wait stopped by ctx leaves the record for the next start.
func (c *TransferCoordinator) confirm(ctx context.Context, source chains.Adapter, record *types.TransferRecord, handle *chains.TxHandle) *types.TransferRecord {
	record, err := c.tracker.Transition(ctx, record, types.StatusConfirming, types.TransferUpdate{})
	if err != nil {
		return nil
	}

	receipt, err := source.AwaitReceipt(ctx, handle, c.config.ReceiptTimeout)
	metrics.ReceiptWaitDuration.WithLabelValues(record.SourceChain).Observe(time.Since(handle.SubmittedAt).Seconds())
	if err == nil && !receipt.Success {
		err = types.NewError(types.ErrKindRevert, "transaction reverted")
	}
	if err != nil && ctx.Err() != nil {
		log.Warn().Err(err).Str("transferId", record.ID).Str("txHash", handle.Hash).
			Msg("[TransferCoordinator] [Confirm] receipt wait stopped, transfer left in CONFIRMING")
		return nil
	}
	if err != nil {
		var update types.TransferUpdate
		if receipt != nil {
			block := receipt.BlockNumber
			update.SourceBlock = &block
			update.AppendEvents = receipt.Events
		}
		c.failWith(ctx, record, err, types.ErrKindTimeout, update)
		return nil
	}
	block := receipt.BlockNumber
	record, err = c.tracker.Transition(ctx, record, types.StatusConfirmed, types.TransferUpdate{
		SourceBlock:  &block,
		AppendEvents: receipt.Events,
	})
	if err != nil {
		return nil
	}
	log.Info().Str("transferId", record.ID).Str("txHash", handle.Hash).Uint64("block", block).
		Msg("[TransferCoordinator] [Submit] source transaction confirmed, message in flight")
	return record
}

// reconcileInline makes the configured number of reconciliation attempts, the scheduled sweep takes over afterwards
func (c *TransferCoordinator) reconcileInline(ctx context.Context, id string) {
	interval := c.poller.Config().Interval
	for attempt := 0; attempt < c.config.InlineReconcileAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
		result, err := c.poller.Reconcile(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("transferId", id).Msg("[TransferCoordinator] [Reconcile] inline reconciliation failed")
			return
		}
		switch result.Outcome {
		case reconciler.OutcomeCompleted, reconciler.OutcomeGiveUp, reconciler.OutcomeSkipped:
			return
		}
	}
}

func (c *TransferCoordinator) fail(ctx context.Context, record *types.TransferRecord, err error, fallback types.ErrorKind) {
	c.failWith(ctx, record, err, fallback, types.TransferUpdate{})
}

// failWith records the cause on the transfer. The cause is copied so the adapter's error is not mutated.
func (c *TransferCoordinator) failWith(ctx context.Context, record *types.TransferRecord, err error, fallback types.ErrorKind, update types.TransferUpdate) {
	cause := *types.AsTransferError(err, fallback)
	if cause.Chain == "" {
		cause.Chain = record.SourceChain
	}
	if cause.TxHash == "" {
		cause.TxHash = record.TxHash()
	}
	_, _ = c.tracker.Fail(ctx, record, &cause, update)
}
