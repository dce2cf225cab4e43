package reconciler

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/fact-relayer/internal/tracker"
	"github.com/scalarorg/fact-relayer/pkg/chains"
	"github.com/scalarorg/fact-relayer/pkg/db"
	"github.com/scalarorg/fact-relayer/pkg/metrics"
	"github.com/scalarorg/fact-relayer/pkg/types"
)

type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeReconciling Outcome = "reconciling" //Matched on destination, not yet final
	OutcomePending     Outcome = "still-pending"
	OutcomeGiveUp      Outcome = "give-up"
	OutcomeSkipped     Outcome = "skipped"
)

const (
	DEFAULT_MAX_ATTEMPTS = 20
	DEFAULT_INTERVAL     = 30 * time.Second
	DEFAULT_SCHEDULE     = "@every 1m"
)

type Config struct {
	MaxAttempts int           `mapstructure:"max_reconcile_attempts"`
	Interval    time.Duration `mapstructure:"reconcile_interval"`
	Schedule    string        `mapstructure:"reconcile_schedule"`
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DEFAULT_MAX_ATTEMPTS
	}
	if c.Interval <= 0 {
		c.Interval = DEFAULT_INTERVAL
	}
	if c.Schedule == "" {
		c.Schedule = DEFAULT_SCHEDULE
	}
	return c
}

type Result struct {
	Outcome Outcome
	Record  *types.TransferRecord
	//Last destination error of a pending attempt, always retryable from the transfer's point of view
	Err error
}

// Poller checks destination chains for the arrival of confirmed transfers
type Poller struct {
	config   Config
	registry *chains.Registry
	tracker  *tracker.Tracker
}

func NewPoller(config Config, registry *chains.Registry, tracker *tracker.Tracker) *Poller {
	return &Poller{
		config:   config.withDefaults(),
		registry: registry,
		tracker:  tracker,
	}
}

func (p *Poller) Config() Config {
	return p.config
}

// Reconcile runs one reconciliation attempt for a transfer. A fan-out parent reconciles each of its
// sub-transfers and reports the aggregate outcome.
func (p *Poller) Reconcile(ctx context.Context, id string) (*Result, error) {
	record, err := p.tracker.Store().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !record.IsParent() {
		return p.reconcileRecord(ctx, record)
	}
	children, err := p.tracker.Store().Find(ctx, db.Filter{ParentID: record.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to find sub-transfers of %s: %w", record.ID, err)
	}
	outcomes := make([]Outcome, 0, len(children))
	var lastErr error
	for _, child := range children {
		result, err := p.reconcileRecord(ctx, child)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, result.Outcome)
		if result.Err != nil {
			lastErr = result.Err
		}
	}
	parent, err := p.tracker.SyncParent(ctx, record.ID)
	if err != nil {
		return nil, err
	}
	return &Result{Outcome: aggregateOutcome(parent, outcomes), Record: parent, Err: lastErr}, nil
}

func aggregateOutcome(parent *types.TransferRecord, outcomes []Outcome) Outcome {
	if parent.Status == types.StatusCompleted {
		return OutcomeCompleted
	}
	if parent.Status.IsTerminal() {
		return OutcomeSkipped
	}
	result := OutcomeSkipped
	for _, outcome := range outcomes {
		switch outcome {
		case OutcomeGiveUp:
			return OutcomeGiveUp
		case OutcomePending:
			result = OutcomePending
		case OutcomeReconciling:
			if result != OutcomePending {
				result = OutcomeReconciling
			}
		}
	}
	return result
}

func (p *Poller) reconcileRecord(ctx context.Context, record *types.TransferRecord) (*Result, error) {
	if skip, reason := skipReason(record); skip {
		log.Debug().Str("transferId", record.ID).Str("status", record.Status.String()).
			Msgf("[Poller] [Reconcile] skip transfer: %s", reason)
		return &Result{Outcome: OutcomeSkipped, Record: record}, nil
	}
	delivery, queryErr := p.findDelivery(ctx, record)
	now := time.Now().UTC()
	attempts := record.ReconcileAttempts + 1
	update := types.TransferUpdate{
		ReconcileAttempts: &attempts,
		LastReconciledAt:  &now,
	}
	if delivery != nil {
		if !hasEvent(record, delivery.Event) {
			update.AppendEvents = []types.ChainEvent{delivery.Event}
		}
		status, outcome := types.StatusReconciling, OutcomeReconciling
		if delivery.Confirmations >= p.finality(record.DestinationChain) {
			status, outcome = types.StatusCompleted, OutcomeCompleted
		} else if attempts >= p.config.MaxAttempts {
			//Matched but never reached finality, e.g. the delivery block was reorged away
			outcome = OutcomeGiveUp
			flag := true
			update.NeedsManualReconciliation = &flag
		}
		updated, err := p.tracker.Transition(ctx, record, status, update)
		if err != nil {
			return nil, err
		}
		metrics.ReconcileAttemptsTotal.WithLabelValues(record.DestinationChain, string(outcome)).Inc()
		log.Info().Str("transferId", record.ID).Str("destination", record.DestinationChain).
			Str("txHash", delivery.Event.TxHash).Uint64("confirmations", delivery.Confirmations).
			Msgf("[Poller] [Reconcile] destination event found, outcome %s", outcome)
		return &Result{Outcome: outcome, Record: updated}, nil
	}

	outcome := OutcomePending
	if attempts >= p.config.MaxAttempts {
		outcome = OutcomeGiveUp
		flag := true
		update.NeedsManualReconciliation = &flag
	}
	updated, err := p.tracker.Transition(ctx, record, record.Status, update)
	if err != nil {
		return nil, err
	}
	metrics.ReconcileAttemptsTotal.WithLabelValues(record.DestinationChain, string(outcome)).Inc()
	logEvent := log.Debug()
	if outcome == OutcomeGiveUp {
		logEvent = log.Warn()
	}
	logEvent.Err(queryErr).Str("transferId", record.ID).Str("destination", record.DestinationChain).
		Int("attempts", attempts).Int("maxAttempts", p.config.MaxAttempts).
		Msgf("[Poller] [Reconcile] destination event not found, outcome %s", outcome)
	return &Result{Outcome: outcome, Record: updated, Err: queryErr}, nil
}

func skipReason(record *types.TransferRecord) (bool, string) {
	switch {
	case record.Status.IsTerminal():
		return true, "terminal"
	case record.ReconcileCancelled:
		return true, "reconciliation cancelled"
	case record.Status.Rank() < types.StatusConfirmed.Rank():
		return true, "source transaction not confirmed"
	}
	return false, ""
}

// findDelivery treats every destination error as retryable: the transfer itself is not at fault
func (p *Poller) findDelivery(ctx context.Context, record *types.TransferRecord) (*chains.Delivery, error) {
	destination, err := p.registry.Get(record.DestinationChain)
	if err != nil {
		return nil, err
	}
	query, err := p.deliveryQuery(record)
	if err != nil {
		return nil, err
	}
	delivery, err := destination.FindDelivery(ctx, query)
	if err != nil {
		return nil, err
	}
	return delivery, nil
}

func (p *Poller) deliveryQuery(record *types.TransferRecord) (chains.DeliveryQuery, error) {
	query := chains.DeliveryQuery{
		MessageID:    record.MessageID(),
		Recipient:    record.PayloadSummary.Recipient,
		SourceTxHash: record.TxHash(),
		NotBefore:    record.PayloadSummary.Timestamp,
	}
	if source, ok := p.registry.Endpoint(record.SourceChain); ok {
		query.SourceEid = source.Eid
	}
	kind, err := types.ParsePayloadKind(record.PayloadSummary.Kind)
	if err != nil {
		return query, types.WrapError(types.ErrKindDecode, err, "transfer %s has an invalid payload summary", record.ID)
	}
	query.Kind = kind
	if query.TokenID, err = parseOptionalInt(record.PayloadSummary.TokenID); err != nil {
		return query, types.WrapError(types.ErrKindDecode, err, "transfer %s has an invalid token id", record.ID)
	}
	if query.Amount, err = parseOptionalInt(record.PayloadSummary.Amount); err != nil {
		return query, types.WrapError(types.ErrKindDecode, err, "transfer %s has an invalid amount", record.ID)
	}
	return query, nil
}

func parseOptionalInt(value string) (*big.Int, error) {
	if value == "" {
		return nil, nil
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("not an integer: %q", value)
	}
	return parsed, nil
}

func (p *Poller) finality(chain string) uint64 {
	endpoint, ok := p.registry.Endpoint(chain)
	if !ok {
		return 1
	}
	return endpoint.FinalityDepth()
}

func hasEvent(record *types.TransferRecord, event types.ChainEvent) bool {
	for _, existing := range record.Events {
		if existing.Name == event.Name && existing.Chain == event.Chain && existing.TxHash == event.TxHash {
			return true
		}
	}
	return false
}
