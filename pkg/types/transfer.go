package types

import (
	"math/big"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// DestinationAll requests a fan-out to every configured chain except the source
const DestinationAll = "all"

var validate = validator.New(validator.WithRequiredStructEnabled())

type TransferRequest struct {
	SourceChain       string   `json:"sourceChain" validate:"required"`
	DestinationChains []string `json:"destinationChains" validate:"required,min=1,dive,required"`
	Payload           Payload  `json:"payload"`
	Sender            string   `json:"sender" validate:"required,eth_addr"`
	Value             *big.Int `json:"value,omitempty"` //Native value moved on top of the messaging fee
	IdempotencyKey    string   `json:"idempotencyKey,omitempty" validate:"omitempty,max=128"`
}

// ValidateShape checks the request fields that do not depend on configuration
func (r *TransferRequest) ValidateShape() error {
	if err := validate.Struct(r); err != nil {
		return WrapError(ErrKindValidation, err, "invalid transfer request")
	}
	if err := r.Payload.Validate(); err != nil {
		return WrapError(ErrKindValidation, err, "invalid payload")
	}
	if r.Value != nil && r.Value.Sign() < 0 {
		return NewError(ErrKindValidation, "value must not be negative")
	}
	return nil
}

func (r *TransferRequest) IsFanOut() bool {
	return len(r.DestinationChains) > 1 || (len(r.DestinationChains) == 1 && r.DestinationChains[0] == DestinationAll)
}

// TransferRecord is the persisted unit of work. Its id is the only external handle to a transfer.
type TransferRecord struct {
	ID                        string          `json:"id"`
	ParentID                  string          `json:"parentId,omitempty"`
	IdempotencyKey            string          `json:"idempotencyKey"`
	SourceChain               string          `json:"sourceChain"`
	DestinationChain          string          `json:"destinationChain"`
	Destinations              []string        `json:"destinations,omitempty"` //Set on fan-out parents
	Sender                    string          `json:"sender"`
	PayloadSummary            PayloadSummary  `json:"payloadSummary"`
	Payload                   []byte          `json:"payload,omitempty"` //Encoded wire payload
	Status                    TransferStatus  `json:"status"`
	SourceTxHash              *string         `json:"sourceTxHash,omitempty"`
	SourceBlock               uint64          `json:"sourceBlock,omitempty"`
	FeePaid                   *FeeQuote       `json:"feePaid,omitempty"`
	Error                     *TransferError  `json:"error,omitempty"`
	Events                    []ChainEvent    `json:"events"`
	ReconcileAttempts         int             `json:"reconcileAttempts"`
	LastReconciledAt          *time.Time      `json:"lastReconciledAt,omitempty"`
	NeedsManualReconciliation bool            `json:"needsManualReconciliation"`
	ReconcileCancelled        bool            `json:"reconcileCancelled"`
	CreatedAt                 time.Time       `json:"createdAt"`
	UpdatedAt                 time.Time       `json:"updatedAt"`

	//Populated on reads of fan-out parents, never persisted
	SubTransfers []*TransferRecord `json:"subTransfers,omitempty"`
}

func (r *TransferRecord) IsParent() bool {
	return len(r.Destinations) > 0
}

func (r *TransferRecord) MessageID() string {
	return r.PayloadSummary.MessageID
}

func (r *TransferRecord) TxHash() string {
	if r.SourceTxHash == nil {
		return ""
	}
	return *r.SourceTxHash
}

// Clone returns a deep enough copy for callers to mutate without touching stored state
func (r *TransferRecord) Clone() *TransferRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Destinations = append([]string(nil), r.Destinations...)
	clone.Payload = append([]byte(nil), r.Payload...)
	clone.Events = append([]ChainEvent(nil), r.Events...)
	if r.SourceTxHash != nil {
		txHash := *r.SourceTxHash
		clone.SourceTxHash = &txHash
	}
	if r.FeePaid != nil {
		fee := *r.FeePaid
		if fee.Amount != nil {
			fee.Amount = new(big.Int).Set(fee.Amount)
		}
		clone.FeePaid = &fee
	}
	if r.Error != nil {
		transferErr := *r.Error
		clone.Error = &transferErr
	}
	if r.LastReconciledAt != nil {
		at := *r.LastReconciledAt
		clone.LastReconciledAt = &at
	}
	clone.SubTransfers = nil
	return &clone
}

// TransferUpdate carries the optional field changes written together with a status transition
type TransferUpdate struct {
	SourceTxHash              *string
	SourceBlock               *uint64
	FeePaid                   *FeeQuote
	Error                     *TransferError
	AppendEvents              []ChainEvent
	ReconcileAttempts         *int
	LastReconciledAt          *time.Time
	NeedsManualReconciliation *bool
	ReconcileCancelled        *bool
}

// OnlyEvents reports whether the update does nothing but append audit events
func (u TransferUpdate) OnlyEvents() bool {
	return u.SourceTxHash == nil && u.SourceBlock == nil && u.FeePaid == nil && u.Error == nil &&
		u.ReconcileAttempts == nil && u.LastReconciledAt == nil &&
		u.NeedsManualReconciliation == nil && u.ReconcileCancelled == nil
}

func (u TransferUpdate) Apply(record *TransferRecord) {
	if u.SourceTxHash != nil {
		txHash := *u.SourceTxHash
		record.SourceTxHash = &txHash
	}
	if u.SourceBlock != nil {
		record.SourceBlock = *u.SourceBlock
	}
	if u.FeePaid != nil {
		record.FeePaid = u.FeePaid
	}
	if u.Error != nil {
		record.Error = u.Error
	}
	if len(u.AppendEvents) > 0 {
		record.Events = append(record.Events, u.AppendEvents...)
	}
	if u.ReconcileAttempts != nil {
		record.ReconcileAttempts = *u.ReconcileAttempts
	}
	if u.LastReconciledAt != nil {
		at := *u.LastReconciledAt
		record.LastReconciledAt = &at
	}
	if u.NeedsManualReconciliation != nil {
		record.NeedsManualReconciliation = *u.NeedsManualReconciliation
	}
	if u.ReconcileCancelled != nil {
		record.ReconcileCancelled = *u.ReconcileCancelled
	}
}

// CheckUpdate validates a write against the state machine. A terminal record accepts
// nothing but event appends with an unchanged status.
func CheckUpdate(record *TransferRecord, to TransferStatus, update TransferUpdate) error {
	if record.Status.IsTerminal() && to == record.Status && update.OnlyEvents() {
		return nil
	}
	if !CanTransition(record.Status, to) {
		return &InvalidTransitionError{ID: record.ID, From: record.Status, To: to}
	}
	return nil
}

// NewTransferID returns a time-ordered random identifier
func NewTransferID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
