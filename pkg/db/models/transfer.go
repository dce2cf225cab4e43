package models

import (
	"time"

	"github.com/scalarorg/fact-relayer/pkg/types"
	"gorm.io/gorm"
)

type Transfer struct {
	ID                        string               `gorm:"primaryKey;type:varchar(64)"`
	ParentID                  string               `gorm:"type:varchar(64);index"`
	IdempotencyKey            string               `gorm:"type:varchar(128);index"`
	SourceChain               string               `gorm:"type:varchar(255);index"`
	DestinationChain          string               `gorm:"type:varchar(255);index"`
	Destinations              []string             `gorm:"serializer:json"`
	Sender                    string               `gorm:"type:varchar(255);index"`
	PayloadSummary            types.PayloadSummary `gorm:"serializer:json"`
	Payload                   []byte
	Status                    string               `gorm:"type:varchar(32);index"`
	SourceTxHash              *string              `gorm:"type:varchar(255)"`
	SourceBlock               uint64               `gorm:"type:bigint"`
	FeePaid                   *types.FeeQuote      `gorm:"serializer:json"`
	Error                     *types.TransferError `gorm:"serializer:json"`
	ReconcileAttempts         int                  `gorm:"default:0"`
	LastReconciledAt          *time.Time           `gorm:"type:timestamp(6)"`
	NeedsManualReconciliation bool                 `gorm:"default:false"`
	ReconcileCancelled        bool                 `gorm:"default:false"`
	CreatedAt                 time.Time            `gorm:"type:timestamp(6);index"`
	UpdatedAt                 time.Time            `gorm:"type:timestamp(6)"`
	Events                    []TransferEvent      `gorm:"foreignKey:TransferID"`
}

// Audit events are append only, ordered by their auto increment id
type TransferEvent struct {
	gorm.Model
	TransferID  string `gorm:"type:varchar(64);index"`
	Chain       string `gorm:"type:varchar(255)"`
	Name        string `gorm:"type:varchar(255)"`
	TxHash      string `gorm:"type:varchar(255)"`
	BlockNumber uint64 `gorm:"type:bigint"`
	LogIndex    uint
	MessageID   string            `gorm:"type:varchar(255)"`
	Attributes  map[string]string `gorm:"serializer:json"`
	ObservedAt  time.Time         `gorm:"type:timestamp(6)"`
}

func TransferFromRecord(record *types.TransferRecord) *Transfer {
	transfer := &Transfer{
		ID:                        record.ID,
		ParentID:                  record.ParentID,
		IdempotencyKey:            record.IdempotencyKey,
		SourceChain:               record.SourceChain,
		DestinationChain:          record.DestinationChain,
		Destinations:              record.Destinations,
		Sender:                    record.Sender,
		PayloadSummary:            record.PayloadSummary,
		Payload:                   record.Payload,
		Status:                    record.Status.String(),
		SourceTxHash:              record.SourceTxHash,
		SourceBlock:               record.SourceBlock,
		FeePaid:                   record.FeePaid,
		Error:                     record.Error,
		ReconcileAttempts:         record.ReconcileAttempts,
		LastReconciledAt:          record.LastReconciledAt,
		NeedsManualReconciliation: record.NeedsManualReconciliation,
		ReconcileCancelled:        record.ReconcileCancelled,
		CreatedAt:                 record.CreatedAt,
		UpdatedAt:                 record.UpdatedAt,
	}
	transfer.Events = EventsFromChainEvents(record.ID, record.Events)
	return transfer
}

func EventsFromChainEvents(transferID string, events []types.ChainEvent) []TransferEvent {
	models := make([]TransferEvent, 0, len(events))
	for _, event := range events {
		models = append(models, TransferEvent{
			TransferID:  transferID,
			Chain:       event.Chain,
			Name:        event.Name,
			TxHash:      event.TxHash,
			BlockNumber: event.BlockNumber,
			LogIndex:    event.LogIndex,
			MessageID:   event.MessageID,
			Attributes:  event.Attributes,
			ObservedAt:  event.ObservedAt,
		})
	}
	return models
}

func (t *Transfer) ToRecord() *types.TransferRecord {
	record := &types.TransferRecord{
		ID:                        t.ID,
		ParentID:                  t.ParentID,
		IdempotencyKey:            t.IdempotencyKey,
		SourceChain:               t.SourceChain,
		DestinationChain:          t.DestinationChain,
		Destinations:              t.Destinations,
		Sender:                    t.Sender,
		PayloadSummary:            t.PayloadSummary,
		Payload:                   t.Payload,
		Status:                    types.TransferStatus(t.Status),
		SourceTxHash:              t.SourceTxHash,
		SourceBlock:               t.SourceBlock,
		FeePaid:                   t.FeePaid,
		Error:                     t.Error,
		ReconcileAttempts:         t.ReconcileAttempts,
		LastReconciledAt:          t.LastReconciledAt,
		NeedsManualReconciliation: t.NeedsManualReconciliation,
		ReconcileCancelled:        t.ReconcileCancelled,
		CreatedAt:                 t.CreatedAt.UTC(),
		UpdatedAt:                 t.UpdatedAt.UTC(),
		Events:                    make([]types.ChainEvent, 0, len(t.Events)),
	}
	for _, event := range t.Events {
		record.Events = append(record.Events, types.ChainEvent{
			Chain:       event.Chain,
			Name:        event.Name,
			TxHash:      event.TxHash,
			BlockNumber: event.BlockNumber,
			LogIndex:    event.LogIndex,
			MessageID:   event.MessageID,
			Attributes:  event.Attributes,
			ObservedAt:  event.ObservedAt.UTC(),
		})
	}
	return record
}
