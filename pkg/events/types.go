package events

import (
	"time"

	"github.com/scalarorg/fact-relayer/pkg/types"
)

const (
	EVENT_TRANSFER_STATUS_CHANGED = "Transfer.StatusChanged"
	EVENT_TRANSFER_NEEDS_MANUAL   = "Transfer.NeedsManualReconciliation"
)

type EventEnvelope struct {
	EventType        string
	TransferID       string
	ParentID         string
	SourceChain      string
	DestinationChain string
	Status           types.TransferStatus
	Record           *types.TransferRecord
	Timestamp        time.Time
}

func NewStatusEvent(eventType string, record *types.TransferRecord) *EventEnvelope {
	return &EventEnvelope{
		EventType:        eventType,
		TransferID:       record.ID,
		ParentID:         record.ParentID,
		SourceChain:      record.SourceChain,
		DestinationChain: record.DestinationChain,
		Status:           record.Status,
		Record:           record.Clone(),
		Timestamp:        time.Now().UTC(),
	}
}
