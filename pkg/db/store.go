package db

import (
	"context"
	"sort"
	"time"

	"github.com/scalarorg/fact-relayer/pkg/types"
)

const (
	DRIVER_POSTGRES = "postgres"
	DRIVER_MONGO    = "mongo"
	DRIVER_MEMORY   = "memory"
)

// Store persists transfer records. Every status write goes through types.CheckUpdate
// inside the store's own critical section, so concurrent writers cannot move a record backwards.
type Store interface {
	// Insert stores all records atomically, a fan-out parent together with its children
	Insert(ctx context.Context, records ...*types.TransferRecord) error
	UpdateStatus(ctx context.Context, id string, status types.TransferStatus, update types.TransferUpdate) (*types.TransferRecord, error)
	// AppendEvents adds audit events without changing the status. Allowed on terminal records.
	AppendEvents(ctx context.Context, id string, events ...types.ChainEvent) (*types.TransferRecord, error)
	Get(ctx context.Context, id string) (*types.TransferRecord, error)
	Find(ctx context.Context, filter Filter) ([]*types.TransferRecord, error)
	Close(ctx context.Context) error
}

// Filter selects records; zero fields match everything. Results are ordered oldest first.
type Filter struct {
	Statuses         []types.TransferStatus
	Chain            string //Matches either the source or the destination chain
	SourceChain      string
	DestinationChain string
	Sender           string
	ParentID         string
	TopLevel         bool //Excludes sub-transfers of fan-outs
	IdempotencyKey   string
	CreatedAfter     *time.Time
	CreatedBefore    *time.Time
	Limit            int
	Offset           int
}

func (f *Filter) Matches(record *types.TransferRecord) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, status := range f.Statuses {
			if record.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Chain != "" && record.SourceChain != f.Chain && record.DestinationChain != f.Chain {
		return false
	}
	if f.SourceChain != "" && record.SourceChain != f.SourceChain {
		return false
	}
	if f.DestinationChain != "" && record.DestinationChain != f.DestinationChain {
		return false
	}
	if f.Sender != "" && record.Sender != f.Sender {
		return false
	}
	if f.ParentID != "" && record.ParentID != f.ParentID {
		return false
	}
	if f.TopLevel && record.ParentID != "" {
		return false
	}
	if f.IdempotencyKey != "" && record.IdempotencyKey != f.IdempotencyKey {
		return false
	}
	if f.CreatedAfter != nil && !record.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !record.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}

// Page applies ordering, offset and limit to records already matched in memory
func (f *Filter) Page(records []*types.TransferRecord) []*types.TransferRecord {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(records) {
			return nil
		}
		records = records[f.Offset:]
	}
	if f.Limit > 0 && len(records) > f.Limit {
		records = records[:f.Limit]
	}
	return records
}

func PendingStatuses() []types.TransferStatus {
	return []types.TransferStatus{
		types.StatusCreated,
		types.StatusSubmitting,
		types.StatusSubmitted,
		types.StatusConfirming,
		types.StatusConfirmed,
		types.StatusReconciling,
	}
}
