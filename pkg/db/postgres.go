package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/fact-relayer/pkg/db/models"
	"github.com/scalarorg/fact-relayer/pkg/types"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	PostgresClient *gorm.DB
}

func NewPostgresClient(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return db, nil
}

func NewPostgresStore(client *gorm.DB) (*PostgresStore, error) {
	// Auto Migrate the schema
	err := client.AutoMigrate(
		&models.Transfer{},
		&models.TransferEvent{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate transfer schema: %w", err)
	}
	return &PostgresStore{PostgresClient: client}, nil
}

func (s *PostgresStore) Insert(ctx context.Context, records ...*types.TransferRecord) error {
	now := time.Now().UTC()
	return s.PostgresClient.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, record := range records {
			model := models.TransferFromRecord(record)
			if model.CreatedAt.IsZero() {
				model.CreatedAt = now
			}
			model.UpdatedAt = model.CreatedAt
			if err := tx.Create(model).Error; err != nil {
				return fmt.Errorf("failed to insert transfer %s: %w", record.ID, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status types.TransferStatus, update types.TransferUpdate) (*types.TransferRecord, error) {
	return s.update(ctx, id, func(*types.TransferRecord) types.TransferStatus { return status }, update)
}

func (s *PostgresStore) AppendEvents(ctx context.Context, id string, events ...types.ChainEvent) (*types.TransferRecord, error) {
	return s.update(ctx, id, func(record *types.TransferRecord) types.TransferStatus { return record.Status },
		types.TransferUpdate{AppendEvents: events})
}

// update locks the row for the duration of the transaction, so transitions are checked against committed state
func (s *PostgresStore) update(ctx context.Context, id string, target func(*types.TransferRecord) types.TransferStatus, update types.TransferUpdate) (*types.TransferRecord, error) {
	var updated *types.TransferRecord
	err := s.PostgresClient.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var transfer models.Transfer
		result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&transfer)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%s: %w", id, types.ErrNotFound)
			}
			return result.Error
		}
		record := transfer.ToRecord()
		status := target(record)
		if err := types.CheckUpdate(record, status, update); err != nil {
			return err
		}
		update.Apply(record)
		record.Status = status
		record.UpdatedAt = time.Now().UTC()

		model := models.TransferFromRecord(record)
		model.Events = nil
		if err := tx.Omit(clause.Associations).Save(model).Error; err != nil {
			return fmt.Errorf("failed to update transfer %s: %w", id, err)
		}
		if len(update.AppendEvents) > 0 {
			events := models.EventsFromChainEvents(id, update.AppendEvents)
			if err := tx.Create(&events).Error; err != nil {
				return fmt.Errorf("failed to append events to transfer %s: %w", id, err)
			}
		}
		reloaded, err := s.load(tx, id)
		if err != nil {
			return err
		}
		updated = reloaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug().Str("id", id).Str("status", updated.Status.String()).Msg("[PostgresStore] [UpdateStatus] transfer updated")
	return updated, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*types.TransferRecord, error) {
	return s.load(s.PostgresClient.WithContext(ctx), id)
}

func (s *PostgresStore) load(tx *gorm.DB, id string) (*types.TransferRecord, error) {
	var transfer models.Transfer
	result := tx.Preload("Events", func(db *gorm.DB) *gorm.DB {
		return db.Order("id ASC")
	}).Where("id = ?", id).First(&transfer)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%s: %w", id, types.ErrNotFound)
		}
		return nil, result.Error
	}
	return transfer.ToRecord(), nil
}

func (s *PostgresStore) Find(ctx context.Context, filter Filter) ([]*types.TransferRecord, error) {
	query := s.PostgresClient.WithContext(ctx).Model(&models.Transfer{})
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, status.String())
		}
		query = query.Where("status IN ?", statuses)
	}
	if filter.Chain != "" {
		query = query.Where("(source_chain = ? OR destination_chain = ?)", filter.Chain, filter.Chain)
	}
	if filter.SourceChain != "" {
		query = query.Where("source_chain = ?", filter.SourceChain)
	}
	if filter.DestinationChain != "" {
		query = query.Where("destination_chain = ?", filter.DestinationChain)
	}
	if filter.Sender != "" {
		query = query.Where("sender = ?", filter.Sender)
	}
	if filter.ParentID != "" {
		query = query.Where("parent_id = ?", filter.ParentID)
	}
	if filter.TopLevel {
		query = query.Where("parent_id = ''")
	}
	if filter.IdempotencyKey != "" {
		query = query.Where("idempotency_key = ?", filter.IdempotencyKey)
	}
	if filter.CreatedAfter != nil {
		query = query.Where("created_at > ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		query = query.Where("created_at < ?", *filter.CreatedBefore)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var transfers []models.Transfer
	result := query.Preload("Events", func(db *gorm.DB) *gorm.DB {
		return db.Order("id ASC")
	}).Order("created_at ASC").Order("id ASC").Find(&transfers)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to find transfers: %w", result.Error)
	}
	records := make([]*types.TransferRecord, 0, len(transfers))
	for i := range transfers {
		records = append(records, transfers[i].ToRecord())
	}
	return records, nil
}

func (s *PostgresStore) Close(ctx context.Context) error {
	sqlDB, err := s.PostgresClient.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
