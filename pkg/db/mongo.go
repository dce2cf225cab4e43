package db

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/fact-relayer/pkg/types"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	TRANSFERS_COLLECTION = "transfers"
	// Attempts of the optimistic update loop before giving up on a contended record
	MAX_UPDATE_RETRIES = 10
)

var _ Store = (*MongoStore)(nil)

type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

type transferDocument struct {
	ID                        string               `bson:"_id"`
	ParentID                  string               `bson:"parent_id"`
	IdempotencyKey            string               `bson:"idempotency_key"`
	SourceChain               string               `bson:"source_chain"`
	DestinationChain          string               `bson:"destination_chain"`
	Destinations              []string             `bson:"destinations,omitempty"`
	Sender                    string               `bson:"sender"`
	PayloadSummary            types.PayloadSummary `bson:"payload_summary"`
	Payload                   []byte               `bson:"payload"`
	Status                    string               `bson:"status"`
	SourceTxHash              *string              `bson:"source_tx_hash,omitempty"`
	SourceBlock               int64                `bson:"source_block"`
	FeePaid                   *feeDocument         `bson:"fee_paid,omitempty"`
	Error                     *errorDocument       `bson:"error,omitempty"`
	Events                    []eventDocument      `bson:"events"`
	ReconcileAttempts         int                  `bson:"reconcile_attempts"`
	LastReconciledAt          *time.Time           `bson:"last_reconciled_at,omitempty"`
	NeedsManualReconciliation bool                 `bson:"needs_manual_reconciliation"`
	ReconcileCancelled        bool                 `bson:"reconcile_cancelled"`
	CreatedAt                 time.Time            `bson:"created_at"`
	UpdatedAt                 time.Time            `bson:"updated_at"`
	Version                   int64                `bson:"version"`
}

// Amounts are stored as decimal strings, bson has no 256 bit integer
type feeDocument struct {
	Amount           string `bson:"amount"`
	Decimals         int32  `bson:"decimals"`
	Symbol           string `bson:"symbol"`
	SourceChain      string `bson:"source_chain"`
	DestinationChain string `bson:"destination_chain"`
	PayloadSize      int    `bson:"payload_size"`
	IsFallback       bool   `bson:"is_fallback"`
}

type errorDocument struct {
	Kind    string `bson:"kind"`
	Message string `bson:"message"`
	Chain   string `bson:"chain,omitempty"`
	TxHash  string `bson:"tx_hash,omitempty"`
}

type eventDocument struct {
	Chain       string            `bson:"chain"`
	Name        string            `bson:"name"`
	TxHash      string            `bson:"tx_hash"`
	BlockNumber int64             `bson:"block_number"`
	LogIndex    int64             `bson:"log_index"`
	MessageID   string            `bson:"message_id,omitempty"`
	Attributes  map[string]string `bson:"attributes,omitempty"`
	ObservedAt  time.Time         `bson:"observed_at"`
}

func NewMongoClient(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err = client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	log.Info().Msg("[MongoStore] Connected to MongoDB")
	return client, nil
}

func NewMongoStore(ctx context.Context, client *mongo.Client, database string) (*MongoStore, error) {
	collection := client.Database(database).Collection(TRANSFERS_COLLECTION)
	_, err := collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "idempotency_key", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "parent_id", Value: 1}}},
		{Keys: bson.D{{Key: "source_chain", Value: 1}}},
		{Keys: bson.D{{Key: "destination_chain", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer indexes: %w", err)
	}
	return &MongoStore{client: client, collection: collection}, nil
}

func (s *MongoStore) Insert(ctx context.Context, records ...*types.TransferRecord) error {
	now := time.Now().UTC()
	documents := make([]interface{}, 0, len(records))
	for _, record := range records {
		document := documentFromRecord(record)
		if document.CreatedAt.IsZero() {
			document.CreatedAt = now
		}
		document.UpdatedAt = document.CreatedAt
		documents = append(documents, document)
	}
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)
	// Transactions need a replica set; a standalone server falls back to an ordered insert
	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		return s.collection.InsertMany(sessCtx, documents)
	})
	if err != nil && isTransactionUnsupported(err) {
		_, err = s.collection.InsertMany(ctx, documents, options.InsertMany().SetOrdered(true))
	}
	if err != nil {
		return fmt.Errorf("failed to insert transfers: %w", err)
	}
	return nil
}

func (s *MongoStore) UpdateStatus(ctx context.Context, id string, status types.TransferStatus, update types.TransferUpdate) (*types.TransferRecord, error) {
	return s.update(ctx, id, func(*types.TransferRecord) types.TransferStatus { return status }, update)
}

func (s *MongoStore) AppendEvents(ctx context.Context, id string, events ...types.ChainEvent) (*types.TransferRecord, error) {
	return s.update(ctx, id, func(record *types.TransferRecord) types.TransferStatus { return record.Status },
		types.TransferUpdate{AppendEvents: events})
}

// update is a compare and swap on the document version
func (s *MongoStore) update(ctx context.Context, id string, target func(*types.TransferRecord) types.TransferStatus, update types.TransferUpdate) (*types.TransferRecord, error) {
	for attempt := 0; attempt < MAX_UPDATE_RETRIES; attempt++ {
		document, err := s.find(ctx, id)
		if err != nil {
			return nil, err
		}
		record := document.toRecord()
		status := target(record)
		if err := types.CheckUpdate(record, status, update); err != nil {
			return nil, err
		}
		update.Apply(record)
		record.Status = status
		record.UpdatedAt = time.Now().UTC()
		replacement := documentFromRecord(record)
		replacement.Version = document.Version + 1

		result, err := s.collection.ReplaceOne(ctx, bson.M{"_id": id, "version": document.Version}, replacement)
		if err != nil {
			return nil, fmt.Errorf("failed to update transfer %s: %w", id, err)
		}
		if result.MatchedCount == 1 {
			return replacement.toRecord(), nil
		}
		log.Debug().Str("id", id).Int("attempt", attempt).Msg("[MongoStore] [UpdateStatus] concurrent update, retrying")
	}
	return nil, fmt.Errorf("transfer %s is contended, update abandoned after %d attempts", id, MAX_UPDATE_RETRIES)
}

func (s *MongoStore) find(ctx context.Context, id string) (*transferDocument, error) {
	var document transferDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&document)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", id, types.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get transfer %s: %w", id, err)
	}
	return &document, nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*types.TransferRecord, error) {
	document, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return document.toRecord(), nil
}

func (s *MongoStore) Find(ctx context.Context, filter Filter) ([]*types.TransferRecord, error) {
	query := bson.M{}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, status.String())
		}
		query["status"] = bson.M{"$in": statuses}
	}
	if filter.Chain != "" {
		query["$or"] = bson.A{
			bson.M{"source_chain": filter.Chain},
			bson.M{"destination_chain": filter.Chain},
		}
	}
	if filter.SourceChain != "" {
		query["source_chain"] = filter.SourceChain
	}
	if filter.DestinationChain != "" {
		query["destination_chain"] = filter.DestinationChain
	}
	if filter.Sender != "" {
		query["sender"] = filter.Sender
	}
	if filter.ParentID != "" {
		query["parent_id"] = filter.ParentID
	} else if filter.TopLevel {
		query["parent_id"] = ""
	}
	if filter.IdempotencyKey != "" {
		query["idempotency_key"] = filter.IdempotencyKey
	}
	created := bson.M{}
	if filter.CreatedAfter != nil {
		created["$gt"] = *filter.CreatedAfter
	}
	if filter.CreatedBefore != nil {
		created["$lt"] = *filter.CreatedBefore
	}
	if len(created) > 0 {
		query["created_at"] = created
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	cursor, err := s.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find transfers: %w", err)
	}
	defer cursor.Close(ctx)
	var documents []transferDocument
	if err := cursor.All(ctx, &documents); err != nil {
		return nil, fmt.Errorf("failed to decode transfers: %w", err)
	}
	records := make([]*types.TransferRecord, 0, len(documents))
	for i := range documents {
		records = append(records, documents[i].toRecord())
	}
	return records, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func isTransactionUnsupported(err error) bool {
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) {
		// IllegalOperation: Transaction numbers are only allowed on a replica set member or mongos
		return serverErr.HasErrorCode(20)
	}
	return false
}

func documentFromRecord(record *types.TransferRecord) *transferDocument {
	document := &transferDocument{
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
		SourceBlock:               int64(record.SourceBlock),
		ReconcileAttempts:         record.ReconcileAttempts,
		LastReconciledAt:          record.LastReconciledAt,
		NeedsManualReconciliation: record.NeedsManualReconciliation,
		ReconcileCancelled:        record.ReconcileCancelled,
		CreatedAt:                 record.CreatedAt,
		UpdatedAt:                 record.UpdatedAt,
		Events:                    make([]eventDocument, 0, len(record.Events)),
	}
	if fee := record.FeePaid; fee != nil {
		document.FeePaid = &feeDocument{
			Decimals:         int32(fee.Decimals),
			Symbol:           fee.Symbol,
			SourceChain:      fee.SourceChain,
			DestinationChain: fee.DestinationChain,
			PayloadSize:      fee.PayloadSize,
			IsFallback:       fee.IsFallback,
		}
		if fee.Amount != nil {
			document.FeePaid.Amount = fee.Amount.String()
		}
	}
	if record.Error != nil {
		document.Error = &errorDocument{
			Kind:    string(record.Error.Kind),
			Message: record.Error.Message,
			Chain:   record.Error.Chain,
			TxHash:  record.Error.TxHash,
		}
	}
	for _, event := range record.Events {
		document.Events = append(document.Events, eventDocument{
			Chain:       event.Chain,
			Name:        event.Name,
			TxHash:      event.TxHash,
			BlockNumber: int64(event.BlockNumber),
			LogIndex:    int64(event.LogIndex),
			MessageID:   event.MessageID,
			Attributes:  event.Attributes,
			ObservedAt:  event.ObservedAt,
		})
	}
	return document
}

func (d *transferDocument) toRecord() *types.TransferRecord {
	record := &types.TransferRecord{
		ID:                        d.ID,
		ParentID:                  d.ParentID,
		IdempotencyKey:            d.IdempotencyKey,
		SourceChain:               d.SourceChain,
		DestinationChain:          d.DestinationChain,
		Destinations:              d.Destinations,
		Sender:                    d.Sender,
		PayloadSummary:            d.PayloadSummary,
		Payload:                   d.Payload,
		Status:                    types.TransferStatus(d.Status),
		SourceTxHash:              d.SourceTxHash,
		SourceBlock:               uint64(d.SourceBlock),
		ReconcileAttempts:         d.ReconcileAttempts,
		LastReconciledAt:          d.LastReconciledAt,
		NeedsManualReconciliation: d.NeedsManualReconciliation,
		ReconcileCancelled:        d.ReconcileCancelled,
		CreatedAt:                 d.CreatedAt.UTC(),
		UpdatedAt:                 d.UpdatedAt.UTC(),
		Events:                    make([]types.ChainEvent, 0, len(d.Events)),
	}
	if fee := d.FeePaid; fee != nil {
		amount, _ := new(big.Int).SetString(fee.Amount, 10)
		record.FeePaid = &types.FeeQuote{
			Amount:           amount,
			Decimals:         uint8(fee.Decimals),
			Symbol:           fee.Symbol,
			SourceChain:      fee.SourceChain,
			DestinationChain: fee.DestinationChain,
			PayloadSize:      fee.PayloadSize,
			IsFallback:       fee.IsFallback,
		}
	}
	if d.Error != nil {
		record.Error = &types.TransferError{
			Kind:    types.ErrorKind(d.Error.Kind),
			Message: d.Error.Message,
			Chain:   d.Error.Chain,
			TxHash:  d.Error.TxHash,
		}
	}
	for _, event := range d.Events {
		record.Events = append(record.Events, types.ChainEvent{
			Chain:       event.Chain,
			Name:        event.Name,
			TxHash:      event.TxHash,
			BlockNumber: uint64(event.BlockNumber),
			LogIndex:    uint(event.LogIndex),
			MessageID:   event.MessageID,
			Attributes:  event.Attributes,
			ObservedAt:  event.ObservedAt.UTC(),
		})
	}
	return record
}
