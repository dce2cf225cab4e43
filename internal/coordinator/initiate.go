package coordinator

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/fact-relayer/pkg/codec"
	"github.com/scalarorg/fact-relayer/pkg/db"
	"github.com/scalarorg/fact-relayer/pkg/keys"
	"github.com/scalarorg/fact-relayer/pkg/metrics"
	"github.com/scalarorg/fact-relayer/pkg/telemetry"
	"github.com/scalarorg/fact-relayer/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// transferPlan is a persisted transfer ready for submission
type transferPlan struct {
	parent     *types.TransferRecord
	records    []*types.TransferRecord
	credential keys.Credential
	value      *big.Int
}

func (p *transferPlan) id() string {
	if p.parent != nil {
		return p.parent.ID
	}
	return p.records[0].ID
}

// Initiate validates and persists a transfer, then submits it and waits for the source receipt and
// the first reconciliation attempts. Cancelling ctx after the records are persisted does not abort them. Validation and permission errors are returned without creating
// a record; every later failure is recorded on the returned transfer.
func (c *TransferCoordinator) Initiate(ctx context.Context, request *types.TransferRequest) (*types.TransferRecord, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "TransferCoordinator.Initiate")
	defer span.End()
	plan, existing, err := c.begin(ctx, request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	span.SetAttributes(attribute.String("transfer.id", plan.id()))
	//Once persisted the transfer runs to a recorded outcome even if the caller goes away
	detached := context.WithoutCancel(ctx)
	c.inflight.Add(1)
	defer c.inflight.Done()
	c.run(detached, plan)
	return c.GetStatus(detached, plan.id())
}

// InitiateAsync returns as soon as the transfer is persisted; submission continues in the background
func (c *TransferCoordinator) InitiateAsync(ctx context.Context, request *types.TransferRequest) (*types.TransferRecord, error) {
	plan, existing, err := c.begin(ctx, request)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		ctx, span := telemetry.Tracer().Start(context.WithoutCancel(ctx), "TransferCoordinator.InitiateAsync")
		defer span.End()
		span.SetAttributes(attribute.String("transfer.id", plan.id()))
		c.run(ctx, plan)
	}()
	return c.GetStatus(ctx, plan.id())
}

// begin validates the request, checks the sender's permission and persists the records in CREATED.
// A request repeating the idempotency key of an earlier transfer that has not failed returns that transfer.
func (c *TransferCoordinator) begin(ctx context.Context, request *types.TransferRequest) (*transferPlan, *types.TransferRecord, error) {
	if request == nil {
		return nil, nil, types.NewError(types.ErrKindValidation, "empty transfer request")
	}
	if err := request.ValidateShape(); err != nil {
		return nil, nil, err
	}
	if _, ok := c.registry.Endpoint(request.SourceChain); !ok {
		return nil, nil, types.NewError(types.ErrKindValidation, "source chain %s is not configured", request.SourceChain)
	}
	destinations, label, err := c.resolveDestinations(request)
	if err != nil {
		return nil, nil, err
	}
	payload := request.Payload
	if payload.Timestamp == 0 {
		payload.Timestamp = uint64(time.Now().Unix())
	}
	encoded, err := codec.Encode(&payload)
	if err != nil {
		return nil, nil, types.WrapError(types.ErrKindValidation, err, "payload cannot be encoded")
	}
	credential, err := c.authorize(ctx, request.Sender)
	if err != nil {
		return nil, nil, err
	}

	key := request.IdempotencyKey
	if key != "" {
		unlock := c.keyLocks.Lock(key)
		defer unlock()
		existing, err := c.findExisting(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		if existing != nil {
			log.Info().Str("transferId", existing.ID).Str("idempotencyKey", key).Str("status", existing.Status.String()).
				Msg("[TransferCoordinator] [Initiate] duplicate request, returning existing transfer")
			return nil, existing, nil
		}
	} else {
		key = types.NewTransferID()
	}

	plan := &transferPlan{credential: credential, value: request.Value}
	summary := payload.Summary(codec.MessageIDHex(encoded), len(encoded))
	now := time.Now().UTC()
	newRecord := func(destination string, idempotencyKey string) *types.TransferRecord {
		return &types.TransferRecord{
			ID:               types.NewTransferID(),
			IdempotencyKey:   idempotencyKey,
			SourceChain:      request.SourceChain,
			DestinationChain: destination,
			Sender:           credential.Address(),
			PayloadSummary:   summary,
			Payload:          encoded,
			Status:           types.StatusCreated,
			Events:           []types.ChainEvent{},
			CreatedAt:        now,
			UpdatedAt:        now,
		}
	}
	if len(destinations) == 1 && label != types.DestinationAll {
		plan.records = []*types.TransferRecord{newRecord(destinations[0], key)}
	} else {
		plan.parent = newRecord(label, key)
		plan.parent.Destinations = destinations
		for _, destination := range destinations {
			child := newRecord(destination, key+"/"+destination)
			child.ParentID = plan.parent.ID
			plan.records = append(plan.records, child)
		}
	}

	toInsert := plan.records
	if plan.parent != nil {
		toInsert = append([]*types.TransferRecord{plan.parent}, plan.records...)
	}
	if err := c.store.Insert(ctx, toInsert...); err != nil {
		return nil, nil, types.WrapError(types.ErrKindInternal, err, "failed to persist transfer")
	}
	for _, record := range plan.records {
		metrics.TransfersInitiatedTotal.WithLabelValues(record.SourceChain, record.DestinationChain, summary.Kind).Inc()
	}
	log.Info().Str("transferId", plan.id()).Str("source", request.SourceChain).Strs("destinations", destinations).
		Str("kind", summary.Kind).Str("messageId", summary.MessageID).
		Msg("[TransferCoordinator] [Initiate] transfer created")
	return plan, nil, nil
}

// resolveDestinations expands DestinationAll and returns the destinations with the label stored on the record
func (c *TransferCoordinator) resolveDestinations(request *types.TransferRequest) ([]string, string, error) {
	if request.IsFanOut() && contains(request.DestinationChains, types.DestinationAll) {
		if len(request.DestinationChains) > 1 {
			return nil, "", types.NewError(types.ErrKindValidation, "%q cannot be combined with other destinations", types.DestinationAll)
		}
		var destinations []string
		for _, name := range c.registry.Names() {
			if name != request.SourceChain {
				destinations = append(destinations, name)
			}
		}
		if len(destinations) == 0 {
			return nil, "", types.NewError(types.ErrKindValidation, "no destination chain is configured besides %s", request.SourceChain)
		}
		return destinations, types.DestinationAll, nil
	}
	destinations := make([]string, 0, len(request.DestinationChains))
	for _, destination := range request.DestinationChains {
		if contains(destinations, destination) {
			continue
		}
		if destination == request.SourceChain {
			return nil, "", types.NewError(types.ErrKindValidation, "destination chain must differ from source chain %s", request.SourceChain)
		}
		if _, ok := c.registry.Endpoint(destination); !ok {
			return nil, "", types.NewError(types.ErrKindValidation, "destination chain %s is not configured", destination)
		}
		destinations = append(destinations, destination)
	}
	return destinations, strings.Join(destinations, ","), nil
}

// authorize resolves the sender's credential and checks the capability to originate messages
func (c *TransferCoordinator) authorize(ctx context.Context, sender string) (keys.Credential, error) {
	credential, err := c.keys.ResolveCredential(ctx, sender)
	if err != nil {
		if errors.Is(err, keys.ErrCredentialNotFound) {
			return nil, types.WrapError(types.ErrKindPermission, err, "no signing credential for %s", sender)
		}
		return nil, types.WrapError(types.ErrKindPermission, err, "failed to resolve credential for %s", sender)
	}
	if !c.keys.HasCapability(credential, c.config.RequiredCapability) {
		return nil, types.NewError(types.ErrKindPermission, "account %s lacks capability %s", sender, c.config.RequiredCapability)
	}
	return credential, nil
}

func (c *TransferCoordinator) findExisting(ctx context.Context, key string) (*types.TransferRecord, error) {
	records, err := c.store.Find(ctx, db.Filter{IdempotencyKey: key, TopLevel: true})
	if err != nil {
		return nil, types.WrapError(types.ErrKindInternal, err, "failed to look up idempotency key")
	}
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Status != types.StatusFailed {
			return c.GetStatus(ctx, records[i].ID)
		}
	}
	return nil, nil
}

// run submits every record of the plan, sub-transfers of a fan-out concurrently
func (c *TransferCoordinator) run(ctx context.Context, plan *transferPlan) {
	if len(plan.records) == 1 {
		c.process(ctx, plan.records[0], plan.credential, plan.value)
		return
	}
	var wg sync.WaitGroup
	for _, record := range plan.records {
		wg.Add(1)
		go func(record *types.TransferRecord) {
			defer wg.Done()
			c.process(ctx, record, plan.credential, plan.value)
		}(record)
	}
	wg.Wait()
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
