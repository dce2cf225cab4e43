package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/fact-relayer/internal/reconciler"
	"github.com/scalarorg/fact-relayer/internal/tracker"
	"github.com/scalarorg/fact-relayer/pkg/chains"
	"github.com/scalarorg/fact-relayer/pkg/db"
	"github.com/scalarorg/fact-relayer/pkg/fee"
	"github.com/scalarorg/fact-relayer/pkg/keys"
	"github.com/scalarorg/fact-relayer/pkg/types"
)

const (
	DEFAULT_RECEIPT_TIMEOUT           = 5 * time.Minute
	DEFAULT_INLINE_RECONCILE_ATTEMPTS = 1
)

type Config struct {
	ReceiptTimeout          time.Duration `mapstructure:"receipt_timeout"`
	InlineReconcileAttempts int           `mapstructure:"inline_reconcile_attempts"`
	RequiredCapability      string        `mapstructure:"required_capability"`
}

func (c Config) withDefaults() Config {
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = DEFAULT_RECEIPT_TIMEOUT
	}
	//Negative disables inline reconciliation
	if c.InlineReconcileAttempts == 0 {
		c.InlineReconcileAttempts = DEFAULT_INLINE_RECONCILE_ATTEMPTS
	} else if c.InlineReconcileAttempts < 0 {
		c.InlineReconcileAttempts = 0
	}
	if c.RequiredCapability == "" {
		c.RequiredCapability = keys.CAPABILITY_CROSS_CHAIN_SENDER
	}
	return c
}

// TransferCoordinator drives transfers from request to destination delivery.
// Chain adapters, keys and storage are injected; nothing is reached through globals.
type TransferCoordinator struct {
	config      Config
	registry    *chains.Registry
	keys        keys.Manager
	estimator   *fee.Estimator
	store       db.Store
	tracker     *tracker.Tracker
	poller      *reconciler.Poller
	keyLocks    *keyedMutex
	senderLocks *keyedMutex //One submission at a time per sender and chain, pending nonces must not collide
	inflight    sync.WaitGroup
}

func NewTransferCoordinator(config Config, registry *chains.Registry, keyManager keys.Manager,
	estimator *fee.Estimator, tracker *tracker.Tracker, poller *reconciler.Poller) *TransferCoordinator {
	return &TransferCoordinator{
		config:      config.withDefaults(),
		registry:    registry,
		keys:        keyManager,
		estimator:   estimator,
		store:       tracker.Store(),
		tracker:     tracker,
		poller:      poller,
		keyLocks:    newKeyedMutex(),
		senderLocks: newKeyedMutex(),
	}
}

// GetStatus returns a transfer; fan-out parents carry their sub-transfers
func (c *TransferCoordinator) GetStatus(ctx context.Context, id string) (*types.TransferRecord, error) {
	record, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.IsParent() {
		children, err := c.store.Find(ctx, db.Filter{ParentID: record.ID})
		if err != nil {
			return nil, fmt.Errorf("failed to find sub-transfers of %s: %w", record.ID, err)
		}
		record.SubTransfers = children
	}
	return record, nil
}

func (c *TransferCoordinator) ListTransfers(ctx context.Context, filter db.Filter) ([]*types.TransferRecord, error) {
	return c.store.Find(ctx, filter)
}

// ReconcileNow runs one reconciliation attempt immediately, including on transfers flagged for
// manual reconciliation.
func (c *TransferCoordinator) ReconcileNow(ctx context.Context, id string) (*types.TransferRecord, reconciler.Outcome, error) {
	result, err := c.poller.Reconcile(ctx, id)
	if err != nil {
		return nil, "", err
	}
	record, err := c.GetStatus(ctx, result.Record.ID)
	if err != nil {
		return nil, "", err
	}
	return record, result.Outcome, nil
}

// CancelReconciliation stops further polling of a confirmed transfer. The source transaction is not affected.
func (c *TransferCoordinator) CancelReconciliation(ctx context.Context, id string) (*types.TransferRecord, error) {
	record, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	targets := []*types.TransferRecord{record}
	if record.IsParent() {
		children, err := c.store.Find(ctx, db.Filter{ParentID: record.ID})
		if err != nil {
			return nil, fmt.Errorf("failed to find sub-transfers of %s: %w", record.ID, err)
		}
		targets = append(children, record)
	}
	cancelled := true
	for _, target := range targets {
		if target.Status.IsTerminal() || target.ReconcileCancelled {
			continue
		}
		if _, err := c.tracker.Transition(ctx, target, target.Status, types.TransferUpdate{ReconcileCancelled: &cancelled}); err != nil {
			return nil, err
		}
		log.Info().Str("transferId", target.ID).Str("status", target.Status.String()).
			Msg("[TransferCoordinator] [CancelReconciliation] reconciliation cancelled")
	}
	return c.GetStatus(ctx, id)
}

// Wait blocks until background submissions started by InitiateAsync have finished
func (c *TransferCoordinator) Wait() {
	c.inflight.Wait()
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

// Lock serializes callers sharing a key and returns the unlock function
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &keyLock{}
		k.locks[key] = lock
	}
	lock.refs++
	k.mu.Unlock()

	lock.Lock()
	return func() {
		lock.Unlock()
		k.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
