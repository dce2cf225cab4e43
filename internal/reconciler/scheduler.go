package reconciler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/fact-relayer/pkg/db"
	"github.com/scalarorg/fact-relayer/pkg/types"
)

// Scheduler runs a reconciliation sweep over confirmed transfers on a cron schedule
type Scheduler struct {
	poller  *Poller
	store   db.Store
	cron    *cron.Cron
	running atomic.Bool
}

func NewScheduler(poller *Poller, store db.Store) *Scheduler {
	return &Scheduler{
		poller: poller,
		store:  store,
		cron:   cron.New(),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	schedule := s.poller.Config().Schedule
	_, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			log.Error().Err(err).Msg("[Scheduler] [Sweep] reconciliation sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	log.Info().Str("schedule", schedule).Msg("[Scheduler] [Start] reconciliation sweep scheduled")
	return nil
}

// Stop waits for a running sweep to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep reconciles every due transfer once. Transfers are grouped by destination chain and each
// chain is handled by its own goroutine, so one slow chain does not hold back the others.
// Overlapping sweeps are skipped.
func (s *Scheduler) Sweep(ctx context.Context) (map[Outcome]int, error) {
	if !s.running.CompareAndSwap(false, true) {
		log.Debug().Msg("[Scheduler] [Sweep] previous sweep still running")
		return nil, nil
	}
	defer s.running.Store(false)

	records, err := s.store.Find(ctx, db.Filter{
		Statuses: []types.TransferStatus{types.StatusConfirmed, types.StatusReconciling},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find transfers to reconcile: %w", err)
	}
	now := time.Now().UTC()
	byChain := make(map[string][]*types.TransferRecord)
	for _, record := range records {
		if s.isDue(record, now) {
			byChain[record.DestinationChain] = append(byChain[record.DestinationChain], record)
		}
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		outcomes = make(map[Outcome]int)
	)
	for chain, due := range byChain {
		wg.Add(1)
		go func(chain string, due []*types.TransferRecord) {
			defer wg.Done()
			for _, record := range due {
				if ctx.Err() != nil {
					return
				}
				result, err := s.poller.reconcileRecord(ctx, record)
				if err != nil {
					log.Warn().Err(err).Str("transferId", record.ID).Str("destination", chain).
						Msg("[Scheduler] [Sweep] failed to reconcile transfer")
					continue
				}
				mu.Lock()
				outcomes[result.Outcome]++
				mu.Unlock()
			}
		}(chain, due)
	}
	wg.Wait()
	if len(records) > 0 {
		log.Info().Int("candidates", len(records)).Interface("outcomes", outcomes).
			Msg("[Scheduler] [Sweep] reconciliation sweep finished")
	}
	return outcomes, nil
}

// isDue excludes fan-out parents, cancelled and flagged transfers, and ones checked within the interval
func (s *Scheduler) isDue(record *types.TransferRecord, now time.Time) bool {
	if record.IsParent() || record.ReconcileCancelled || record.NeedsManualReconciliation {
		return false
	}
	if record.LastReconciledAt != nil && now.Sub(*record.LastReconciledAt) < s.poller.Config().Interval {
		return false
	}
	return true
}
