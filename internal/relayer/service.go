package relayer

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/fact-relayer/config"
	"github.com/scalarorg/fact-relayer/internal/api"
	"github.com/scalarorg/fact-relayer/internal/coordinator"
	"github.com/scalarorg/fact-relayer/internal/reconciler"
	"github.com/scalarorg/fact-relayer/internal/tracker"
	"github.com/scalarorg/fact-relayer/pkg/chains"
	"github.com/scalarorg/fact-relayer/pkg/clients/evm"
	"github.com/scalarorg/fact-relayer/pkg/db"
	"github.com/scalarorg/fact-relayer/pkg/events"
	"github.com/scalarorg/fact-relayer/pkg/fee"
	"github.com/scalarorg/fact-relayer/pkg/keys"
	"github.com/scalarorg/fact-relayer/pkg/metrics"
	"github.com/scalarorg/fact-relayer/pkg/telemetry"
	"github.com/scalarorg/fact-relayer/pkg/types"
)

type Service struct {
	config      *config.Config
	Store       db.Store
	EventBus    *events.EventBus
	Registry    *chains.Registry
	Tracker     *tracker.Tracker
	Poller      *reconciler.Poller
	Scheduler   *reconciler.Scheduler
	Coordinator *coordinator.TransferCoordinator
	Server      *api.Server

	shutdownTracer func(context.Context) error
	wg             sync.WaitGroup
}

// NewService wires every component from config. Without adapters an EVM client is created per configured chain.
func NewService(config *config.Config, store db.Store, eventBus *events.EventBus, adapters ...chains.Adapter) (*Service, error) {
	if len(adapters) == 0 {
		for _, client := range evm.NewEvmClients(config.Chains) {
			adapters = append(adapters, client)
		}
	}
	registry := chains.NewRegistry(adapters...)

	keyManager, err := keys.NewLocalManager(config.Accounts)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	estimator := fee.NewEstimator()
	if err := estimator.LoadFallbacks(config.FallbackFees, config.Endpoints()); err != nil {
		return nil, fmt.Errorf("failed to load fallback fees: %w", err)
	}

	statusTracker := tracker.NewTracker(store, eventBus)
	poller := reconciler.NewPoller(config.Reconciler, registry, statusTracker)
	transferCoordinator := coordinator.NewTransferCoordinator(config.Coordinator, registry, keyManager, estimator, statusTracker, poller)

	return &Service{
		config:      config,
		Store:       store,
		EventBus:    eventBus,
		Registry:    registry,
		Tracker:     statusTracker,
		Poller:      poller,
		Scheduler:   reconciler.NewScheduler(poller, store),
		Coordinator: transferCoordinator,
		Server:      api.NewServer(transferCoordinator, registry),
	}, nil
}

// Connect dials every chain; unavailable chains stay registered and are retried by their adapter on use
func (s *Service) Connect(ctx context.Context) {
	failures := s.Registry.ConnectAll(ctx)
	for _, name := range s.Registry.Names() {
		if _, failed := failures[name]; failed {
			metrics.ChainAvailable.WithLabelValues(name).Set(0)
		} else {
			metrics.ChainAvailable.WithLabelValues(name).Set(1)
		}
	}
}

// Start connects the chains, recovers transfers interrupted by the previous run, starts the
// reconciliation schedule and serves the HTTP API in the background
func (s *Service) Start(ctx context.Context) error {
	metrics.Register()
	shutdownTracer, err := telemetry.InitTracer(ctx, s.config.AppName, s.config.OtlpEndpoint)
	if err != nil {
		return err
	}
	s.shutdownTracer = shutdownTracer

	s.Connect(ctx)
	if _, err := s.Coordinator.RecoverUnfinished(ctx); err != nil {
		log.Warn().Err(err).Msg("[Relayer] [Start] cannot list unfinished transfers")
	}

	if s.EventBus != nil {
		receiver := s.EventBus.Subscribe(events.ALL_CHAINS)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			logEvents(receiver)
		}()
	}

	if err := s.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start reconciliation schedule: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Server.Start(s.config.ListenAddress); err != nil {
			log.Error().Err(err).Msg("[Relayer] [Start] api server stopped with error")
		}
	}()
	log.Info().Strs("chains", s.Registry.Names()).Msg("[Relayer] [Start] relayer started")
	return nil
}

func logEvents(receiver <-chan *events.EventEnvelope) {
	for event := range receiver {
		logger := log.Info()
		if event.EventType == events.EVENT_TRANSFER_NEEDS_MANUAL || event.Status == types.StatusFailed {
			logger = log.Warn()
		}
		logger.Str("event", event.EventType).
			Str("transferId", event.TransferID).
			Str("parentId", event.ParentID).
			Str("sourceChain", event.SourceChain).
			Str("destinationChain", event.DestinationChain).
			Str("status", string(event.Status)).
			Msg("[Relayer] [EventBus] transfer event")
	}
}

// Stop shuts components down in reverse order of their dependencies
func (s *Service) Stop(ctx context.Context) {
	if err := s.Server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("[Relayer] [Stop] api server shutdown failed")
	}
	s.Scheduler.Stop()
	s.Coordinator.Wait()
	if s.EventBus != nil {
		s.EventBus.Close()
	}
	s.wg.Wait()
	s.Registry.Close()
	if err := s.Store.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("[Relayer] [Stop] store close failed")
	}
	if s.shutdownTracer != nil {
		if err := s.shutdownTracer(ctx); err != nil {
			log.Warn().Err(err).Msg("[Relayer] [Stop] tracer shutdown failed")
		}
	}
	log.Info().Msg("[Relayer] [Stop] relayer stopped")
}
