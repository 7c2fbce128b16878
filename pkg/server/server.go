package server

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/qcforge/qcforge/pkg/events"
	"github.com/qcforge/qcforge/pkg/log"
	"github.com/qcforge/qcforge/pkg/metrics"
	"github.com/qcforge/qcforge/pkg/periodic"
	"github.com/qcforge/qcforge/pkg/services"
	"github.com/qcforge/qcforge/pkg/storage"
	"github.com/qcforge/qcforge/pkg/types"
)

// Server is the composition root: it owns the store, the completion
// broker, the service engine and the periodic runner. Request handlers
// and background jobs share it; there is no other global state.
type Server struct {
	cfg       *Config
	store     *storage.Store
	broker    *events.Broker
	engine    *services.Engine
	runner    *periodic.Runner
	collector *metrics.Collector
	logger    zerolog.Logger
}

// New opens the database and wires the components. Nothing runs until
// Start.
func New(ctx context.Context, cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	broker := events.NewBroker()
	store.SetNotifier(broker.NotifyRecord)

	engine := services.NewEngine(store, cfg.MaxActiveServices)
	runner := periodic.NewRunner(store, engine, periodic.Options{
		StatsFrequency:     cfg.statsInterval(),
		HeartbeatFrequency: cfg.heartbeatInterval(),
		ServiceFrequency:   cfg.serviceInterval(),
	})

	return &Server{
		cfg:       cfg,
		store:     store,
		broker:    broker,
		engine:    engine,
		runner:    runner,
		collector: metrics.NewCollector(store),
		logger:    log.WithComponent("server"),
	}, nil
}

// Start launches the broker, the periodic runner and the metrics
// collector.
func (s *Server) Start() {
	s.broker.Start()
	s.runner.Start()
	s.collector.Start()
	s.logger.Info().
		Str("database", s.cfg.DatabasePath).
		Str("api_address", s.cfg.APIAddress).
		Msg("Server started")
}

// Stop shuts the background work down and closes the store
func (s *Server) Stop() error {
	s.runner.Stop()
	s.collector.Stop()
	s.broker.Stop()
	err := s.store.Close()
	s.logger.Info().Msg("Server stopped")
	return err
}

// Store exposes the persistence layer to the API handlers
func (s *Server) Store() *storage.Store { return s.store }

// Config exposes the active configuration
func (s *Server) Config() *Config { return s.cfg }

// Broker exposes the completion broker
func (s *Server) Broker() *events.Broker { return s.broker }

// Engine exposes the service engine; tests drive iteration directly
func (s *Server) Engine() *services.Engine { return s.engine }

// WaitForRecords blocks until all the given records are terminal or
// the context ends, and returns their final statuses. The subscription
// is taken before the status read so completions racing the read are
// not missed.
func (s *Server) WaitForRecords(ctx context.Context, ids []int64) (map[int64]types.RecordStatus, error) {
	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	pending := make(map[int64]bool, len(ids))
	final := make(map[int64]types.RecordStatus, len(ids))
	for _, id := range ids {
		pending[id] = true
	}

	records, err := s.store.GetRecords(ctx, ids, storage.RecordProjection{}, false)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.Status.IsTerminal() {
			final[r.ID] = r.Status
			delete(pending, r.ID)
		}
	}

	for len(pending) > 0 {
		ev, err := s.broker.WaitFor(ctx, sub, pending)
		if err != nil {
			return final, err
		}
		final[ev.RecordID] = ev.Status
		delete(pending, ev.RecordID)
	}
	return final, nil
}
