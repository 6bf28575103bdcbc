package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/zanderlabs/ingest/internal/config"
	"github.com/zanderlabs/ingest/internal/persistence"
	"github.com/zanderlabs/ingest/internal/pubsub"
	"github.com/zanderlabs/ingest/internal/registry"
	"github.com/zanderlabs/ingest/internal/store"
)

// Supervisor owns the broker's dependencies and brings them up and down in
// dependency order: transports first, persistence pipeline, then the HTTP and
// WebSocket surface. Shutdown reverses the order; a failed step is logged and
// the remaining steps still run.
type Supervisor struct {
	cfg    *config.Config
	logger zerolog.Logger

	db      *store.Store
	manager *persistence.Manager
	bus     *pubsub.Bus
	reg     *registry.Registry
	broker  *Broker

	httpServer *http.Server
	serveErr   chan error

	samplerCancel context.CancelFunc
	samplerDone   chan struct{}
}

// NewSupervisor connects the enabled external transports and assembles the
// broker. A transport that is toggled off is simply not constructed.
func NewSupervisor(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Supervisor, error) {
	s := &Supervisor{
		cfg:      cfg,
		logger:   logger.With().Str("component", "supervisor").Logger(),
		reg:      registry.New(logger),
		serveErr: make(chan error, 1),
	}

	if cfg.EnableDBPersistence {
		db, err := store.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("connect datastore: %w", err)
		}
		if err := db.Initialize(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize datastore: %w", err)
		}
		s.db = db
		s.manager = persistence.New(db, cfg.BatchSize, cfg.FlushInterval, logger)
	} else {
		s.logger.Warn().Msg("Database persistence disabled")
	}

	if cfg.EnableRedisPubSub {
		bus, err := pubsub.New(ctx, cfg.RedisURL, logger)
		if err != nil {
			if s.db != nil {
				s.db.Close()
			}
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		s.bus = bus
	} else {
		s.logger.Warn().Msg("Redis pub/sub disabled")
	}

	// Interface values stay nil when a transport is off; the broker checks
	// for nil, so no typed-nil wrapping here.
	var sessions SessionStore
	var sink RecordSink
	if s.db != nil {
		sessions = s.db
		sink = s.manager
	}
	var bus TopicBus
	if s.bus != nil {
		bus = s.bus
	}

	s.broker = New(cfg, logger, sessions, sink, bus, s.reg)
	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.broker.Router(),
	}

	return s, nil
}

// Start launches the persistence ticker, the system sampler, and the HTTP
// listener.
func (s *Supervisor) Start() {
	if s.manager != nil {
		s.manager.Start()
	}

	samplerCtx, cancel := context.WithCancel(context.Background())
	s.samplerCancel = cancel
	s.samplerDone = make(chan struct{})
	go s.sampleSystem(samplerCtx)

	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.serveErr <- err
		}
	}()
}

// ServeErr reports a fatal listener error. Never fires on clean shutdown.
func (s *Supervisor) ServeErr() <-chan error {
	return s.serveErr
}

// Shutdown drains in reverse startup order: stop accepting, close the HTTP
// listener within the grace period, drop WebSocket peers, final-flush the
// persistence pipeline, close transports.
func (s *Supervisor) Shutdown() {
	s.logger.Info().Msg("Shutdown starting")
	s.broker.shuttingDown.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("HTTP server shutdown failed")
	}

	s.reg.CloseAll()

	if s.samplerCancel != nil {
		s.samplerCancel()
		<-s.samplerDone
	}

	if s.manager != nil {
		s.manager.Stop()
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Redis close failed")
		}
	}
	if s.db != nil {
		s.db.Close()
	}

	s.logger.Info().Msg("Shutdown complete")
}

// sampleSystem feeds process CPU and RSS into the broker's /stats system
// block and the system gauges.
func (s *Supervisor) sampleSystem(ctx context.Context) {
	defer close(s.samplerDone)

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		s.logger.Warn().Err(err).Msg("System sampler unavailable")
		return
	}

	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cpuPercent, err := proc.CPUPercent()
			if err != nil {
				s.logger.Debug().Err(err).Msg("CPU sample failed")
				continue
			}
			var memMB float64
			if mem, err := proc.MemoryInfo(); err == nil {
				memMB = float64(mem.RSS) / 1024 / 1024
			}
			s.broker.setSystemStats(cpuPercent, memMB)
		}
	}
}
