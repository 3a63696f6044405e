package sched

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dan246/mtx-toolkit/internal/fleet"
)

// Supervisor runs the discovery loop and both check cadences in
// parallel and blocks until context cancellation.
type Supervisor struct {
	logger        zerolog.Logger
	quick         *QuickChecker
	deep          *DeepChecker
	syncer        *fleet.Syncer
	syncInterval  time.Duration
	tickerFactory func(time.Duration) Ticker
}

// SupervisorOption customizes supervisor behavior.
type SupervisorOption func(*Supervisor)

// WithSyncTickerFactory overrides how the discovery ticker is created.
func WithSyncTickerFactory(factory func(time.Duration) Ticker) SupervisorOption {
	return func(s *Supervisor) {
		s.tickerFactory = factory
	}
}

// NewSupervisor wires the checkers and the path discovery loop together.
func NewSupervisor(logger zerolog.Logger, quick *QuickChecker, deep *DeepChecker, syncer *fleet.Syncer, syncInterval time.Duration, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		logger:        logger,
		quick:         quick,
		deep:          deep,
		syncer:        syncer,
		syncInterval:  syncInterval,
		tickerFactory: newTimeTicker,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run discovers paths once so the first sweeps have an inventory, then
// starts all loops. It returns after every loop has stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.syncer != nil {
		s.syncer.SyncAll(ctx)
	}

	var wg sync.WaitGroup

	if s.syncer != nil && s.syncInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.syncLoop(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.quick.Run(ctx); err != nil {
			s.logger.Error().Err(err).Msg("quick checker exited with error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.deep.Run(ctx); err != nil {
			s.logger.Error().Err(err).Msg("deep checker exited with error")
		}
	}()

	wg.Wait()
	s.logger.Info().Msg("all loops stopped")
	return nil
}

func (s *Supervisor) syncLoop(ctx context.Context) {
	ticker := s.tickerFactory(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("discovery loop stopped")
			return
		case <-ticker.C():
			s.syncer.SyncAll(ctx)
		}
	}
}
