/*
scheduler.go - Periodic status sweep

PURPOSE:
  Periodically recomputes every loan of the configured agencies so that
  statuses move to overdue or defaulted as due dates pass, without
  waiting for a payment to trigger the derivation.

DESIGN:
  - Runs a background goroutine with configurable interval
  - One Coordinator.RecomputeAgency call per agency; that call opens one
    transaction per loan
  - Per-loan failures are logged and counted, never fatal

USAGE:
  scheduler := NewSweepScheduler(coord, []ledger.AgencyID{"acme"}, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: SweepAgency endpoint (manual sweep)
  - ledger/coordinator.go: RecomputeAgency
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/loan-ledger/ledger"
)

// Sweeper is satisfied by *ledger.Coordinator.
type Sweeper interface {
	RecomputeAgency(ctx context.Context, agencyID ledger.AgencyID) (ledger.SweepReport, error)
}

// SweepScheduler handles the periodic status sweep.
type SweepScheduler struct {
	Sweeper  Sweeper
	Agencies []ledger.AgencyID
	Interval time.Duration
	Enabled  bool
	Log      *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewSweepScheduler(s Sweeper, agencies []ledger.AgencyID, log *zap.Logger) *SweepScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &SweepScheduler{
		Sweeper:  s,
		Agencies: agencies,
		Interval: 1 * time.Hour,
		Enabled:  true,
		Log:      log,
	}
}

// Start begins the scheduler. It sweeps once immediately.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.Interval <= 0 || len(s.Agencies) == 0 {
		s.Log.Info("sweep scheduler disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run()

	s.Log.Info("sweep scheduler started",
		zap.Duration("interval", s.Interval),
		zap.Int("agencies", len(s.Agencies)))
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Log.Info("sweep scheduler stopped")
	}
}

func (s *SweepScheduler) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	s.SweepOnce(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.SweepOnce(ctx)
		case <-s.stop:
			return
		}
	}
}

// SweepOnce sweeps every configured agency and returns the reports.
func (s *SweepScheduler) SweepOnce(ctx context.Context) []ledger.SweepReport {
	reports := make([]ledger.SweepReport, 0, len(s.Agencies))
	for _, agency := range s.Agencies {
		report, err := s.Sweeper.RecomputeAgency(ctx, agency)
		if err != nil {
			s.Log.Warn("sweep failed", zap.String("agency", string(agency)), zap.Error(err))
			continue
		}
		s.Log.Info("sweep completed",
			zap.String("agency", string(agency)),
			zap.Int("scanned", report.Scanned),
			zap.Int("changed", report.Changed),
			zap.Int("failed", len(report.Failures)))
		reports = append(reports, report)
	}
	return reports
}
