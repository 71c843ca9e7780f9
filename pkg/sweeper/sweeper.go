// Package sweeper runs the periodic housekeeping pass: expiring
// overdue sessions and pruning old accounting and post-auth rows.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/supa-modo/vuka-wifi-billing-server/pkg/session"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/store"
)

// Config configures the sweeper.
type Config struct {
	// Interval between passes. Defaults to 5 minutes.
	Interval time.Duration `yaml:"interval"`
	// AccountingRetention keeps closed accounting rows this long.
	// Defaults to 30 days.
	AccountingRetention time.Duration `yaml:"accounting_retention"`
	// PostAuthRetention keeps post-auth rows this long. Defaults to
	// 7 days.
	PostAuthRetention time.Duration `yaml:"postauth_retention"`
}

// DefaultConfig returns the standard housekeeping cadence.
func DefaultConfig() Config {
	return Config{
		Interval:            5 * time.Minute,
		AccountingRetention: 30 * 24 * time.Hour,
		PostAuthRetention:   7 * 24 * time.Hour,
	}
}

// Report summarizes one pass.
type Report struct {
	Started          time.Time     `json:"started"`
	Expired          int           `json:"expired"`
	ExpireFailures   int           `json:"expireFailures"`
	UsageReconciled  int           `json:"usageReconciled"`
	PurgedAccounting int           `json:"purgedAccounting"`
	PurgedPostAuth   int           `json:"purgedPostAuth"`
	Duration         time.Duration `json:"duration"`
}

// Stats is a snapshot of sweeper counters.
type Stats struct {
	Passes           uint64 `json:"passes"`
	Expired          uint64 `json:"expired"`
	PurgedAccounting uint64 `json:"purgedAccounting"`
	PurgedPostAuth   uint64 `json:"purgedPostAuth"`
	Errors           uint64 `json:"errors"`
}

// Sweeper periodically expires sessions and prunes old RADIUS rows.
type Sweeper struct {
	config  Config
	manager *session.Manager
	store   store.Store
	logger  *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	passes           uint64
	expired          uint64
	purgedAccounting uint64
	purgedPostAuth   uint64
	errors           uint64
}

// New creates a sweeper.
func New(cfg Config, manager *session.Manager, s store.Store, logger *zap.Logger) (*Sweeper, error) {
	if manager == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if s == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.AccountingRetention <= 0 {
		cfg.AccountingRetention = 30 * 24 * time.Hour
	}
	if cfg.PostAuthRetention <= 0 {
		cfg.PostAuthRetention = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		config:  cfg,
		manager: manager,
		store:   s,
		logger:  logger,
	}, nil
}

// Start launches the background loop. The first pass runs immediately.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sweeper started",
		zap.Duration("interval", s.config.Interval))
}

// Stop halts the loop and waits for an in-flight pass.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.runAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAndLog(ctx)
		}
	}
}

func (s *Sweeper) runAndLog(ctx context.Context) {
	report, err := s.RunOnce(ctx)
	if err != nil {
		atomic.AddUint64(&s.errors, 1)
		s.logger.Error("sweep pass failed", zap.Error(err))
		return
	}
	if report.Expired > 0 || report.PurgedAccounting > 0 || report.PurgedPostAuth > 0 {
		s.logger.Info("sweep pass completed",
			zap.Int("expired", report.Expired),
			zap.Int("purgedAccounting", report.PurgedAccounting),
			zap.Int("purgedPostAuth", report.PurgedPostAuth),
			zap.Duration("took", report.Duration))
	}
}

// RunOnce executes a single pass. Also used by the sweep CLI command.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	now := time.Now()
	report := Report{Started: now}
	atomic.AddUint64(&s.passes, 1)

	sweep, err := s.manager.ExpireOverdue(ctx, now)
	if err != nil {
		return report, fmt.Errorf("expiring sessions: %w", err)
	}
	report.Expired = sweep.Expired
	report.ExpireFailures = sweep.Failed
	atomic.AddUint64(&s.expired, uint64(sweep.Expired))

	reconciled, err := s.manager.ReconcileUsage(ctx)
	if err != nil {
		return report, fmt.Errorf("reconciling session usage: %w", err)
	}
	report.UsageReconciled = reconciled

	purged, err := s.store.PurgeAccountingRecords(ctx, now.Add(-s.config.AccountingRetention))
	if err != nil {
		return report, fmt.Errorf("purging accounting records: %w", err)
	}
	report.PurgedAccounting = purged
	atomic.AddUint64(&s.purgedAccounting, uint64(purged))

	purged, err = s.store.PurgePostAuthRecords(ctx, now.Add(-s.config.PostAuthRetention))
	if err != nil {
		return report, fmt.Errorf("purging postauth records: %w", err)
	}
	report.PurgedPostAuth = purged
	atomic.AddUint64(&s.purgedPostAuth, uint64(purged))

	report.Duration = time.Since(now)
	return report, nil
}

// Stats returns a snapshot of sweeper counters.
func (s *Sweeper) Stats() Stats {
	return Stats{
		Passes:           atomic.LoadUint64(&s.passes),
		Expired:          atomic.LoadUint64(&s.expired),
		PurgedAccounting: atomic.LoadUint64(&s.purgedAccounting),
		PurgedPostAuth:   atomic.LoadUint64(&s.purgedPostAuth),
		Errors:           atomic.LoadUint64(&s.errors),
	}
}
