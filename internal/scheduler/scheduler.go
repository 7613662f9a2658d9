// Package scheduler runs the engine's periodic maintenance: expired-lock
// sweeps, stale-lease requeues, and conflict audit retention.
package scheduler

import (
	"context"
	"time"

	"outreach-sync/internal/config"
	"outreach-sync/internal/logger"

	"github.com/robfig/cron/v3"
)

// LockSweeper releases locks that expired without being released
type LockSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// LeaseRequeuer returns queue items abandoned by dead workers to pending
type LeaseRequeuer interface {
	RequeueExpiredLeases(ctx context.Context) (int64, error)
}

// StaleRequeuer returns webhook events abandoned mid-processing to pending
type StaleRequeuer interface {
	RequeueStale(ctx context.Context, leaseTimeout time.Duration) (int64, error)
}

// AuditCleaner deletes resolved conflict audits past the retention window
type AuditCleaner interface {
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler wraps a cron runner with the engine's maintenance jobs
type Scheduler struct {
	cron   *cron.Cron
	cfg    config.Config
	locks  LockSweeper
	queue  LeaseRequeuer
	events StaleRequeuer
	audits AuditCleaner
}

// New creates a scheduler with all maintenance jobs registered. Specs use
// the six-field (seconds-first) cron format.
func New(cfg config.Config, locks LockSweeper, queue LeaseRequeuer, events StaleRequeuer, audits AuditCleaner) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		cfg:    cfg,
		locks:  locks,
		queue:  queue,
		events: events,
		audits: audits,
	}

	if _, err := s.cron.AddFunc(cfg.Maintenance.LockSweepSpec, s.sweepLocks); err != nil {
		return nil, err
	}
	if _, err := s.cron.AddFunc(cfg.Maintenance.LeaseRequeueSpec, s.requeueAbandoned); err != nil {
		return nil, err
	}
	if _, err := s.cron.AddFunc(cfg.Maintenance.AuditCleanupSpec, s.cleanupAudits); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins running maintenance jobs on their schedules
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info().
		Str("lock_sweep", s.cfg.Maintenance.LockSweepSpec).
		Str("lease_requeue", s.cfg.Maintenance.LeaseRequeueSpec).
		Str("audit_cleanup", s.cfg.Maintenance.AuditCleanupSpec).
		Msg("maintenance scheduler started")
}

// Stop stops the scheduler and waits for running jobs to finish
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.Info().Msg("maintenance scheduler stopped")
}

func (s *Scheduler) sweepLocks() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := s.locks.SweepExpired(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("expired lock sweep failed")
		return
	}
	if n > 0 {
		logger.Info().Int64("released", n).Msg("swept expired locks")
	}
}

func (s *Scheduler) requeueAbandoned() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	items, err := s.queue.RequeueExpiredLeases(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("stale lease requeue failed")
	} else if items > 0 {
		logger.Warn().Int64("requeued", items).Msg("requeued queue items with expired leases")
	}

	events, err := s.events.RequeueStale(ctx, s.cfg.Worker.LeaseTimeout)
	if err != nil {
		logger.Error().Err(err).Msg("stale webhook requeue failed")
	} else if events > 0 {
		logger.Warn().Int64("requeued", events).Msg("requeued webhook events abandoned mid-processing")
	}
}

func (s *Scheduler) cleanupAudits() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.cfg.Maintenance.AuditRetention)
	n, err := s.audits.DeleteResolvedBefore(ctx, cutoff)
	if err != nil {
		logger.Error().Err(err).Msg("conflict audit cleanup failed")
		return
	}
	if n > 0 {
		logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("cleaned up resolved conflict audits")
	}
}
