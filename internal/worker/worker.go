// Package worker runs the sync engine's processing loops: a pool of
// goroutines that claim batches from the durable queue and the webhook
// event stream and drive them through the services.
package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"outreach-sync/internal/config"
	"outreach-sync/internal/logger"
	"outreach-sync/internal/service"

	"golang.org/x/sync/errgroup"
)

// Pool owns the worker goroutines. Each worker polls both work streams,
// queue items first: outbound pushes and inbound applies take precedence
// over translating freshly received webhooks into more queue work.
type Pool struct {
	sync     *service.SyncService
	webhooks *service.WebhookService
	cfg      config.WorkerConfig
	hostname string
}

// NewPool creates a new worker pool
func NewPool(cfg config.WorkerConfig, syncSvc *service.SyncService, webhookSvc *service.WebhookService) *Pool {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "sync-worker"
	}
	return &Pool{
		sync:     syncSvc,
		webhooks: webhookSvc,
		cfg:      cfg,
		hostname: hostname,
	}
}

// Run starts the pool and blocks until ctx is cancelled. All claimed work
// is finished (or failed) before Run returns; items interrupted mid-flight
// by a hard kill are recovered later by the lease requeue job.
func (p *Pool) Run(ctx context.Context) error {
	logger.Info().
		Int("pool_size", p.cfg.PoolSize).
		Int("batch_size", p.cfg.BatchSize).
		Dur("poll_interval", p.cfg.PollInterval).
		Msg("starting sync worker pool")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.PoolSize; i++ {
		workerID := fmt.Sprintf("%s-%d", p.hostname, i)
		g.Go(func() error {
			p.runWorker(ctx, workerID)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	logger.Debug().Str("worker_id", workerID).Msg("sync worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Str("worker_id", workerID).Msg("sync worker stopped")
			return
		default:
		}

		if worked := p.cycle(ctx, workerID); worked {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// cycle claims and processes one batch from each stream. Returns true when
// any work was found, in which case the worker polls again immediately.
func (p *Pool) cycle(ctx context.Context, workerID string) bool {
	worked := false

	items, err := p.sync.ClaimBatch(ctx, workerID)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error().Err(err).Str("worker_id", workerID).Msg("failed to claim queue batch")
		}
	}
	for _, item := range items {
		if ctx.Err() != nil {
			// Finish what we claimed even while shutting down; the item
			// processor uses its own deadline semantics via the lease.
			p.sync.ProcessItem(context.WithoutCancel(ctx), item)
			continue
		}
		p.sync.ProcessItem(ctx, item)
	}
	worked = worked || len(items) > 0

	events, err := p.webhooks.ClaimBatch(ctx, workerID)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error().Err(err).Str("worker_id", workerID).Msg("failed to claim webhook batch")
		}
	}
	for _, event := range events {
		if ctx.Err() != nil {
			p.webhooks.ProcessEvent(context.WithoutCancel(ctx), event)
			continue
		}
		p.webhooks.ProcessEvent(ctx, event)
	}
	worked = worked || len(events) > 0

	return worked
}
