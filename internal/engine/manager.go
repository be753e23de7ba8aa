package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/pheme-project/longitudinal/internal/mart"
	"github.com/pheme-project/longitudinal/internal/warehouse"
)

// DefaultWorkers is the worker pool size when the config does not say
// otherwise.
const DefaultWorkers = 5

// visitRetries bounds the in-run retries of a failing visit. A visit that
// still fails is left unprocessed and picked up again on the next run, so it
// can never block the rest of the queue.
const visitRetries = 2

// Manager owns one deduplication run: backfilling the bookkeeping from the
// warehouse, partitioning the unprocessed set by visit, and fanning the
// visits out over a worker pool.
type Manager struct {
	warehouse    *warehouse.Store
	mart         *mart.Store
	resolvers    *Resolvers
	workers      int
	inProduction bool
	log          *slog.Logger
}

// NewManager wires a manager over the two stores. inProduction selects the
// per-visit error policy: production keeps going, development aborts the run.
func NewManager(wh *warehouse.Store, mt *mart.Store, workers int, inProduction bool, log *slog.Logger) *Manager {
	if workers < 1 {
		workers = DefaultWorkers
	}
	return &Manager{
		warehouse:    wh,
		mart:         mt,
		resolvers:    NewResolvers(mt.DB()),
		workers:      workers,
		inProduction: inProduction,
		log:          log,
	}
}

// Prep extends the bookkeeping with every warehouse message newer than what
// it has already seen. The warehouse is append-only with monotonically
// increasing ids, so "newer than max" is exactly the unseen set.
func (m *Manager) Prep(ctx context.Context) error {
	maxID, err := m.mart.MaxProcessedID(ctx)
	if err != nil {
		return err
	}
	var total int
	err = m.warehouse.MessagesSince(ctx, maxID, func(batch []warehouse.MessageRef) error {
		total += len(batch)
		return m.mart.InsertProcessedBatch(ctx, batch)
	})
	if err != nil {
		return err
	}
	m.log.Info("bookkeeping backfill complete", "since_id", maxID, "new_messages", total)
	return nil
}

// visitQueue enumerates the visits to process. In date mode only visits
// admitted on that day are considered, intersected with the unprocessed set.
func (m *Manager) visitQueue(ctx context.Context, date *time.Time) ([]string, error) {
	if date == nil {
		return m.mart.UnprocessedVisitIDs(ctx)
	}
	admitted, err := m.warehouse.VisitIDsAdmittedOn(ctx, *date)
	if err != nil {
		return nil, err
	}
	return m.mart.UnprocessedVisitIDsAmong(ctx, admitted)
}

// Run executes one full pass: prep (unless skipped), enumerate, fan out.
// In production, per-visit failures are logged and retried next run, so one
// bad visit never blocks the queue; in development they abort the pass.
func (m *Manager) Run(ctx context.Context, date *time.Time, skipPrep bool) error {
	if !skipPrep {
		if err := m.Prep(ctx); err != nil {
			return err
		}
	}

	visits, err := m.visitQueue(ctx, date)
	if err != nil {
		return err
	}
	if len(visits) == 0 {
		m.log.Info("no unprocessed visits")
		return nil
	}
	m.log.Info("starting deduplication", "visits", len(visits), "workers", m.workers)

	queue := make(chan string)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		for _, visitID := range visits {
			select {
			case queue <- visitID:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	for i := 0; i < m.workers; i++ {
		worker := NewWorker(m.warehouse, m.mart, m.resolvers, m.log)
		g.Go(func() error {
			for visitID := range queue {
				if err := m.dedupWithRetry(ctx, worker, visitID); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					if err := m.visitFailure(visitID, err); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// visitFailure applies the error policy for a visit that exhausted its
// retries. In production the visit is logged and left unprocessed for the
// next run; in development the failure aborts the run so it gets noticed.
func (m *Manager) visitFailure(visitID string, err error) error {
	if m.inProduction {
		m.log.Error("visit failed, leaving for next run",
			"visit_id", visitID, "error", err)
		return nil
	}
	return fmt.Errorf("visit %s: %w", visitID, err)
}

// dedupWithRetry retries transient per-visit failures with exponential
// backoff before giving up on the visit for this run.
func (m *Manager) dedupWithRetry(ctx context.Context, worker *Worker, visitID string) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), visitRetries), ctx)
	return backoff.Retry(func() error {
		return worker.DedupVisit(ctx, visitID)
	}, policy)
}
