package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payflow/internal/clock"
	"github.com/smallbiznis/payflow/internal/config"
	obsmetrics "github.com/smallbiznis/payflow/internal/observability/metrics"
	purchasedomain "github.com/smallbiznis/payflow/internal/purchase/domain"
	reconciledomain "github.com/smallbiznis/payflow/internal/reconcile/domain"
	"github.com/smallbiznis/payflow/internal/scheduler/guard"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const JobPendingPurchases = "pending_purchases"

type Params struct {
	fx.In

	Log        *zap.Logger
	Ledger     purchasedomain.Ledger
	Reconciler reconciledomain.Service
	GenID      *snowflake.Node
	Clock      clock.Clock
	Policy     *config.PolicyHolder          `optional:"true"`
	Metrics    *obsmetrics.ReconcilerMetrics `optional:"true"`
	Config     Config                        `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	ledger     purchasedomain.Ledger
	reconciler reconciledomain.Service
	policy     *config.PolicyHolder
	metrics    *obsmetrics.ReconcilerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Ledger == nil || p.Reconciler == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	m := p.Metrics
	if m == nil {
		m = obsmetrics.Reconciler()
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		ledger:     p.Ledger,
		reconciler: p.Reconciler,
		policy:     p.Policy,
		metrics:    m,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout: the next run picks up where this one stopped.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(ctx context.Context) error {
	return s.runJob(ctx, JobPendingPurchases, s.cfg.BatchSize, s.cfg.JobTimeout, s.PendingPurchasesJob)
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PendingPurchasesJob verifies PENDING purchases that already carry a gateway
// reference and are old enough that their callback is overdue.
func (s *Scheduler) PendingPurchasesJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	now := s.clock.Now().UTC()
	minAge := s.minAge()

	purchases, err := s.ledger.ListPendingWithReference(ctx, now.Add(-minAge), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	s.metrics.SetBacklog(len(purchases))
	s.markPolled(ctx, purchases, now)

	var errs error
	for _, p := range purchases {
		if err := ctx.Err(); err != nil {
			return errors.Join(errs, err)
		}
		if err := guard.EnsurePurchaseCanBePolled(p.Status, p.Reference(), p.CreatedAt, now, minAge); err != nil {
			s.logger(ctx).Debug("scheduler.purchase.skipped",
				zap.String("purchase_id", p.ID.String()),
				zap.String("reason", err.Error()),
			)
			continue
		}

		out, err := s.reconciler.VerifyPurchase(ctx, p)
		if err != nil {
			s.metrics.IncProcessed(obsmetrics.ReconcileOutcomeError)
			s.logSchedulerError(ctx, run, "scheduler.purchase.verify_failed", JobPendingPurchases, p.ID, err)
			errs = errors.Join(errs, err)
			continue
		}
		run.AddProcessed(1)
		s.metrics.IncProcessed(outcomeLabel(out.Action))
		s.logPurchaseVerified(ctx, p, out)
	}
	return errs
}

// markPolled rotates the batch to the back of the queue so purchases that
// stay pending do not starve newer ones.
func (s *Scheduler) markPolled(ctx context.Context, purchases []*purchasedomain.Purchase, now time.Time) {
	if len(purchases) == 0 {
		return
	}
	ids := make([]snowflake.ID, 0, len(purchases))
	for _, p := range purchases {
		ids = append(ids, p.ID)
	}
	if err := s.ledger.MarkPolled(ctx, ids, now); err != nil {
		s.logger(ctx).Warn("scheduler.purchase.mark_polled_failed",
			zap.Int("count", len(ids)),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) minAge() time.Duration {
	if s.policy != nil {
		if age := s.policy.Get().PollMinAge; age > 0 {
			return age
		}
	}
	return s.cfg.MinAge
}

func outcomeLabel(action reconciledomain.Action) string {
	switch action {
	case reconciledomain.ActionCompleted:
		return obsmetrics.ReconcileOutcomeCompleted
	case reconciledomain.ActionFailed, reconciledomain.ActionDuplicateCompletion:
		return obsmetrics.ReconcileOutcomeFailed
	case reconciledomain.ActionPending, reconciledomain.ActionVerificationFailed:
		return obsmetrics.ReconcileOutcomePending
	default:
		return obsmetrics.ReconcileOutcomeNoop
	}
}
