package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"landscape/internal/config"
	"landscape/internal/serp"
	"landscape/internal/store"
)

// Coordinator turns provider batch webhooks into exactly one pipeline start
// per (project, day). Webhooks are cheap to acknowledge: recording the
// received batch is synchronous, everything else happens on Evaluate.
type Coordinator struct {
	deps *Deps
	orch *Orchestrator
	log  *zap.Logger

	// pending tracks (project, period) pairs with outstanding expectations so
	// the watchdog can re-evaluate cutoffs without a new webhook.
	mu      sync.Mutex
	pending map[string]struct{}
}

// NewCoordinator builds a coordinator bound to the orchestrator.
func NewCoordinator(deps *Deps, orch *Orchestrator) *Coordinator {
	return &Coordinator{
		deps:    deps,
		orch:    orch,
		log:     deps.Logger.Named("coordinator"),
		pending: map[string]struct{}{},
	}
}

// HandleWebhook records a completed batch and evaluates whether the
// project's pipeline can start. Duplicate webhooks are harmless: the
// expectation upsert keeps the first received timestamp and the coordinator
// lock keeps the start exactly-once.
func (c *Coordinator) HandleWebhook(ctx context.Context, p *serp.WebhookPayload) error {
	project, period, err := ParseBatchName(p.Batch.Name)
	if err != nil {
		return err
	}
	ct, err := serp.ContentTypeFromBatchName(p.Batch.Name)
	if err != nil {
		return err
	}

	if err := c.deps.Store.MarkExpectationReceived(ctx, project, period, ct,
		p.Batch.ID, p.ResultSet.ID, p.DownloadLinksJSON()); err != nil {
		return err
	}
	c.deps.Store.AppendEvent(ctx, "", "serp_batch_received", p.Batch.Name, map[string]any{
		"batch_id":           p.Batch.ID,
		"result_set_id":      p.ResultSet.ID,
		"searches_completed": p.ResultSet.SearchesCompleted,
		"searches_failed":    p.ResultSet.SearchesFailed,
	})
	c.log.Info("serp batch received",
		zap.String("project", project),
		zap.String("period", period),
		zap.String("content_type", string(ct)),
		zap.String("batch_id", p.Batch.ID))

	c.track(project, period)
	return c.Evaluate(ctx, project, period)
}

// Evaluate decides, for one (project, period), whether enough batches have
// arrived: all expected received, or the cutoff window since the first
// arrival has lapsed. When the gate opens it starts (or unblocks) the run.
func (c *Coordinator) Evaluate(ctx context.Context, project, period string) error {
	st := c.deps.Store

	expectations, err := st.ListExpectations(ctx, project, period)
	if err != nil {
		return err
	}
	if len(expectations) == 0 {
		return nil
	}

	var (
		missing       []string
		firstReceived time.Time
	)
	for _, exp := range expectations {
		if !exp.Received {
			missing = append(missing, string(exp.ContentType))
			continue
		}
		if exp.ReceivedAt != nil && (firstReceived.IsZero() || exp.ReceivedAt.Before(firstReceived)) {
			firstReceived = *exp.ReceivedAt
		}
	}
	if firstReceived.IsZero() {
		return nil
	}
	if len(missing) > 0 {
		cutoffMinutes := c.deps.Cfg.Run.SerpCoordinatorCutoffMinutes
		if time.Now().Before(firstReceived.Add(time.Duration(cutoffMinutes) * time.Minute)) {
			return nil
		}
		c.log.Warn("cutoff lapsed with batches missing",
			zap.String("project", project),
			zap.String("period", period),
			zap.Strings("missing", missing))
	}

	c.untrack(project, period)
	return c.dispatch(ctx, project, period)
}

// dispatch starts the run behind the coordinator lock, or pokes the existing
// run when another webhook (or a restart) got there first.
func (c *Coordinator) dispatch(ctx context.Context, project, period string) error {
	st := c.deps.Store

	if lock, err := st.GetCoordinatorLock(ctx, project, period); err == nil {
		return c.unblock(ctx, lock.RunID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if !c.deps.Cfg.Run.WebhookStarts() {
		c.log.Info("batches complete, webhook start disabled",
			zap.String("project", project), zap.String("period", period))
		return nil
	}

	runID := uuid.NewString()
	won, err := st.AcquireCoordinatorLock(ctx, project, period, runID)
	if err != nil {
		return err
	}
	if !won {
		lock, err := st.GetCoordinatorLock(ctx, project, period)
		if err != nil {
			return err
		}
		return c.unblock(ctx, lock.RunID)
	}

	// Webhook-started runs already have their SERP data collected upstream;
	// keyword metrics belong to the scheduled daily run.
	if _, err := c.orch.StartWithID(ctx, runID, config.RunConfig{
		Project:    project,
		PeriodDate: period,
		EnabledPhases: map[string]bool{
			config.PhaseKeywordMetrics: false,
		},
	}); err != nil {
		return fmt.Errorf("failed to start run for %s/%s: %w", project, period, err)
	}
	c.log.Info("pipeline started from webhooks",
		zap.String("project", project),
		zap.String("period", period),
		zap.String("run_id", runID))
	c.orch.ExecuteAsync(runID)
	return nil
}

// unblock resumes a run whose serp phase yielded waiting for webhooks.
func (c *Coordinator) unblock(ctx context.Context, runID string) error {
	st := c.deps.Store

	run, err := st.GetPipelineRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		// The lock winner has not finished creating the run yet; it will
		// execute it itself.
		return nil
	}
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	phase, err := st.GetPhase(ctx, runID, store.PhaseSERPCollection)
	if err != nil {
		return err
	}
	if phase.Status == store.PhaseBlocked {
		if err := st.TransitionPhase(ctx, runID, store.PhaseSERPCollection,
			[]store.PhaseStatus{store.PhaseBlocked}, store.PhasePending, ""); err != nil {
			return err
		}
		c.log.Info("serp collection unblocked by webhook", zap.String("run_id", runID))
	}
	c.orch.ExecuteAsync(runID)
	return nil
}

// Sweep re-evaluates every tracked (project, period) pair; the watchdog
// calls it so cutoffs fire even when the missing webhook never arrives.
func (c *Coordinator) Sweep(ctx context.Context) {
	c.mu.Lock()
	keys := make([]string, 0, len(c.pending))
	for k := range c.pending {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	for _, k := range keys {
		project, period, ok := splitKey(k)
		if !ok {
			continue
		}
		if err := c.Evaluate(ctx, project, period); err != nil {
			c.log.Warn("coordinator evaluation failed",
				zap.String("project", project), zap.String("period", period), zap.Error(err))
		}
	}
}

// track registers a (project, period) for cutoff sweeps. Registration
// happens on webhook receipt, which is also when the cutoff clock starts;
// a pair with no webhooks yet has nothing for a sweep to evaluate.
func (c *Coordinator) track(project, period string) {
	c.mu.Lock()
	c.pending[project+"\x00"+period] = struct{}{}
	c.mu.Unlock()
}

func (c *Coordinator) untrack(project, period string) {
	c.mu.Lock()
	delete(c.pending, project+"\x00"+period)
	c.mu.Unlock()
}

func splitKey(k string) (project, period string, ok bool) {
	for i := 0; i < len(k); i++ {
		if k[i] == 0 {
			return k[:i], k[i+1:], true
		}
	}
	return "", "", false
}
