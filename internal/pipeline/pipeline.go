// Package pipeline drives multi-phase analytics runs: the orchestrator
// walks the phase DAG, workers fan out over work items, the coordinator
// turns provider webhooks into exactly-one pipeline start per (project,
// day), and the watchdog keeps long runs honest.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"landscape/internal/breaker"
	"landscape/internal/cache"
	"landscape/internal/config"
	"landscape/internal/providers"
	"landscape/internal/quota"
	"landscape/internal/retry"
	"landscape/internal/store"
)

// Deps bundles everything workers need. Collaborators are interfaces so
// tests swap in fakes.
type Deps struct {
	Store    *store.Store
	Cache    cache.Cache
	Breakers *breaker.Registry
	Quota    *quota.Manager
	Cfg      *config.Config
	Logger   *zap.Logger

	KeywordData providers.KeywordDataClient
	Search      providers.SearchClient
	Company     providers.CompanyClient
	Video       providers.VideoClient
	Scraper     providers.ScraperClient
	LLM         providers.LLMClient
}

// RunContext is the per-run view handed to each phase worker.
type RunContext struct {
	Run    *store.PipelineRun
	Config config.RunConfig
	Deps   *Deps
	Logger *zap.Logger
}

// BlockedError signals that a phase yielded on an external condition (quota
// reset, awaited webhooks) and should move to blocked instead of failed.
type BlockedError struct {
	Reason   string
	ResumeAt time.Time
}

func (e *BlockedError) Error() string {
	if e.ResumeAt.IsZero() {
		return e.Reason
	}
	return fmt.Sprintf("%s (resume at %s)", e.Reason, e.ResumeAt.Format(time.RFC3339))
}

// blockedPayload is stored on a blocked phase row so the watchdog knows
// when to unblock it.
type blockedPayload struct {
	Reason   string     `json:"reason"`
	ResumeAt *time.Time `json:"resume_at,omitempty"`
}

// runConfigOf decodes the run's persisted config snapshot over the process
// defaults.
func runConfigOf(cfg *config.Config, run *store.PipelineRun) config.RunConfig {
	rc := cfg.Run
	if run.Config != "" {
		var snap config.RunConfig
		if err := json.Unmarshal([]byte(run.Config), &snap); err == nil {
			rc = config.MergeRun(rc, snap)
		}
	}
	return rc
}

// itemOutcome is the per-item verdict a handler returns through its error:
// nil completes the item, a BlockedError requeues it and yields the phase,
// anything else fails the item (absorbed, not fatal).
type itemStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

func (s itemStats) completedRatio() float64 {
	if s.Total == 0 {
		return 1
	}
	return float64(s.Completed) / float64(s.Total)
}

// processItems enqueues ids as work items for (run, phase) and drains the
// queue with bounded concurrency. Item-level errors are absorbed into the
// work_items table; a BlockedError from the handler requeues the item and
// yields the whole phase.
func processItems(ctx context.Context, rc *RunContext, phase, kind string, ids []string, concurrency int, handler func(ctx context.Context, itemID string) error) (itemStats, error) {
	st := rc.Deps.Store
	runID := rc.Run.ID

	if err := st.EnqueueWorkItems(ctx, runID, phase, kind, ids); err != nil {
		return itemStats{}, err
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	var yielded *BlockedError
	for yielded == nil {
		if err := ctx.Err(); err != nil {
			return statsFor(ctx, rc, phase)
		}
		claimed, err := st.ClaimWorkItems(ctx, runID, phase, concurrency*4)
		if err != nil {
			return itemStats{}, err
		}
		if len(claimed) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for _, id := range claimed {
			g.Go(func() error {
				err := handler(gctx, id)
				switch {
				case err == nil:
					return st.CompleteWorkItem(gctx, runID, phase, id)
				case isBlocked(err):
					if rerr := st.RequeueWorkItem(context.WithoutCancel(gctx), runID, phase, id); rerr != nil {
						return rerr
					}
					return err
				case gctx.Err() != nil:
					// Cancellation: hand the item back untouched.
					return st.RequeueWorkItem(context.WithoutCancel(gctx), runID, phase, id)
				default:
					return st.FailWorkItem(gctx, runID, phase, id, err.Error())
				}
			})
		}
		if err := g.Wait(); err != nil {
			var be *BlockedError
			if asBlocked(err, &be) {
				yielded = be
				break
			}
			return itemStats{}, err
		}
		if err := st.TouchPhase(ctx, runID, phase); err != nil {
			rc.Logger.Debug("failed to touch phase", zap.Error(err))
		}
	}

	stats, err := statsFor(ctx, rc, phase)
	if err != nil {
		return stats, err
	}
	if yielded != nil {
		return stats, yielded
	}
	return stats, nil
}

func statsFor(ctx context.Context, rc *RunContext, phase string) (itemStats, error) {
	counts, err := rc.Deps.Store.WorkItemCounts(context.WithoutCancel(ctx), rc.Run.ID, phase)
	if err != nil {
		return itemStats{}, err
	}
	return itemStats{
		Total:     counts.Total(),
		Completed: counts.Completed,
		Failed:    counts.Failed,
		Remaining: counts.Queued + counts.Processing,
	}, nil
}

func isBlocked(err error) bool {
	var be *BlockedError
	return asBlocked(err, &be)
}

func asBlocked(err error, target **BlockedError) bool {
	for err != nil {
		if be, ok := err.(*BlockedError); ok {
			*target = be
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// guarded wraps an outbound provider call in the service's circuit breaker
// and the standard retry budget. When the breaker is open the error is
// marked permanent so the retry loop fails fast instead of hammering a
// tripped service; the breaker's cool-down decides when calls resume.
func guarded(ctx context.Context, d *Deps, service, name string, op func(ctx context.Context) error) error {
	cfg := retry.Config{
		MaxAttempts: d.Cfg.Retry.MaxAttempts,
		BaseDelay:   d.Cfg.Retry.BaseDelay,
		MaxDelay:    d.Cfg.Retry.MaxDelay,
		Jitter:      0.2,
		Logger:      d.Logger,
	}
	return retry.Do(ctx, cfg, name, func(ctx context.Context) error {
		err := d.Breakers.Do(ctx, service, op)
		if err != nil && d.Breakers.StateOf(service) == breaker.Open {
			return retry.Permanent(err)
		}
		return err
	})
}
