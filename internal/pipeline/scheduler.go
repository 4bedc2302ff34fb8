package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"landscape/internal/config"
	"landscape/internal/store"
)

// recoveryGrace is how stale a running phase or processing item must be at
// boot before it is treated as orphaned by a dead process.
const recoveryGrace = 5 * time.Minute

// Scheduler starts the daily run for each configured project and performs
// boot-time restart recovery.
type Scheduler struct {
	deps *Deps
	orch *Orchestrator
	log  *zap.Logger
}

// NewScheduler builds the scheduler.
func NewScheduler(deps *Deps, orch *Orchestrator) *Scheduler {
	return &Scheduler{deps: deps, orch: orch, log: deps.Logger.Named("scheduler")}
}

// Run ticks once a minute and fires the daily starts at the configured UTC
// hour. The coordinator-lock check keeps a long tick or a restart from
// double-starting a day.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.UTC().Hour() != s.deps.Cfg.Scheduler.DailyHourUTC {
				continue
			}
			s.StartDue(ctx)
		}
	}
}

// StartDue starts today's run for every scheduled project that does not have
// one yet.
func (s *Scheduler) StartDue(ctx context.Context) {
	period := time.Now().UTC().Format("2006-01-02")

	for _, project := range s.deps.Cfg.Scheduler.Projects {
		if _, err := s.deps.Store.GetCoordinatorLock(ctx, project, period); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			s.log.Warn("failed to check coordinator lock",
				zap.String("project", project), zap.Error(err))
			continue
		}

		runID := uuid.NewString()
		won, err := s.deps.Store.AcquireCoordinatorLock(ctx, project, period, runID)
		if err != nil {
			s.log.Warn("failed to acquire coordinator lock",
				zap.String("project", project), zap.Error(err))
			continue
		}
		if !won {
			continue
		}

		if _, err := s.orch.StartWithID(ctx, runID, config.RunConfig{
			Project:    project,
			PeriodDate: period,
		}); err != nil {
			s.log.Error("failed to start scheduled run",
				zap.String("project", project), zap.Error(err))
			continue
		}
		s.log.Info("scheduled run started",
			zap.String("project", project),
			zap.String("period", period),
			zap.String("run_id", runID))
		s.orch.ExecuteAsync(runID)
	}
}

// Recover resumes work stranded by a process restart: stale running phases
// go back to pending, stale processing items back to queued, and every
// non-terminal run is re-executed. Every item ends accounted for exactly
// once because phase claims and item claims are both store-serialized.
func (s *Scheduler) Recover(ctx context.Context) error {
	st := s.deps.Store

	for _, status := range []store.RunStatus{store.RunRunning, store.RunPending} {
		runs, err := st.ListPipelineRuns(ctx, status)
		if err != nil {
			return err
		}
		for _, run := range runs {
			phases, err := st.ResetStalePhases(ctx, run.ID, recoveryGrace)
			if err != nil {
				return err
			}
			items, err := st.ResetStaleWorkItems(ctx, run.ID, recoveryGrace)
			if err != nil {
				return err
			}
			if len(phases) > 0 || items > 0 {
				st.AppendEvent(ctx, run.ID, "restart_recovery", "", map[string]any{
					"phases_reset": phases,
					"items_reset":  items,
				})
				s.log.Info("restart recovery",
					zap.String("run_id", run.ID),
					zap.Strings("phases_reset", phases),
					zap.Int("items_reset", items))
			}
			s.orch.ExecuteAsync(run.ID)
		}
	}
	return nil
}
