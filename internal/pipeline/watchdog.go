package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"landscape/internal/store"
)

// Timeout actions per phase: cheap collection phases restart, fan-out phases
// keep whatever progress cleared the flexible floor, scoring escalates
// because a half-finished ranking is worse than none.
const (
	actionRestart  = "restart"
	actionComplete = "complete_with_progress"
	actionEscalate = "escalate"
)

var timeoutActions = map[string]string{
	store.PhaseKeywordMetrics:    actionRestart,
	store.PhaseSERPCollection:    actionRestart,
	store.PhaseCompanyEnrichment: actionRestart,
	store.PhaseVideoEnrichment:   actionComplete,
	store.PhaseContentScraping:   actionComplete,
	store.PhaseContentAnalysis:   actionComplete,
	store.PhaseYouTubeEnrichment: actionRestart,
	store.PhaseDSICalculation:    actionEscalate,
}

// maxRestartAttempts caps how often a timed-out phase is restarted before
// the watchdog escalates instead.
const maxRestartAttempts = 3

// A fan-out phase that stopped moving for stallGrace while nearly drained is
// completed with its progress instead of waiting out the full phase timeout.
const (
	stallGrace = 5 * time.Minute
	stallRatio = 0.95
)

// Run-age alert ladder.
var runAgeAlerts = []struct {
	age  time.Duration
	kind string
}{
	{24 * time.Hour, "run_stuck"},
	{12 * time.Hour, "run_very_slow"},
	{6 * time.Hour, "run_slow"},
}

// Watchdog sweeps running pipelines: it unblocks phases whose wait has
// lapsed, applies per-phase timeout handling, raises age alerts, and keeps
// the coordinator's cutoff clocks ticking.
type Watchdog struct {
	deps  *Deps
	orch  *Orchestrator
	coord *Coordinator
	log   *zap.Logger
}

// NewWatchdog builds a watchdog over the orchestrator and coordinator.
func NewWatchdog(deps *Deps, orch *Orchestrator, coord *Coordinator) *Watchdog {
	return &Watchdog{
		deps:  deps,
		orch:  orch,
		coord: coord,
		log:   deps.Logger.Named("watchdog"),
	}
}

// Run sweeps on the configured interval until the context ends.
func (w *Watchdog) Run(ctx context.Context) {
	interval := w.deps.Cfg.Scheduler.WatchdogInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep performs one pass over all running pipelines.
func (w *Watchdog) Sweep(ctx context.Context) {
	if w.coord != nil {
		w.coord.Sweep(ctx)
	}

	runs, err := w.deps.Store.ListPipelineRuns(ctx, store.RunRunning)
	if err != nil {
		w.log.Warn("failed to list running pipelines", zap.Error(err))
		return
	}
	for _, run := range runs {
		if err := w.sweepRun(ctx, run); err != nil {
			w.log.Warn("sweep failed for run",
				zap.String("run_id", run.ID), zap.Error(err))
		}
	}
}

func (w *Watchdog) sweepRun(ctx context.Context, run *store.PipelineRun) error {
	st := w.deps.Store
	cfg := runConfigOf(w.deps.Cfg, run)
	log := w.log.With(zap.String("run_id", run.ID))

	w.alertOnAge(ctx, run)

	phases, err := st.ListPhases(ctx, run.ID)
	if err != nil {
		return err
	}

	actionable := false
	for _, p := range phases {
		switch p.Status {
		case store.PhaseBlocked:
			if w.unblockIfDue(ctx, run.ID, p) {
				actionable = true
			}

		case store.PhaseRunning:
			// A phase live in this process is the orchestrator's to settle;
			// the watchdog only takes over rows nothing is driving.
			if w.orch.Executing(run.ID) {
				continue
			}
			if w.completeOnStall(ctx, run.ID, p, log) {
				actionable = true
				continue
			}
			minutes := cfg.TimeoutFor(p.Phase)
			if minutes <= 0 || p.StartedAt == nil {
				continue
			}
			if time.Since(*p.StartedAt) <= time.Duration(minutes)*time.Minute {
				continue
			}
			if w.handleTimeout(ctx, run.ID, p, log) {
				actionable = true
			}
		}
	}

	if actionable && !run.Status.Terminal() {
		w.orch.ExecuteAsync(run.ID)
	}
	return nil
}

// unblockIfDue moves a blocked phase back to pending once its recorded
// resume time has passed. Blocked phases without a resume time wait on an
// external push (coordinator webhook) instead of the clock.
func (w *Watchdog) unblockIfDue(ctx context.Context, runID string, p *store.PhaseStatusRow) bool {
	var bp blockedPayload
	if p.Result == "" || json.Unmarshal([]byte(p.Result), &bp) != nil {
		return false
	}
	if bp.ResumeAt == nil || time.Now().Before(*bp.ResumeAt) {
		return false
	}
	if err := w.deps.Store.TransitionPhase(ctx, runID, p.Phase,
		[]store.PhaseStatus{store.PhaseBlocked}, store.PhasePending, ""); err != nil {
		return false
	}
	w.deps.Store.AppendEvent(ctx, runID, "phase_unblocked", p.Phase, bp)
	w.log.Info("phase unblocked",
		zap.String("run_id", runID), zap.String("phase", p.Phase))
	return true
}

// phaseItemStats loads the phase's work-item breakdown.
func (w *Watchdog) phaseItemStats(ctx context.Context, runID, phase string) (itemStats, error) {
	counts, err := w.deps.Store.WorkItemCounts(ctx, runID, phase)
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

// completeWithProgress settles a running phase as completed, keeping the
// partial result. reason tags the persisted payload and log line.
func (w *Watchdog) completeWithProgress(ctx context.Context, runID string, p *store.PhaseStatusRow, stats itemStats, reason string, log *zap.Logger) bool {
	st := w.deps.Store
	if err := st.TransitionPhase(ctx, runID, p.Phase,
		[]store.PhaseStatus{store.PhaseRunning}, store.PhaseCompleted, ""); err != nil {
		return false
	}
	payload := map[string]any{reason: true, "items": stats}
	st.SetPhaseResult(ctx, runID, p.Phase, payload)
	if data, err := json.Marshal(payload); err == nil {
		st.SetPhaseResultPayload(ctx, runID, p.Phase, string(data))
	}
	st.AppendEvent(ctx, runID, "phase_completed_with_progress", p.Phase, stats)
	log.Info("phase completed with progress",
		zap.String("phase", p.Phase),
		zap.String("reason", reason),
		zap.Int("remaining", stats.Remaining))
	return true
}

// completeOnStall completes a nearly-drained fan-out phase whose work stopped
// moving, without waiting for the full phase timeout.
func (w *Watchdog) completeOnStall(ctx context.Context, runID string, p *store.PhaseStatusRow, log *zap.Logger) bool {
	if timeoutActions[p.Phase] != actionComplete {
		return false
	}
	if time.Since(p.UpdatedAt) < stallGrace {
		return false
	}
	stats, err := w.phaseItemStats(ctx, runID, p.Phase)
	if err != nil || stats.Total == 0 || stats.completedRatio() < stallRatio {
		return false
	}
	return w.completeWithProgress(ctx, runID, p, stats, "stalled", log)
}

// handleTimeout applies the phase's timeout action to an orphaned running
// row. Returns true when the run should be re-executed.
func (w *Watchdog) handleTimeout(ctx context.Context, runID string, p *store.PhaseStatusRow, log *zap.Logger) bool {
	st := w.deps.Store
	action := timeoutActions[p.Phase]

	if action == actionComplete {
		if stats, err := w.phaseItemStats(ctx, runID, p.Phase); err == nil &&
			stats.completedRatio() >= thresholdFor(p.Phase) {
			return w.completeWithProgress(ctx, runID, p, stats, "timed_out", log)
		}
		// Not enough progress to keep: fall through to a restart.
		action = actionRestart
	}

	if action == actionRestart && p.Attempts < maxRestartAttempts {
		if err := st.TransitionPhase(ctx, runID, p.Phase,
			[]store.PhaseStatus{store.PhaseRunning}, store.PhasePending, ""); err != nil {
			return false
		}
		st.ResetStaleWorkItems(ctx, runID, 0)
		st.AppendEvent(ctx, runID, "phase_timeout_restarted", p.Phase,
			map[string]int{"attempt": p.Attempts})
		log.Warn("phase restarted after timeout",
			zap.String("phase", p.Phase), zap.Int("attempts", p.Attempts))
		return true
	}

	// Escalate: out of restarts, or the phase never gets one.
	msg := fmt.Sprintf("timed out after %d attempts", p.Attempts)
	if err := st.TransitionPhase(ctx, runID, p.Phase,
		[]store.PhaseStatus{store.PhaseRunning}, store.PhaseFailed, msg); err != nil {
		return false
	}
	st.AppendRunError(ctx, runID, fmt.Sprintf("%s: %s", p.Phase, msg))
	st.AppendEvent(ctx, runID, "phase_timeout_escalated", p.Phase, nil)
	log.Error("phase escalated after timeout", zap.String("phase", p.Phase))
	return true
}

// alertOnAge emits the strongest applicable age alert once per run.
func (w *Watchdog) alertOnAge(ctx context.Context, run *store.PipelineRun) {
	start := run.CreatedAt
	if run.StartedAt != nil {
		start = *run.StartedAt
	}
	age := time.Since(start)

	for _, alert := range runAgeAlerts {
		if age < alert.age {
			continue
		}
		if w.eventExists(ctx, run.ID, alert.kind) {
			return
		}
		w.deps.Store.AppendEvent(ctx, run.ID, alert.kind,
			fmt.Sprintf("run age %s", age.Round(time.Minute)), nil)
		w.log.Warn("run age alert",
			zap.String("run_id", run.ID),
			zap.String("alert", alert.kind),
			zap.Duration("age", age))
		return
	}
}

func (w *Watchdog) eventExists(ctx context.Context, runID, kind string) bool {
	events, err := w.deps.Store.ListEvents(ctx, runID)
	if err != nil {
		return false
	}
	for _, e := range events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}
