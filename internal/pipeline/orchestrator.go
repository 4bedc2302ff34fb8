package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"landscape/internal/config"
	"landscape/internal/store"
)

// Service names used for breakers and quota accounting.
const (
	ServiceSearch      = "search"
	ServiceKeywordData = "keyword_data"
	ServiceCompany     = "company"
	ServiceVideo       = "video"
	ServiceScraper     = "scraper"
	ServiceLLM         = "llm"
)

// cancelGrace is how long running phases get to wind down after a cancel.
const cancelGrace = 30 * time.Second

// phaseWorker runs one phase to completion and returns its result payload.
type phaseWorker func(ctx context.Context, rc *RunContext) (any, error)

// Orchestrator owns run execution: it creates runs, walks the phase DAG with
// bounded parallelism, and records every transition in the store.
type Orchestrator struct {
	deps    *Deps
	log     *zap.Logger
	workers map[string]phaseWorker

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewOrchestrator wires the standard phase workers.
func NewOrchestrator(deps *Deps) *Orchestrator {
	o := &Orchestrator{
		deps:   deps,
		log:    deps.Logger.Named("orchestrator"),
		active: map[string]context.CancelFunc{},
	}
	o.workers = map[string]phaseWorker{
		store.PhaseKeywordMetrics:    runKeywordMetrics,
		store.PhaseSERPCollection:    runSERPCollection,
		store.PhaseCompanyEnrichment: runCompanyEnrichment,
		store.PhaseVideoEnrichment:   runVideoEnrichment,
		store.PhaseContentScraping:   runContentScraping,
		store.PhaseContentAnalysis:   runContentAnalysis,
		store.PhaseYouTubeEnrichment: runYouTubeEnrichment,
		store.PhaseDSICalculation:    runDSICalculation,
	}
	return o
}

// Start creates a new pending run with one phase row per known phase. The
// effective config snapshot (defaults overlaid with the request) is persisted
// on the run so later resumes see the same settings.
func (o *Orchestrator) Start(ctx context.Context, overrides config.RunConfig) (*store.PipelineRun, error) {
	return o.StartWithID(ctx, uuid.NewString(), overrides)
}

// StartWithID creates a run under a caller-chosen id; the coordinator uses
// this so the run id in the coordinator lock matches the run it creates.
func (o *Orchestrator) StartWithID(ctx context.Context, id string, overrides config.RunConfig) (*store.PipelineRun, error) {
	rc := config.MergeRun(o.deps.Cfg.Run, overrides)
	if rc.Project == "" {
		return nil, fmt.Errorf("run requires a project")
	}
	if rc.PeriodDate == "" {
		rc.PeriodDate = time.Now().UTC().Format("2006-01-02")
	}

	snapshot, err := json.Marshal(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run config: %w", err)
	}

	run := &store.PipelineRun{
		ID:         id,
		Project:    rc.Project,
		PeriodDate: rc.PeriodDate,
		Mode:       rc.Mode,
		Status:     store.RunPending,
		Config:     string(snapshot),
	}
	if err := o.deps.Store.CreatePipelineRun(ctx, run, store.PhaseOrder); err != nil {
		return nil, err
	}
	if err := o.deps.Store.AppendEvent(ctx, run.ID, "run_created", "pipeline run created", map[string]string{
		"project": rc.Project,
		"period":  rc.PeriodDate,
		"mode":    rc.Mode,
	}); err != nil {
		o.log.Warn("failed to record run_created event", zap.Error(err))
	}
	return run, nil
}

// ExecuteAsync runs Execute in a goroutine. It is a no-op when the run is
// already executing in this process.
func (o *Orchestrator) ExecuteAsync(runID string) {
	o.mu.Lock()
	if _, running := o.active[runID]; running {
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.active[runID] = cancel
	o.mu.Unlock()

	go func() {
		defer o.release(runID)
		if err := o.Execute(ctx, runID); err != nil {
			o.log.Error("run execution ended with error",
				zap.String("run_id", runID), zap.Error(err))
		}
	}()
}

func (o *Orchestrator) release(runID string) {
	o.mu.Lock()
	if cancel, ok := o.active[runID]; ok {
		cancel()
		delete(o.active, runID)
	}
	o.mu.Unlock()
}

// Executing reports whether the run is live in this process.
func (o *Orchestrator) Executing(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[runID]
	return ok
}

// Execute drives a run until every phase is terminal, a critical phase
// fails, a phase yields blocked, or the context is cancelled. It is safe to
// call again on a partially-executed run: terminal phases are not re-run.
func (o *Orchestrator) Execute(ctx context.Context, runID string) error {
	st := o.deps.Store

	run, err := st.GetPipelineRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	if err := st.UpdateRunStatus(ctx, runID, store.RunRunning); err != nil {
		return err
	}

	cfg := runConfigOf(o.deps.Cfg, run)
	log := o.log.With(zap.String("run_id", runID), zap.String("project", run.Project))
	rc := &RunContext{Run: run, Config: cfg, Deps: o.deps, Logger: log}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cur, err := st.GetPipelineRun(ctx, runID)
		if err != nil {
			return err
		}
		if cur.Status == store.RunCancelled {
			log.Info("run cancelled, stopping execution")
			return nil
		}

		phases, err := st.ListPhases(ctx, runID)
		if err != nil {
			return err
		}

		// Disabled phases skip straight to terminal.
		skipped := false
		for _, p := range phases {
			if p.Status == store.PhasePending && !cfg.PhaseEnabled(p.Phase) {
				if err := st.TransitionPhase(ctx, runID, p.Phase,
					[]store.PhaseStatus{store.PhasePending}, store.PhaseSkipped, ""); err != nil {
					return err
				}
				log.Info("phase disabled, skipped", zap.String("phase", p.Phase))
				skipped = true
			}
		}
		if skipped {
			continue
		}

		if allTerminal(phases) {
			if err := st.UpdateRunStatus(ctx, runID, store.RunCompleted); err != nil {
				return err
			}
			st.AppendEvent(ctx, runID, "run_completed", "all phases terminal", nil)
			log.Info("run completed")
			return nil
		}
		if anyStatus(phases, store.PhaseFailed) {
			if err := st.UpdateRunStatus(ctx, runID, store.RunFailed); err != nil {
				return err
			}
			st.AppendEvent(ctx, runID, "run_failed", "critical phase failed", nil)
			log.Warn("run failed")
			return nil
		}

		ready := readyPhases(phases)
		if len(ready) == 0 {
			if anyStatus(phases, store.PhaseBlocked) {
				st.AppendEvent(ctx, runID, "run_yielded", "waiting on blocked phases", nil)
				log.Info("run yielded on blocked phases")
				return nil
			}
			// Nothing runnable and nothing blocked: the DAG cannot make
			// progress (should not happen with a well-formed phase set).
			return fmt.Errorf("run %s has no runnable phases and none blocked", runID)
		}
		if cfg.GlobalFanOut > 0 && len(ready) > cfg.GlobalFanOut {
			ready = ready[:cfg.GlobalFanOut]
		}

		var wg sync.WaitGroup
		for _, phase := range ready {
			wg.Add(1)
			go func() {
				defer wg.Done()
				o.runPhase(ctx, rc, phase)
			}()
		}
		wg.Wait()
	}
}

// runPhase claims, executes, and settles one phase. Outcomes are recorded on
// the phase row; failures of non-critical phases auto-skip.
func (o *Orchestrator) runPhase(ctx context.Context, rc *RunContext, phase string) {
	st := o.deps.Store
	runID := rc.Run.ID
	log := rc.Logger.With(zap.String("phase", phase))

	err := st.TransitionPhase(ctx, runID, phase,
		[]store.PhaseStatus{store.PhasePending, store.PhaseBlocked}, store.PhaseRunning, "")
	if err != nil {
		// Lost the claim to another executor; not an error.
		log.Debug("phase claim lost", zap.Error(err))
		return
	}
	st.AppendEvent(ctx, runID, "phase_started", phase, nil)
	log.Info("phase started")

	pctx := ctx
	if minutes := rc.Config.TimeoutFor(phase); minutes > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, time.Duration(minutes)*time.Minute)
		defer cancel()
	}

	worker, ok := o.workers[phase]
	if !ok {
		o.settleFailure(ctx, rc, phase, fmt.Errorf("no worker registered for phase %s", phase))
		return
	}

	payload, err := worker(pctx, rc)
	// Settlement must land even when the phase context expired.
	sctx := context.WithoutCancel(ctx)

	var be *BlockedError
	switch {
	case err == nil:
		if payload != nil {
			if perr := st.SetPhaseResult(sctx, runID, phase, payload); perr != nil {
				log.Warn("failed to store phase result", zap.Error(perr))
			}
			if data, jerr := json.Marshal(payload); jerr == nil {
				st.SetPhaseResultPayload(sctx, runID, phase, string(data))
			}
		}
		if terr := st.TransitionPhase(sctx, runID, phase,
			[]store.PhaseStatus{store.PhaseRunning}, store.PhaseCompleted, ""); terr != nil {
			log.Warn("failed to complete phase", zap.Error(terr))
			return
		}
		st.AppendEvent(sctx, runID, "phase_completed", phase, payload)
		log.Info("phase completed")

	case asBlocked(err, &be):
		bp := blockedPayload{Reason: be.Reason}
		if !be.ResumeAt.IsZero() {
			t := be.ResumeAt.UTC()
			bp.ResumeAt = &t
		}
		if data, jerr := json.Marshal(bp); jerr == nil {
			st.SetPhaseResultPayload(sctx, runID, phase, string(data))
		}
		if terr := st.TransitionPhase(sctx, runID, phase,
			[]store.PhaseStatus{store.PhaseRunning}, store.PhaseBlocked, be.Reason); terr != nil {
			log.Warn("failed to block phase", zap.Error(terr))
			return
		}
		st.AppendEvent(sctx, runID, "phase_blocked", phase, bp)
		log.Info("phase blocked", zap.String("reason", be.Reason), zap.Time("resume_at", be.ResumeAt))

	case errors.Is(pctx.Err(), context.DeadlineExceeded):
		o.settleFailure(sctx, rc, phase, fmt.Errorf("phase timed out: %w", err))

	case ctx.Err() != nil:
		// Cancelled run: hand the phase back so a resume can pick it up.
		if terr := st.TransitionPhase(sctx, runID, phase,
			[]store.PhaseStatus{store.PhaseRunning}, store.PhasePending, ""); terr != nil {
			log.Warn("failed to release phase after cancel", zap.Error(terr))
		}
		log.Info("phase released after cancel")

	default:
		o.settleFailure(sctx, rc, phase, err)
	}
}

func (o *Orchestrator) settleFailure(ctx context.Context, rc *RunContext, phase string, err error) {
	st := o.deps.Store
	runID := rc.Run.ID
	log := rc.Logger.With(zap.String("phase", phase))

	st.AppendRunError(ctx, runID, fmt.Sprintf("%s: %v", phase, err))

	if nonCriticalPhases[phase] {
		if terr := st.TransitionPhase(ctx, runID, phase,
			[]store.PhaseStatus{store.PhaseRunning}, store.PhaseSkipped, ""); terr != nil {
			log.Warn("failed to auto-skip phase", zap.Error(terr))
			return
		}
		st.AppendEvent(ctx, runID, "phase_auto_skipped", phase, map[string]string{"error": err.Error()})
		log.Warn("non-critical phase failed, auto-skipped", zap.Error(err))
		return
	}

	if terr := st.TransitionPhase(ctx, runID, phase,
		[]store.PhaseStatus{store.PhaseRunning}, store.PhaseFailed, err.Error()); terr != nil {
		log.Warn("failed to fail phase", zap.Error(terr))
		return
	}
	st.AppendEvent(ctx, runID, "phase_failed", phase, map[string]string{"error": err.Error()})
	log.Error("phase failed", zap.Error(err))
}

// Resume returns a failed or yielded run to execution: failed and blocked
// phases go back to pending (terminal phases are untouched), stranded work
// items are re-queued, and execution restarts.
func (o *Orchestrator) Resume(ctx context.Context, runID string) error {
	st := o.deps.Store

	if err := st.ResumeRun(ctx, runID); err != nil {
		return err
	}
	phases, err := st.ListPhases(ctx, runID)
	if err != nil {
		return err
	}
	for _, p := range phases {
		if p.Status == store.PhaseFailed || p.Status == store.PhaseBlocked {
			if err := st.TransitionPhase(ctx, runID, p.Phase,
				[]store.PhaseStatus{p.Status}, store.PhasePending, ""); err != nil {
				return err
			}
		}
	}
	if _, err := st.ResetStaleWorkItems(ctx, runID, 0); err != nil {
		return err
	}
	st.AppendEvent(ctx, runID, "run_resumed", "", nil)
	o.ExecuteAsync(runID)
	return nil
}

// Cancel marks the run cancelled, stops launching new phases immediately,
// and gives running phases a grace window before their contexts are cut.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	if err := o.deps.Store.UpdateRunStatus(ctx, runID, store.RunCancelled); err != nil {
		return err
	}
	o.deps.Store.AppendEvent(ctx, runID, "run_cancelled", "", nil)

	o.mu.Lock()
	cancel, live := o.active[runID]
	o.mu.Unlock()
	if live {
		time.AfterFunc(cancelGrace, cancel)
	}
	return nil
}

// flexibleThresholds is the minimum completed ratio force-complete accepts
// per phase. Phases without an entry use the default.
var flexibleThresholds = map[string]float64{
	store.PhaseVideoEnrichment: 0.5,
	store.PhaseContentScraping: 0.9,
	store.PhaseContentAnalysis: 0.9,
}

const defaultFlexibleThreshold = 0.9

func thresholdFor(phase string) float64 {
	if t, ok := flexibleThresholds[phase]; ok {
		return t
	}
	return defaultFlexibleThreshold
}

// ForceCompletePhase marks a non-terminal phase completed when enough of its
// work items have finished, leaving the remainder unprocessed. Used by
// operators (and the watchdog) to unstick runs that have done enough.
func (o *Orchestrator) ForceCompletePhase(ctx context.Context, runID, phase string) error {
	st := o.deps.Store

	row, err := st.GetPhase(ctx, runID, phase)
	if err != nil {
		return err
	}
	if row.Status.Terminal() {
		return fmt.Errorf("phase %s is already terminal", phase)
	}

	counts, err := st.WorkItemCounts(ctx, runID, phase)
	if err != nil {
		return err
	}
	stats := itemStats{
		Total:     counts.Total(),
		Completed: counts.Completed,
		Failed:    counts.Failed,
		Remaining: counts.Queued + counts.Processing,
	}
	if ratio, want := stats.completedRatio(), thresholdFor(phase); ratio < want {
		return fmt.Errorf("phase %s at %.0f%% complete, below the %.0f%% force-complete floor",
			phase, ratio*100, want*100)
	}

	if err := st.TransitionPhase(ctx, runID, phase,
		[]store.PhaseStatus{store.PhasePending, store.PhaseRunning, store.PhaseBlocked, store.PhaseFailed},
		store.PhaseCompleted, ""); err != nil {
		return err
	}
	payload := map[string]any{"forced": true, "items": stats}
	st.SetPhaseResult(ctx, runID, phase, payload)
	if data, err := json.Marshal(payload); err == nil {
		st.SetPhaseResultPayload(ctx, runID, phase, string(data))
	}
	st.AppendEvent(ctx, runID, "phase_force_completed", phase, stats)

	// The run may now be able to make progress again.
	o.ExecuteAsync(runID)
	return nil
}
