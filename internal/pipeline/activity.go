package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"landscape/internal/store"
)

// RunStatusView is the control surface's run snapshot.
type RunStatusView struct {
	ID          string                     `json:"id"`
	Project     string                     `json:"project"`
	PeriodDate  string                     `json:"period_date"`
	Mode        string                     `json:"mode"`
	Status      store.RunStatus            `json:"status"`
	CreatedAt   time.Time                  `json:"created_at"`
	StartedAt   *time.Time                 `json:"started_at,omitempty"`
	CompletedAt *time.Time                 `json:"completed_at,omitempty"`
	Counters    store.Counters             `json:"counters"`
	Errors      []string                   `json:"errors,omitempty"`
	Phases      []PhaseView                `json:"phases"`
	Results     map[string]json.RawMessage `json:"phase_results,omitempty"`
}

// PhaseView is one phase's status plus its work-item breakdown.
type PhaseView struct {
	Phase       string            `json:"phase"`
	Status      store.PhaseStatus `json:"status"`
	Attempts    int               `json:"attempts"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	Items       ItemsView         `json:"items"`
}

// ItemsView is the per-status work-item breakdown.
type ItemsView struct {
	Total      int `json:"total"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Status assembles the full run view: run row, phase rows, and per-phase
// item counts.
func Status(ctx context.Context, d *Deps, runID string) (*RunStatusView, error) {
	run, err := d.Store.GetPipelineRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	phases, err := d.Store.ListPhases(ctx, runID)
	if err != nil {
		return nil, err
	}

	view := &RunStatusView{
		ID:          run.ID,
		Project:     run.Project,
		PeriodDate:  run.PeriodDate,
		Mode:        run.Mode,
		Status:      run.Status,
		CreatedAt:   run.CreatedAt,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		Counters:    run.Counters,
		Errors:      run.Errors,
		Results:     run.PhaseResults,
	}
	for _, p := range phases {
		counts, err := d.Store.WorkItemCounts(ctx, runID, p.Phase)
		if err != nil {
			return nil, err
		}
		view.Phases = append(view.Phases, PhaseView{
			Phase:       p.Phase,
			Status:      p.Status,
			Attempts:    p.Attempts,
			StartedAt:   p.StartedAt,
			CompletedAt: p.CompletedAt,
			LastError:   p.LastError,
			Items: ItemsView{
				Total:      counts.Total(),
				Queued:     counts.Queued,
				Processing: counts.Processing,
				Completed:  counts.Completed,
				Failed:     counts.Failed,
			},
		})
	}
	return view, nil
}

// ActivityView answers "what is the pipeline doing right now": the live
// phases with their in-flight work and throughput, plus the most recent
// events.
type ActivityView struct {
	RunID  string            `json:"run_id"`
	Status store.RunStatus   `json:"status"`
	Active []ActivePhaseView `json:"active_phases"`
	Events []EventView       `json:"events"`
}

// ActivePhaseView is one live phase plus the work items its workers hold
// right now and a drain estimate.
type ActivePhaseView struct {
	PhaseView
	// InFlight lists the item payloads currently claimed by workers.
	InFlight []string `json:"in_flight,omitempty"`
	// RatePerMinute is items completed per minute since the phase started.
	RatePerMinute float64 `json:"rate_per_minute"`
	// ETASeconds estimates the time to drain the queued and in-flight
	// items at the observed rate; zero while no rate is measurable.
	ETASeconds int `json:"eta_seconds,omitempty"`
}

// EventView is one event-log row.
type EventView struct {
	Kind      string          `json:"kind"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Activity returns the running/blocked phases with their in-flight items,
// processing rate, and ETA, plus the newest events, newest first.
func Activity(ctx context.Context, d *Deps, runID string, limit int) (*ActivityView, error) {
	status, err := Status(ctx, d, runID)
	if err != nil {
		return nil, err
	}

	view := &ActivityView{RunID: runID, Status: status.Status}
	for _, p := range status.Phases {
		if p.Status != store.PhaseRunning && p.Status != store.PhaseBlocked {
			continue
		}
		ap := ActivePhaseView{PhaseView: p}
		items, err := d.Store.ListWorkItems(ctx, runID, p.Phase, store.ItemProcessing)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			ap.InFlight = append(ap.InFlight, it.ItemID)
		}
		ap.RatePerMinute, ap.ETASeconds = phaseThroughput(p, time.Now().UTC())
		view.Active = append(view.Active, ap)
	}

	events, err := d.Store.ListEvents(ctx, runID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	for i := len(events) - 1; i >= 0 && len(view.Events) < limit; i-- {
		e := events[i]
		ev := EventView{Kind: e.Kind, Message: e.Message, CreatedAt: e.CreatedAt}
		if e.Data != "" && e.Data != "null" {
			ev.Data = json.RawMessage(e.Data)
		}
		view.Events = append(view.Events, ev)
	}
	return view, nil
}

// phaseThroughput derives the completion rate from the items finished since
// the phase started, and from it the time to drain what is left. Both are
// zero until the phase has a start time and at least one completed item.
func phaseThroughput(p PhaseView, now time.Time) (ratePerMinute float64, etaSeconds int) {
	if p.StartedAt == nil || p.Items.Completed == 0 {
		return 0, 0
	}
	elapsed := now.Sub(*p.StartedAt)
	if elapsed <= 0 {
		return 0, 0
	}
	ratePerMinute = float64(p.Items.Completed) / elapsed.Minutes()
	remaining := p.Items.Queued + p.Items.Processing
	if remaining > 0 && ratePerMinute > 0 {
		etaSeconds = int(float64(remaining) / ratePerMinute * 60)
	}
	return ratePerMinute, etaSeconds
}
