package pipeline

import "landscape/internal/store"

// phasePredecessors encodes the phase dependency graph. A phase may start
// only when every predecessor is terminal (completed or skipped).
var phasePredecessors = map[string][]string{
	store.PhaseKeywordMetrics:    nil,
	store.PhaseSERPCollection:    {store.PhaseKeywordMetrics},
	store.PhaseCompanyEnrichment: {store.PhaseSERPCollection},
	store.PhaseVideoEnrichment:   {store.PhaseSERPCollection},
	store.PhaseContentScraping:   {store.PhaseSERPCollection},
	store.PhaseContentAnalysis:   {store.PhaseCompanyEnrichment},
	store.PhaseYouTubeEnrichment: {store.PhaseVideoEnrichment, store.PhaseCompanyEnrichment},
	store.PhaseDSICalculation:    {store.PhaseContentAnalysis, store.PhaseYouTubeEnrichment},
}

// nonCriticalPhases fail soft: a failure auto-skips the phase so the rest of
// the run (and in particular DSI calculation) still happens. The video
// vertical degrades gracefully when its provider is down.
var nonCriticalPhases = map[string]bool{
	store.PhaseVideoEnrichment:   true,
	store.PhaseYouTubeEnrichment: true,
}

// readyPhases returns the pending phases whose predecessors are all
// terminal, in canonical order.
func readyPhases(rows []*store.PhaseStatusRow) []string {
	status := make(map[string]store.PhaseStatus, len(rows))
	for _, r := range rows {
		status[r.Phase] = r.Status
	}

	var ready []string
	for _, r := range rows {
		if r.Status != store.PhasePending {
			continue
		}
		ok := true
		for _, pred := range phasePredecessors[r.Phase] {
			st, present := status[pred]
			if !present || !st.Terminal() {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, r.Phase)
		}
	}
	return ready
}

// allTerminal reports whether every phase needs no further work.
func allTerminal(rows []*store.PhaseStatusRow) bool {
	for _, r := range rows {
		if !r.Status.Terminal() {
			return false
		}
	}
	return true
}

func anyStatus(rows []*store.PhaseStatusRow, s store.PhaseStatus) bool {
	for _, r := range rows {
		if r.Status == s {
			return true
		}
	}
	return false
}
