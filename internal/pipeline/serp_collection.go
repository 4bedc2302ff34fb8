package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"landscape/internal/serp"
	"landscape/internal/store"
)

type serpCollectionResult struct {
	Mode         string   `json:"mode"`
	Results      int      `json:"results"`
	Queries      int      `json:"queries,omitempty"`
	Batches      []string `json:"batches,omitempty"`
	MissingTypes []string `json:"missing_types,omitempty"`
}

// runSERPCollection fills the run's serp_results either by paginating the
// search provider in process or by ingesting provider-side batches that
// arrived by webhook.
func runSERPCollection(ctx context.Context, rc *RunContext) (any, error) {
	if rc.Config.BatchModeEnabled() {
		return collectSERPBatches(ctx, rc)
	}
	return collectSERPSync(ctx, rc)
}

// collectSERPSync fans out one query per (keyword, region, content type)
// through the work-item queue. Failed queries are absorbed; the phase fails
// when fewer than half the queries landed.
func collectSERPSync(ctx context.Context, rc *RunContext) (any, error) {
	d := rc.Deps
	phase := store.PhaseSERPCollection

	keywords, err := d.Store.ActiveKeywords(ctx, rc.Config.Project, rc.Config.KeywordIDs)
	if err != nil {
		return nil, err
	}
	if len(keywords) == 0 {
		return nil, fmt.Errorf("project %s has no active keywords", rc.Config.Project)
	}
	byID := make(map[string]store.Keyword, len(keywords))
	for _, kw := range keywords {
		byID[kw.ID] = kw
	}

	var items []string
	for _, kw := range keywords {
		for _, region := range rc.Config.Regions {
			for _, ctName := range rc.Config.ContentTypes {
				items = append(items, strings.Join([]string{kw.ID, region, ctName}, "|"))
			}
		}
	}

	count := rc.Config.BatchSizeFor(phase)
	var inserted atomic.Int64

	stats, err := processItems(ctx, rc, phase, "query", items, rc.Config.ConcurrencyFor(phase),
		func(ctx context.Context, item string) error {
			parts := strings.SplitN(item, "|", 3)
			if len(parts) != 3 {
				return fmt.Errorf("malformed query item %q", item)
			}
			kw, ok := byID[parts[0]]
			if !ok {
				return fmt.Errorf("unknown keyword id %s", parts[0])
			}
			ct, err := serp.ParseContentType(parts[2])
			if err != nil {
				return err
			}

			var entries []serp.Entry
			err = guarded(ctx, d, ServiceSearch, "serp search", func(ctx context.Context) error {
				var err error
				entries, err = d.Search.Search(ctx, kw.Text, parts[1], ct, count)
				return err
			})
			if err != nil {
				return err
			}

			rows := make([]store.SERPResult, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, store.SERPResult{
					RunID:            rc.Run.ID,
					KeywordID:        kw.ID,
					Type:             ct,
					Position:         e.Position,
					URL:              e.URL,
					Domain:           e.Domain,
					Title:            e.Title,
					Snippet:          e.Snippet,
					EstimatedTraffic: e.EstimatedTraffic,
				})
			}
			if err := d.Store.InsertSERPResults(ctx, rows); err != nil {
				return err
			}
			inserted.Add(int64(len(rows)))
			return nil
		})
	if err != nil {
		return nil, err
	}
	if stats.completedRatio() < 0.5 {
		return nil, fmt.Errorf("serp collection completed only %d of %d queries",
			stats.Completed, stats.Total)
	}

	d.Store.AddCounters(ctx, rc.Run.ID, store.Counters{SERPResults: int(inserted.Load())})
	return serpCollectionResult{
		Mode:    "sync",
		Queries: stats.Total,
		Results: int(inserted.Load()),
	}, nil
}

// collectSERPBatches drives the webhook flow. On first entry it submits one
// provider batch per content type and yields blocked; the coordinator
// unblocks the phase as webhooks land. Subsequent entries ingest whatever
// result sets have been received, yielding again while the cutoff window is
// still open for missing types.
func collectSERPBatches(ctx context.Context, rc *RunContext) (any, error) {
	d := rc.Deps
	log := rc.Logger

	expectations, err := d.Store.ListExpectations(ctx, rc.Config.Project, rc.Run.PeriodDate)
	if err != nil {
		return nil, err
	}
	if len(expectations) == 0 {
		return createSERPBatches(ctx, rc)
	}

	var (
		received      []store.BatchExpectation
		missing       []string
		firstReceived time.Time
	)
	for _, exp := range expectations {
		if !exp.Received {
			missing = append(missing, string(exp.ContentType))
			continue
		}
		received = append(received, exp)
		if exp.ReceivedAt != nil && (firstReceived.IsZero() || exp.ReceivedAt.Before(firstReceived)) {
			firstReceived = *exp.ReceivedAt
		}
	}

	if len(received) == 0 {
		return nil, &BlockedError{Reason: "awaiting serp batch webhooks"}
	}
	if len(missing) > 0 {
		cutoff := firstReceived.Add(time.Duration(rc.Config.SerpCoordinatorCutoffMinutes) * time.Minute)
		if time.Now().Before(cutoff) {
			return nil, &BlockedError{
				Reason:   fmt.Sprintf("awaiting serp batches for %s", strings.Join(missing, ", ")),
				ResumeAt: cutoff,
			}
		}
		for _, ct := range missing {
			d.Store.AppendEvent(ctx, rc.Run.ID, "serp_batch_gap",
				fmt.Sprintf("proceeding without %s results", ct), nil)
		}
		log.Warn("cutoff passed, proceeding without missing content types",
			zap.Strings("missing", missing))
	}

	keywords, err := d.Store.ActiveKeywords(ctx, rc.Config.Project, rc.Config.KeywordIDs)
	if err != nil {
		return nil, err
	}
	idByText := make(map[string]string, len(keywords))
	for _, kw := range keywords {
		idByText[strings.ToLower(kw.Text)] = kw.ID
	}

	total := 0
	var batchIDs []string
	for _, exp := range received {
		batchIDs = append(batchIDs, exp.BatchID)

		var links map[string]serp.WebhookDownloadLinks
		if err := json.Unmarshal([]byte(exp.DownloadLinks), &links); err != nil {
			return nil, fmt.Errorf("failed to decode download links for batch %s: %w", exp.BatchID, err)
		}

		var results []struct {
			Keyword string
			Rows    []store.SERPResult
		}
		err := guarded(ctx, d, ServiceSearch, "serp batch download", func(ctx context.Context) error {
			downloaded, err := d.Search.DownloadResults(ctx, links)
			if err != nil {
				return err
			}
			results = results[:0]
			for _, kr := range downloaded {
				kwID, ok := idByText[strings.ToLower(kr.Keyword)]
				if !ok {
					log.Warn("batch result for untracked keyword", zap.String("keyword", kr.Keyword))
					continue
				}
				rows := make([]store.SERPResult, 0, len(kr.Entries))
				for _, e := range kr.Entries {
					rows = append(rows, store.SERPResult{
						RunID:            rc.Run.ID,
						KeywordID:        kwID,
						Type:             exp.ContentType,
						Position:         e.Position,
						URL:              e.URL,
						Domain:           e.Domain,
						Title:            e.Title,
						Snippet:          e.Snippet,
						EstimatedTraffic: e.EstimatedTraffic,
					})
				}
				results = append(results, struct {
					Keyword string
					Rows    []store.SERPResult
				}{kr.Keyword, rows})
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to ingest batch %s: %w", exp.BatchID, err)
		}

		for _, kr := range results {
			if err := d.Store.InsertSERPResults(ctx, kr.Rows); err != nil {
				return nil, err
			}
			total += len(kr.Rows)
		}
	}

	d.Store.AddCounters(ctx, rc.Run.ID, store.Counters{SERPResults: total})
	return serpCollectionResult{
		Mode:         "batch",
		Results:      total,
		Batches:      batchIDs,
		MissingTypes: missing,
	}, nil
}

// createSERPBatches submits one provider batch per content type and records
// the expectations the coordinator will tick off as webhooks arrive.
func createSERPBatches(ctx context.Context, rc *RunContext) (any, error) {
	d := rc.Deps

	keywords, err := d.Store.ActiveKeywords(ctx, rc.Config.Project, rc.Config.KeywordIDs)
	if err != nil {
		return nil, err
	}
	if len(keywords) == 0 {
		return nil, fmt.Errorf("project %s has no active keywords", rc.Config.Project)
	}
	texts := make([]string, len(keywords))
	for i, kw := range keywords {
		texts[i] = kw.Text
	}

	for _, ctName := range rc.Config.ContentTypes {
		ct, err := serp.ParseContentType(ctName)
		if err != nil {
			return nil, err
		}
		name := BatchName(rc.Config.Project, rc.Run.PeriodDate, ct)

		var batchID string
		err = guarded(ctx, d, ServiceSearch, "serp batch create", func(ctx context.Context) error {
			var err error
			batchID, err = d.Search.CreateBatch(ctx, name, texts, rc.Config.Regions, ct)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create %s batch: %w", ct, err)
		}
		if err := d.Store.RecordExpectation(ctx, rc.Config.Project, rc.Run.PeriodDate, ct); err != nil {
			return nil, err
		}
		d.Store.AppendEvent(ctx, rc.Run.ID, "serp_batch_created", name,
			map[string]string{"batch_id": batchID})
	}

	return nil, &BlockedError{Reason: "awaiting serp batch webhooks"}
}

// BatchName builds the provider batch name the coordinator later parses:
// "<project> | <period> | <TYPE>". The content-type keyword doubles as the
// marker ContentTypeFromBatchName keys off.
func BatchName(project, periodDate string, ct serp.ContentType) string {
	return fmt.Sprintf("%s | %s | %s", project, periodDate, strings.ToUpper(string(ct)))
}

// ParseBatchName recovers (project, period) from a batch name.
func ParseBatchName(name string) (project, periodDate string, err error) {
	parts := strings.Split(name, " | ")
	if len(parts) != 3 {
		return "", "", fmt.Errorf("batch name %q does not match project | period | type", name)
	}
	return parts[0], parts[1], nil
}
