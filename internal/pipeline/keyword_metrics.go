package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"landscape/internal/cache"
	"landscape/internal/providers"
	"landscape/internal/store"
)

// metricsFreshness is how recent a stored snapshot must be to skip the
// provider call.
const metricsFreshness = 24 * time.Hour

// metricsChunkSize bounds keywords per provider call.
const metricsChunkSize = 100

type keywordMetricsResult struct {
	Keywords int `json:"keywords"`
	Fetched  int `json:"fetched"`
	Reused   int `json:"reused"`
	NoData   int `json:"no_data"`
	Failed   int `json:"failed"`
}

// runKeywordMetrics snapshots search-volume metrics for every active keyword
// and region. Snapshots fresher than 24h are reused; keywords the provider
// knows nothing about get explicit no-data rows so they are not re-asked
// every run. The phase fails only when half or more of the fetches fail.
func runKeywordMetrics(ctx context.Context, rc *RunContext) (any, error) {
	d := rc.Deps
	log := rc.Logger

	keywords, err := d.Store.ActiveKeywords(ctx, rc.Config.Project, rc.Config.KeywordIDs)
	if err != nil {
		return nil, err
	}
	if len(keywords) == 0 {
		return nil, fmt.Errorf("project %s has no active keywords", rc.Config.Project)
	}
	byText := make(map[string]store.Keyword, len(keywords))
	for _, kw := range keywords {
		byText[kw.Text] = kw
	}

	snapshotDate := rc.Run.PeriodDate
	res := keywordMetricsResult{Keywords: len(keywords)}

	for _, country := range rc.Config.Regions {
		var need []string
		for _, kw := range keywords {
			if metricFresh(ctx, rc, kw.ID, country) {
				res.Reused++
				continue
			}
			need = append(need, kw.Text)
		}

		for start := 0; start < len(need); start += metricsChunkSize {
			end := min(start+metricsChunkSize, len(need))
			chunk := need[start:end]

			var data []providers.KeywordMetricData
			err := guarded(ctx, d, ServiceKeywordData, "keyword metrics", func(ctx context.Context) error {
				var err error
				data, err = d.KeywordData.Metrics(ctx, chunk, country)
				return err
			})
			if err != nil {
				res.Failed += len(chunk)
				d.Store.AppendEvent(ctx, rc.Run.ID, "keyword_metrics_chunk_failed",
					fmt.Sprintf("%d keywords for %s", len(chunk), country),
					map[string]string{"error": err.Error()})
				log.Warn("keyword metrics chunk failed",
					zap.String("country", country), zap.Int("keywords", len(chunk)), zap.Error(err))
				continue
			}

			rows := make([]store.KeywordMetric, 0, len(data))
			for _, m := range data {
				kw, ok := byText[m.Keyword]
				if !ok {
					continue
				}
				rows = append(rows, store.KeywordMetric{
					SnapshotDate:       snapshotDate,
					KeywordID:          kw.ID,
					Country:            country,
					Source:             "keyword_api",
					AvgMonthlySearches: m.AvgMonthlySearches,
					Competition:        m.Competition,
					BidLow:             m.BidLow,
					BidHigh:            m.BidHigh,
					NoData:             m.NoData,
				})
				if m.NoData {
					res.NoData++
				}
				res.Fetched++
			}
			if err := d.Store.InsertKeywordMetrics(ctx, rows); err != nil {
				return nil, err
			}
			for _, r := range rows {
				d.Cache.Set(ctx, metricsCacheKey(r.KeywordID, country), []byte(r.SnapshotDate), metricsFreshness)
			}
		}
	}

	attempted := res.Fetched + res.Failed
	if attempted > 0 && float64(res.Failed) >= float64(attempted)/2 {
		return nil, fmt.Errorf("keyword metrics failed for %d of %d fetches", res.Failed, attempted)
	}

	if err := d.Store.AddCounters(ctx, rc.Run.ID, store.Counters{
		KeywordsProcessed: res.Fetched + res.Reused,
	}); err != nil {
		log.Warn("failed to update counters", zap.Error(err))
	}
	return res, nil
}

func metricsCacheKey(keywordID, country string) string {
	return fmt.Sprintf("kwm:%s:%s", keywordID, country)
}

// metricFresh reports whether a snapshot newer than metricsFreshness exists,
// checking the cache first and falling back to the store.
func metricFresh(ctx context.Context, rc *RunContext, keywordID, country string) bool {
	d := rc.Deps
	if _, err := d.Cache.Get(ctx, metricsCacheKey(keywordID, country)); err == nil {
		return true
	} else if err != cache.ErrMiss {
		rc.Logger.Debug("cache read failed", zap.Error(err))
	}

	m, err := d.Store.LatestKeywordMetric(ctx, keywordID, country)
	if err != nil {
		return false
	}
	day, err := time.Parse("2006-01-02", m.SnapshotDate)
	if err != nil {
		return false
	}
	if time.Since(day) > metricsFreshness {
		return false
	}
	d.Cache.Set(ctx, metricsCacheKey(keywordID, country), []byte(m.SnapshotDate), metricsFreshness)
	return true
}
