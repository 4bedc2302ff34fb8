package pipeline

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"landscape/internal/providers"
	"landscape/internal/scrape"
	"landscape/internal/store"
)

// Scraped-content row statuses.
const (
	scrapeCompleted = "completed"
	scrapeFailed    = "failed"
)

// detectClient issues the cheap HEAD probes that route URLs to an engine.
var detectClient = &http.Client{Timeout: 10 * time.Second}

type scrapingResult struct {
	URLs    int `json:"urls"`
	Scraped int `json:"scraped"`
	Reused  int `json:"reused"`
	Failed  int `json:"failed"`
}

// runContentScraping extracts text for every organic and news URL in the
// run. A URL successfully scraped in any earlier run is copied forward
// instead of re-fetched. Per-URL failures are recorded and absorbed; the
// flexible-completion sweeps decide when a mostly-done phase is done enough.
func runContentScraping(ctx context.Context, rc *RunContext) (any, error) {
	d := rc.Deps
	phase := store.PhaseContentScraping

	urls, err := d.Store.PageURLs(ctx, rc.Run.ID)
	if err != nil {
		return nil, err
	}

	var scraped, reused atomic.Int64
	stats, err := processItems(ctx, rc, phase, "url", urls, rc.Config.ConcurrencyFor(phase),
		func(ctx context.Context, url string) error {
			// Idempotent re-entry: this run already has the URL.
			if existing, err := d.Store.GetScrapedContent(ctx, rc.Run.ID, url); err == nil &&
				existing.Status == scrapeCompleted {
				return nil
			}

			// Cross-run dedup: reuse the newest successful scrape.
			if prev, err := d.Store.LatestScrapedContent(ctx, url); err == nil {
				row := *prev
				row.RunID = rc.Run.ID
				if err := d.Store.UpsertScrapedContent(ctx, &row); err != nil {
					return err
				}
				reused.Add(1)
				return nil
			}

			kind := scrape.Detect(ctx, detectClient, url)

			var res *providers.ScrapeResult
			err := guarded(ctx, d, ServiceScraper, "scrape", func(ctx context.Context) error {
				var err error
				res, err = d.Scraper.Scrape(ctx, url, kind)
				return err
			})
			if err != nil {
				d.Store.UpsertScrapedContent(context.WithoutCancel(ctx), &store.ScrapedContent{
					RunID:       rc.Run.ID,
					URL:         url,
					Status:      scrapeFailed,
					ContentType: kind,
					ScrapedAt:   time.Now().UTC(),
				})
				return err
			}

			if err := d.Store.UpsertScrapedContent(ctx, &store.ScrapedContent{
				RunID:       rc.Run.ID,
				URL:         url,
				Status:      scrapeCompleted,
				FinalURL:    res.FinalURL,
				ContentType: res.ContentType,
				Title:       res.Title,
				Body:        res.Body,
				WordCount:   res.WordCount,
				Engine:      res.Engine,
				PageCount:   res.PageCount,
				TableCount:  res.TableCount,
				ScrapedAt:   time.Now().UTC(),
			}); err != nil {
				return err
			}
			scraped.Add(1)
			return nil
		})
	if err != nil {
		return nil, err
	}

	d.Store.AddCounters(ctx, rc.Run.ID, store.Counters{
		PagesScraped: int(scraped.Load() + reused.Load()),
	})
	return scrapingResult{
		URLs:    stats.Total,
		Scraped: int(scraped.Load()),
		Reused:  int(reused.Load()),
		Failed:  stats.Failed,
	}, nil
}
