package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"landscape/internal/providers"
	"landscape/internal/quota"
	"landscape/internal/serp"
	"landscape/internal/store"
)

type videoEnrichmentResult struct {
	Videos   int `json:"videos"`
	Fetched  int `json:"fetched"`
	Missing  int `json:"missing"`
	Failed   int `json:"failed"`
	Requeued int `json:"requeued,omitempty"`
}

// runVideoEnrichment fetches metadata for every video surfaced in the run's
// video SERPs. Calls are batched up to the provider cap and each call costs
// one quota unit; an exhausted budget requeues the in-flight batch and
// yields the phase until the provider's daily reset. Completion is flexible:
// everything, eighty percent, or half once the phase has been at it a while.
func runVideoEnrichment(ctx context.Context, rc *RunContext) (any, error) {
	d := rc.Deps
	phase := store.PhaseVideoEnrichment
	log := rc.Logger

	urls, err := d.Store.VideoURLs(ctx, rc.Run.ID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var ids []string
	for _, u := range urls {
		id := serp.VideoID(u)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if err := d.Store.EnqueueWorkItems(ctx, rc.Run.ID, phase, "video", ids); err != nil {
		return nil, err
	}

	batchSize := rc.Config.BatchSizeFor(phase)
	if batchSize > providers.MaxVideoIDsPerCall {
		batchSize = providers.MaxVideoIDsPerCall
	}

	fetched, missing := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			break
		}
		claimed, err := d.Store.ClaimWorkItems(ctx, rc.Run.ID, phase, batchSize)
		if err != nil {
			return nil, err
		}
		if len(claimed) == 0 {
			break
		}

		if err := d.Quota.Consume(ctx, ServiceVideo, "videos.list", 1); err != nil {
			requeueAll(ctx, rc, phase, claimed)
			if errors.Is(err, quota.ErrExhausted) {
				resumeAt := d.Quota.NextReset(ServiceVideo)
				d.Store.AppendEvent(ctx, rc.Run.ID, "video_quota_exhausted",
					"video enrichment yielded until quota reset",
					map[string]string{"resume_at": resumeAt.Format(time.RFC3339)})
				log.Warn("video quota exhausted, yielding", zap.Time("resume_at", resumeAt))
				return nil, &BlockedError{Reason: "video quota exhausted", ResumeAt: resumeAt}
			}
			return nil, err
		}

		var videos []providers.VideoInfo
		err = guarded(ctx, d, ServiceVideo, "videos list", func(ctx context.Context) error {
			var err error
			videos, err = d.Video.Videos(ctx, claimed)
			return err
		})
		if err != nil {
			for _, id := range claimed {
				d.Store.FailWorkItem(ctx, rc.Run.ID, phase, id, err.Error())
			}
			log.Warn("video batch failed", zap.Int("videos", len(claimed)), zap.Error(err))
			continue
		}

		now := time.Now().UTC()
		snaps := make([]store.VideoSnapshot, 0, len(videos))
		byID := make(map[string]bool, len(videos))
		for _, v := range videos {
			byID[v.VideoID] = true
			snaps = append(snaps, store.VideoSnapshot{
				RunID:           rc.Run.ID,
				VideoID:         v.VideoID,
				ChannelID:       v.ChannelID,
				ChannelTitle:    v.ChannelTitle,
				Title:           v.Title,
				Views:           v.Views,
				Likes:           v.Likes,
				Comments:        v.Comments,
				DurationSeconds: v.DurationSeconds,
				FetchedAt:       now,
			})
		}
		if err := d.Store.UpsertVideoSnapshots(ctx, snaps); err != nil {
			return nil, err
		}

		for _, id := range claimed {
			if byID[id] {
				d.Store.CompleteWorkItem(ctx, rc.Run.ID, phase, id)
				fetched++
			} else {
				// Deleted or private videos are simply absent from the
				// response.
				d.Store.FailWorkItem(ctx, rc.Run.ID, phase, id, "not returned by provider")
				missing++
			}
		}
		d.Store.TouchPhase(ctx, rc.Run.ID, phase)
	}

	stats, err := statsFor(ctx, rc, phase)
	if err != nil {
		return nil, err
	}
	res := videoEnrichmentResult{
		Videos:   stats.Total,
		Fetched:  fetched,
		Missing:  missing,
		Failed:   stats.Failed,
		Requeued: stats.Remaining,
	}
	if !videoCompletionSatisfied(ctx, rc, stats) {
		return nil, fmt.Errorf("video enrichment fetched only %d of %d videos",
			stats.Completed, stats.Total)
	}
	return res, nil
}

func requeueAll(ctx context.Context, rc *RunContext, phase string, ids []string) {
	sctx := context.WithoutCancel(ctx)
	for _, id := range ids {
		rc.Deps.Store.RequeueWorkItem(sctx, rc.Run.ID, phase, id)
	}
}

// videoCompletionSatisfied applies the flexible completion ladder: full
// completion, eighty percent, or fifty percent when the phase has run over
// an hour or is on a repeat attempt.
func videoCompletionSatisfied(ctx context.Context, rc *RunContext, stats itemStats) bool {
	ratio := stats.completedRatio()
	switch {
	case stats.Remaining == 0 && stats.Failed == 0:
		return true
	case ratio >= 0.8:
		return true
	case ratio >= 0.5:
		row, err := rc.Deps.Store.GetPhase(ctx, rc.Run.ID, store.PhaseVideoEnrichment)
		if err != nil {
			return false
		}
		if row.Attempts > 1 {
			return true
		}
		return row.StartedAt != nil && time.Since(*row.StartedAt) > time.Hour
	default:
		return false
	}
}
