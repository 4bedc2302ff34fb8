package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"landscape/internal/providers"
	"landscape/internal/quota"
	"landscape/internal/serp"
	"landscape/internal/store"
)

// resolverBatchSize caps channels handled per pass so one pass never
// monopolizes the video quota.
const resolverBatchSize = 20

// resolverMaxAttempts bounds extraction retries before a channel is parked
// as EXTRACTION_ERROR.
const resolverMaxAttempts = 3

const channelSystemPrompt = `You extract the company website behind a video channel.
Given the channel's title, description, and links, respond with a single JSON-free line:
the company's primary website domain (like "example.com"), or the word NONE when the
channel is personal, media-only, or you cannot tell.`

// Resolver is the background worker that maps video channels to company
// domains. It writes a mapping row for every channel it touches, so a
// channel is never picked up twice for the same answer: a found domain, a
// definitive NO_DOMAIN_FOUND, or EXTRACTION_ERROR with bounded retries.
type Resolver struct {
	deps *Deps
	log  *zap.Logger
}

// NewResolver builds the channel resolver.
func NewResolver(deps *Deps) *Resolver {
	return &Resolver{deps: deps, log: deps.Logger.Named("resolver")}
}

// Run executes passes on the configured interval until the context ends.
func (r *Resolver) Run(ctx context.Context) {
	interval := r.deps.Cfg.Scheduler.ResolverInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Pass(ctx); err != nil {
				r.log.Warn("resolver pass failed", zap.Error(err))
			}
		}
	}
}

// Pass resolves up to resolverBatchSize channels drawn from the running
// pipelines. Returns how many channels were settled.
func (r *Resolver) Pass(ctx context.Context) (int, error) {
	st := r.deps.Store

	runs, err := st.ListPipelineRuns(ctx, store.RunRunning)
	if err != nil {
		return 0, err
	}

	seen := map[string]bool{}
	var channels []string
	for _, run := range runs {
		ids, err := st.ChannelsMissingCompany(ctx, run.ID, resolverMaxAttempts)
		if err != nil {
			return 0, err
		}
		for _, id := range ids {
			if seen[id] || len(channels) >= resolverBatchSize {
				continue
			}
			seen[id] = true
			channels = append(channels, id)
		}
		if len(channels) >= resolverBatchSize {
			break
		}
	}

	settled := 0
	for _, channelID := range channels {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		if err := r.resolveChannel(ctx, channelID); err != nil {
			if errors.Is(err, quota.ErrExhausted) {
				r.log.Info("video quota exhausted, resolver pass cut short")
				return settled, nil
			}
			r.log.Warn("channel resolution failed",
				zap.String("channel_id", channelID), zap.Error(err))
			continue
		}
		settled++
	}
	return settled, nil
}

// resolveChannel settles one channel, always writing a mapping row.
func (r *Resolver) resolveChannel(ctx context.Context, channelID string) error {
	d := r.deps

	attempts := 1
	if prev, err := d.Store.GetChannelCompany(ctx, channelID); err == nil {
		attempts = prev.Attempts + 1
	}

	if err := d.Quota.Consume(ctx, ServiceVideo, "channels.list", 1); err != nil {
		return err
	}

	var info *providers.ChannelInfo
	err := guarded(ctx, d, ServiceVideo, "channel lookup", func(ctx context.Context) error {
		var err error
		info, err = d.Video.Channel(ctx, channelID)
		if errors.Is(err, providers.ErrNotFound) {
			info = nil
			return nil
		}
		return err
	})
	if err != nil {
		return r.writeError(ctx, channelID, attempts, err)
	}
	if info == nil {
		// A vanished channel is a definitive no-domain answer.
		return d.Store.UpsertChannelCompany(ctx, &store.ChannelCompany{
			ChannelID:  channelID,
			SourceType: store.ChannelSourceNoDomain,
			Attempts:   attempts,
		})
	}

	// Links in the channel profile beat asking the model.
	if domain := firstCompanyDomain(info.Links); domain != "" {
		return d.Store.UpsertChannelCompany(ctx, &store.ChannelCompany{
			ChannelID:  channelID,
			Domain:     domain,
			SourceType: store.ChannelSourceExtracted,
			Attempts:   attempts,
		})
	}

	domain, err := r.extractDomain(ctx, info)
	if err != nil {
		return r.writeError(ctx, channelID, attempts, err)
	}

	mapping := &store.ChannelCompany{
		ChannelID:  channelID,
		SourceType: store.ChannelSourceNoDomain,
		Attempts:   attempts,
	}
	if domain != "" {
		mapping.Domain = domain
		mapping.SourceType = store.ChannelSourceExtracted
	}
	if err := d.Store.UpsertChannelCompany(ctx, mapping); err != nil {
		return err
	}
	r.log.Info("channel resolved",
		zap.String("channel_id", channelID),
		zap.String("domain", domain),
		zap.String("source", mapping.SourceType))
	return nil
}

func (r *Resolver) writeError(ctx context.Context, channelID string, attempts int, cause error) error {
	uerr := r.deps.Store.UpsertChannelCompany(context.WithoutCancel(ctx), &store.ChannelCompany{
		ChannelID:  channelID,
		SourceType: store.ChannelSourceError,
		Attempts:   attempts,
	})
	if uerr != nil {
		return uerr
	}
	return fmt.Errorf("channel %s attempt %d: %w", channelID, attempts, cause)
}

// extractDomain asks the model for the company domain behind a channel.
func (r *Resolver) extractDomain(ctx context.Context, info *providers.ChannelInfo) (string, error) {
	d := r.deps

	var sb strings.Builder
	fmt.Fprintf(&sb, "Channel: %s\n", info.Title)
	if info.CustomURL != "" {
		fmt.Fprintf(&sb, "Custom URL: %s\n", info.CustomURL)
	}
	if len(info.Links) > 0 {
		fmt.Fprintf(&sb, "Links: %s\n", strings.Join(info.Links, ", "))
	}
	sb.WriteString("Description:\n")
	sb.WriteString(providers.TruncateInput(info.Description, 4000))

	var raw string
	err := d.Breakers.Do(ctx, ServiceLLM, func(ctx context.Context) error {
		var err error
		raw, err = d.LLM.CompleteWithSystem(ctx, channelSystemPrompt, sb.String())
		return err
	})
	if err != nil {
		return "", err
	}

	answer := strings.TrimSpace(strings.Split(strings.TrimSpace(raw), "\n")[0])
	if answer == "" || strings.EqualFold(answer, "NONE") {
		return "", nil
	}
	return normalizeDomainAnswer(answer), nil
}

// firstCompanyDomain picks the first link that is not a social or video
// platform and normalizes it to a root domain.
func firstCompanyDomain(links []string) string {
	for _, link := range links {
		domain := serp.DomainFromURL(link)
		if domain == "" || socialDomains[domain] {
			continue
		}
		return domain
	}
	return ""
}

var socialDomains = map[string]bool{
	"youtube.com":   true,
	"twitter.com":   true,
	"x.com":         true,
	"facebook.com":  true,
	"instagram.com": true,
	"linkedin.com":  true,
	"tiktok.com":    true,
	"discord.gg":    true,
	"twitch.tv":     true,
}

// normalizeDomainAnswer turns a model answer into a normalized root domain,
// tolerating full URLs and stray punctuation.
func normalizeDomainAnswer(answer string) string {
	answer = strings.Trim(answer, `"'.,; `)
	if answer == "" {
		return ""
	}
	if !strings.Contains(answer, "://") {
		answer = "https://" + answer
	}
	return serp.DomainFromURL(answer)
}
