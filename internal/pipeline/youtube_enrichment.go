package pipeline

import (
	"context"

	"landscape/internal/store"
)

// runYouTubeEnrichment enriches the companies behind the run's video
// channels. The channel→domain mappings themselves come from the background
// resolver; this phase takes whatever mappings exist at execution time and
// pulls company profiles for the domains that lack a fresh one. Channels
// still unmapped stay with the resolver and simply contribute nothing here.
func runYouTubeEnrichment(ctx context.Context, rc *RunContext) (any, error) {
	d := rc.Deps

	snaps, err := d.Store.ListVideoSnapshots(ctx, rc.Run.ID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var channelIDs []string
	for _, s := range snaps {
		if s.ChannelID == "" || seen[s.ChannelID] {
			continue
		}
		seen[s.ChannelID] = true
		channelIDs = append(channelIDs, s.ChannelID)
	}

	mappings, err := d.Store.ChannelCompanies(ctx, channelIDs)
	if err != nil {
		return nil, err
	}
	domainSeen := map[string]bool{}
	var domains []string
	for _, m := range mappings {
		if m.Domain == "" || domainSeen[m.Domain] {
			continue
		}
		domainSeen[m.Domain] = true
		domains = append(domains, m.Domain)
	}

	return enrichDomains(ctx, rc, store.PhaseYouTubeEnrichment, profileSourceYouTube, domains)
}
