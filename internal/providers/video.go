package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"landscape/internal/config"
	"landscape/internal/retry"
)

// VideoHTTP talks to the video-platform data API.
type VideoHTTP struct {
	c *httpClient
}

// NewVideoHTTP builds the video-platform client.
func NewVideoHTTP(cfg config.ServiceConfig) *VideoHTTP {
	return &VideoHTTP{c: newHTTPClient(cfg)}
}

type videoListResponse struct {
	Items []videoItem `json:"items"`
}

type videoItem struct {
	ID      string `json:"id"`
	Snippet struct {
		Title        string `json:"title"`
		ChannelID    string `json:"channel_id"`
		ChannelTitle string `json:"channel_title"`
	} `json:"snippet"`
	Statistics struct {
		Views    int64 `json:"view_count"`
		Likes    int64 `json:"like_count"`
		Comments int64 `json:"comment_count"`
	} `json:"statistics"`
	DurationSeconds int64 `json:"duration_seconds"`
}

func (v *VideoHTTP) Videos(ctx context.Context, ids []string) ([]VideoInfo, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxVideoIDsPerCall {
		return nil, retry.Permanent(fmt.Errorf("videos: %d ids exceeds the %d per-call cap", len(ids), MaxVideoIDsPerCall))
	}

	var resp videoListResponse
	path := "/v1/videos?id=" + url.QueryEscape(strings.Join(ids, ","))
	if err := v.c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("videos: %w", err)
	}

	out := make([]VideoInfo, 0, len(resp.Items))
	for _, it := range resp.Items {
		out = append(out, VideoInfo{
			VideoID:         it.ID,
			ChannelID:       it.Snippet.ChannelID,
			ChannelTitle:    it.Snippet.ChannelTitle,
			Title:           it.Snippet.Title,
			Views:           it.Statistics.Views,
			Likes:           it.Statistics.Likes,
			Comments:        it.Statistics.Comments,
			DurationSeconds: it.DurationSeconds,
		})
	}
	return out, nil
}

type channelResponse struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			CustomURL   string `json:"custom_url"`
		} `json:"snippet"`
		Links []string `json:"links"`
	} `json:"items"`
}

func (v *VideoHTTP) Channel(ctx context.Context, channelID string) (*ChannelInfo, error) {
	var resp channelResponse
	path := "/v1/channels?id=" + url.QueryEscape(channelID)
	if err := v.c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("channel %s: %w", channelID, err)
	}
	if len(resp.Items) == 0 {
		return nil, fmt.Errorf("%w: channel %s", ErrNotFound, channelID)
	}
	it := resp.Items[0]
	return &ChannelInfo{
		ChannelID:   it.ID,
		Title:       it.Snippet.Title,
		Description: it.Snippet.Description,
		CustomURL:   it.Snippet.CustomURL,
		Links:       it.Links,
	}, nil
}
