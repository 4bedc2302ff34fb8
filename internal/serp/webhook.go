package serp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// WebhookTypeBatchCompleted is the only request_info.type the handler acts on.
const WebhookTypeBatchCompleted = "batch_resultset_completed"

// WebhookPayload is the provider's batch-completion notification. The field
// layout is the provider's wire contract and must not change.
type WebhookPayload struct {
	RequestInfo WebhookRequestInfo `json:"request_info"`
	Batch       WebhookBatch       `json:"batch"`
	ResultSet   WebhookResultSet   `json:"result_set"`
}

// WebhookRequestInfo identifies the notification kind.
type WebhookRequestInfo struct {
	Type string `json:"type"`
}

// WebhookBatch identifies the provider batch. The batch name embeds the
// content type as an ORGANIC | NEWS | VIDEO keyword.
type WebhookBatch struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// WebhookResultSet carries the completed result set and its download links.
type WebhookResultSet struct {
	ID                int                             `json:"id"`
	SearchesCompleted int                             `json:"searches_completed"`
	SearchesFailed    int                             `json:"searches_failed"`
	DownloadLinks     map[string]WebhookDownloadLinks `json:"download_links"`
}

// WebhookDownloadLinks holds the per-format artifact links.
type WebhookDownloadLinks struct {
	Pages []string `json:"pages,omitempty"`
	All   string   `json:"all,omitempty"`
}

// ParseWebhook decodes and validates a webhook body.
func ParseWebhook(body []byte) (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}
	if p.RequestInfo.Type != WebhookTypeBatchCompleted {
		return nil, fmt.Errorf("unexpected webhook type %q", p.RequestInfo.Type)
	}
	if p.Batch.ID == "" {
		return nil, fmt.Errorf("webhook payload missing batch id")
	}
	return &p, nil
}

// ContentTypeFromBatchName extracts the content type from a batch name by
// keyword match.
func ContentTypeFromBatchName(name string) (ContentType, error) {
	upper := strings.ToUpper(name)
	switch {
	case strings.Contains(upper, "ORGANIC"):
		return ContentOrganic, nil
	case strings.Contains(upper, "NEWS"):
		return ContentNews, nil
	case strings.Contains(upper, "VIDEO"):
		return ContentVideo, nil
	default:
		return "", fmt.Errorf("batch name %q carries no content type", name)
	}
}

// DownloadLinksJSON flattens the download-link map for storage on the batch
// expectation row.
func (p *WebhookPayload) DownloadLinksJSON() string {
	data, err := json.Marshal(p.ResultSet.DownloadLinks)
	if err != nil {
		return "{}"
	}
	return string(data)
}
