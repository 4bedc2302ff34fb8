package serp

import "testing"

const sampleWebhook = `{
  "request_info": { "type": "batch_resultset_completed" },
  "batch": { "id": "batch-123", "name": "acme_2026-08-25_ORGANIC" },
  "result_set": {
    "id": 42,
    "searches_completed": 98,
    "searches_failed": 2,
    "download_links": {
      "json": { "pages": ["https://dl.example/p1.json"], "all": "https://dl.example/all.json" },
      "csv":  { "all": "https://dl.example/all.csv" }
    }
  }
}`

func TestParseWebhook(t *testing.T) {
	p, err := ParseWebhook([]byte(sampleWebhook))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if p.Batch.ID != "batch-123" {
		t.Errorf("batch id = %q", p.Batch.ID)
	}
	if p.ResultSet.ID != 42 || p.ResultSet.SearchesCompleted != 98 {
		t.Errorf("result set parsed wrong: %+v", p.ResultSet)
	}
	if p.ResultSet.DownloadLinks["json"].All != "https://dl.example/all.json" {
		t.Errorf("download links parsed wrong: %+v", p.ResultSet.DownloadLinks)
	}
}

func TestParseWebhookRejectsWrongType(t *testing.T) {
	body := `{"request_info":{"type":"batch_created"},"batch":{"id":"b"},"result_set":{}}`
	if _, err := ParseWebhook([]byte(body)); err == nil {
		t.Error("expected rejection of non-completion webhook")
	}
}

func TestParseWebhookRejectsMissingBatchID(t *testing.T) {
	body := `{"request_info":{"type":"batch_resultset_completed"},"batch":{"name":"x ORGANIC"},"result_set":{}}`
	if _, err := ParseWebhook([]byte(body)); err == nil {
		t.Error("expected rejection of missing batch id")
	}
}

func TestContentTypeFromBatchName(t *testing.T) {
	cases := []struct {
		name    string
		want    ContentType
		wantErr bool
	}{
		{"acme_2026-08-25_ORGANIC", ContentOrganic, false},
		{"acme news batch", ContentNews, false},
		{"ACME-VIDEO-20260825", ContentVideo, false},
		{"acme_mystery", "", true},
	}
	for _, tc := range cases {
		got, err := ContentTypeFromBatchName(tc.name)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", tc.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tc.name, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%q: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestParseContentType(t *testing.T) {
	if ct, err := ParseContentType("News"); err != nil || ct != ContentNews {
		t.Errorf("ParseContentType(News) = %v, %v", ct, err)
	}
	if _, err := ParseContentType("podcast"); err == nil {
		t.Error("expected error for unknown content type")
	}
}
