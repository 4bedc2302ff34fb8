package scrape

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"landscape/internal/retry"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		mime, url, want string
	}{
		{"text/html; charset=utf-8", "https://a.com/page", KindHTML},
		{"application/pdf", "https://a.com/whitepaper", KindPDF},
		{"application/msword", "https://a.com/file", KindDoc},
		{"application/vnd.openxmlformats-officedocument.wordprocessingml.document", "https://a.com/f", KindDoc},
		{"", "https://a.com/report.pdf", KindPDF},
		{"", "https://a.com/report.PDF?dl=1", KindPDF},
		{"", "https://a.com/notes.docx", KindDoc},
		{"", "https://a.com/page", KindHTML},
		{"image/png", "https://a.com/logo.png", KindHTML},
	}
	for _, tc := range cases {
		if got := KindOf(tc.mime, tc.url); got != tc.want {
			t.Errorf("KindOf(%q, %q) = %s, want %s", tc.mime, tc.url, got, tc.want)
		}
	}
}

func TestDetectUsesHEAD(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/pdf")
	}))
	defer srv.Close()

	if got := Detect(context.Background(), srv.Client(), srv.URL+"/doc"); got != KindPDF {
		t.Errorf("got %s, want pdf", got)
	}
}

func TestDetectFallsBackOnHEADFailure(t *testing.T) {
	// Server refuses HEAD; detection falls back to the URL extension.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	if got := Detect(context.Background(), srv.Client(), srv.URL+"/report.pdf"); got != KindPDF {
		t.Errorf("got %s, want pdf from extension", got)
	}
}

const samplePage = `<!DOCTYPE html>
<html><head><title>CRM Pricing Guide</title>
<style>body { color: red }</style>
<script>console.log("noise")</script></head>
<body>
<nav>Home | About | Contact</nav>
<main>
<h1>Pricing</h1>
<p>Our plans start at ten dollars per seat.</p>
<table><tr><th>Plan</th><td>Basic</td></tr></table>
<ul><li>Unlimited contacts</li></ul>
</main>
<footer>Copyright</footer>
</body></html>`

func TestExtractHTML(t *testing.T) {
	ext, err := ExtractHTML(strings.NewReader(samplePage))
	if err != nil {
		t.Fatal(err)
	}
	if ext.Title != "CRM Pricing Guide" {
		t.Errorf("title = %q", ext.Title)
	}
	if strings.Contains(ext.Body, "console.log") || strings.Contains(ext.Body, "color: red") {
		t.Errorf("script/style noise leaked into body: %q", ext.Body)
	}
	if strings.Contains(ext.Body, "Home | About") || strings.Contains(ext.Body, "Copyright") {
		t.Errorf("nav/footer leaked into body: %q", ext.Body)
	}
	if !strings.Contains(ext.Body, "ten dollars per seat") {
		t.Errorf("body text missing: %q", ext.Body)
	}
	if ext.TableCount != 1 {
		t.Errorf("tables = %d, want 1", ext.TableCount)
	}
	if ext.WordCount == 0 {
		t.Error("word count should be positive")
	}
}

func TestLocalScrape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	l := NewLocal(5 * time.Second)
	res, err := l.Scrape(context.Background(), srv.URL+"/pricing", KindHTML)
	if err != nil {
		t.Fatal(err)
	}
	if res.Title != "CRM Pricing Guide" || res.Engine != "local" {
		t.Errorf("got %+v", res)
	}
	if res.WordCount == 0 {
		t.Error("word count should be positive")
	}
}

func TestLocalScrapeRejectsPDF(t *testing.T) {
	l := NewLocal(time.Second)
	_, err := l.Scrape(context.Background(), "https://a.com/x.pdf", KindPDF)
	if err == nil || retry.Classify(err) != retry.ClassPermanent {
		t.Errorf("err = %v, want permanent", err)
	}
}

func TestLocalScrape404IsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer srv.Close()

	l := NewLocal(time.Second)
	_, err := l.Scrape(context.Background(), srv.URL+"/gone", KindHTML)
	if err == nil || retry.Classify(err) != retry.ClassPermanent {
		t.Errorf("err = %v, want permanent", err)
	}
}
