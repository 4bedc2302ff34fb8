// Package scrape routes URLs to the right extraction engine and provides an
// in-process HTML extractor used when no managed scraping service is
// configured.
package scrape

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"landscape/internal/providers"
	"landscape/internal/retry"
)

// Content kinds routed to different engines.
const (
	KindHTML = "html"
	KindPDF  = "pdf"
	KindDoc  = "doc"
)

// KindOf maps a MIME type (or, failing that, a URL extension) to an engine
// kind. Unknown types default to HTML, the overwhelmingly common case.
func KindOf(mimeType, rawURL string) string {
	mt := mimeType
	if mt != "" {
		if parsed, _, err := mime.ParseMediaType(mt); err == nil {
			mt = parsed
		}
	}
	switch {
	case strings.Contains(mt, "pdf"):
		return KindPDF
	case strings.Contains(mt, "msword"),
		strings.Contains(mt, "wordprocessingml"),
		strings.Contains(mt, "officedocument"):
		return KindDoc
	case mt != "" && !strings.Contains(mt, "html") && !strings.Contains(mt, "text"):
		// A concrete non-document type (image, archive) still goes to the
		// HTML engine, which will fail fast with a useful error.
		return KindHTML
	}

	switch strings.ToLower(path.Ext(strings.SplitN(rawURL, "?", 2)[0])) {
	case ".pdf":
		return KindPDF
	case ".doc", ".docx":
		return KindDoc
	}
	return KindHTML
}

// Detect issues a HEAD request and returns the engine kind for the URL.
// HEAD failures fall back to extension-based detection rather than erroring:
// plenty of servers reject HEAD but serve GET fine.
func Detect(ctx context.Context, client *http.Client, rawURL string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return KindOf("", rawURL)
	}
	resp, err := client.Do(req)
	if err != nil {
		return KindOf("", rawURL)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return KindOf(resp.Header.Get("Content-Type"), rawURL)
}

// Extraction is the result of in-process HTML extraction.
type Extraction struct {
	Title      string
	Body       string
	WordCount  int
	TableCount int
}

// ExtractHTML pulls the readable text out of an HTML document: title, body
// text with script/style/nav noise removed, word count and table count.
func ExtractHTML(r io.Reader) (*Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	tableCount := doc.Find("table").Length()

	doc.Find("script, style, noscript, nav, header, footer, iframe, svg").Remove()
	root := doc.Find("main, article").First()
	if root.Length() == 0 {
		root = doc.Find("body")
	}

	var sb strings.Builder
	root.Find("h1, h2, h3, h4, h5, h6, p, li, td, th, blockquote, pre").
		Each(func(_ int, s *goquery.Selection) {
			text := strings.TrimSpace(s.Text())
			if text == "" {
				return
			}
			sb.WriteString(text)
			sb.WriteByte('\n')
		})
	body := sb.String()
	if strings.TrimSpace(body) == "" {
		body = strings.TrimSpace(root.Text())
	}
	body = collapseWhitespace(body)

	return &Extraction{
		Title:      title,
		Body:       body,
		WordCount:  len(strings.Fields(body)),
		TableCount: tableCount,
	}, nil
}

func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// Local implements providers.ScraperClient in process: fetches the page
// itself and extracts with goquery. PDF and DOC need the managed service.
type Local struct {
	client *http.Client
	// maxBody bounds how much of a response is read.
	maxBody int64
}

// NewLocal builds the in-process scraper.
func NewLocal(timeout time.Duration) *Local {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Local{
		client:  &http.Client{Timeout: timeout},
		maxBody: 8 << 20,
	}
}

func (l *Local) Scrape(ctx context.Context, rawURL, contentType string) (*providers.ScrapeResult, error) {
	if contentType == KindPDF || contentType == KindDoc {
		return nil, retry.Permanent(fmt.Errorf("local scraper cannot extract %s content", contentType))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("scrape %s: %w", rawURL, err))
	}
	req.Header.Set("User-Agent", "landscape-pipeline/1.0")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("scrape %s: %w", rawURL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("scrape %s: status %d", rawURL, resp.StatusCode)
		if retry.ClassifyHTTPStatus(resp.StatusCode) == retry.ClassPermanent {
			return nil, retry.Permanent(err)
		}
		return nil, retry.Transient(err)
	}

	ext, err := ExtractHTML(io.LimitReader(resp.Body, l.maxBody))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("scrape %s: %w", rawURL, err))
	}

	return &providers.ScrapeResult{
		URL:         rawURL,
		FinalURL:    resp.Request.URL.String(),
		ContentType: KindHTML,
		Title:       ext.Title,
		Body:        ext.Body,
		WordCount:   ext.WordCount,
		TableCount:  ext.TableCount,
		PageCount:   1,
		Engine:      "local",
	}, nil
}
