package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	defaultUserAgent = "selfheal/1.0 (self-healing article extractor)"
	maxPageBytes     = 8 << 20
)

// Page is a fetched HTML document.
type Page struct {
	URL  string
	HTML string
	Doc  *goquery.Document
}

// Fetcher retrieves pages. Caching, rate limiting and robots handling
// belong to implementations.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}

// StatusError is returned for non-200 responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d (%s) fetching %s", e.Code, http.StatusText(e.Code), e.URL)
}

// Gone reports whether the page no longer exists, so no selector can
// ever extract it.
func (e *StatusError) Gone() bool {
	return e.Code == http.StatusNotFound || e.Code == http.StatusGone
}

// HTTPFetcher fetches pages over plain HTTP.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

// NewHTTPFetcher creates a fetcher with the given request timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: defaultUserAgent,
	}
}

// Fetch downloads url and parses it.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return ParsePage(url, string(body))
}

// ParsePage builds a Page from raw HTML.
func ParsePage(url, html string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return &Page{URL: url, HTML: html, Doc: doc}, nil
}

// Simplify strips scripts, styles and inline noise from the page body and
// returns at most limit bytes of markup for a model prompt.
func Simplify(page *Page, limit int) string {
	if page == nil || page.Doc == nil {
		return ""
	}
	root := page.Doc.Selection.Clone()
	root.Find("script, style, noscript, svg, iframe, link, meta").Remove()
	root.Find("*").Each(func(_ int, s *goquery.Selection) {
		for _, attr := range []string{"style", "onclick", "onload"} {
			s.RemoveAttr(attr)
		}
	})

	body := root.Find("body")
	if body.Length() == 0 {
		body = root
	}
	html, err := goquery.OuterHtml(body)
	if err != nil {
		return ""
	}
	html = strings.Join(strings.Fields(html), " ")
	if limit > 0 && len(html) > limit {
		html = html[:limit]
	}
	return html
}
