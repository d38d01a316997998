package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Page is the scraped source of a clone.
type Page struct {
	URL         string
	FinalURL    string
	ContentType string
	HTML        []byte
}

// Pipeline does the actual work behind a clone request. Scrape runs during the
// scraping phase and Generate during the cloning phase.
type Pipeline interface {
	Scrape(ctx context.Context, targetURL string) (Page, error)
	Generate(ctx context.Context, page Page) ([]byte, error)
}

const maxPageBytes = 5 << 20

// FetchPipeline downloads the page as-is and pins relative references to the
// original origin with a <base> element.
type FetchPipeline struct {
	client *http.Client
}

// Name identifies the pipeline in clone metadata.
func (p *FetchPipeline) Name() string { return "fetch" }

func NewFetchPipeline(client *http.Client, timeout time.Duration) *FetchPipeline {
	if client == nil {
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &FetchPipeline{client: client}
}

func (p *FetchPipeline) Scrape(ctx context.Context, targetURL string) (Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return Page{}, err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")
	req.Header.Set("User-Agent", "cloner/1.0 (+website clone)")

	resp, err := p.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("fetch %s: %w", targetURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Page{}, fmt.Errorf("fetch %s: http %d", targetURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes+1))
	if err != nil {
		return Page{}, fmt.Errorf("read %s: %w", targetURL, err)
	}
	if len(body) > maxPageBytes {
		return Page{}, fmt.Errorf("page %s exceeds %d bytes", targetURL, maxPageBytes)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	if !strings.Contains(strings.ToLower(contentType), "html") {
		return Page{}, fmt.Errorf("page %s is not html (%s)", targetURL, contentType)
	}
	return Page{
		URL:         targetURL,
		FinalURL:    resp.Request.URL.String(),
		ContentType: contentType,
		HTML:        body,
	}, nil
}

var (
	headOpen = regexp.MustCompile(`(?i)<head(\s[^>]*)?>`)
	baseTag  = regexp.MustCompile(`(?i)<base\s`)
)

func (p *FetchPipeline) Generate(ctx context.Context, page Page) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(page.HTML)) == 0 {
		return nil, errors.New("scraped page is empty")
	}
	return WithBaseHref(page.HTML, page.FinalURL)
}

// WithBaseHref inserts a <base href> pointing at the origin of pageURL unless
// the document already declares one.
func WithBaseHref(html []byte, pageURL string) ([]byte, error) {
	u, err := url.Parse(pageURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid page url %q", pageURL)
	}
	if baseTag.Match(html) {
		return html, nil
	}
	tag := []byte(fmt.Sprintf(`<base href="%s://%s/">`, u.Scheme, u.Host))
	loc := headOpen.FindIndex(html)
	if loc == nil {
		return append(tag, html...), nil
	}
	out := make([]byte, 0, len(html)+len(tag))
	out = append(out, html[:loc[1]]...)
	out = append(out, tag...)
	out = append(out, html[loc[1]:]...)
	return out, nil
}
