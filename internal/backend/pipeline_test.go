package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestWithBaseHref(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "after head",
			html: `<html><head><title>x</title></head></html>`,
			want: `<html><head><base href="https://example.com/"><title>x</title></head></html>`,
		},
		{
			name: "head with attributes",
			html: `<HEAD lang="en"><title>x</title>`,
			want: `<HEAD lang="en"><base href="https://example.com/"><title>x</title>`,
		},
		{
			name: "no head",
			html: `<p>hi</p>`,
			want: `<base href="https://example.com/"><p>hi</p>`,
		},
		{
			name: "existing base kept",
			html: `<head><base href="/x/"></head>`,
			want: `<head><base href="/x/"></head>`,
		},
		{
			name: "header element is not head",
			html: `<header>top</header>`,
			want: `<base href="https://example.com/"><header>top</header>`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := WithBaseHref([]byte(tc.html), "https://example.com/docs/page?q=1")
			if err != nil {
				t.Fatalf("WithBaseHref error: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("got %q\nwant %q", got, tc.want)
			}
		})
	}
}

func TestWithBaseHrefRejectsRelativeURL(t *testing.T) {
	if _, err := WithBaseHref([]byte("<p/>"), "/relative"); err == nil {
		t.Fatal("expected error for relative page url")
	}
}

func TestFetchPipeline(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(`<html><head></head><body>hello</body></html>`))
		case "/moved":
			http.Redirect(w, r, "/page", http.StatusFound)
		case "/data":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	p := NewFetchPipeline(nil, 5*time.Second)
	ctx := context.Background()

	page, err := p.Scrape(ctx, ts.URL+"/moved")
	if err != nil {
		t.Fatalf("Scrape error: %v", err)
	}
	if page.FinalURL != ts.URL+"/page" {
		t.Fatalf("FinalURL = %q", page.FinalURL)
	}
	html, err := p.Generate(ctx, page)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if !strings.Contains(string(html), `<base href="`+ts.URL+`/">`) {
		t.Fatalf("generated html missing base: %s", html)
	}

	if _, err := p.Scrape(ctx, ts.URL+"/data"); err == nil {
		t.Fatal("expected error for non-html content")
	}
	if _, err := p.Scrape(ctx, ts.URL+"/missing"); err == nil {
		t.Fatal("expected error for 404")
	}
	if _, err := p.Generate(ctx, Page{FinalURL: ts.URL, HTML: []byte("  ")}); err == nil {
		t.Fatal("expected error for empty page")
	}
}
