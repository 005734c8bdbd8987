package preview

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestFirstURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"see https://example.com/a?b=1 and http://other.org", "https://example.com/a?b=1"},
		{"plain text", ""},
		{"http://x.io/path,with,commas done", "http://x.io/path,with,commas"},
		{"中文 https://go.dev/doc 看看", "https://go.dev/doc"},
	}
	for _, tc := range cases {
		got, ok := FirstURL(tc.in)
		if got != tc.want || ok != (tc.want != "") {
			t.Fatalf("FirstURL(%q) = %q, %v; want %q", tc.in, got, ok, tc.want)
		}
	}
}

func TestFetch_PrefersStructuredMetadata(t *testing.T) {
	long := strings.Repeat("描", 120)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Errorf("expected a user agent")
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head>
<title>Plain title</title>
<meta name="twitter:title" content="Twitter title">
<meta property="og:title" content="OG title">
<meta name="description" content="meta description">
<meta property="og:description" content="` + long + `">
<meta property="og:site_name" content="Example">
</head><body></body></html>`))
	}))
	defer srv.Close()

	f := NewFetcher(time.Second, nil)
	p, ok := f.Fetch(context.Background(), srv.URL+"/page")
	if !ok {
		t.Fatalf("expected preview")
	}
	if p.Title != "OG title" || p.SiteName != "Example" || p.URL != srv.URL+"/page" {
		t.Fatalf("unexpected preview: %+v", p)
	}
	if want := strings.Repeat("描", 100) + "..."; p.Description != want {
		t.Fatalf("description not truncated: %q", p.Description)
	}
}

func TestFetch_FallsBackToTitleTagAndHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title> Hello </title><meta name="description" content="short"></head></html>`))
	}))
	defer srv.Close()

	f := NewFetcher(time.Second, nil)
	p, ok := f.Fetch(context.Background(), srv.URL)
	if !ok {
		t.Fatalf("expected preview")
	}
	host := strings.TrimPrefix(srv.URL, "http://")
	if p.Title != "Hello" || p.Description != "short" || p.SiteName != host {
		t.Fatalf("unexpected preview: %+v", p)
	}
}

func TestFetch_NoTitleOrErrorIsCachedMiss(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<html><body>no head</body></html>`))
	}))
	defer srv.Close()

	f := NewFetcher(time.Second, nil)
	for i := 0; i < 2; i++ {
		if _, ok := f.Fetch(context.Background(), srv.URL+"/untitled"); ok {
			t.Fatalf("expected no preview without a title")
		}
		if _, ok := f.Fetch(context.Background(), srv.URL+"/missing"); ok {
			t.Fatalf("expected no preview for 404")
		}
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("expected each url fetched once, got %d requests", got)
	}
}

func TestFetch_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := NewFetcher(50*time.Millisecond, nil)
	start := time.Now()
	if _, ok := f.Fetch(context.Background(), srv.URL); ok {
		t.Fatalf("expected timeout to yield no preview")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("fetch did not respect timeout")
	}
}
