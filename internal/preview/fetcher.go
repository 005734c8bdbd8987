// Package preview fetches title and description metadata for links posted
// in chat.
package preview

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"github.com/suPer8Hu/ai-chatroom/internal/chat"
)

const (
	DefaultTimeout   = 3 * time.Second
	DefaultCacheSize = 512
	DefaultCacheTTL  = 30 * time.Minute

	maxDescription = 100
	maxBody        = 2 << 20

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
)

var urlRe = regexp.MustCompile(`https?://(?:[a-zA-Z0-9]|[$-_@.&+]|[!*(),]|%[0-9a-fA-F]{2})+`)

var previewFetches = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chatroom_link_preview_fetches_total",
		Help: "Link preview lookups by result",
	},
	[]string{"result"},
)

// FirstURL returns the first http(s) link in text.
func FirstURL(text string) (string, bool) {
	u := urlRe.FindString(text)
	return u, u != ""
}

// Fetcher resolves a URL into a chat.LinkPreview. Both hits and misses are
// cached so a link is fetched at most once per TTL.
type Fetcher struct {
	client *http.Client
	cache  *expirable.LRU[string, *chat.LinkPreview]
	logger *slog.Logger
}

type Option func(*Fetcher)

func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

func WithCache(size int, ttl time.Duration) Option {
	return func(f *Fetcher) {
		f.cache = expirable.NewLRU[string, *chat.LinkPreview](size, nil, ttl)
	}
}

func NewFetcher(timeout time.Duration, logger *slog.Logger, opts ...Option) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fetcher{
		client: &http.Client{Timeout: timeout},
		cache:  expirable.NewLRU[string, *chat.LinkPreview](DefaultCacheSize, nil, DefaultCacheTTL),
		logger: logger.With(slog.String("component", "preview")),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch returns the preview for rawURL, or false when the page has no
// usable title or could not be fetched.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (chat.LinkPreview, bool) {
	if p, ok := f.cache.Get(rawURL); ok {
		previewFetches.WithLabelValues("cached").Inc()
		if p == nil {
			return chat.LinkPreview{}, false
		}
		return *p, true
	}

	p, err := f.fetch(ctx, rawURL)
	if err != nil {
		previewFetches.WithLabelValues("error").Inc()
		f.logger.Debug("link preview failed", slog.String("url", rawURL), slog.String("error", err.Error()))
		f.cache.Add(rawURL, nil)
		return chat.LinkPreview{}, false
	}
	if p == nil {
		previewFetches.WithLabelValues("untitled").Inc()
		f.cache.Add(rawURL, nil)
		return chat.LinkPreview{}, false
	}
	previewFetches.WithLabelValues("ok").Inc()
	f.cache.Add(rawURL, p)
	return *p, true
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string) (*chat.LinkPreview, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("unsupported url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := charset.NewReader(io.LimitReader(resp.Body, maxBody), resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("detect charset: %w", err)
	}
	doc, err := html.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	m := collect(doc)
	title := firstNonEmpty(m.property["og:title"], m.name["twitter:title"], m.title)
	if title == "" {
		return nil, nil
	}
	site := firstNonEmpty(m.property["og:site_name"], u.Host)
	return &chat.LinkPreview{
		URL:         rawURL,
		Title:       title,
		Description: truncate(firstNonEmpty(m.property["og:description"], m.name["description"]), maxDescription),
		SiteName:    site,
	}, nil
}

type meta struct {
	title    string
	property map[string]string
	name     map[string]string
}

// collect walks the document once, keeping the first value seen for each key.
func collect(doc *html.Node) meta {
	m := meta{property: map[string]string{}, name: map[string]string{}}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if m.title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					m.title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "meta":
				var prop, name, content string
				for _, a := range n.Attr {
					switch strings.ToLower(a.Key) {
					case "property":
						prop = strings.ToLower(a.Val)
					case "name":
						name = strings.ToLower(a.Val)
					case "content":
						content = strings.TrimSpace(a.Val)
					}
				}
				if content != "" {
					if _, seen := m.property[prop]; prop != "" && !seen {
						m.property[prop] = content
					}
					if _, seen := m.name[name]; name != "" && !seen {
						m.name[name] = content
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return m
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
