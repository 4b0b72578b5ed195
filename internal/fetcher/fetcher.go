// Package fetcher handles conditional feed retrieval, mirror fallback, and
// parsing into the snapshot model.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mmcdole/gofeed"

	"feedpush/internal/model"
	"feedpush/internal/storage"
)

// ErrParse marks a response that was retrieved but did not contain a
// parseable, non-empty feed document. For failure accounting it is
// treated like a transport error; callers may log it distinctly.
var ErrParse = errors.New("parse feed")

const maxBodySize = 5 * 1024 * 1024

var baseHeaders = map[string]string{
	"Accept":          "application/xhtml+xml,application/xml,*/*",
	"Accept-Language": "en-US,en;q=0.9",
	"Cache-Control":   "max-age=0",
	"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) " +
		"Chrome/111.0.0.0 Safari/537.36",
	"Connection": "keep-alive",
}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads and parses feeds.
type Fetcher struct {
	client      HTTPClient
	proxyClient HTTPClient
	store       storage.Storage
	hubBase     string
	mirrors     []string
	log         *slog.Logger
	timeout     time.Duration
}

// Options configures a Fetcher.
type Options struct {
	HubBase  string
	Mirrors  []string
	ProxyURL string
}

// New creates a Fetcher with clients derived from opts. When a proxy URL
// is configured, a second client routed through it serves the feeds that
// enable the proxy toggle.
func New(store storage.Storage, opts Options, log *slog.Logger) (*Fetcher, error) {
	f := &Fetcher{
		client:  http.DefaultClient,
		store:   store,
		hubBase: opts.HubBase,
		mirrors: opts.Mirrors,
		log:     log,
		timeout: 10 * time.Second,
	}
	f.proxyClient = f.client
	if opts.ProxyURL != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		f.proxyClient = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}
	return f, nil
}

// NewWithClients creates a Fetcher with explicit HTTP clients (useful for
// testing).
func NewWithClients(store storage.Storage, client, proxyClient HTTPClient, opts Options, log *slog.Logger) *Fetcher {
	return &Fetcher{
		client:      client,
		proxyClient: proxyClient,
		store:       store,
		hubBase:     opts.HubBase,
		mirrors:     opts.Mirrors,
		log:         log,
		timeout:     10 * time.Second,
	}
}

// Fetch retrieves the feed document and parses it into a snapshot.
// unchanged is true when the remote reported the document unmodified
// (304, or 200 with an explicit zero content length); in that case the
// snapshot is nil and no error is returned.
//
// Retries beyond the mirror fallback are the scheduler's job, not the
// fetcher's.
func (f *Fetcher) Fetch(ctx context.Context, feed *model.Feed) (*model.FeedSnapshot, bool, error) {
	feedURL := feed.ResolveURL(f.hubBase)
	client := f.clientFor(feed, feedURL)

	snapshot, unchanged, err := f.fetchOne(ctx, client, feed, feedURL, true)
	if err == nil || unchanged {
		return snapshot, unchanged, err
	}

	// Mirror bases only apply to hub paths; absolute URLs have nothing
	// to substitute.
	if feed.HasScheme() || len(f.mirrors) == 0 {
		return nil, false, err
	}
	f.log.Debug("primary fetch failed, trying mirrors", "feed", feed.Name, "url", feedURL, "error", err)
	for _, mirror := range f.mirrors {
		mirrorURL := feed.ResolveURL(mirror)
		snapshot, _, merr := f.fetchOne(ctx, client, feed, mirrorURL, false)
		if merr != nil {
			f.log.Debug("mirror fetch failed", "feed", feed.Name, "url", mirrorURL, "error", merr)
			continue
		}
		f.log.Info("mirror fetch succeeded", "feed", feed.Name, "url", mirrorURL)
		return snapshot, false, nil
	}
	return nil, false, err
}

func (f *Fetcher) clientFor(feed *model.Feed, feedURL string) HTTPClient {
	if !feed.Proxy {
		return f.client
	}
	// Local endpoints never go through the proxy.
	if u, err := url.Parse(feedURL); err == nil {
		host := u.Hostname()
		if host == "localhost" || host == "127.0.0.1" || host == "::1" {
			return f.client
		}
	}
	return f.proxyClient
}

func (f *Fetcher) fetchOne(ctx context.Context, client HTTPClient, feed *model.Feed, feedURL string, primary bool) (*model.FeedSnapshot, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	for k, v := range baseHeaders {
		req.Header.Set(k, v)
	}
	if feed.Cookie != "" {
		req.Header.Set("Cookie", feed.Cookie)
	}
	// Mirrors do not honor conditional headers consistently, so the
	// cache headers are only used (and refreshed) without mirrors.
	useCache := primary && len(f.mirrors) == 0
	if useCache {
		if feed.ETag != "" {
			req.Header.Set("If-None-Match", feed.ETag)
		}
		if feed.LastModified != "" {
			req.Header.Set("If-Modified-Since", feed.LastModified)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// An unmodified response keeps the stored validators; bare 304s
	// often omit them.
	if resp.StatusCode == http.StatusNotModified ||
		(resp.StatusCode == http.StatusOK && resp.Header.Get("Content-Length") == "0") {
		return nil, true, nil
	}

	if useCache {
		f.updateCacheHeaders(ctx, feed, resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, false, fmt.Errorf("read body: %w", err)
	}

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if parsed.Title == "" && len(parsed.Items) == 0 {
		return nil, false, fmt.Errorf("%w: empty document", ErrParse)
	}
	return toSnapshot(parsed), false, nil
}

// updateCacheHeaders persists the new conditional-fetch headers. The Date
// header stands in for a missing Last-Modified, as many hubs omit it.
func (f *Fetcher) updateCacheHeaders(ctx context.Context, feed *model.Feed, resp *http.Response) {
	lastModified := resp.Header.Get("Last-Modified")
	if lastModified == "" {
		lastModified = resp.Header.Get("Date")
	}
	etag := resp.Header.Get("ETag")
	if etag == feed.ETag && lastModified == feed.LastModified {
		return
	}
	feed.ETag = etag
	feed.LastModified = lastModified
	if err := f.store.UpdateFeed(ctx, feed); err != nil {
		f.log.Error("persist cache headers", "feed", feed.Name, "error", err)
	}
}

func toSnapshot(parsed *gofeed.Feed) *model.FeedSnapshot {
	snap := &model.FeedSnapshot{
		Title:    parsed.Title,
		Link:     parsed.Link,
		Subtitle: parsed.Description,
	}
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		it := model.FeedItem{
			Title:       item.Title,
			Link:        item.Link,
			Summary:     item.Description,
			Published:   item.Published,
			PublishedAt: item.PublishedParsed,
		}
		if it.Summary == "" && item.Content != "" {
			it.Summary = item.Content
		}
		if item.Author != nil {
			it.Author = item.Author.Name
		}
		snap.Items = append(snap.Items, it)
	}
	return snap
}
