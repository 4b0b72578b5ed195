// Package media extracts, downloads, and re-encodes the images referenced
// by an entry body.
package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"feedpush/internal/model"
)

const (
	downloadTimeout  = 10 * time.Second
	maxAttempts      = 5
	maxRetryElapsed  = 30 * time.Second
	downloadParallel = 4
)

var reBracketImg = regexp.MustCompile(`(?i)\[img[^]]*](.+?)\[/img]`)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Downloader.
type Options struct {
	ProxyURL string
	// SizeLimit is the maximum raster image edge in pixels; larger
	// images are downscaled.
	SizeLimit int
	// GIFShrinkThresholdKB sends larger animated images through the
	// external shrink service.
	GIFShrinkThresholdKB int
	SavePath             string
	SaveName             string
}

// Downloader fetches and post-processes entry images.
type Downloader struct {
	client      HTTPClient
	proxyClient HTTPClient
	opts        Options
	log         *slog.Logger
}

// New creates a Downloader. When a proxy URL is configured, feed-level
// proxy toggles route downloads through it.
func New(opts Options, log *slog.Logger) (*Downloader, error) {
	d := &Downloader{
		client: http.DefaultClient,
		opts:   opts,
		log:    log,
	}
	d.proxyClient = d.client
	if opts.ProxyURL != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		d.proxyClient = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}
	return d, nil
}

// NewWithClients creates a Downloader with explicit HTTP clients (useful
// for testing).
func NewWithClients(client, proxyClient HTTPClient, opts Options, log *slog.Logger) *Downloader {
	return &Downloader{client: client, proxyClient: proxyClient, opts: opts, log: log}
}

// ExtractImageURLs returns the image sources referenced by the body:
// img tags, video posters, and legacy bracket-markup image tags.
func ExtractImageURLs(body string) (images, posters []string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err == nil {
		doc.Find("img").Each(func(_ int, img *goquery.Selection) {
			if src, ok := img.Attr("src"); ok && src != "" {
				images = append(images, src)
			}
		})
		doc.Find("video").Each(func(_ int, v *goquery.Selection) {
			if poster, ok := v.Attr("poster"); ok && poster != "" {
				posters = append(posters, poster)
			}
		})
	}
	for _, m := range reBracketImg.FindAllStringSubmatch(body, -1) {
		images = append(images, m[1])
	}
	return images, posters
}

// Collect extracts the body's images, bounds them by the feed's image
// budget, and downloads and re-encodes them with bounded parallelism.
// A single failed image is dropped, never aborting the entry; the
// returned notice is non-empty when the budget truncated the list.
func (d *Downloader) Collect(ctx context.Context, feed *model.Feed, body string) (notice string, images [][]byte) {
	if feed.MaxImages == 0 {
		return "", nil
	}
	srcs, posters := ExtractImageURLs(body)
	if max := feed.MaxImages; max > 0 && max < len(srcs) {
		notice = fmt.Sprintf("\nshowing %d of %d images:", max, len(srcs))
		srcs = srcs[:max]
	}
	srcs = append(srcs, posters...)
	if len(srcs) == 0 {
		return notice, nil
	}

	// Downloads fan out, but the result keeps source order so message
	// assembly stays deterministic.
	results := make([][]byte, len(srcs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadParallel)
	for i, src := range srcs {
		i, src := i, src
		g.Go(func() error {
			content, err := d.Process(gctx, src, feed)
			if err != nil {
				d.log.Warn("image dropped", "feed", feed.Name, "url", src, "error", err)
				return nil
			}
			results[i] = content
			return nil
		})
	}
	_ = g.Wait()

	for _, content := range results {
		if content != nil {
			images = append(images, content)
		}
	}
	return notice, images
}

// Process downloads one image, saves the original when the feed asks for
// it, and applies size-based re-encoding.
func (d *Downloader) Process(ctx context.Context, src string, feed *model.Feed) ([]byte, error) {
	content, err := d.Download(ctx, src, feed.Proxy)
	if err != nil {
		return nil, err
	}
	if feed.DownloadPic {
		if err := d.save(src, feed, content); err != nil {
			d.log.Warn("save image", "feed", feed.Name, "url", src, "error", err)
		}
	}
	return d.reencode(ctx, src, content)
}

// Download retrieves raw image bytes with bounded retry. SVG responses
// are converted to PNG through the conversion proxy first.
func (d *Downloader) Download(ctx context.Context, src string, useProxy bool) ([]byte, error) {
	backoff := retry.WithMaxRetries(maxAttempts-1, retry.NewConstant(time.Second))
	backoff = retry.WithMaxDuration(maxRetryElapsed, backoff)

	var content []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		content, err = d.downloadOnce(ctx, src, useProxy)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}

	if isSVG(content) {
		converted := "https://images.weserv.nl/?" + url.Values{
			"url":    {src},
			"output": {"png"},
		}.Encode()
		return d.Download(ctx, converted, useProxy)
	}
	return content, nil
}

func (d *Downloader) downloadOnce(ctx context.Context, src string, useProxy bool) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if u, err := url.Parse(src); err == nil && u.Host != "" {
		req.Header.Set("Referer", u.Scheme+"://"+u.Host+"/")
	}

	client := d.client
	if useProxy {
		client = d.proxyClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("empty response")
	}
	return content, nil
}

func isSVG(content []byte) bool {
	head := content
	if len(head) > 512 {
		head = head[:512]
	}
	return bytes.Contains(head, []byte("<svg"))
}

// save writes the original bytes under the configured templated path.
func (d *Downloader) save(src string, feed *model.Feed, content []byte) error {
	u, err := url.Parse(src)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	name := path.Base(u.Path)
	ext := path.Ext(name)

	rel := d.opts.SaveName
	if strings.Contains(rel, "{ext}") {
		rel = strings.ReplaceAll(rel, "{name}", strings.TrimSuffix(name, ext))
		rel = strings.ReplaceAll(rel, "{ext}", ext)
	} else {
		rel = strings.ReplaceAll(rel, "{name}", name)
	}
	rel = strings.ReplaceAll(rel, "{subs}", feed.Name)

	return writeFile(d.opts.SavePath, rel, content)
}

// reencode downscales oversized raster images, converts unusual containers
// to common ones, and shrinks oversized animated images through the
// external service, falling back to the original bytes on failure.
func (d *Downloader) reencode(ctx context.Context, src string, content []byte) ([]byte, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	if format == "gif" {
		if len(content) > d.opts.GIFShrinkThresholdKB*1024 {
			if shrunk, err := d.shrinkGIF(ctx, src); err == nil {
				return shrunk, nil
			}
			d.log.Warn("gif shrink failed, sending original", "url", src)
		}
		return content, nil
	}
	return d.resize(content, format)
}
