package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "image/gif" // GIF decoder registration.

	"github.com/PuerkitoBio/goquery"
	"github.com/sethvargo/go-retry"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // WEBP decoder registration.
)

const gifShrinkBase = "https://s3.ezgif.com/resize"

// resize decodes, downscales to the configured edge limit, and re-encodes.
// WEBP always comes back as PNG; JPEG stays JPEG; everything else becomes
// PNG.
func (d *Downloader) resize(content []byte, format string) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	limit := d.opts.SizeLimit
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if limit > 0 && (w > limit || h > limit) {
		scale := float64(limit) / float64(w)
		if h > w {
			scale = float64(limit) / float64(h)
		}
		dst := image.NewRGBA(image.Rect(0, 0, int(float64(w)*scale), int(float64(h)*scale)))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
		img = dst
	} else if format == "jpeg" || format == "png" {
		// Already a common container within bounds.
		return content, nil
	}

	var buf bytes.Buffer
	if format == "jpeg" {
		err = jpeg.Encode(&buf, img, nil)
	} else {
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// shrinkGIF runs an oversized animated image through the external resize
// flow: submit the source URL, replay the returned form at half width,
// then download the output.
func (d *Downloader) shrinkGIF(ctx context.Context, src string) ([]byte, error) {
	backoff := retry.WithMaxRetries(maxAttempts-1, retry.NewConstant(time.Second))
	backoff = retry.WithMaxDuration(maxRetryElapsed, backoff)

	var out []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		out, err = d.shrinkGIFOnce(ctx, src)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("shrink gif: %w", err)
	}
	return out, nil
}

func (d *Downloader) shrinkGIFOnce(ctx context.Context, src string) ([]byte, error) {
	doc, err := d.postForm(ctx, gifShrinkBase, url.Values{"new-image-url": {src}})
	if err != nil {
		return nil, err
	}

	form := doc.Find("form")
	action, _ := form.Attr("action")
	hidden := form.Find("input[type=hidden]")
	file, _ := hidden.Eq(0).Attr("value")
	token, _ := hidden.Eq(1).Attr("value")
	oldWidth, _ := hidden.Eq(2).Attr("value")
	oldHeight, _ := hidden.Eq(3).Attr("value")
	if action == "" || file == "" {
		return nil, fmt.Errorf("unexpected resize form")
	}

	var width int
	if _, err := fmt.Sscanf(oldWidth, "%d", &width); err != nil {
		return nil, fmt.Errorf("parse width %q: %w", oldWidth, err)
	}
	doc, err = d.postForm(ctx, action+"?ajax=true", url.Values{
		"file":       {file},
		"token":      {token},
		"old_width":  {oldWidth},
		"old_height": {oldHeight},
		"width":      {fmt.Sprintf("%d", width/2)},
		"method":     {"gifsicle"},
		"ar":         {"force"},
	})
	if err != nil {
		return nil, err
	}

	outSrc, ok := doc.Find("img").First().Attr("src")
	if !ok {
		return nil, fmt.Errorf("no output image in response")
	}
	if strings.HasPrefix(outSrc, "//") {
		outSrc = "https:" + outSrc
	}
	return d.downloadOnce(ctx, outSrc, false)
}

func (d *Downloader) postForm(ctx context.Context, target string, values url.Values) (*goquery.Document, error) {
	reqCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target,
		strings.NewReader(values.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return doc, nil
}

func writeFile(base, rel string, content []byte) error {
	full := filepath.Join(base, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(full, content, 0o640); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}
