package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/corona10/goimagehash"
)

// Fingerprint computes the perceptual hash of the entry body's image for
// content-similarity dedup. Entries with zero or more than one image
// never match on image, and animated images are excluded because a
// single-frame hash is unreliable for them; both cases return "".
func (d *Downloader) Fingerprint(ctx context.Context, body string, useProxy bool) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", nil
	}
	imgs := doc.Find("img")
	if imgs.Length() != 1 {
		return "", nil
	}
	src, ok := imgs.Attr("src")
	if !ok || src == "" {
		return "", nil
	}

	content, err := d.Download(ctx, src, useProxy)
	if err != nil {
		return "", fmt.Errorf("fingerprint download: %w", err)
	}
	img, format, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("fingerprint decode: %w", err)
	}
	if format == "gif" {
		return "", nil
	}
	hash, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return "", fmt.Errorf("fingerprint hash: %w", err)
	}
	return hash.ToString(), nil
}
