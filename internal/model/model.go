// Package model defines the domain types used across the application.
package model

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Dedup filter kinds a feed may enable. FilterOr switches the clause
// combination from AND to OR.
const (
	FilterLink  = "link"
	FilterTitle = "title"
	FilterImage = "image"
	FilterOr    = "or"
)

// Feed represents a registered subscription polled on a schedule.
type Feed struct {
	ID    int64
	Name  string // globally unique
	URL   string // absolute, or a path resolved against the hub base
	BotID string

	// Schedule is either a number of minutes ("30") or a five-field
	// cron-like spec with "_" separators ("*/10_8-20_*_*_*").
	Schedule string

	Targets      []string
	DedupFilters []string // subset of {link, title, image, or}

	Proxy           bool
	Translate       bool
	OnlyTitle       bool
	OnlyPic         bool
	ContainsPicOnly bool
	DownloadPic     bool
	Stopped         bool

	AllowKeyword   string // regex; when set, entries must match
	DenyKeyword    string // regex; matching entries are dropped
	ContentRemoval []string
	MaxImages      int // -1 = unlimited
	Cookie         string

	// Conditional-fetch cache from the last successful response.
	ETag         string
	LastModified string

	ConsecutiveFailures int
	CreatedAt           time.Time
}

// ResolveURL returns the absolute feed URL, joining relative paths
// against the configured hub base.
func (f *Feed) ResolveURL(hubBase string) string {
	if u, err := url.Parse(f.URL); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return f.URL
	}
	base := strings.TrimSuffix(hubBase, "/")
	if strings.HasPrefix(f.URL, "/") {
		return base + f.URL
	}
	return base + "/" + f.URL
}

// HasScheme reports whether the raw source URL carries an explicit scheme.
// Scheme-less URLs are hub paths and are eligible for mirror fallback.
func (f *Feed) HasScheme() bool {
	u, err := url.Parse(f.URL)
	return err == nil && u.Scheme != ""
}

// HasDedupFilter reports whether the given dedup filter kind is enabled.
func (f *Feed) HasDedupFilter(kind string) bool {
	for _, v := range f.DedupFilters {
		if v == kind {
			return true
		}
	}
	return false
}

// JobName derives the deterministic scheduler job name for this feed.
func (f *Feed) JobName() string {
	return "feed_" + f.Name
}

// Describe renders a human-readable summary of the subscription.
// Targets and cookies are omitted unless privacy is set.
func (f *Feed) Describe(privacy bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "name: %s\n", f.Name)
	fmt.Fprintf(&b, "url: %s\n", f.URL)
	fmt.Fprintf(&b, "schedule: %s\n", f.Schedule)
	if privacy && len(f.Targets) > 0 {
		fmt.Fprintf(&b, "targets: %s\n", strings.Join(f.Targets, ", "))
	}
	for _, opt := range []struct {
		name string
		on   bool
	}{
		{"proxy", f.Proxy},
		{"translate", f.Translate},
		{"only title", f.OnlyTitle},
		{"only picture", f.OnlyPic},
		{"contains picture only", f.ContainsPicOnly},
		{"download pictures", f.DownloadPic},
		{"stopped", f.Stopped},
	} {
		if opt.on {
			fmt.Fprintf(&b, "%s: yes\n", opt.name)
		}
	}
	if f.AllowKeyword != "" {
		fmt.Fprintf(&b, "allow keyword: %s\n", f.AllowKeyword)
	}
	if f.DenyKeyword != "" {
		fmt.Fprintf(&b, "deny keyword: %s\n", f.DenyKeyword)
	}
	if len(f.DedupFilters) > 0 {
		fmt.Fprintf(&b, "dedup filters: %s\n", strings.Join(f.DedupFilters, ", "))
	}
	if f.MaxImages >= 0 {
		fmt.Fprintf(&b, "max images: %d\n", f.MaxImages)
	}
	if f.ConsecutiveFailures > 0 {
		fmt.Fprintf(&b, "consecutive failures: %d\n", f.ConsecutiveFailures)
	}
	if f.Cookie != "" {
		if privacy {
			fmt.Fprintf(&b, "cookie: %s\n", f.Cookie)
		} else {
			b.WriteString("cookie: set\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// FeedSnapshot is the in-memory result of one fetch. It lives for a
// single poll cycle and is never persisted.
type FeedSnapshot struct {
	Title    string
	Link     string
	Subtitle string
	Items    []FeedItem
}

// FeedItem is one raw entry within a snapshot.
type FeedItem struct {
	Title     string
	Link      string
	Summary   string
	Author    string
	Published string
	// PublishedAt is the parsed publish time; nil when unparsable.
	PublishedAt *time.Time

	// ImageHash is the perceptual fingerprint of the entry's single
	// image, computed lazily during dedup filtering.
	ImageHash string
}

// BodyHTML returns the entry body, wrapping bare links in a div so the
// HTML handling always has an element to work on.
func (it *FeedItem) BodyHTML() string {
	if strings.HasPrefix(it.Summary, "http://") || strings.HasPrefix(it.Summary, "https://") {
		return "<div>" + it.Summary + "</div>"
	}
	return it.Summary
}

// Fingerprint returns the stable digest identifying this entry within a
// feed: a hash over title, link, and published time.
func (it *FeedItem) Fingerprint() string {
	h := sha256.Sum256([]byte(it.Title + "|" + it.Link + "|" + it.Published))
	return fmt.Sprintf("%x", h[:16])
}

// Time returns the entry's publish time, defaulting to now when the
// timestamp could not be parsed.
func (it *FeedItem) Time() time.Time {
	if it.PublishedAt != nil {
		return *it.PublishedAt
	}
	return time.Now()
}

// SeenEntry records that an entry has been counted as processed for a
// feed, whether or not it was actually delivered.
type SeenEntry struct {
	FeedID    int64
	Hash      string
	Title     string
	Link      string
	Published string
	SeenAt    time.Time
}

// NewSeenEntry builds the seen-record for an item.
func NewSeenEntry(feedID int64, it *FeedItem) SeenEntry {
	return SeenEntry{
		FeedID:    feedID,
		Hash:      it.Fingerprint(),
		Title:     it.Title,
		Link:      it.Link,
		Published: it.Published,
	}
}

// DedupEntry is a time-bounded record of a recently delivered entry,
// used to catch content republished under a new identity.
type DedupEntry struct {
	ID        int64
	FeedID    int64
	Link      string
	Title     string
	ImageHash string
	CreatedAt time.Time
}

// Message is one assembled outgoing notification.
type Message struct {
	Text   string
	Images [][]byte
}
