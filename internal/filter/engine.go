// Package filter implements the entry exclusion chain: global block
// words, per-feed allow/deny keywords, the must-contain-media policy,
// and content-similarity dedup.
package filter

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"feedpush/internal/model"
	"feedpush/internal/storage"
)

var reMediaMarkup = regexp.MustCompile(`<img[^>]+>|<video[^>]*>|\[img]`)

// ImageHasher computes the perceptual fingerprint of an entry body's
// single image.
type ImageHasher interface {
	Fingerprint(ctx context.Context, body string, useProxy bool) (string, error)
}

// Engine applies the exclusion chain to freshly diffed entries.
type Engine struct {
	store      storage.Storage
	hasher     ImageHasher
	blockWords *regexp.Regexp
	retention  time.Duration
	log        *slog.Logger
}

// New creates an Engine. blockWords are joined into one alternation; an
// empty list disables the global deny list.
func New(store storage.Storage, hasher ImageHasher, blockWords []string, retentionDays int, log *slog.Logger) (*Engine, error) {
	e := &Engine{
		store:     store,
		hasher:    hasher,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		log:       log,
	}
	if len(blockWords) > 0 {
		re, err := regexp.Compile(strings.Join(blockWords, "|"))
		if err != nil {
			return nil, fmt.Errorf("compile block words: %w", err)
		}
		e.blockWords = re
	}
	return e, nil
}

// Apply returns the entries that pass every policy, in input order.
// Excluded entries are recorded into the seen store so they are never
// reconsidered, exactly like delivered ones.
func (e *Engine) Apply(ctx context.Context, feed *model.Feed, items []model.FeedItem) ([]model.FeedItem, error) {
	allow, err := compileKeyword(feed.AllowKeyword)
	if err != nil {
		e.log.Warn("invalid allow keyword, rule skipped", "feed", feed.Name, "error", err)
	}
	deny, err := compileKeyword(feed.DenyKeyword)
	if err != nil {
		e.log.Warn("invalid deny keyword, rule skipped", "feed", feed.Name, "error", err)
	}

	dedupActive := feed.HasDedupFilter(model.FilterLink) ||
		feed.HasDedupFilter(model.FilterTitle) ||
		feed.HasDedupFilter(model.FilterImage)
	if dedupActive {
		if err := e.store.PurgeDedupBefore(ctx, time.Now().Add(-e.retention)); err != nil {
			return nil, fmt.Errorf("purge dedup cache: %w", err)
		}
	}

	var survivors []model.FeedItem
	for i := range items {
		it := items[i]
		excluded, reason, err := e.exclude(ctx, feed, &it, allow, deny, dedupActive)
		if err != nil {
			return nil, err
		}
		if excluded {
			e.log.Info("entry excluded", "feed", feed.Name, "link", it.Link, "reason", reason)
			if err := e.store.AddSeen(ctx, model.NewSeenEntry(feed.ID, &it)); err != nil {
				return nil, fmt.Errorf("record excluded entry: %w", err)
			}
			continue
		}
		survivors = append(survivors, it)
	}
	return survivors, nil
}

// exclude applies the ordered policies; the first match wins.
func (e *Engine) exclude(ctx context.Context, feed *model.Feed, it *model.FeedItem, allow, deny *regexp.Regexp, dedupActive bool) (bool, string, error) {
	body := it.BodyHTML()

	if e.blockWords != nil && e.blockWords.MatchString(body) {
		return true, "block word", nil
	}
	if allow != nil && !allow.MatchString(it.Title) && !allow.MatchString(body) {
		return true, "allow keyword unmatched", nil
	}
	if deny != nil && (deny.MatchString(it.Title) || deny.MatchString(body)) {
		return true, "deny keyword", nil
	}
	if (feed.OnlyPic || feed.ContainsPicOnly) && !reMediaMarkup.MatchString(body) {
		return true, "no media", nil
	}
	if dedupActive {
		dup, err := e.isDuplicate(ctx, feed, it)
		if err != nil {
			return false, "", err
		}
		if dup {
			return true, "duplicate content", nil
		}
	}
	return false, "", nil
}

// isDuplicate builds the active clause set from the enabled filter kinds
// and asks the dedup cache for a match. The computed image fingerprint is
// kept on the item so delivery can cache it.
func (e *Engine) isDuplicate(ctx context.Context, feed *model.Feed, it *model.FeedItem) (bool, error) {
	var link, title, imageHash string
	if feed.HasDedupFilter(model.FilterLink) {
		link = it.Link
	}
	if feed.HasDedupFilter(model.FilterTitle) {
		title = it.Title
	}
	if feed.HasDedupFilter(model.FilterImage) {
		hash, err := e.hasher.Fingerprint(ctx, it.BodyHTML(), feed.Proxy)
		if err != nil {
			// A hash that cannot be computed just never matches.
			e.log.Warn("image fingerprint failed", "feed", feed.Name, "link", it.Link, "error", err)
		}
		imageHash = hash
		it.ImageHash = hash
	}

	or := feed.HasDedupFilter(model.FilterOr)
	dup, err := e.store.HasDedupMatch(ctx, feed.ID, link, title, imageHash, or)
	if err != nil {
		return false, fmt.Errorf("check dedup: %w", err)
	}
	return dup, nil
}

func compileKeyword(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile keyword %q: %w", pattern, err)
	}
	return re, nil
}

// ValidateRegex checks whether a pattern is a valid regular expression.
func ValidateRegex(pattern string) error {
	if _, err := regexp.Compile(pattern); err != nil {
		return fmt.Errorf("invalid regex: %w", err)
	}
	return nil
}
