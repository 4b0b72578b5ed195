// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"time"

	"feedpush/internal/model"
)

// Storage is the interface for all persistence operations. Implementations
// must support concurrent reads and writes across different feeds without a
// global lock; a single feed's state is only ever mutated by its own run.
type Storage interface {
	CreateFeed(ctx context.Context, feed *model.Feed) error
	GetFeedByName(ctx context.Context, name string) (*model.Feed, error)
	ListFeeds(ctx context.Context, botID string) ([]model.Feed, error)
	UpdateFeed(ctx context.Context, feed *model.Feed) error
	DeleteFeed(ctx context.Context, id int64) error

	AddSeen(ctx context.Context, e model.SeenEntry) error
	HasSeen(ctx context.Context, feedID int64, hash string) (bool, error)
	ClearSeen(ctx context.Context, feedID int64) error

	AddDedup(ctx context.Context, e model.DedupEntry) error
	// HasDedupMatch reports whether any cached entry for the feed matches
	// the non-empty clauses, combined with OR when or is set, AND otherwise.
	HasDedupMatch(ctx context.Context, feedID int64, link, title, imageHash string, or bool) (bool, error)
	PurgeDedupBefore(ctx context.Context, cutoff time.Time) error

	Close() error
}
