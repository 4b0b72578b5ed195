// Package diff computes which snapshot entries have not been seen yet.
package diff

import (
	"context"
	"fmt"
	"sort"

	"feedpush/internal/model"
	"feedpush/internal/storage"
)

// ComputeNew returns the entries of items with no seen-record for the
// feed, ordered oldest to newest by publish time. Entries with an
// unparsable timestamp sort as "now". The seen store is not written;
// running ComputeNew repeatedly without an intervening AddSeen yields
// the same result.
func ComputeNew(ctx context.Context, store storage.Storage, feedID int64, items []model.FeedItem) ([]model.FeedItem, error) {
	var fresh []model.FeedItem
	for i := range items {
		seen, err := store.HasSeen(ctx, feedID, items[i].Fingerprint())
		if err != nil {
			return nil, fmt.Errorf("check seen: %w", err)
		}
		if !seen {
			fresh = append(fresh, items[i])
		}
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].Time().Before(fresh[j].Time())
	})
	return fresh, nil
}
