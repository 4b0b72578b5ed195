package diff

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"feedpush/internal/model"
	"feedpush/internal/storage"
)

func newTestStore(t *testing.T) storage.Storage {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func itemAt(title string, published time.Time) model.FeedItem {
	ts := published
	return model.FeedItem{
		Title:       title,
		Link:        "https://example.com/" + title,
		Published:   published.Format(time.RFC1123),
		PublishedAt: &ts,
	}
}

func TestComputeNew(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	older := itemAt("older", base)
	newer := itemAt("newer", base.Add(time.Hour))
	newest := itemAt("newest", base.Add(2*time.Hour))

	known := itemAt("known", base.Add(-time.Hour))
	if err := store.AddSeen(ctx, model.NewSeenEntry(1, &known)); err != nil {
		t.Fatalf("add seen: %v", err)
	}

	// Snapshot order is newest-first, as feeds usually are; the result
	// must come back oldest-first so delivery reads chronologically.
	got, err := ComputeNew(ctx, store, 1, []model.FeedItem{newest, known, older, newer})
	if err != nil {
		t.Fatalf("compute new: %v", err)
	}

	want := []model.FeedItem{older, newer, newest}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ComputeNew mismatch (-want +got):\n%s", diff)
	}
}

func TestComputeNewScopedByFeed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	item := itemAt("shared", time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC))
	if err := store.AddSeen(ctx, model.NewSeenEntry(1, &item)); err != nil {
		t.Fatalf("add seen: %v", err)
	}

	// Seen in feed 1 does not hide the entry from feed 2.
	got, err := ComputeNew(ctx, store, 2, []model.FeedItem{item})
	if err != nil {
		t.Fatalf("compute new: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 new item for feed 2, got %d", len(got))
	}

	got, err = ComputeNew(ctx, store, 1, []model.FeedItem{item})
	if err != nil {
		t.Fatalf("compute new: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected 0 new items for feed 1, got %d", len(got))
	}
}
