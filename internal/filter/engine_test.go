package filter

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"

	"feedpush/internal/model"
	"feedpush/internal/storage"
)

type stubHasher struct {
	hash string
	err  error
}

func (h *stubHasher) Fingerprint(_ context.Context, _ string, _ bool) (string, error) {
	return h.hash, h.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) storage.Storage {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func titles(items []model.FeedItem) []string {
	var out []string
	for _, it := range items {
		out = append(out, it.Title)
	}
	return out
}

func TestApplyKeywordPolicies(t *testing.T) {
	items := []model.FeedItem{
		{Title: "release notes", Link: "https://example.com/1", Summary: "<p>new version</p>"},
		{Title: "sponsored post", Link: "https://example.com/2", Summary: "<p>buy now</p>"},
		{Title: "weekly digest", Link: "https://example.com/3", Summary: "<p>casino bonus inside</p>"},
		{Title: "community news", Link: "https://example.com/4", Summary: "<p>meetup report</p>"},
	}

	tests := []struct {
		name       string
		blockWords []string
		feed       model.Feed
		want       []string
	}{
		{
			name: "no policies keeps everything",
			feed: model.Feed{ID: 1, Name: "plain"},
			want: []string{"release notes", "sponsored post", "weekly digest", "community news"},
		},
		{
			name:       "global block words",
			blockWords: []string{"casino", "lottery"},
			feed:       model.Feed{ID: 1, Name: "blocked"},
			want:       []string{"release notes", "sponsored post", "community news"},
		},
		{
			name: "allow keyword matches title or body",
			feed: model.Feed{ID: 1, Name: "allowed", AllowKeyword: "release|meetup"},
			want: []string{"release notes", "community news"},
		},
		{
			name: "deny keyword",
			feed: model.Feed{ID: 1, Name: "denied", DenyKeyword: "sponsored"},
			want: []string{"release notes", "weekly digest", "community news"},
		},
		{
			name: "deny wins over allow",
			feed: model.Feed{ID: 1, Name: "both", AllowKeyword: "post|notes", DenyKeyword: "sponsored"},
			want: []string{"release notes"},
		},
		{
			name: "invalid allow keyword is skipped",
			feed: model.Feed{ID: 1, Name: "broken", AllowKeyword: "("},
			want: []string{"release notes", "sponsored post", "weekly digest", "community news"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			e, err := New(store, &stubHasher{}, tt.blockWords, 10, testLogger())
			if err != nil {
				t.Fatalf("new engine: %v", err)
			}
			got, err := e.Apply(context.Background(), &tt.feed, items)
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			if diff := cmp.Diff(tt.want, titles(got)); diff != "" {
				t.Errorf("survivors mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestApplyRequiresMedia(t *testing.T) {
	items := []model.FeedItem{
		{Title: "with image", Link: "https://example.com/1", Summary: `<p>look</p><img src="https://example.com/a.jpg">`},
		{Title: "with video", Link: "https://example.com/2", Summary: `<video poster="https://example.com/p.jpg"></video>`},
		{Title: "bracket markup", Link: "https://example.com/3", Summary: `text [img]https://example.com/b.jpg[/img]`},
		{Title: "text only", Link: "https://example.com/4", Summary: "<p>plain words</p>"},
	}

	store := newTestStore(t)
	e, err := New(store, &stubHasher{}, nil, 10, testLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	feed := model.Feed{ID: 1, Name: "piconly", ContainsPicOnly: true}
	got, err := e.Apply(context.Background(), &feed, items)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	want := []string{"with image", "with video", "bracket markup"}
	if diff := cmp.Diff(want, titles(got)); diff != "" {
		t.Errorf("survivors mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyRecordsExcludedAsSeen(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	e, err := New(store, &stubHasher{}, nil, 10, testLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	item := model.FeedItem{Title: "sponsored", Link: "https://example.com/1", Summary: "<p>ad</p>"}
	feed := model.Feed{ID: 1, Name: "seen", DenyKeyword: "sponsored"}

	got, err := e.Apply(ctx, &feed, []model.FeedItem{item})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no survivors, got %d", len(got))
	}

	seen, err := store.HasSeen(ctx, feed.ID, item.Fingerprint())
	if err != nil {
		t.Fatalf("has seen: %v", err)
	}
	if !seen {
		t.Fatal("excluded entry not recorded as seen")
	}
}

func TestApplyDedup(t *testing.T) {
	ctx := context.Background()

	cached := model.DedupEntry{
		FeedID:    1,
		Link:      "https://example.com/cached",
		Title:     "cached title",
		ImageHash: "d:0011223344556677",
	}

	tests := []struct {
		name    string
		filters []string
		hash    string
		item    model.FeedItem
		wantDup bool
	}{
		{
			name:    "link and title both match",
			filters: []string{model.FilterLink, model.FilterTitle},
			item:    model.FeedItem{Title: "cached title", Link: "https://example.com/cached"},
			wantDup: true,
		},
		{
			name:    "and requires every clause",
			filters: []string{model.FilterLink, model.FilterTitle},
			item:    model.FeedItem{Title: "new title", Link: "https://example.com/cached"},
			wantDup: false,
		},
		{
			name:    "or matches on a single clause",
			filters: []string{model.FilterLink, model.FilterTitle, model.FilterOr},
			item:    model.FeedItem{Title: "new title", Link: "https://example.com/cached"},
			wantDup: true,
		},
		{
			name:    "image hash match",
			filters: []string{model.FilterImage},
			hash:    "d:0011223344556677",
			item:    model.FeedItem{Title: "repost", Link: "https://example.com/new", Summary: `<img src="https://example.com/x.jpg">`},
			wantDup: true,
		},
		{
			name:    "image hash differs",
			filters: []string{model.FilterImage},
			hash:    "d:ffffffffffffffff",
			item:    model.FeedItem{Title: "fresh", Link: "https://example.com/new", Summary: `<img src="https://example.com/y.jpg">`},
			wantDup: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			if err := store.AddDedup(ctx, cached); err != nil {
				t.Fatalf("add dedup: %v", err)
			}
			e, err := New(store, &stubHasher{hash: tt.hash}, nil, 10, testLogger())
			if err != nil {
				t.Fatalf("new engine: %v", err)
			}

			feed := model.Feed{ID: 1, Name: "dedup", DedupFilters: tt.filters}
			got, err := e.Apply(ctx, &feed, []model.FeedItem{tt.item})
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			if dup := len(got) == 0; dup != tt.wantDup {
				t.Errorf("duplicate = %v, want %v", dup, tt.wantDup)
			}
		})
	}
}

func TestApplyDedupKeepsComputedHash(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	e, err := New(store, &stubHasher{hash: "d:aabbccddeeff0011"}, nil, 10, testLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	feed := model.Feed{ID: 1, Name: "hashkeep", DedupFilters: []string{model.FilterImage}}
	item := model.FeedItem{Title: "pic", Link: "https://example.com/pic", Summary: `<img src="https://example.com/z.jpg">`}

	got, err := e.Apply(ctx, &feed, []model.FeedItem{item})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 survivor, got %d", len(got))
	}
	if got[0].ImageHash != "d:aabbccddeeff0011" {
		t.Errorf("ImageHash = %q, want computed hash", got[0].ImageHash)
	}
}

func TestValidateRegex(t *testing.T) {
	if err := ValidateRegex("a+b"); err != nil {
		t.Errorf("valid pattern rejected: %v", err)
	}
	if err := ValidateRegex("("); err == nil {
		t.Error("invalid pattern accepted")
	}
}
