package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"feedpush/internal/filter"
	"feedpush/internal/media"
	"feedpush/internal/model"
	"feedpush/internal/storage"
)

type fakeDispatcher struct {
	calls    int
	titles   []string
	messages [][]model.Message
	accept   int
}

func (f *fakeDispatcher) Deliver(_ context.Context, _ string, _ []string, title string, messages []model.Message) int {
	f.calls++
	f.titles = append(f.titles, title)
	f.messages = append(f.messages, messages)
	return f.accept
}

type stubHasher struct{}

func (stubHasher) Fingerprint(_ context.Context, _ string, _ bool) (string, error) {
	return "", nil
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

func newTestDeps(t *testing.T, store storage.Storage, dispatch Dispatcher) Deps {
	t.Helper()
	engine, err := filter.New(store, stubHasher{}, nil, 10, testLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	downloader, err := media.New(media.Options{SizeLimit: 2048}, testLogger())
	if err != nil {
		t.Fatalf("new downloader: %v", err)
	}
	return Deps{
		Store:      store,
		Filter:     engine,
		Media:      downloader,
		Dispatcher: dispatch,
		BodyLimit:  256,
		Log:        testLogger(),
	}
}

func TestTitleSimilarity(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		title     string
		wantAbove bool
	}{
		{name: "body repeats title", body: "Release 4.2 is out, with details below", title: "Release 4.2 is out", wantAbove: true},
		{name: "unrelated body", body: "completely different words here", title: "Release 4.2 is out", wantAbove: false},
		{name: "empty body", body: "", title: "Release 4.2 is out", wantAbove: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := titleSimilarity(tt.body, tt.title)
			if above := got > TitleSimilarityThreshold; above != tt.wantAbove {
				t.Errorf("similarity = %.2f, above threshold = %v, want %v", got, above, tt.wantAbove)
			}
		})
	}
}

func TestStageTitle(t *testing.T) {
	deps := newTestDeps(t, newTestStore(t), &fakeDispatcher{})

	tests := []struct {
		name string
		feed model.Feed
		item model.FeedItem
		want string
	}{
		{
			name: "title rendered",
			feed: model.Feed{Name: "t"},
			item: model.FeedItem{Title: "Release 4.2", Summary: "<p>full changelog inside</p>"},
			want: "📰 Release 4.2\n\n",
		},
		{
			name: "suppressed when body starts with title",
			feed: model.Feed{Name: "t"},
			item: model.FeedItem{Title: "Release 4.2 is out", Summary: "<p>Release 4.2 is out with many fixes</p>"},
			want: "",
		},
		{
			name: "picture only skips title",
			feed: model.Feed{Name: "t", OnlyPic: true},
			item: model.FeedItem{Title: "Release 4.2", Summary: "<p>body</p>"},
			want: "",
		},
		{
			name: "title only keeps single trailing newline",
			feed: model.Feed{Name: "t", OnlyTitle: true},
			item: model.FeedItem{Title: "Release 4.2", Summary: "<p>Release 4.2</p>"},
			want: "📰 Release 4.2\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc := &Context{Feed: &tt.feed, Item: &tt.item}
			if _, err := deps.stageTitle(context.Background(), pc); err != nil {
				t.Fatalf("stage: %v", err)
			}
			if pc.MessageText != tt.want {
				t.Errorf("MessageText = %q, want %q", pc.MessageText, tt.want)
			}
		})
	}
}

func TestStageBodyModeGatesRendering(t *testing.T) {
	deps := newTestDeps(t, newTestStore(t), &fakeDispatcher{})

	for _, tt := range []struct {
		name string
		feed model.Feed
		want Result
	}{
		{name: "regular feed continues", feed: model.Feed{}, want: Continue},
		{name: "title only stops body phase", feed: model.Feed{OnlyTitle: true}, want: Stop},
		{name: "picture only stops body phase", feed: model.Feed{OnlyPic: true}, want: Stop},
	} {
		t.Run(tt.name, func(t *testing.T) {
			pc := &Context{Feed: &tt.feed}
			got, err := deps.stageBodyMode(context.Background(), pc)
			if err != nil {
				t.Fatalf("stage: %v", err)
			}
			if got != tt.want {
				t.Errorf("result = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStageBodyRemoval(t *testing.T) {
	deps := newTestDeps(t, newTestStore(t), &fakeDispatcher{})

	feed := model.Feed{Name: "r", ContentRemoval: []string{`\s*\(advert\)`, "["}}
	pc := &Context{
		Feed: &feed,
		Text: "headline (advert)\n\n\nrest of the text",
	}
	if _, err := deps.stageBodyRemoval(context.Background(), pc); err != nil {
		t.Fatalf("stage: %v", err)
	}
	// The invalid "[" pattern is skipped, the valid one applied, and the
	// leftover blank run collapsed.
	want := "headline\n\nrest of the text"
	if pc.Text != want {
		t.Errorf("Text = %q, want %q", pc.Text, want)
	}
}

func TestStageSourceLinkAndDate(t *testing.T) {
	deps := newTestDeps(t, newTestStore(t), &fakeDispatcher{})

	published := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	item := model.FeedItem{Link: "https://example.com/post", PublishedAt: &published}
	pc := &Context{Feed: &model.Feed{}, Item: &item}

	if _, err := deps.stageSourceLink(context.Background(), pc); err != nil {
		t.Fatalf("source link stage: %v", err)
	}
	if _, err := deps.stageDate(context.Background(), pc); err != nil {
		t.Fatalf("date stage: %v", err)
	}

	wantLink := "🔗 https://example.com/post\n"
	wantDate := "📅 " + published.Local().Format("2006-01-02 15:04:05") + "\n"
	if pc.MessageText != wantLink+wantDate {
		t.Errorf("MessageText = %q, want %q", pc.MessageText, wantLink+wantDate)
	}
}

func TestStageDispatchPersist(t *testing.T) {
	ctx := context.Background()

	items := []model.FeedItem{
		{Title: "one", Link: "https://example.com/1", ImageHash: "d:0011223344556677"},
		{Title: "two", Link: "https://example.com/2"},
	}

	tests := []struct {
		name      string
		accept    int
		wantDedup bool
	}{
		{name: "delivery success caches dedup rows", accept: 1, wantDedup: true},
		{name: "delivery failure records only seen", accept: 0, wantDedup: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			dispatch := &fakeDispatcher{accept: tt.accept}
			deps := newTestDeps(t, store, dispatch)

			feed := model.Feed{
				ID:           1,
				Name:         "persist",
				Targets:      []string{"100"},
				DedupFilters: []string{model.FilterLink},
			}
			pc := &Context{
				Feed:       &feed,
				BatchTitle: "✨ Feed has updates",
				Batch:      items,
				Messages:   []model.Message{{Text: "one"}, {Text: "two"}},
			}

			if _, err := deps.stageDispatchPersist(ctx, pc); err != nil {
				t.Fatalf("stage: %v", err)
			}

			if dispatch.calls != 1 {
				t.Fatalf("dispatcher calls = %d, want 1", dispatch.calls)
			}

			for _, it := range items {
				seen, err := store.HasSeen(ctx, feed.ID, it.Fingerprint())
				if err != nil {
					t.Fatalf("has seen: %v", err)
				}
				if !seen {
					t.Errorf("entry %q not recorded as seen", it.Title)
				}
			}

			dup, err := store.HasDedupMatch(ctx, feed.ID, items[0].Link, "", "", false)
			if err != nil {
				t.Fatalf("has dedup match: %v", err)
			}
			if dup != tt.wantDedup {
				t.Errorf("dedup cached = %v, want %v", dup, tt.wantDedup)
			}
		})
	}
}

func TestDefaultRegistryEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	dispatch := &fakeDispatcher{accept: 1}
	deps := newTestDeps(t, store, dispatch)

	registry, err := DefaultRegistry(deps)
	if err != nil {
		t.Fatalf("default registry: %v", err)
	}
	pipe := New(registry, "https://hub.example.com", testLogger())

	feed := &model.Feed{ID: 1, Name: "e2e", URL: "https://example.com/rss", Targets: []string{"100"}}
	published := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	snapshot := &model.FeedSnapshot{
		Title: "Release Radar",
		Items: []model.FeedItem{
			{
				Title:       "Bundler 4.2 released",
				Link:        "https://example.com/releases/bundler-4-2",
				Summary:     "<p>Parallel installs land in this release.</p>",
				Published:   "Mon, 05 Jan 2026 10:00:00 GMT",
				PublishedAt: &published,
			},
		},
	}

	if err := pipe.Run(ctx, feed, snapshot); err != nil {
		t.Fatalf("run: %v", err)
	}

	if dispatch.calls != 1 {
		t.Fatalf("dispatcher calls = %d, want 1", dispatch.calls)
	}
	if dispatch.titles[0] != "✨ Release Radar has updates" {
		t.Errorf("batch title = %q", dispatch.titles[0])
	}
	msgs := dispatch.messages[0]
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	text := msgs[0].Text
	for _, part := range []string{
		"📰 Bundler 4.2 released",
		"Parallel installs land in this release.",
		"🔗 https://example.com/releases/bundler-4-2",
		"📅 ",
	} {
		if !strings.Contains(text, part) {
			t.Errorf("message text missing %q:\n%s", part, text)
		}
	}

	// A second run over the same snapshot delivers nothing.
	dispatch.calls = 0
	if err := pipe.Run(ctx, feed, snapshot); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if dispatch.calls != 0 {
		t.Fatalf("dispatcher calls on rerun = %d, want 0", dispatch.calls)
	}
}
