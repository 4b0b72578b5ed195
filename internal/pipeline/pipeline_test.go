package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"

	"feedpush/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordStage returns a stage that appends its name to got.
func recordStage(name string, got *[]string) StageFunc {
	return func(_ context.Context, _ *Context) (Result, error) {
		*got = append(*got, name)
		return Continue, nil
	}
}

func makeItems(n int) []model.FeedItem {
	items := make([]model.FeedItem, n)
	for i := range items {
		items[i] = model.FeedItem{
			Title: fmt.Sprintf("entry %d", i),
			Link:  fmt.Sprintf("https://example.com/%d", i),
		}
	}
	return items
}

func TestRegistryPlan(t *testing.T) {
	tests := []struct {
		name    string
		feedURL string
		want    []string
	}{
		{
			name:    "default stages only",
			feedURL: "https://example.com/rss",
			want:    []string{"first", "generic", "last"},
		},
		{
			name:    "specific overrides default at equal priority",
			feedURL: "https://hub.example.com/weibo/user/1",
			want:    []string{"first", "weibo", "last"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			r := NewRegistry()
			// Registration order is deliberately shuffled; priorities
			// decide execution order.
			if err := r.Register(PhaseTitle, "last", 20, "", recordStage("last", &got)); err != nil {
				t.Fatalf("register: %v", err)
			}
			if err := r.Register(PhaseTitle, "generic", 10, "", recordStage("generic", &got)); err != nil {
				t.Fatalf("register: %v", err)
			}
			if err := r.Register(PhaseTitle, "weibo", 10, `/weibo/`, recordStage("weibo", &got)); err != nil {
				t.Fatalf("register: %v", err)
			}
			if err := r.Register(PhaseTitle, "first", 1, "", recordStage("first", &got)); err != nil {
				t.Fatalf("register: %v", err)
			}

			plan := r.planFor(tt.feedURL)
			pc := &Context{}
			p := New(r, "", testLogger())
			if err := p.runPhase(context.Background(), plan[PhaseTitle], pc); err != nil {
				t.Fatalf("run phase: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("stage order mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRegisterRejectsBadPattern(t *testing.T) {
	r := NewRegistry()
	err := r.Register(PhaseTitle, "broken", 10, "(", recordStage("broken", nil))
	if err == nil {
		t.Fatal("expected pattern compile error")
	}
}

func TestRunBatching(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(PhaseBefore, "seed", 10, "", func(_ context.Context, pc *Context) (Result, error) {
		pc.NewItems = pc.Snapshot.Items
		return Continue, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(PhaseTitle, "title", 10, "", func(_ context.Context, pc *Context) (Result, error) {
		pc.MessageText = pc.Item.Title
		return Continue, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	var batchSizes, messageCounts []int
	if err := r.Register(PhaseAfter, "collect", 10, "", func(_ context.Context, pc *Context) (Result, error) {
		batchSizes = append(batchSizes, len(pc.Batch))
		messageCounts = append(messageCounts, len(pc.Messages))
		return Continue, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	feed := &model.Feed{Name: "big", URL: "https://example.com/rss"}
	snapshot := &model.FeedSnapshot{Title: "Big Feed", Items: makeItems(23)}

	p := New(r, "", testLogger())
	if err := p.Run(context.Background(), feed, snapshot); err != nil {
		t.Fatalf("run: %v", err)
	}

	if diff := cmp.Diff([]int{10, 10, 3}, batchSizes); diff != "" {
		t.Errorf("batch sizes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{10, 10, 3}, messageCounts); diff != "" {
		t.Errorf("message counts mismatch (-want +got):\n%s", diff)
	}
}

func TestRunNoNewItemsRunsAfterOnce(t *testing.T) {
	r := NewRegistry()
	afterRuns := 0
	if err := r.Register(PhaseAfter, "count", 10, "", func(_ context.Context, pc *Context) (Result, error) {
		afterRuns++
		if len(pc.Batch) != 0 || len(pc.Messages) != 0 {
			t.Errorf("expected empty batch, got %d items, %d messages", len(pc.Batch), len(pc.Messages))
		}
		return Continue, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	feed := &model.Feed{Name: "idle", URL: "https://example.com/rss"}
	p := New(r, "", testLogger())
	if err := p.Run(context.Background(), feed, &model.FeedSnapshot{Title: "Idle"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if afterRuns != 1 {
		t.Fatalf("after phase ran %d times, want 1", afterRuns)
	}
}

func TestStopEndsOnlyCurrentPhase(t *testing.T) {
	var got []string
	r := NewRegistry()
	if err := r.Register(PhaseBefore, "seed", 10, "", func(_ context.Context, pc *Context) (Result, error) {
		pc.NewItems = pc.Snapshot.Items
		return Continue, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(PhaseBody, "gate", 1, "", func(_ context.Context, _ *Context) (Result, error) {
		got = append(got, "gate")
		return Stop, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(PhaseBody, "skipped", 10, "", recordStage("skipped", &got)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(PhaseDate, "date", 10, "", recordStage("date", &got)); err != nil {
		t.Fatalf("register: %v", err)
	}

	feed := &model.Feed{Name: "stop", URL: "https://example.com/rss"}
	snapshot := &model.FeedSnapshot{Title: "Stop", Items: makeItems(1)}
	p := New(r, "", testLogger())
	if err := p.Run(context.Background(), feed, snapshot); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []string{"gate", "date"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stage trace mismatch (-want +got):\n%s", diff)
	}
}

func TestRunStageErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	r := NewRegistry()
	if err := r.Register(PhaseBefore, "fail", 10, "", func(_ context.Context, _ *Context) (Result, error) {
		return Continue, boom
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	feed := &model.Feed{Name: "err", URL: "https://example.com/rss"}
	p := New(r, "", testLogger())
	err := p.Run(context.Background(), feed, &model.FeedSnapshot{Title: "Err"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped stage error, got %v", err)
	}
}
