package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"feedpush/internal/diff"
	"feedpush/internal/filter"
	"feedpush/internal/media"
	"feedpush/internal/model"
	"feedpush/internal/render"
	"feedpush/internal/storage"
	"feedpush/internal/translate"
)

// TitleSimilarityThreshold suppresses the rendered title when the body
// text's leading characters are this similar to it. The 0.6 value is a
// heuristic, kept as a tunable rather than a law.
const TitleSimilarityThreshold = 0.6

// Dispatcher delivers a finished batch to a feed's targets. The return
// value is the number of targets that accepted the batch; any value
// above zero counts as delivery success.
type Dispatcher interface {
	Deliver(ctx context.Context, botID string, targets []string, title string, messages []model.Message) int
}

// Deps are the collaborators the built-in stages close over.
type Deps struct {
	Store      storage.Storage
	Filter     *filter.Engine
	Media      *media.Downloader
	Translator translate.Translator
	Dispatcher Dispatcher
	// BodyLimit bounds rendered body text in runes; 0 disables.
	BodyLimit int
	Log       *slog.Logger
}

// DefaultRegistry builds the stage registry with the standard stage set.
// It is constructed once at process start, before scheduling begins.
func DefaultRegistry(d Deps) (*Registry, error) {
	r := NewRegistry()
	for _, reg := range []struct {
		phase    Phase
		name     string
		priority int
		fn       StageFunc
	}{
		{PhaseBefore, "diff", 10, d.stageDiff},
		{PhaseBefore, "filter", 11, d.stageFilter},
		{PhaseTitle, "title", 10, d.stageTitle},
		{PhaseBody, "body-mode", 1, d.stageBodyMode},
		{PhaseBody, "body-html", 10, d.stageBodyHTML},
		{PhaseBody, "body-removal", 11, d.stageBodyRemoval},
		{PhaseBody, "body-translate", 12, d.stageBodyTranslate},
		{PhaseBody, "body-assemble", 13, d.stageBodyAssemble},
		{PhaseMedia, "media", 10, d.stageMedia},
		{PhaseSourceLink, "source-link", 10, d.stageSourceLink},
		{PhaseDate, "date", 10, d.stageDate},
		{PhaseAfter, "dispatch-persist", 10, d.stageDispatchPersist},
	} {
		if err := r.Register(reg.phase, reg.name, reg.priority, "", reg.fn); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// stageDiff computes the not-yet-seen entries of the snapshot.
func (d Deps) stageDiff(ctx context.Context, pc *Context) (Result, error) {
	fresh, err := diff.ComputeNew(ctx, d.Store, pc.Feed.ID, pc.Snapshot.Items)
	if err != nil {
		return Continue, err
	}
	pc.NewItems = fresh
	return Continue, nil
}

// stageFilter prunes the new-entry list through the exclusion chain.
func (d Deps) stageFilter(ctx context.Context, pc *Context) (Result, error) {
	survivors, err := d.Filter.Apply(ctx, pc.Feed, pc.NewItems)
	if err != nil {
		return Continue, err
	}
	pc.NewItems = survivors
	return Continue, nil
}

// stageTitle renders the entry title. Picture-only feeds skip it, and
// when the body text effectively starts with the title the rendered
// title is suppressed to avoid near-duplicate output.
func (d Deps) stageTitle(ctx context.Context, pc *Context) (Result, error) {
	feed, item := pc.Feed, pc.Item
	if feed.OnlyPic {
		return Continue, nil
	}

	rendered := "📰 " + item.Title + "\n"
	if !feed.OnlyTitle {
		rendered += "\n"
	}
	if feed.Translate {
		rendered += translate.Inline(ctx, d.Translator, item.Title) + "\n"
	}
	if feed.OnlyTitle {
		pc.MessageText = rendered
		return Continue, nil
	}

	bodyText := render.PlainText(item.BodyHTML())
	if titleSimilarity(bodyText, item.Title) > TitleSimilarityThreshold {
		rendered = ""
	}
	pc.MessageText = rendered
	return Continue, nil
}

// titleSimilarity compares the title against the body prefix of equal
// length using a sequence-similarity ratio.
func titleSimilarity(bodyText, title string) float64 {
	if title == "" || bodyText == "" {
		return 0
	}
	prefix := []rune(bodyText)
	if len(prefix) > len([]rune(title)) {
		prefix = prefix[:len([]rune(title))]
	}
	m := difflib.NewMatcher(splitChars(string(prefix)), splitChars(title))
	return m.Ratio()
}

func splitChars(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// stageBodyMode short-circuits body processing for title-only and
// picture-only feeds.
func (d Deps) stageBodyMode(_ context.Context, pc *Context) (Result, error) {
	if pc.Feed.OnlyTitle || pc.Feed.OnlyPic {
		return Stop, nil
	}
	return Continue, nil
}

// stageBodyHTML converts the raw body markup to plain text. Legacy
// bracket markup is normalized first.
func (d Deps) stageBodyHTML(_ context.Context, pc *Context) (Result, error) {
	pc.Text = render.ToText(render.ConvertBracketMarkup(pc.Item.BodyHTML()), d.BodyLimit)
	return Continue, nil
}

// stageBodyRemoval applies the feed's removal patterns and re-collapses
// blank lines.
func (d Deps) stageBodyRemoval(_ context.Context, pc *Context) (Result, error) {
	if len(pc.Feed.ContentRemoval) == 0 {
		return Continue, nil
	}
	text := pc.Text
	for _, pattern := range pc.Feed.ContentRemoval {
		re, err := regexp.Compile(pattern)
		if err != nil {
			d.Log.Warn("invalid removal pattern", "feed", pc.Feed.Name, "pattern", pattern, "error", err)
			continue
		}
		text = re.ReplaceAllString(text, "")
	}
	pc.Text = strings.TrimSpace(render.CollapseBlankLines(text))
	return Continue, nil
}

// stageBodyTranslate appends a translation of the body text.
func (d Deps) stageBodyTranslate(ctx context.Context, pc *Context) (Result, error) {
	if !pc.Feed.Translate || pc.Text == "" {
		return Continue, nil
	}
	pc.Text = pc.Text + "\n" + translate.Inline(ctx, d.Translator, pc.Text)
	return Continue, nil
}

// stageBodyAssemble moves the finished body text into the message.
func (d Deps) stageBodyAssemble(_ context.Context, pc *Context) (Result, error) {
	text := strings.TrimSpace(pc.Text)
	if text != "" {
		pc.MessageText += text + "\n\n"
	}
	return Continue, nil
}

// stageMedia collects the entry's images. Title-only feeds skip media
// entirely.
func (d Deps) stageMedia(ctx context.Context, pc *Context) (Result, error) {
	if pc.Feed.OnlyTitle {
		return Continue, nil
	}
	notice, images := d.Media.Collect(ctx, pc.Feed, pc.Item.BodyHTML())
	if notice != "" {
		pc.MessageText += notice + "\n"
	}
	pc.Images = images
	return Continue, nil
}

// stageSourceLink appends the entry's canonical link when present.
func (d Deps) stageSourceLink(_ context.Context, pc *Context) (Result, error) {
	if pc.Item.Link != "" {
		pc.MessageText += "🔗 " + pc.Item.Link + "\n"
	}
	return Continue, nil
}

// stageDate appends the localized publish timestamp. A timestamp in the
// future relative to poll time is taken as already local rather than
// re-zoned, so zone mis-detection does not fabricate future publishes.
func (d Deps) stageDate(_ context.Context, pc *Context) (Result, error) {
	t := pc.Item.Time()
	if !t.After(time.Now()) {
		t = t.Local()
	}
	pc.MessageText += "📅 " + t.Format("2006-01-02 15:04:05") + "\n"
	return Continue, nil
}

// stageDispatchPersist delivers the batch and persists its accounting:
// seen rows always (so blocked sends are not re-processed forever), and
// dedup-cache rows only after a successful delivery.
func (d Deps) stageDispatchPersist(ctx context.Context, pc *Context) (Result, error) {
	feed := pc.Feed
	delivered := 0
	if len(pc.Messages) > 0 {
		delivered = d.Dispatcher.Deliver(ctx, feed.BotID, feed.Targets, pc.BatchTitle, pc.Messages)
		if delivered > 0 && len(feed.DedupFilters) > 0 {
			for i := range pc.Batch {
				it := &pc.Batch[i]
				err := d.Store.AddDedup(ctx, model.DedupEntry{
					FeedID:    feed.ID,
					Link:      it.Link,
					Title:     it.Title,
					ImageHash: it.ImageHash,
				})
				if err != nil {
					return Continue, fmt.Errorf("add dedup entry: %w", err)
				}
			}
		}
	}

	for i := range pc.Batch {
		if err := d.Store.AddSeen(ctx, model.NewSeenEntry(feed.ID, &pc.Batch[i])); err != nil {
			return Continue, fmt.Errorf("add seen entry: %w", err)
		}
	}

	switch {
	case len(pc.Messages) == 0 && len(pc.Batch) == 0:
		d.Log.Info("no new entries", "feed", feed.Name)
	case delivered > 0:
		d.Log.Info("batch delivered", "feed", feed.Name, "messages", len(pc.Messages), "targets_ok", delivered)
	case len(pc.Messages) > 0:
		d.Log.Error("batch delivery failed", "feed", feed.Name, "messages", len(pc.Messages))
	}
	return Continue, nil
}
