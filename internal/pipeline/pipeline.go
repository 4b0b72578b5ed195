// Package pipeline implements the ordered transform pipeline that turns
// new feed entries into outgoing messages.
//
// Stages are registered into an explicit Registry built once at startup
// and passed into the scheduler's run path; there is no ambient global
// registration. Every stage is a function over the fixed Context
// structure, grouped into phases: "before" runs once per poll cycle over
// the whole entry list, the per-entry phases (title, body, media,
// sourceLink, date) run per surviving entry in priority order, and
// "after" runs once per completed batch of at most BatchSize messages.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"

	"feedpush/internal/model"
)

// BatchSize bounds how many messages are assembled before the after
// phase dispatches and persists them.
const BatchSize = 10

// Phase identifies a processing category.
type Phase string

// Pipeline phases in execution order.
const (
	PhaseBefore     Phase = "before"
	PhaseTitle      Phase = "title"
	PhaseBody       Phase = "body"
	PhaseMedia      Phase = "media"
	PhaseSourceLink Phase = "sourceLink"
	PhaseDate       Phase = "date"
	PhaseAfter      Phase = "after"
)

// entryPhases run once per surviving entry, in this order.
var entryPhases = []Phase{PhaseTitle, PhaseBody, PhaseMedia, PhaseSourceLink, PhaseDate}

// Result is a stage's verdict on further processing. Stop ends the
// current phase: the remaining stages of that phase are skipped, later
// phases still run with their own applicability guards. (This is what
// lets a title-only feed still carry its source link and date.)
type Result int

// Stage results.
const (
	Continue Result = iota
	Stop
)

// Context is the per-poll-cycle working state threaded through the
// pipeline. It is owned exclusively by one pipeline run and never shared
// across concurrent feed jobs.
type Context struct {
	Feed     *model.Feed
	Snapshot *model.FeedSnapshot

	// BatchTitle heads each dispatched batch.
	BatchTitle string
	// NewItems is the diffed-and-filtered entry list; before-phase
	// stages shape it.
	NewItems []model.FeedItem
	// Batch is the chunk the current after phase is responsible for.
	Batch []model.FeedItem

	// Item is the entry currently being transformed.
	Item *model.FeedItem
	// Text is the body text under construction for Item.
	Text string
	// MessageText and Images form the message under construction.
	MessageText string
	Images      [][]byte

	// Messages accumulates the finished messages of the current batch.
	Messages []model.Message
}

// StageFunc is a single transform stage.
type StageFunc func(ctx context.Context, pc *Context) (Result, error)

type stage struct {
	name     string
	priority int
	pattern  *regexp.Regexp // nil = default, applies to every feed
	fn       StageFunc
}

// Registry holds the registered stages per phase, ordered by priority.
type Registry struct {
	stages map[Phase][]stage
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{stages: make(map[Phase][]stage)}
}

// Register adds a stage. Lower priorities run first. pattern restricts
// the stage to feeds whose resolved URL matches; the empty pattern is
// the default and applies to every feed.
func (r *Registry) Register(phase Phase, name string, priority int, pattern string, fn StageFunc) error {
	s := stage{name: name, priority: priority, fn: fn}
	if pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("stage %s: compile pattern: %w", name, err)
		}
		s.pattern = re
	}
	r.stages[phase] = append(r.stages[phase], s)
	sort.SliceStable(r.stages[phase], func(i, j int) bool {
		return r.stages[phase][i].priority < r.stages[phase][j].priority
	})
	return nil
}

// planFor resolves the stage list per phase for one feed URL: stages
// whose pattern does not match are dropped, and a default stage is
// skipped when a matching non-default stage shares its priority
// (specific overrides default).
func (r *Registry) planFor(feedURL string) map[Phase][]stage {
	plan := make(map[Phase][]stage, len(r.stages))
	for phase, stages := range r.stages {
		var matched []stage
		overridden := make(map[int]bool)
		for _, s := range stages {
			if s.pattern != nil && !s.pattern.MatchString(feedURL) {
				continue
			}
			if s.pattern != nil {
				overridden[s.priority] = true
			}
			matched = append(matched, s)
		}
		var kept []stage
		for _, s := range matched {
			if s.pattern == nil && overridden[s.priority] {
				continue
			}
			kept = append(kept, s)
		}
		plan[phase] = kept
	}
	return plan
}

// Pipeline drives the registered stages for one poll cycle.
type Pipeline struct {
	reg     *Registry
	hubBase string
	log     *slog.Logger
}

// New creates a Pipeline over a built registry.
func New(reg *Registry, hubBase string, log *slog.Logger) *Pipeline {
	return &Pipeline{reg: reg, hubBase: hubBase, log: log}
}

// Run processes one snapshot: before phase, then per-entry transform in
// chunks of BatchSize with one after-phase run per chunk. With no new
// entries the after phase still runs once, so it can log the idle cycle.
func (p *Pipeline) Run(ctx context.Context, feed *model.Feed, snapshot *model.FeedSnapshot) error {
	plan := p.reg.planFor(feed.ResolveURL(p.hubBase))
	pc := &Context{
		Feed:       feed,
		Snapshot:   snapshot,
		BatchTitle: fmt.Sprintf("✨ %s has updates", snapshot.Title),
	}

	if err := p.runPhase(ctx, plan[PhaseBefore], pc); err != nil {
		return fmt.Errorf("before phase: %w", err)
	}

	if len(pc.NewItems) == 0 {
		return p.runPhase(ctx, plan[PhaseAfter], pc)
	}

	for start := 0; start < len(pc.NewItems); start += BatchSize {
		end := start + BatchSize
		if end > len(pc.NewItems) {
			end = len(pc.NewItems)
		}
		pc.Batch = pc.NewItems[start:end]
		pc.Messages = nil

		for i := range pc.Batch {
			pc.Item = &pc.Batch[i]
			pc.Text = ""
			pc.MessageText = ""
			pc.Images = nil

			for _, phase := range entryPhases {
				if err := p.runPhase(ctx, plan[phase], pc); err != nil {
					return fmt.Errorf("%s phase: %w", phase, err)
				}
			}
			if pc.MessageText != "" || len(pc.Images) > 0 {
				pc.Messages = append(pc.Messages, model.Message{
					Text:   pc.MessageText,
					Images: pc.Images,
				})
			}
		}

		// Dispatch and persistence happen per chunk, bounding memory
		// and outbound bursts for feeds with large backlogs.
		if err := p.runPhase(ctx, plan[PhaseAfter], pc); err != nil {
			return fmt.Errorf("after phase: %w", err)
		}
	}
	return nil
}

func (p *Pipeline) runPhase(ctx context.Context, stages []stage, pc *Context) error {
	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := s.fn(ctx, pc)
		if err != nil {
			return fmt.Errorf("stage %s: %w", s.name, err)
		}
		if res == Stop {
			return nil
		}
	}
	return nil
}
