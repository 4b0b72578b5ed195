// Package scheduler runs one recurring job per feed. Schedules are
// either a plain interval in minutes or an underscore-separated cron
// expression, and a feed's check never overlaps itself.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"feedpush/internal/model"
	"feedpush/internal/storage"
)

const (
	// maxJitter spreads job starts so feeds added together do not all
	// fire in the same instant.
	maxJitter = 10 * time.Second
	// misfireGrace is how late a fire may be before it is logged as
	// missed. The run still happens, once, however many fires were
	// skipped over.
	misfireGrace = 30 * time.Second
	// cronBudget bounds a single check of a cron-scheduled feed;
	// interval feeds get their own interval as the budget.
	cronBudget = 5 * time.Minute
)

// reCronChars marks a schedule string as cron rather than an interval.
var reCronChars = regexp.MustCompile(`[_*/,\-]`)

// CheckFunc performs one check of a feed.
type CheckFunc func(ctx context.Context, feed *model.Feed) error

type trigger interface {
	// Next returns the next fire time strictly after now.
	Next(now time.Time) time.Time
	budget() time.Duration
}

type intervalTrigger struct {
	every time.Duration
}

func (t intervalTrigger) Next(now time.Time) time.Time {
	return now.Add(t.every + time.Duration(rand.Int63n(int64(maxJitter))))
}

func (t intervalTrigger) budget() time.Duration { return t.every }

type cronTrigger struct {
	schedule cron.Schedule
}

func (t cronTrigger) Next(now time.Time) time.Time { return t.schedule.Next(now) }

func (t cronTrigger) budget() time.Duration { return cronBudget }

// parseTrigger interprets a schedule string. A bare number is an
// interval in minutes. Anything with cron punctuation is up to five
// cron fields joined by underscores (minute_hour_dom_month_dow);
// missing fields default to "*/5 * * * *" positionally.
func parseTrigger(schedule string) (trigger, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	if !reCronChars.MatchString(schedule) {
		minutes, err := strconv.Atoi(schedule)
		if err != nil || minutes <= 0 {
			return nil, fmt.Errorf("invalid interval %q", schedule)
		}
		return intervalTrigger{every: time.Duration(minutes) * time.Minute}, nil
	}

	fields := []string{"*/5", "*", "*", "*", "*"}
	parts := strings.Split(schedule, "_")
	if len(parts) > len(fields) {
		return nil, fmt.Errorf("invalid cron schedule %q: too many fields", schedule)
	}
	for i, p := range parts {
		if p != "" {
			fields[i] = p
		}
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return cronTrigger{schedule: sched}, nil
}

type job struct {
	name     string
	feedName string
	trig     trigger
	cancel   context.CancelFunc
	running  atomic.Bool
}

// Scheduler owns the per-feed jobs.
type Scheduler struct {
	store storage.Storage
	check CheckFunc
	log   *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

func New(store storage.Storage, check CheckFunc, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store: store,
		check: check,
		log:   log,
		jobs:  make(map[string]*job),
	}
}

// AddJob schedules recurring checks for the feed, replacing any
// existing job with the same name, and kicks off an immediate first
// check. Stopped feeds and feeds without targets are skipped.
func (s *Scheduler) AddJob(feed *model.Feed) error {
	name := feed.JobName()
	s.RemoveJob(name)

	if feed.Stopped {
		s.log.Debug("feed is stopped, not scheduling", "feed", feed.Name)
		return nil
	}
	if len(feed.Targets) == 0 {
		s.log.Debug("feed has no targets, not scheduling", "feed", feed.Name)
		return nil
	}

	trig, err := parseTrigger(feed.Schedule)
	if err != nil {
		return fmt.Errorf("schedule feed %s: %w", feed.Name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{name: name, feedName: feed.Name, trig: trig, cancel: cancel}

	s.mu.Lock()
	s.jobs[name] = j
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx, j)
	s.fire(ctx, j)
	s.log.Info("job scheduled", "job", name, "schedule", feed.Schedule)
	return nil
}

// RemoveJob cancels and forgets the named job. Unknown names are a
// no-op.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if ok {
		delete(s.jobs, name)
	}
	s.mu.Unlock()
	if ok {
		j.cancel()
		s.log.Info("job removed", "job", name)
	}
}

// JobNames lists the currently scheduled jobs, for introspection.
func (s *Scheduler) JobNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

// Stop cancels every job and waits for their loops to exit. In-flight
// checks are cancelled through their job contexts.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for name, j := range s.jobs {
		j.cancel()
		delete(s.jobs, name)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()
	for {
		next := j.trig.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if late := time.Since(next); late > misfireGrace {
			s.log.Warn("job fired late", "job", j.name, "late", late)
		}
		s.fire(ctx, j)
	}
}

// fire runs one check in the background. A feed whose previous check is
// still in flight skips this fire rather than queueing behind it.
func (s *Scheduler) fire(ctx context.Context, j *job) {
	if !j.running.CompareAndSwap(false, true) {
		s.log.Warn("previous check still running, skipping", "job", j.name)
		return
	}
	go func() {
		defer j.running.Store(false)
		runCtx, cancel := context.WithTimeout(ctx, j.trig.budget())
		defer cancel()

		// The feed row is re-read each run so edits made between fires
		// take effect without rescheduling.
		feed, err := s.store.GetFeedByName(runCtx, j.feedName)
		if errors.Is(err, storage.ErrNotFound) {
			s.log.Debug("feed gone, skipping check", "job", j.name)
			return
		}
		if err != nil {
			s.log.Error("load feed for check", "job", j.name, "error", err)
			return
		}
		if feed.Stopped {
			s.log.Debug("feed is stopped, skipping check", "job", j.name)
			return
		}
		if err := s.check(runCtx, feed); err != nil {
			s.log.Error("feed check failed", "job", j.name, "error", err)
		}
	}()
}
