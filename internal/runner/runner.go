// Package runner ties one scheduled check together: fetch, baseline
// seeding, failure accounting, and handing new entries to the pipeline.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"feedpush/internal/fetcher"
	"feedpush/internal/model"
	"feedpush/internal/pipeline"
	"feedpush/internal/storage"
)

// failureThreshold is the consecutive-failure count at which a feed is
// stopped instead of being retried forever.
const failureThreshold = 100

// Jobs removes a feed's scheduled job when the feed is stopped.
type Jobs interface {
	RemoveJob(name string)
}

// Notifier reaches the operator when a feed has no targets to tell.
type Notifier interface {
	NotifyOperator(ctx context.Context, text string) error
}

// Options configures a Runner.
type Options struct {
	// ProxyConfigured enables the one-shot proxy retry when a feed's
	// very first fetch fails without the proxy.
	ProxyConfigured bool
}

// Runner executes feed checks.
type Runner struct {
	store    storage.Storage
	fetch    *fetcher.Fetcher
	pipe     *pipeline.Pipeline
	dispatch pipeline.Dispatcher
	notify   Notifier
	jobs     Jobs
	opts     Options
	log      *slog.Logger
}

func New(store storage.Storage, fetch *fetcher.Fetcher, pipe *pipeline.Pipeline, dispatch pipeline.Dispatcher, notify Notifier, opts Options, log *slog.Logger) *Runner {
	return &Runner{
		store:    store,
		fetch:    fetch,
		pipe:     pipe,
		dispatch: dispatch,
		notify:   notify,
		opts:     opts,
		log:      log,
	}
}

// SetJobs wires the scheduler in after construction; the scheduler needs
// the runner's Check first.
func (r *Runner) SetJobs(jobs Jobs) {
	r.jobs = jobs
}

// Check performs one scheduled poll of the feed. The first successful
// fetch of a feed only records a baseline of its current entries and
// delivers nothing; later checks push whatever is new. A check aborted
// by its scheduling budget is not counted as a failure.
func (r *Runner) Check(ctx context.Context, feed *model.Feed) error {
	firstTime := feed.ETag == "" && feed.LastModified == ""
	proxyBefore := feed.Proxy

	snapshot, unchanged, err := r.fetch.Fetch(ctx, feed)
	if err != nil && firstTime && r.opts.ProxyConfigured && !feed.Proxy {
		r.log.Info("first fetch failed, retrying through proxy", "feed", feed.Name, "error", err)
		feed.Proxy = true
		snapshot, unchanged, err = r.fetch.Fetch(ctx, feed)
		if err != nil {
			feed.Proxy = false
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			r.log.Warn("check aborted by schedule budget", "feed", feed.Name, "error", err)
			return nil
		}
		return r.recordFailure(ctx, feed, firstTime, err)
	}
	if unchanged {
		r.log.Debug("feed unchanged", "feed", feed.Name)
		return nil
	}

	if feed.ConsecutiveFailures > 0 || feed.Proxy != proxyBefore {
		feed.ConsecutiveFailures = 0
		if uerr := r.store.UpdateFeed(ctx, feed); uerr != nil {
			r.log.Error("reset failure count", "feed", feed.Name, "error", uerr)
		}
	}

	if firstTime {
		return r.seedBaseline(ctx, feed, snapshot)
	}
	return r.pipe.Run(ctx, feed, snapshot)
}

// seedBaseline marks every current entry as seen so the next check only
// reports genuinely new ones.
func (r *Runner) seedBaseline(ctx context.Context, feed *model.Feed, snapshot *model.FeedSnapshot) error {
	if err := r.store.ClearSeen(ctx, feed.ID); err != nil {
		return fmt.Errorf("clear seen entries: %w", err)
	}
	for i := range snapshot.Items {
		if err := r.store.AddSeen(ctx, model.NewSeenEntry(feed.ID, &snapshot.Items[i])); err != nil {
			return fmt.Errorf("seed seen entry: %w", err)
		}
	}
	// Servers without cache headers would otherwise look first-time on
	// every check and never deliver anything.
	if feed.ETag == "" && feed.LastModified == "" {
		feed.LastModified = time.Now().UTC().Format(http.TimeFormat)
		if err := r.store.UpdateFeed(ctx, feed); err != nil {
			return fmt.Errorf("persist baseline marker: %w", err)
		}
	}
	r.log.Info("baseline recorded", "feed", feed.Name, "entries", len(snapshot.Items))
	return nil
}

func (r *Runner) recordFailure(ctx context.Context, feed *model.Feed, firstTime bool, cause error) error {
	feed.ConsecutiveFailures++
	if err := r.store.UpdateFeed(ctx, feed); err != nil {
		r.log.Error("persist failure count", "feed", feed.Name, "error", err)
	}

	if firstTime {
		return r.stopAndNotify(ctx, feed,
			fmt.Sprintf("feed %q could not be fetched on its first check and has been stopped: %v", feed.Name, cause))
	}
	if feed.ConsecutiveFailures >= failureThreshold {
		return r.stopAndNotify(ctx, feed,
			fmt.Sprintf("feed %q failed %d checks in a row and has been stopped", feed.Name, feed.ConsecutiveFailures))
	}
	r.log.Warn("fetch failed", "feed", feed.Name, "failures", feed.ConsecutiveFailures, "error", cause)
	return fmt.Errorf("fetch %s: %w", feed.Name, cause)
}

// stopAndNotify disables the feed, unschedules it, and tells whoever is
// listening: the feed's own targets when it has any, the operator
// otherwise.
func (r *Runner) stopAndNotify(ctx context.Context, feed *model.Feed, text string) error {
	feed.Stopped = true
	if err := r.store.UpdateFeed(ctx, feed); err != nil {
		return fmt.Errorf("stop feed: %w", err)
	}
	if r.jobs != nil {
		r.jobs.RemoveJob(feed.JobName())
	}
	r.log.Error("feed stopped", "feed", feed.Name, "reason", text)

	notice := text + "\n\n" + feed.Describe(true)
	if len(feed.Targets) > 0 && r.dispatch != nil {
		if ok := r.dispatch.Deliver(ctx, feed.BotID, feed.Targets, notice, nil); ok == 0 {
			r.log.Error("stop notice undelivered", "feed", feed.Name)
		}
		return nil
	}
	if r.notify != nil {
		if err := r.notify.NotifyOperator(ctx, notice); err != nil {
			r.log.Error("operator notice failed", "feed", feed.Name, "error", err)
		}
	}
	return nil
}
