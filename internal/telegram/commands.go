package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"feedpush/internal/filter"
	"feedpush/internal/model"
	"feedpush/internal/storage"
)

// updatesAPI extends the send-only API with long polling.
type updatesAPI interface {
	telegramAPI
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// JobScheduler is what the command surface needs from the scheduler.
type JobScheduler interface {
	AddJob(feed *model.Feed) error
	RemoveJob(name string)
	JobNames() []string
}

// CheckFunc forces an immediate check of a feed.
type CheckFunc func(ctx context.Context, feed *model.Feed) error

// Commands is the feed-management command surface, driven by the bot's
// long-polling updates channel.
type Commands struct {
	api     updatesAPI
	store   storage.Storage
	sched   JobScheduler
	check   CheckFunc
	adminID int64
	log     *slog.Logger
}

// NewCommands builds the command surface on the dispatcher's API client.
// When adminChatID is non-zero only that chat may manage feeds.
func NewCommands(d *Dispatcher, store storage.Storage, sched JobScheduler, check CheckFunc, adminChatID int64, log *slog.Logger) (*Commands, error) {
	api, ok := d.api.(updatesAPI)
	if !ok {
		return nil, errors.New("dispatcher api does not support updates")
	}
	return &Commands{api: api, store: store, sched: sched, check: check, adminID: adminChatID, log: log}, nil
}

// NewCommandsWithAPI builds the command surface on an explicit API
// client (useful for testing).
func NewCommandsWithAPI(api updatesAPI, store storage.Storage, sched JobScheduler, check CheckFunc, adminChatID int64, log *slog.Logger) *Commands {
	return &Commands{api: api, store: store, sched: sched, check: check, adminID: adminChatID, log: log}
}

// Run starts the long-polling loop, blocking until ctx is cancelled.
func (c *Commands) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := c.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			c.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if c.adminID != 0 && update.Message.Chat.ID != c.adminID {
				c.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			c.handleCommand(ctx, update.Message)
		}
	}
}

func (c *Commands) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := c.api.Send(msg); err != nil {
		c.log.Error("send reply", "chat_id", chatID, "error", err)
	}
}

func (c *Commands) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	c.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		c.handleStart(chatID)
	case "help":
		c.handleHelp(chatID)
	case "add":
		c.handleAdd(ctx, chatID, args)
	case "list":
		c.handleList(ctx, chatID)
	case "info":
		c.handleInfo(ctx, chatID, args)
	case "remove":
		c.handleRemove(ctx, chatID, args)
	case "pause":
		c.handlePause(ctx, chatID, args)
	case "resume":
		c.handleResume(ctx, chatID, args)
	case "schedule":
		c.handleSchedule(ctx, chatID, args)
	case "allow":
		c.handleKeyword(ctx, chatID, args, true)
	case "deny":
		c.handleKeyword(ctx, chatID, args, false)
	case "dedup":
		c.handleDedup(ctx, chatID, args)
	case "images":
		c.handleImages(ctx, chatID, args)
	case "cookie":
		c.handleCookie(ctx, chatID, args)
	case "removal":
		c.handleRemoval(ctx, chatID, args)
	case "toggle":
		c.handleToggle(ctx, chatID, args)
	case "check":
		c.handleCheck(ctx, chatID, args)
	default:
		c.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}

func (c *Commands) handleStart(chatID int64) {
	c.reply(chatID, `Welcome to feedpush!

Subscribe to feeds and push new entries to this chat.

Quick start:
1. /add <name> <url-or-path> — add a feed
2. /info <name> — see its settings
3. /deny <name> <regex> — drop matching entries

Use /help for the full command reference.`)
}

func (c *Commands) handleHelp(chatID int64) {
	c.reply(chatID, `Feed management:
/add <name> <url-or-path> [schedule] — add a feed
/list — show all feeds
/info <name> — feed details
/remove <name> — delete a feed and its history
/pause <name> — stop checking
/resume <name> — resume checking
/schedule <name> <spec> — minutes, or cron fields joined by "_"
/check <name> — force a check now

Filtering and rendering:
/allow <name> <regex> — keep only matching entries ("-" clears)
/deny <name> <regex> — drop matching entries ("-" clears)
/dedup <name> [link] [title] [image] [or] — duplicate detection
/images <name> <n> — image budget per entry (-1 unlimited, 0 none)
/cookie <name> <value> — Cookie header for fetches ("-" clears)
/removal <name> <regex> — add a body-removal pattern ("-" clears all)
/toggle <name> <option> — proxy | translate | only_title | only_pic | pic_only | download_pic

A schedule of "30" checks every 30 minutes; "0_8_*_*_*" checks daily
at 08:00.`)
}

func (c *Commands) handleAdd(ctx context.Context, chatID int64, args string) {
	parts := strings.Fields(args)
	if len(parts) < 2 || len(parts) > 3 {
		c.reply(chatID, "Usage: /add <name> <url-or-path> [schedule]")
		return
	}

	feed := &model.Feed{
		Name:      parts[0],
		URL:       parts[1],
		Schedule:  "30",
		Targets:   []string{strconv.FormatInt(chatID, 10)},
		MaxImages: -1, // unlimited; 0 would suppress images entirely
	}
	if len(parts) == 3 {
		feed.Schedule = parts[2]
	}

	if err := c.store.CreateFeed(ctx, feed); err != nil {
		c.reply(chatID, fmt.Sprintf("Failed to save feed: %v", err))
		return
	}
	if err := c.sched.AddJob(feed); err != nil {
		c.reply(chatID, fmt.Sprintf("Feed saved but not scheduled: %v", err))
		return
	}
	c.reply(chatID, fmt.Sprintf("Feed %q added, checking every %s.\nThe first check records a baseline; pushes start with the next new entry.", feed.Name, feed.Schedule))
}

func (c *Commands) handleList(ctx context.Context, chatID int64) {
	feeds, err := c.store.ListFeeds(ctx, "")
	if err != nil {
		c.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if len(feeds) == 0 {
		c.reply(chatID, "No feeds yet. Use /add to create one.")
		return
	}

	scheduled := make(map[string]bool)
	for _, name := range c.sched.JobNames() {
		scheduled[name] = true
	}

	var b strings.Builder
	b.WriteString("Feeds:\n")
	for _, f := range feeds {
		state := "active"
		switch {
		case f.Stopped:
			state = "paused"
		case !scheduled[f.JobName()]:
			state = "not scheduled"
		}
		fmt.Fprintf(&b, "%s — %s (%s, every %s)\n", f.Name, f.URL, state, f.Schedule)
	}
	c.reply(chatID, b.String())
}

func (c *Commands) handleInfo(ctx context.Context, chatID int64, args string) {
	feed, ok := c.getFeed(ctx, chatID, args, "/info <name>")
	if !ok {
		return
	}
	c.reply(chatID, feed.Describe(true))
}

func (c *Commands) handleRemove(ctx context.Context, chatID int64, args string) {
	feed, ok := c.getFeed(ctx, chatID, args, "/remove <name>")
	if !ok {
		return
	}
	c.sched.RemoveJob(feed.JobName())
	if err := c.store.DeleteFeed(ctx, feed.ID); err != nil {
		c.reply(chatID, fmt.Sprintf("Error deleting feed: %v", err))
		return
	}
	c.reply(chatID, fmt.Sprintf("Feed %q deleted.", feed.Name))
}

func (c *Commands) handlePause(ctx context.Context, chatID int64, args string) {
	feed, ok := c.getFeed(ctx, chatID, args, "/pause <name>")
	if !ok {
		return
	}
	feed.Stopped = true
	if err := c.store.UpdateFeed(ctx, feed); err != nil {
		c.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	c.sched.RemoveJob(feed.JobName())
	c.reply(chatID, fmt.Sprintf("Feed %q paused.", feed.Name))
}

func (c *Commands) handleResume(ctx context.Context, chatID int64, args string) {
	feed, ok := c.getFeed(ctx, chatID, args, "/resume <name>")
	if !ok {
		return
	}
	feed.Stopped = false
	feed.ConsecutiveFailures = 0
	if err := c.store.UpdateFeed(ctx, feed); err != nil {
		c.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if err := c.sched.AddJob(feed); err != nil {
		c.reply(chatID, fmt.Sprintf("Error scheduling: %v", err))
		return
	}
	c.reply(chatID, fmt.Sprintf("Feed %q resumed.", feed.Name))
}

func (c *Commands) handleSchedule(ctx context.Context, chatID int64, args string) {
	parts := strings.Fields(args)
	if len(parts) != 2 {
		c.reply(chatID, "Usage: /schedule <name> <spec>")
		return
	}
	feed, ok := c.getFeed(ctx, chatID, parts[0], "/schedule <name> <spec>")
	if !ok {
		return
	}
	feed.Schedule = parts[1]
	if err := c.store.UpdateFeed(ctx, feed); err != nil {
		c.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	// Rescheduling validates the spec; an invalid one leaves the feed
	// saved but unscheduled.
	if err := c.sched.AddJob(feed); err != nil {
		c.reply(chatID, fmt.Sprintf("Saved, but not scheduled: %v", err))
		return
	}
	c.reply(chatID, fmt.Sprintf("Feed %q now checks on %q.", feed.Name, feed.Schedule))
}

func (c *Commands) handleKeyword(ctx context.Context, chatID int64, args string, allow bool) {
	usage := "/deny <name> <regex>"
	if allow {
		usage = "/allow <name> <regex>"
	}
	name, pattern, found := strings.Cut(args, " ")
	if !found || strings.TrimSpace(pattern) == "" {
		c.reply(chatID, "Usage: "+usage)
		return
	}
	pattern = strings.TrimSpace(pattern)
	if pattern == "-" {
		pattern = ""
	} else if err := filter.ValidateRegex(pattern); err != nil {
		c.reply(chatID, fmt.Sprintf("Invalid regex: %v", err))
		return
	}

	feed, ok := c.getFeed(ctx, chatID, name, usage)
	if !ok {
		return
	}
	if allow {
		feed.AllowKeyword = pattern
	} else {
		feed.DenyKeyword = pattern
	}
	if err := c.store.UpdateFeed(ctx, feed); err != nil {
		c.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if pattern == "" {
		c.reply(chatID, fmt.Sprintf("Keyword filter cleared for %q.", feed.Name))
		return
	}
	c.reply(chatID, fmt.Sprintf("Keyword filter set for %q: %s", feed.Name, pattern))
}

func (c *Commands) handleDedup(ctx context.Context, chatID int64, args string) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		c.reply(chatID, "Usage: /dedup <name> [link] [title] [image] [or]")
		return
	}
	feed, ok := c.getFeed(ctx, chatID, parts[0], "/dedup <name> [kinds...]")
	if !ok {
		return
	}

	var kinds []string
	for _, k := range parts[1:] {
		switch k {
		case model.FilterLink, model.FilterTitle, model.FilterImage, model.FilterOr:
			kinds = append(kinds, k)
		default:
			c.reply(chatID, fmt.Sprintf("Unknown dedup kind %q.", k))
			return
		}
	}
	feed.DedupFilters = kinds
	if err := c.store.UpdateFeed(ctx, feed); err != nil {
		c.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if len(kinds) == 0 {
		c.reply(chatID, fmt.Sprintf("Dedup disabled for %q.", feed.Name))
		return
	}
	c.reply(chatID, fmt.Sprintf("Dedup for %q: %s", feed.Name, strings.Join(kinds, ", ")))
}

func (c *Commands) handleImages(ctx context.Context, chatID int64, args string) {
	parts := strings.Fields(args)
	if len(parts) != 2 {
		c.reply(chatID, "Usage: /images <name> <n>")
		return
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		c.reply(chatID, fmt.Sprintf("Not a number: %q.", parts[1]))
		return
	}
	if n < 0 {
		n = -1
	}
	feed, ok := c.getFeed(ctx, chatID, parts[0], "/images <name> <n>")
	if !ok {
		return
	}
	feed.MaxImages = n
	if err := c.store.UpdateFeed(ctx, feed); err != nil {
		c.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	switch n {
	case -1:
		c.reply(chatID, fmt.Sprintf("Feed %q: images unlimited.", feed.Name))
	case 0:
		c.reply(chatID, fmt.Sprintf("Feed %q: images disabled.", feed.Name))
	default:
		c.reply(chatID, fmt.Sprintf("Feed %q: up to %d images per entry.", feed.Name, n))
	}
}

func (c *Commands) handleCookie(ctx context.Context, chatID int64, args string) {
	name, value, found := strings.Cut(args, " ")
	value = strings.TrimSpace(value)
	if !found || value == "" {
		c.reply(chatID, "Usage: /cookie <name> <value>")
		return
	}
	if value == "-" {
		value = ""
	}
	feed, ok := c.getFeed(ctx, chatID, name, "/cookie <name> <value>")
	if !ok {
		return
	}
	feed.Cookie = value
	if err := c.store.UpdateFeed(ctx, feed); err != nil {
		c.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if value == "" {
		c.reply(chatID, fmt.Sprintf("Cookie cleared for %q.", feed.Name))
		return
	}
	c.reply(chatID, fmt.Sprintf("Cookie set for %q.", feed.Name))
}

func (c *Commands) handleRemoval(ctx context.Context, chatID int64, args string) {
	name, pattern, found := strings.Cut(args, " ")
	pattern = strings.TrimSpace(pattern)
	if !found || pattern == "" {
		c.reply(chatID, "Usage: /removal <name> <regex>")
		return
	}
	feed, ok := c.getFeed(ctx, chatID, name, "/removal <name> <regex>")
	if !ok {
		return
	}
	if pattern == "-" {
		feed.ContentRemoval = nil
	} else {
		if err := filter.ValidateRegex(pattern); err != nil {
			c.reply(chatID, fmt.Sprintf("Invalid regex: %v", err))
			return
		}
		feed.ContentRemoval = append(feed.ContentRemoval, pattern)
	}
	if err := c.store.UpdateFeed(ctx, feed); err != nil {
		c.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if len(feed.ContentRemoval) == 0 {
		c.reply(chatID, fmt.Sprintf("Removal patterns cleared for %q.", feed.Name))
		return
	}
	c.reply(chatID, fmt.Sprintf("Removal patterns for %q: %s", feed.Name, strings.Join(feed.ContentRemoval, ", ")))
}

func (c *Commands) handleToggle(ctx context.Context, chatID int64, args string) {
	parts := strings.Fields(args)
	if len(parts) != 2 {
		c.reply(chatID, "Usage: /toggle <name> <option>")
		return
	}
	feed, ok := c.getFeed(ctx, chatID, parts[0], "/toggle <name> <option>")
	if !ok {
		return
	}

	var value *bool
	switch parts[1] {
	case "proxy":
		value = &feed.Proxy
	case "translate":
		value = &feed.Translate
	case "only_title":
		value = &feed.OnlyTitle
	case "only_pic":
		value = &feed.OnlyPic
	case "pic_only":
		value = &feed.ContainsPicOnly
	case "download_pic":
		value = &feed.DownloadPic
	default:
		c.reply(chatID, fmt.Sprintf("Unknown option %q.", parts[1]))
		return
	}
	*value = !*value
	if err := c.store.UpdateFeed(ctx, feed); err != nil {
		c.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	c.reply(chatID, fmt.Sprintf("Feed %q: %s = %t.", feed.Name, parts[1], *value))
}

func (c *Commands) handleCheck(ctx context.Context, chatID int64, args string) {
	feed, ok := c.getFeed(ctx, chatID, args, "/check <name>")
	if !ok {
		return
	}
	if err := c.check(ctx, feed); err != nil {
		c.reply(chatID, fmt.Sprintf("Check failed: %v", err))
		return
	}
	c.reply(chatID, fmt.Sprintf("Feed %q checked.", feed.Name))
}

func (c *Commands) getFeed(ctx context.Context, chatID int64, name, usage string) (*model.Feed, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		c.reply(chatID, "Usage: "+usage)
		return nil, false
	}
	feed, err := c.store.GetFeedByName(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		c.reply(chatID, fmt.Sprintf("Feed %q not found.", name))
		return nil, false
	}
	if err != nil {
		c.reply(chatID, fmt.Sprintf("Error: %v", err))
		return nil, false
	}
	return feed, true
}
