package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"feedpush/internal/config"
	"feedpush/internal/fetcher"
	"feedpush/internal/filter"
	"feedpush/internal/media"
	"feedpush/internal/pipeline"
	"feedpush/internal/runner"
	"feedpush/internal/scheduler"
	"feedpush/internal/storage"
	"feedpush/internal/telegram"
	"feedpush/internal/translate"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	dispatcher, err := telegram.New(cfg.TelegramBotToken, log)
	if err != nil {
		log.Error("create telegram dispatcher", "error", err)
		os.Exit(1)
	}
	notifier := telegram.NewNotifier(dispatcher, cfg.AdminChatID)

	fetch, err := fetcher.New(store, fetcher.Options{
		HubBase:  cfg.HubBase,
		Mirrors:  cfg.HubMirrors,
		ProxyURL: cfg.ProxyURL,
	}, log)
	if err != nil {
		log.Error("create fetcher", "error", err)
		os.Exit(1)
	}

	downloader, err := media.New(media.Options{
		ProxyURL:             cfg.ProxyURL,
		SizeLimit:            cfg.ImageSizeLimit,
		GIFShrinkThresholdKB: cfg.GIFShrinkThresholdKB,
		SavePath:             cfg.ImageSavePath,
		SaveName:             cfg.ImageSaveName,
	}, log)
	if err != nil {
		log.Error("create media downloader", "error", err)
		os.Exit(1)
	}

	engine, err := filter.New(store, downloader, cfg.BlockWords, cfg.DedupRetentionDays, log)
	if err != nil {
		log.Error("create filter engine", "error", err)
		os.Exit(1)
	}

	registry, err := pipeline.DefaultRegistry(pipeline.Deps{
		Store:      store,
		Filter:     engine,
		Media:      downloader,
		Translator: translate.NewChain(nil, cfg.DeepLKey, log),
		Dispatcher: dispatcher,
		BodyLimit:  cfg.BodyLengthLimit,
		Log:        log,
	})
	if err != nil {
		log.Error("build stage registry", "error", err)
		os.Exit(1)
	}
	pipe := pipeline.New(registry, cfg.HubBase, log)

	run := runner.New(store, fetch, pipe, dispatcher, notifier,
		runner.Options{ProxyConfigured: cfg.ProxyURL != ""}, log)

	sched := scheduler.New(store, run.Check, log)
	run.SetJobs(sched)

	commands, err := telegram.NewCommands(dispatcher, store, sched, run.Check, cfg.AdminChatID, log)
	if err != nil {
		log.Error("create command surface", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	feeds, err := store.ListFeeds(ctx, "")
	if err != nil {
		log.Error("list feeds", "error", err)
		os.Exit(1)
	}
	for i := range feeds {
		if err := sched.AddJob(&feeds[i]); err != nil {
			log.Error("schedule feed", "feed", feeds[i].Name, "error", err)
		}
	}
	log.Info("started", "feeds", len(feeds))

	commands.Run(ctx)

	sched.Stop()
	log.Info("stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
