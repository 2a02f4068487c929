package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"telefeed/internal/bot"
	"telefeed/internal/config"
	"telefeed/internal/database"
	"telefeed/internal/delivery"
	"telefeed/internal/feed"
	"telefeed/internal/scheduler"
	"telefeed/internal/store"
	"telefeed/internal/summarizer"
)

func main() {
	os.Exit(run())
}

func run() int {
	start := time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).ErrorContext(ctx, "Failed to load config",
			"error", err)

		return 1
	}

	level, _ := cfg.Level()
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	db, err := database.Open(ctx, cfg.DBPath, log)
	if err != nil {
		log.ErrorContext(ctx, "Failed to initialize db",
			"error", err,
			"dbPath", cfg.DBPath)

		return 1
	}
	defer func() {
		if err = db.Close(); err != nil {
			log.ErrorContext(ctx, "Failed to close db",
				"error", err,
				"dbPath", cfg.DBPath)
		}
	}()
	log.InfoContext(ctx, "DB is initialized",
		"dbPath", cfg.DBPath)

	st, err := store.Open(ctx, db, log)
	if err != nil {
		log.ErrorContext(ctx, "Failed to open feed store",
			"error", err,
			"dbPath", cfg.DBPath)

		return 1
	}

	fetcher := feed.NewFetcher(feed.Options{
		Timeout: cfg.FetchTimeout,
		MaxSize: cfg.MaxFeedSize,
	}, initOpenAISummarizer(ctx, cfg, log), log)

	botInst, err := bot.New(cfg.Token, st, fetcher, bot.Options{
		AllowedUsers: cfg.AllowedUsers,
		AdminUsers:   cfg.AdminUsers,
		MaxFeeds:     cfg.MaxFeeds,
		SendRate:     cfg.SendRate,
	}, log)
	if err != nil {
		log.ErrorContext(ctx, "Failed to initialize bot",
			"error", err,
			"allowedUsersCount", len(cfg.AllowedUsers))

		return 1
	}
	defer botInst.Stop()
	log.InfoContext(ctx, "Bot is initialized",
		"allowedUsersCount", len(cfg.AllowedUsers),
		"adminUsersCount", len(cfg.AdminUsers))

	pipeline := delivery.New(st, fetcher, botInst.Sender(), log)

	schedCfg := scheduler.Config{
		MinInterval:   time.Duration(cfg.MinInterval) * time.Second,
		MaxInterval:   time.Duration(cfg.MaxInterval) * time.Second,
		MaxConcurrent: cfg.MaxFetches,
	}
	sched := scheduler.New(ctx, st, pipeline, schedCfg, log)
	botInst.SetRescanner(sched)

	if err = sched.Start(); err != nil {
		log.ErrorContext(ctx, "Failed to start scheduler",
			"error", err,
			"minInterval", schedCfg.MinInterval.String())

		return 1
	}
	defer sched.Stop()
	log.InfoContext(ctx, "Scheduler is started",
		"feedCount", st.FeedCount(),
		"minInterval", schedCfg.MinInterval.String(),
		"maxInterval", schedCfg.MaxInterval.String(),
		"maxConcurrent", schedCfg.MaxConcurrent)

	go botInst.Start(ctx)
	log.InfoContext(ctx, "Bot is started")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	sig := <-c
	log.InfoContext(ctx, "Shutdown signal is received",
		"signal", sig.String())
	cancel()

	log.InfoContext(ctx, "Exiting...",
		"signal", sig.String(),
		"uptimeSeconds", time.Since(start).Seconds())

	return 0
}

func initOpenAISummarizer(ctx context.Context, cfg config.Config, log *slog.Logger) summarizer.Summarizer {
	if cfg.OpenAIAPIKey == "" {
		log.WarnContext(ctx, "OPENAI_API_KEY is missing so fallback will be used",
			"envVar", "OPENAI_API_KEY")

		return nil
	}

	s := summarizer.NewOpenAISummarizer(cfg.OpenAIAPIKey, cfg.OpenAIModel)

	log.InfoContext(ctx, "OpenAI summarizer is initialized",
		"provider", "openai",
		"model", cfg.OpenAIModel)

	return s
}
