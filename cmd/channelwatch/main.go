package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"channelwatch/aggregator/internal/collector"
	"channelwatch/aggregator/internal/config"
	"channelwatch/aggregator/internal/database"
	"channelwatch/aggregator/internal/enrich"
	"channelwatch/aggregator/internal/importer"
	"channelwatch/aggregator/internal/models"
	"channelwatch/aggregator/internal/server"
	"channelwatch/aggregator/internal/source"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05"})
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

func usage() {
	fmt.Println("Usage: channelwatch [command] [options]")
	fmt.Println("Commands: import, collect, enrich, run, server")
	fmt.Println("\nFor command-specific options, use: channelwatch [command] -h")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var configPath, dbPath, logLevelStr string
	addCommonFlags := func(fs *flag.FlagSet) {
		fs.StringVar(&configPath, "config", config.GetEnvString("CHANNELWATCH_CONFIG", ""),
			"Path to the YAML config file (env: CHANNELWATCH_CONFIG)")
		fs.StringVar(&dbPath, "db", "",
			"Path to the SQLite database file, overrides config (env: CHANNELWATCH_DB_PATH)")
		fs.StringVar(&logLevelStr, "log-level", "",
			"Log level: debug, info, warn, error (env: CHANNELWATCH_LOG_LEVEL)")
	}

	importCmd := flag.NewFlagSet("import", flag.ExitOnError)
	addCommonFlags(importCmd)
	var csvPath string
	var validate bool
	importCmd.StringVar(&csvPath, "csv", config.GetEnvString("CHANNELWATCH_CSV_PATH", config.DefaultChannelsCSVPath),
		"Path to the channels CSV file (env: CHANNELWATCH_CSV_PATH)")
	importCmd.BoolVar(&validate, "validate", false,
		"Validate each channel against the source before registering it")

	collectCmd := flag.NewFlagSet("collect", flag.ExitOnError)
	addCommonFlags(collectCmd)

	enrichCmd := flag.NewFlagSet("enrich", flag.ExitOnError)
	addCommonFlags(enrichCmd)

	runCmd := flag.NewFlagSet("run", flag.ExitOnError)
	addCommonFlags(runCmd)

	serverCmd := flag.NewFlagSet("server", flag.ExitOnError)
	addCommonFlags(serverCmd)
	var serverHost string
	var serverPort int
	serverCmd.StringVar(&serverHost, "host", "", "Host to bind the server to, overrides config")
	serverCmd.IntVar(&serverPort, "port", 0, "Port to listen on, overrides config")

	commands := map[string]*flag.FlagSet{
		"import":  importCmd,
		"collect": collectCmd,
		"enrich":  enrichCmd,
		"run":     runCmd,
		"server":  serverCmd,
	}

	switch os.Args[1] {
	case "-h", "--help", "help":
		usage()
		os.Exit(0)
	}

	cmd, ok := commands[os.Args[1]]
	if !ok {
		log.Error().Str("command", os.Args[1]).Msg("Unknown command")
		usage()
		os.Exit(1)
	}
	cmd.Parse(os.Args[2:])

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if logLevelStr != "" {
		if level, err := zerolog.ParseLevel(logLevelStr); err == nil {
			cfg.LogLevel = level
		}
	}
	zerolog.SetGlobalLevel(cfg.LogLevel)

	switch os.Args[1] {
	case "import":
		err = runImport(cfg, csvPath, validate)
	case "collect":
		err = runCollect(cfg)
	case "enrich":
		err = runEnrich(cfg)
	case "run":
		err = runDaemon(cfg)
	case "server":
		if serverHost != "" {
			cfg.Server.Host = serverHost
		}
		if serverPort != 0 {
			cfg.Server.Port = serverPort
		}
		err = runServer(cfg)
	}
	if err != nil {
		log.Error().Err(err).Str("command", os.Args[1]).Msg("Command failed")
		os.Exit(1)
	}
}

// runImport registers channels from a CSV file, creating the database if it
// does not exist yet.
func runImport(cfg *config.Config, csvPath string, validate bool) error {
	db, err := openDB(cfg, false)
	if err != nil {
		return err
	}
	defer db.Close()

	var src source.ChannelSource
	if validate {
		src = newSource(cfg)
	}

	imp := importer.NewImporter(db, src)
	return imp.ImportChannels(context.Background(), csvPath)
}

// runCollect executes a single collection cycle across all channels.
func runCollect(cfg *config.Config) error {
	db, err := openDB(cfg, false)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := signalContext()
	defer cancel()

	return collectCycle(ctx, newCollector(db, cfg))
}

// runEnrich executes a single enrichment cycle over pending posts.
func runEnrich(cfg *config.Config) error {
	if !cfg.Enrichment.Enabled {
		return fmt.Errorf("enrichment is not enabled; set enrichment.enabled or provide an API key")
	}

	db, err := openDB(cfg, false)
	if err != nil {
		return err
	}
	defer db.Close()

	orch, err := newOrchestrator(db, cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	return enrichCycle(ctx, orch, cfg.Enrichment.BatchSize)
}

// runDaemon schedules collection and enrichment cycles on their configured
// intervals and runs until a shutdown signal arrives.
func runDaemon(cfg *config.Config) error {
	db, err := openDB(cfg, false)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := signalContext()
	defer cancel()

	coll := newCollector(db, cfg)

	sched := cron.New()
	_, err = sched.AddFunc(cfg.Collector.Interval, func() {
		if err := collectCycle(ctx, coll); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Collection cycle failed")
		}
	})
	if err != nil {
		return fmt.Errorf("bad collector interval %q: %w", cfg.Collector.Interval, err)
	}

	// Subscriber counts drive relative engagement; refresh them daily.
	_, err = sched.AddFunc("@every 24h", func() {
		if err := refreshMetadata(ctx, db, coll); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Metadata refresh failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule metadata refresh: %w", err)
	}

	if cfg.Enrichment.Enabled {
		orch, err := newOrchestrator(db, cfg)
		if err != nil {
			return err
		}
		_, err = sched.AddFunc(cfg.Enrichment.Interval, func() {
			if err := enrichCycle(ctx, orch, cfg.Enrichment.BatchSize); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Enrichment cycle failed")
			}
		})
		if err != nil {
			return fmt.Errorf("bad enrichment interval %q: %w", cfg.Enrichment.Interval, err)
		}
	} else {
		log.Info().Msg("Enrichment disabled, running collection only")
	}

	// One immediate cycle so a fresh deployment serves data before the
	// first scheduled tick.
	if err := collectCycle(ctx, coll); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Initial collection cycle failed")
	}

	sched.Start()
	log.Info().
		Str("collect_interval", cfg.Collector.Interval).
		Str("enrich_interval", cfg.Enrichment.Interval).
		Msg("Scheduler started")

	<-ctx.Done()
	log.Info().Msg("Shutting down scheduler")
	stopCtx := sched.Stop()
	<-stopCtx.Done()
	log.Info().Msg("Scheduler stopped")
	return nil
}

// runServer starts the read-only HTTP API against a read-only database
// handle.
func runServer(cfg *config.Config) error {
	db, err := openDB(cfg, true)
	if err != nil {
		return err
	}
	defer db.Close()

	return server.RunServer(db, cfg, log.Logger)
}

func openDB(cfg *config.Config, readOnly bool) (*database.DB, error) {
	dbCfg := database.NewConfig(cfg.Database.Path)
	dbCfg.ReadOnly = readOnly

	db, err := database.NewDB(dbCfg)
	if err != nil {
		log.Error().Err(err).Str("path", cfg.Database.Path).Msg("Failed to initialize database")
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return db, nil
}

func newSource(cfg *config.Config) source.ChannelSource {
	// Items older than the retention horizon are never persisted, so the
	// source does not need to return them.
	maxAge := cfg.Collector.Window() + time.Duration(cfg.Collector.RetentionGraceHours)*time.Hour
	return source.NewFeedSource(maxAge)
}

func newCollector(db *database.DB, cfg *config.Config) *collector.Collector {
	return collector.New(db, newSource(cfg), collector.Options{
		Workers:          cfg.Collector.Workers,
		Window:           cfg.Collector.Window(),
		FetchTimeout:     cfg.Collector.ParseFetchTimeout(),
		DegradedAfter:    cfg.Collector.DegradedAfter,
		UnreachableAfter: cfg.Collector.UnreachableAfter,
		RetentionGrace:   time.Duration(cfg.Collector.RetentionGraceHours) * time.Hour,
	})
}

func newOrchestrator(db *database.DB, cfg *config.Config) (*enrich.Orchestrator, error) {
	var provider enrich.Provider
	timeout := cfg.Enrichment.ParseRequestTimeout()

	switch cfg.Enrichment.Provider {
	case "openai":
		provider = enrich.NewOpenAIProvider(cfg.Enrichment.Model, cfg.Enrichment.APIKey, cfg.Enrichment.BaseURL, timeout)
	case "anthropic":
		provider = enrich.NewAnthropicProvider(cfg.Enrichment.Model, cfg.Enrichment.APIKey, cfg.Enrichment.BaseURL, timeout)
	default:
		return nil, fmt.Errorf("unknown enrichment provider: %q", cfg.Enrichment.Provider)
	}

	return enrich.NewOrchestrator(db, provider, cfg.Enrichment.RequestsPerMinute), nil
}

// collectCycle runs one full collection pass followed by retention purging.
func collectCycle(ctx context.Context, coll *collector.Collector) error {
	log.Info().Msg("Starting collection cycle")
	startTime := time.Now()

	results, err := coll.CollectAll(ctx)
	if err != nil {
		return err
	}

	var fetched, created int
	var failed int
	for _, res := range results {
		fetched += res.PostsFetched
		created += res.PostsNew
		if len(res.Errors) > 0 {
			failed++
		}
	}

	log.Info().
		Int("channels", len(results)).
		Int("channels_with_errors", failed).
		Int("fetched", fetched).
		Int("new", created).
		Dur("duration", time.Since(startTime)).
		Msg("Collection cycle finished")

	purgeCtx, purgeCancel := context.WithTimeout(ctx, 5*time.Minute)
	defer purgeCancel()

	purged, purgeErr := coll.PurgeOldPosts(purgeCtx)
	if purgeErr != nil {
		log.Error().Err(purgeErr).Msg("Failed to purge old posts")
	} else if purged > 0 {
		log.Info().Int64("purged", purged).Msg("Purged posts outside retention")
	}

	return nil
}

// enrichCycle enriches one batch of pending posts.
func enrichCycle(ctx context.Context, orch *enrich.Orchestrator, batchSize int) error {
	posts, err := orch.PendingPosts(ctx, batchSize)
	if err != nil {
		return err
	}
	if len(posts) == 0 {
		log.Debug().Msg("No posts pending enrichment")
		return nil
	}

	res := orch.EnrichBatch(ctx, posts)
	log.Info().
		Int("enriched", res.Enriched).
		Int("failed", res.Failed).
		Int64("prompt_tokens", res.Usage.PromptTokens).
		Int64("completion_tokens", res.Usage.CompletionTokens).
		Msg("Enrichment cycle finished")
	return ctx.Err()
}

// refreshMetadata re-validates every channel that is not unreachable.
func refreshMetadata(ctx context.Context, db *database.DB, coll *collector.Collector) error {
	var channels []models.Channel
	err := db.SelectContext(ctx, &channels,
		"SELECT * FROM channels WHERE health != ? ORDER BY id ASC", models.HealthUnreachable)
	if err != nil {
		return fmt.Errorf("load channels: %w", err)
	}

	for i := range channels {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := coll.RefreshMetadata(ctx, &channels[i]); err != nil {
			log.Warn().Err(err).Str("ref", channels[i].Ref).Msg("Metadata refresh failed for channel")
		}
	}
	log.Info().Int("channels", len(channels)).Msg("Channel metadata refreshed")
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-shutdown
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	return ctx, cancel
}
