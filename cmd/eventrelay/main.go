package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	_ "modernc.org/sqlite"

	"eventrelay/internal/api"
	"eventrelay/internal/config"
	"eventrelay/internal/deadletter"
	"eventrelay/internal/destination"
	"eventrelay/internal/dispatcher"
	"eventrelay/internal/queue"
	"eventrelay/internal/scheduler"
	"eventrelay/internal/shopconfig"
	"eventrelay/internal/store"
	"eventrelay/internal/vault"
)

func main() {
	var (
		envFile = flag.String("env", ".env", "dotenv file to load before reading the environment")
		addr    = flag.String("addr", "", "HTTP bind address (overrides ADDR)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides DB_PATH)")
		debug   = flag.Bool("debug", false, "expose /debug/pprof")
	)
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	logger := newLogger(cfg, os.Stdout)
	log.Logger = logger

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		logger.Fatal().Err(err).Msg("ensure schema")
	}
	repo := store.NewSQLiteRepo(db)

	configs, err := shopconfig.New(repo, vault.New(cfg.VaultSalt), cfg.EncryptionKey, shopconfig.Options{
		CacheTTL: cfg.ConfigCacheTTL,
	}, logger.With().Str("component", "shopconfig").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("shop config service")
	}

	// Destinations
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	adapterOpts := func(baseURL, component string) destination.Options {
		return destination.Options{
			BaseURL:    baseURL,
			HTTPClient: httpClient,
			Logger:     logger.With().Str("component", component).Logger(),
		}
	}
	testEventCode := cfg.FacebookTestEventCode
	if cfg.Production() {
		testEventCode = ""
	}
	segment := destination.NewSegment(adapterOpts(cfg.SegmentBaseURL, "segment"))
	relay := destination.NewPixelRelay(adapterOpts("", "browserless"))
	facebook := destination.NewFacebook(destination.FacebookOptions{
		Options:       adapterOpts(cfg.FacebookBaseURL, "facebook"),
		TestEventCode: testEventCode,
		Relay:         relay,
	})

	// Dead letters
	backends := deadletter.Backends{
		Repo:        repo,
		Logger:      logger.With().Str("component", "deadletter").Logger(),
		RedisKey:    cfg.RedisKey,
		RedisMaxLen: cfg.RedisMaxLen,
	}
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis not reachable yet")
		}
		cancelPing()
		backends.Redis = rdb
	}
	var kw *kafka.Writer
	if len(cfg.KafkaBrokers) > 0 {
		kw = deadletter.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kw.Close()
		backends.Kafka = kw
	}
	sink, err := deadletter.Build(cfg.DeadLetterSinks, backends)
	if err != nil {
		logger.Fatal().Err(err).Msg("dead-letter sinks")
	}

	disp, err := dispatcher.New(dispatcher.Options{
		Queue: queue.Options{
			MaxConcurrent: cfg.QueueMaxConcurrent,
			Timeout:       cfg.QueueTimeout,
			MaxAttempts:   cfg.QueueMaxAttempts,
			RetryDelay:    cfg.QueueRetryDelay,
		},
		DrainInterval:   cfg.DrainInterval,
		MaxTrackedShops: cfg.MaxTrackedShops,
	}, configs, []destination.Adapter{segment, facebook}, sink, logger.With().Str("component", "dispatcher").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("dispatcher")
	}

	sched, err := scheduler.NewService(configs, []destination.Checker{segment, facebook, relay}, cfg.ConnectionCheckCron,
		logger.With().Str("component", "scheduler").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go disp.Run(ctx)
	go func() {
		if err := sched.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("scheduler stopped")
		}
	}()

	// HTTP server
	handler := api.NewServer(disp, configs, repo, api.Options{
		WebhookSecret: cfg.WebhookSecret,
		APIKey:        cfg.APIKey,
		EnableDebug:   *debug,
		Logger:        logger.With().Str("component", "http").Logger(),
	})
	if cfg.APIKey == "" {
		logger.Warn().Msg("API_KEY is not set, /api is disabled")
	}
	srv := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("env", cfg.Env).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	logger.Info().Msg("shutting down")
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	cancel()
	sched.Stop()
	disp.Wait()
	logger.Info().Interface("queue", disp.QueueStats()).Msg("stopped")
}

func newLogger(cfg config.Config, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "eventrelay").Logger()
}
