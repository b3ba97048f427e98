package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
	"gopkg.in/natefinch/lumberjack.v2"

	apihttp "github.com/ezerobledo91/streams-sub000/internal/api/http"
	"github.com/ezerobledo91/streams-sub000/internal/app"
	"github.com/ezerobledo91/streams-sub000/internal/attemptlog"
	"github.com/ezerobledo91/streams-sub000/internal/domain"
	"github.com/ezerobledo91/streams-sub000/internal/metrics"
	"github.com/ezerobledo91/streams-sub000/internal/orchestrator"
	"github.com/ezerobledo91/streams-sub000/internal/probe"
	"github.com/ezerobledo91/streams-sub000/internal/ranking"
	"github.com/ezerobledo91/streams-sub000/internal/reliability"
	mongorepo "github.com/ezerobledo91/streams-sub000/internal/repository/mongo"
	"github.com/ezerobledo91/streams-sub000/internal/services/torrent/engine/anacrolix"
	"github.com/ezerobledo91/streams-sub000/internal/services/torrent/engine/ffprobe"
	"github.com/ezerobledo91/streams-sub000/internal/session"
	"github.com/ezerobledo91/streams-sub000/internal/subtitles"
	"github.com/ezerobledo91/streams-sub000/internal/telemetry"
	"github.com/ezerobledo91/streams-sub000/internal/transcode"
	"github.com/ezerobledo91/streams-sub000/internal/usecase"
)

const (
	serviceName      = "playback-engine"
	attemptLogSize   = 500
	reliabilityColl  = "reliability"
	broadcastTicker  = 5 * time.Second
	shutdownDeadline = 10 * time.Second
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("dotenv load failed", slog.String("error", err.Error()))
	}

	cfg := app.LoadConfig()
	logger, closeLog := newLogger(cfg)
	defer closeLog()
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), serviceName)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", serviceName),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("hlsDir", cfg.HLSDir),
		slog.String("dataDir", cfg.TorrentDataDir),
		slog.Int("maxSessions", cfg.MaxSessions),
		slog.Duration("budget", cfg.OrchestratorBudget),
		slog.Bool("redis", cfg.RedisURL != ""),
		slog.Bool("mongo", cfg.MongoURI != ""),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker := reliability.NewTracker(cfg.ReliabilityConfig(), reliability.WithLogger(logger))

	var mongoClient *mongo.Client
	ledgerDone := make(chan struct{})
	if cfg.MongoURI != "" {
		mongoClient, err = connectMongo(rootCtx, cfg.MongoURI)
		if err != nil {
			logger.Error("mongo connect failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		repo := mongorepo.NewReliabilityRepository(mongoClient, cfg.MongoDatabase, reliabilityColl)
		initCtx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
		if err := repo.EnsureIndexes(initCtx); err != nil {
			logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
		}
		ledger := reliability.SyncLedger{
			Tracker:  tracker,
			Store:    repo,
			Logger:   logger,
			Interval: cfg.ReliabilityPersistInterval,
		}
		if err := ledger.Restore(initCtx); err != nil {
			logger.Warn("reliability restore failed", slog.String("error", err.Error()))
		}
		cancel()
		go func() {
			defer close(ledgerDone)
			ledger.Run(rootCtx)
		}()
	} else {
		close(ledgerDone)
	}

	engine, err := anacrolix.New(cfg.EngineConfig(), logger)
	if err != nil {
		logger.Error("torrent engine init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	attempts := attemptlog.New(attemptLogSize)
	factory := transcode.NewFactory(cfg.TranscodeConfig(), logger)

	var server atomic.Pointer[apihttp.Server]
	registry := session.NewRegistry(cfg.SessionConfig(), engine,
		func(id string) session.Transcoder { return factory.New(id) },
		session.WithMediaProber(ffprobe.New(cfg.FFProbePath)),
		session.WithSubtitles(subtitles.NewSelector()),
		session.WithReliability(tracker),
		session.WithAttempts(attempts),
		session.WithLogger(logger),
		session.WithListener(func(d domain.SessionDescriptor) {
			if s := server.Load(); s != nil {
				s.BroadcastSession(d)
			}
		}),
	)
	registryDone := make(chan struct{})
	go func() {
		defer close(registryDone)
		registry.Run(rootCtx)
	}()

	prober := probe.New(cfg.ProbeConfig(), tracker, probe.WithLogger(logger))
	ranker := ranking.NewRanker(tracker, cfg.ProviderBonus)

	orchOpts := []orchestrator.Option{
		orchestrator.WithCircuits(tracker),
		orchestrator.WithAttempts(attempts),
		orchestrator.WithLogger(logger),
	}
	var redisCache *orchestrator.RedisCacheBackend
	if cfg.RedisURL != "" {
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		redisCache, err = orchestrator.NewRedisCacheFromURL(pingCtx, cfg.RedisURL)
		cancel()
		if err != nil {
			logger.Warn("redis unavailable, using in-memory result cache", slog.String("error", err.Error()))
			redisCache = nil
		} else {
			orchOpts = append(orchOpts, orchestrator.WithCache(redisCache))
		}
	}
	orch := orchestrator.New(cfg.OrchestratorConfig(), ranker, prober, registry, orchOpts...)

	handler := apihttp.NewServer(orch, registry,
		apihttp.WithLogger(logger),
		apihttp.WithAllowedOrigins(cfg.CORSAllowedOrigins),
		apihttp.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		apihttp.WithReliability(tracker),
		apihttp.WithAttempts(attempts),
	)
	server.Store(handler)
	unsubscribe := attempts.Subscribe(handler.BroadcastAttempt)
	defer unsubscribe()

	go broadcastSessions(rootCtx, registry, handler)
	go usecase.DiskPressure{
		Sessions:     registry,
		Logger:       logger,
		Dirs:         []string{cfg.TorrentDataDir, cfg.HLSDir},
		MinFreeBytes: cfg.MinFreeDiskBytes,
	}.Run(rootCtx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}
	stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer shutdownCancel()

	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	<-registryDone
	registry.Close()
	if err := engine.Close(); err != nil {
		logger.Warn("engine close error", slog.String("error", err.Error()))
	}
	<-ledgerDone
	if redisCache != nil {
		if err := redisCache.Close(); err != nil {
			logger.Warn("redis close error", slog.String("error", err.Error()))
		}
	}
	if mongoClient != nil {
		if err := mongoClient.Disconnect(shutdownCtx); err != nil {
			logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
		}
	}

	logger.Info("server stopped")
}

func connectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongorepo.Connect(ctx, uri, options.Client().SetMonitor(otelmongo.NewMonitor()))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

// broadcastSessions pushes loading-session snapshots so clients see torrent
// progress between state transitions.
func broadcastSessions(ctx context.Context, registry *session.Registry, handler *apihttp.Server) {
	ticker := time.NewTicker(broadcastTicker)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, d := range registry.List() {
				if d.Status == domain.SessionLoading || d.HLS.Status == domain.HLSLoading {
					handler.BroadcastSession(d)
				}
			}
		}
	}
}

func newLogger(cfg app.Config) (*slog.Logger, func()) {
	var out io.Writer = os.Stdout
	closeFn := func() {}
	if path := strings.TrimSpace(cfg.LogFile); path != "" {
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.LogFileMaxSizeMB,
			MaxBackups: cfg.LogFileMaxBackups,
			MaxAge:     cfg.LogFileMaxAgeDays,
			Compress:   cfg.LogFileCompress,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closeFn = func() { _ = rotator.Close() }
	}

	handlerOpts := &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}
	if strings.ToLower(strings.TrimSpace(cfg.LogFormat)) == "json" {
		return slog.New(slog.NewJSONHandler(out, handlerOpts)), closeFn
	}
	return slog.New(slog.NewTextHandler(out, handlerOpts)), closeFn
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
