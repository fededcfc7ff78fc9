package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	"callcore/internal/core/services"
	httphandlers "callcore/internal/handlers/http"
	"callcore/internal/infrastructure/backup"
	"callcore/internal/infrastructure/distributed"
	"callcore/internal/infrastructure/monitoring"
	"callcore/internal/infrastructure/relay"
	repositories "callcore/internal/infrastructure/repositories"
	signalinfra "callcore/internal/infrastructure/signal"
	webrtcinfra "callcore/internal/infrastructure/webrtc"
	pkgbackup "callcore/pkg/backup"
	"callcore/pkg/config"
	"callcore/pkg/eventloop"
	"callcore/pkg/logger"
	"callcore/pkg/timers"
	"callcore/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "configs/callcore.yaml", "path to the YAML configuration")
	printToken := flag.Bool("print-control-token", false, "print a control API token for the local peer and exit")
	restore := flag.String("restore-history", "", "load a call-history snapshot (or \"latest\") into the history store and exit")
	envFile := flag.String("env-file", ".env", "optional file of CALLCORE_* variables")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if cfg.Identity.PeerID == "" {
		log.Fatal("identity.peer_id is required")
	}
	localPeer := domain.PeerID(cfg.Identity.PeerID)
	authService := services.NewAuthService(cfg.Control.JWTSecret, cfg.Control.TokenTTL, "callcore")

	if *printToken {
		token, err := authService.GenerateToken(localPeer, services.ScopeControl)
		if err != nil {
			log.Fatalw("failed to generate control token", "error", err)
		}
		fmt.Println(token)
		return
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "callcore",
		Version:     version,
		PeerID:      string(localPeer),
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log)
	historyRepo := repoFactory.CreateCallHistoryRepository()
	var publisher ports.CallEventPublisher
	if client := repoFactory.RedisClient(); client != nil {
		publisher = distributed.NewEventBus(client, string(localPeer), log)
	}
	var archiver *backup.HistoryArchiver
	if cfg.History.Archive.Enabled || *restore != "" {
		storage, err := archiveStorage(ctx, cfg)
		if err != nil {
			log.Fatalw("failed to open history archive", "error", err)
		}
		archiver = backup.NewHistoryArchiver(storage, historyRepo, backup.ArchiverConfig{
			Interval:   cfg.History.Archive.Interval,
			MaxRecords: cfg.History.MaxRecords,
			Keep:       cfg.History.Archive.Keep,
		}, log)
	}
	if *restore != "" {
		if !repoFactory.Persistent() {
			log.Fatal("restoring call history needs postgres or redis; the in-memory store reloads the latest snapshot on start")
		}
		n, err := archiver.Restore(ctx, *restore)
		repoFactory.Close()
		if err != nil {
			log.Fatalw("history restore failed", "snapshot", *restore, "restored", n, "error", err)
		}
		fmt.Printf("restored %d call records\n", n)
		return
	}
	if archiver != nil && !repoFactory.Persistent() {
		if _, err := archiver.Restore(ctx, "latest"); err != nil && !errors.Is(err, pkgbackup.ErrNotFound) {
			log.Warnw("failed to reload call history snapshot", "error", err)
		}
	}
	recorder := services.NewHistoryRecorder(historyRepo, publisher, cfg.History.Workers, log)

	// Metrics
	var metrics ports.CallMetrics = ports.NopMetrics{}
	registry := prometheus.NewRegistry()
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(registry)
	}

	// Signaling
	signaling := signalinfra.NewClient(clientConfig(cfg), log)
	signaling.OnDisconnect(func(err error) {
		log.Errorw("signaling connection lost for good", "error", err)
		stop()
	})
	if err := signaling.Connect(ctx); err != nil {
		log.Fatalw("failed to connect to signaling", "url", cfg.Signaling.URL, "error", err)
	}

	// Media
	factory, err := webrtcinfra.NewFactory(transportConfig(cfg), log)
	if err != nil {
		log.Fatalw("failed to create transport factory", "error", err)
	}
	acquirer := webrtcinfra.NewTrackAcquirer(sourceConfig(cfg), log)
	var feeders []*webrtcinfra.RTPFeeder
	listen := func(enabled bool, address string, kind domain.MediaKind) {
		if !enabled {
			return
		}
		feeder, err := webrtcinfra.ListenRTP(address, kind, acquirer, log)
		if err != nil {
			log.Fatalw("failed to listen for RTP", "kind", kind, "address", address, "error", err)
		}
		feeders = append(feeders, feeder)
		go func() {
			if err := feeder.Run(ctx); err != nil {
				log.Errorw("rtp feeder stopped", "kind", kind, "error", err)
			}
		}()
		log.Infow("accepting rtp", "kind", kind, "address", feeder.Addr())
	}
	listen(cfg.Media.Audio, cfg.Media.AudioRTPAddress, domain.MediaAudio)
	listen(cfg.Media.Video, cfg.Media.VideoRTPAddress, domain.MediaVideo)

	// Call core
	loop := eventloop.New(log)
	clock := timers.RealClock()
	media := services.NewMediaService(acquirer, log)
	classifier := services.NewQualityService(threshold(cfg.Quality.Good), threshold(cfg.Quality.Medium))
	monitor := services.NewQualityMonitor(classifier, loop, clock, services.QualityMonitorConfig{
		PollInterval: cfg.Quality.PollInterval,
		StaleAfter:   cfg.Quality.StaleAfter,
	}, metrics, log)
	bitrate := services.NewBitrateController(bitrateConfig(cfg), monitor, loop, clock, metrics, log)
	links := services.NewPeerLinkManager(factory, media, signaling, loop, clock, services.PeerLinkConfig{
		GracePeriod: cfg.Reconnect.GracePeriod,
		RetryOffset: cfg.Reconnect.RetryOffset,
		Ceiling:     cfg.Reconnect.Ceiling,
	}, metrics, log)
	var relayManager *services.RelayManager
	if cfg.Relay.Enabled {
		relayManager = services.NewRelayManager(relay.NewProvider(factory, log), media, relayBreaker(cfg),
			classifier, loop, cfg.Relay.JoinTimeout, log)
	}

	orchestrator := services.NewOrchestrator(services.OrchestratorConfig{
		LocalPeer:      localPeer,
		RingingTimeout: cfg.Call.RingingTimeout,
		DurationTick:   cfg.Call.DurationTick,
		ConnectTimeout: cfg.Reconnect.Ceiling,
		RelayEnabled:   cfg.Relay.Enabled,
		RelayWait:      cfg.Relay.JoinTimeout,
	}, services.OrchestratorDeps{
		Signaling: signaling,
		Media:     media,
		Links:     links,
		Relay:     relayManager,
		Monitor:   monitor,
		Bitrate:   bitrate,
		Executor:  loop,
		Clock:     clock,
		Metrics:   metrics,
		Logger:    log,
	})
	orchestrator.Subscribe(recorder)
	orchestrator.Start()

	// Control API
	health := monitoring.NewHealthChecker(log)
	health.AddSignalingCheck(signaling, 15*time.Second, time.Second)
	health.AddHistoryCheck(historyRepo, time.Minute, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 30*time.Second, 2*time.Second)
	}
	if pool := repoFactory.PostgresPool(); pool != nil {
		health.AddCheck("postgres", pool.Ping, 30*time.Second, 2*time.Second)
	}
	health.StartBackgroundChecks(ctx)

	var archiveRoute httphandlers.HistoryArchiver
	if cfg.History.Archive.Enabled {
		archiveRoute = archiver
		go archiver.Run(ctx)
	}

	var srv *http.Server
	serverErr := make(chan error, 1)
	if cfg.Control.Address != "" {
		if cfg.Logging.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		router := httphandlers.NewRouter(httphandlers.RouterConfig{
			RequestsPerSecond: cfg.Control.RequestsPerSecond,
			Burst:             cfg.Control.Burst,
		}, httphandlers.RouterDeps{
			Calls:    orchestrator,
			History:  historyRepo,
			Auth:     authService,
			Health:   health,
			Archiver: archiveRoute,
			Gatherer: registry,
			Logger:   log,
		})
		srv = &http.Server{
			Addr:              cfg.Control.Address,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Infow("control api listening", "address", cfg.Control.Address)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	log.Infow("callcore started", "peer_id", localPeer, "relay_enabled", cfg.Relay.Enabled)

	select {
	case err := <-serverErr:
		log.Errorw("control api failed", "error", err)
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Control.ShutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("control api shutdown failed", "error", err)
			srv.Close()
		}
	}

	// Hang up while signaling is still open.
	orchestrator.Stop()
	loop.Flush()
	loop.Close()

	for _, feeder := range feeders {
		feeder.Close()
	}
	if err := signaling.Close(); err != nil {
		log.Warnw("signaling close failed", "error", err)
	}
	recorder.Close()
	if err := repoFactory.Close(); err != nil {
		log.Warnw("repository close failed", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("tracing shutdown failed", "error", err)
	}
	log.Info("callcore stopped")
}
