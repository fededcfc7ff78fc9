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
	"callcore/internal/core/services"
	signalinfra "callcore/internal/infrastructure/signal"
	"callcore/pkg/config"
	"callcore/pkg/logger"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "configs/signal.yaml", "path to the YAML configuration")
	issue := flag.String("issue-token", "", "print a signaling token for the given peer id and exit")
	envFile := flag.String("env-file", ".env", "optional file of CALLCORE_* variables")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.ValidateHub()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	authService := services.NewAuthService(cfg.Control.JWTSecret, cfg.Control.TokenTTL, "callcore-signal")

	if *issue != "" {
		token, err := authService.GenerateToken(domain.PeerID(*issue), services.ScopeSignaling)
		if err != nil {
			log.Fatalw("failed to generate token", "error", err)
		}
		fmt.Println(token)
		return
	}

	hub := signalinfra.NewHub(signalinfra.HubConfig{
		PingInterval:      cfg.Hub.PingInterval,
		PongTimeout:       cfg.Hub.PongTimeout,
		WriteTimeout:      cfg.Hub.WriteTimeout,
		MessagesPerSecond: cfg.Hub.MessagesPerSecond,
		Burst:             cfg.Hub.Burst,
		MaxMessageBytes:   cfg.Hub.MaxMessageBytes,
		TURNURLs:          cfg.Hub.TURNURLs,
		TURNSecret:        cfg.Hub.TURNSecret,
		CredentialTTL:     cfg.Hub.CredentialTTL,
		RelayURL:          cfg.Hub.RelayURL,
	}, authService, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWebSocket)
	mux.HandleFunc("/health", hub.HealthCheck)

	srv := &http.Server{
		Addr:              cfg.Hub.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("signaling hub listening", "address", cfg.Hub.Address, "relay_url", cfg.Hub.RelayURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatalw("signaling hub failed", "error", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Control.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("signaling hub shutdown failed", "error", err)
	}
	log.Info("signaling hub stopped")
}
