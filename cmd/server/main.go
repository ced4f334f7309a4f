package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/livecam/internal/adapters/http"
	"github.com/dkeye/livecam/internal/adapters/rtc"
	"github.com/dkeye/livecam/internal/adapters/store"
	"github.com/dkeye/livecam/internal/app"
	"github.com/dkeye/livecam/internal/app/broadcaster"
	"github.com/dkeye/livecam/internal/app/monitor"
	"github.com/dkeye/livecam/internal/app/orch"
	"github.com/dkeye/livecam/internal/app/viewer"
	"github.com/dkeye/livecam/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg.Log)

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func setupLogging(cfg config.LogConfig) {
	if cfg.JSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("level", cfg.Level).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func run(ctx context.Context, cfg *config.Config) error {
	transports, err := rtc.NewFactory(rtc.Options{
		ICEServers:        cfg.WebRTC.ICEServers,
		CandidatePoolSize: cfg.WebRTC.CandidatePoolSize,
		PLIInterval:       cfg.WebRTC.PLIInterval,
	})
	if err != nil {
		return fmt.Errorf("webrtc setup: %w", err)
	}

	docs := store.NewMemoryStore()
	retry := app.RetryPolicy{
		Retries: cfg.Signaling.Retries,
		Initial: cfg.Signaling.RetryInitial,
		Max:     cfg.Signaling.RetryMax,
	}
	mon := monitor.Config{
		Grace:          cfg.Monitor.Grace,
		MaxRestarts:    cfg.Monitor.MaxRestarts,
		RestartTimeout: cfg.Monitor.RestartTimeout,
	}

	o := orch.New(orch.Deps{
		Broadcast: broadcaster.Deps{
			Store:      docs,
			Transports: transports,
			Capturer:   &rtc.FileCapturer{VideoPath: cfg.Media.VideoFile, AudioPath: cfg.Media.AudioFile},
			Heartbeat:  cfg.Signaling.Heartbeat,
			Monitor:    mon,
			Retry:      retry,
		},
		View: viewer.Deps{
			Store:      docs,
			Transports: transports,
			TTL:        cfg.Signaling.TTL,
			Monitor:    mon,
			Retry:      retry,
		},
		Events:   app.NewHub(app.StrictErrorPolicy{}),
		Sessions: app.NewSessionRegistry(docs, cfg.Signaling.TTL),
	})
	reaper := app.NewReaper(docs, cfg.Signaling.TTL, cfg.Signaling.ReapInterval)

	r := router.SetupRouter(ctx, cfg, o)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("livecam server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return reaper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return o.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
