// Composition root for the model routing gateway.
//
// DESIGN: Everything stateful — caches, tracker, agent registry, custom
// router hook — is constructed here and passed into the core as an explicit
// dependency. The core packages hold no ambient singletons.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/modelroute/gateway/internal/agent"
	"github.com/modelroute/gateway/internal/config"
	"github.com/modelroute/gateway/internal/gateway"
	"github.com/modelroute/gateway/internal/monitoring"
	"github.com/modelroute/gateway/internal/router"
	"github.com/modelroute/gateway/internal/session"
	"github.com/modelroute/gateway/internal/tokenizer"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg.Log.Level)

	usage := session.NewUsageCache(config.UsageCacheSize, config.UsageCacheTTL)
	projects := session.NewProjectResolver(cfg.ProjectsDir, cfg.HomeDir)
	estimator := tokenizer.NewEstimator()
	engine := router.NewEngine(cfg, estimator, usage, projects, nil)
	registry := agent.NewRegistry()
	upstream := gateway.NewUpstream(cfg, &http.Client{Timeout: 0}) // streaming: no client timeout

	var tracker *monitoring.Tracker
	if cfg.Monitoring.Enabled {
		tracker, err = monitoring.NewTracker(cfg.Monitoring.DBPath)
		if err != nil {
			log.Warn().Err(err).Msg("telemetry disabled: cannot open database")
		}
	}

	gw := gateway.New(cfg, engine, registry, usage, upstream, tracker)
	mux := http.NewServeMux()
	gw.Routes(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", addr).Int("providers", len(cfg.Providers)).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
	}
	if err := tracker.Close(); err != nil {
		log.Warn().Err(err).Msg("tracker close failed")
	}
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
