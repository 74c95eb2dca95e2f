package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	router "github.com/dkeye/Ensemble/internal/adapters/http"
	"github.com/dkeye/Ensemble/internal/config"
	"github.com/dkeye/Ensemble/internal/engine"
	"github.com/dkeye/Ensemble/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the Ensemble server",
	Args:  cobra.MaximumNArgs(0),
	Run:   runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runServer(_ *cobra.Command, _ []string) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	manager, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg := manager.Current()

	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	var st store.Store
	if cfg.DatabasePath == "" {
		st = store.NewMemory()
		log.Warn().Msg("no database path configured, state will not survive restarts")
	} else {
		st, err = store.OpenSQLite(cfg.DatabasePath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open database")
		}
	}
	defer st.Close()

	eng := engine.NewServer(cfg, st)
	eng.Bootstrap(ctx)
	go eng.Run(ctx)

	// Config edits re-tier every live connection without a restart.
	manager.Watch(func(fresh *config.Config) {
		eng.ApplyConfig(fresh)
	})

	r := router.SetupRouter(ctx, cfg, eng)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Ensemble server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
