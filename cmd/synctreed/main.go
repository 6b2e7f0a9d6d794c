// Command synctreed is the demo collaboration server: it exposes one
// WebSocket endpoint per room, each backed by a work tree (internal/
// worktree), and relays wire-encoded envelopes (internal/wire) between
// every peer in a room via internal/session.
//
// Adapted from the teacher's main.go (serve-until-signal shape),
// rewired onto internal/session + internal/transport + internal/config
// + internal/metrics instead of the teacher's bare net/http + log.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Polqt/synccore/internal/config"
	"github.com/Polqt/synccore/internal/gitprovider"
	"github.com/Polqt/synccore/internal/metrics"
	"github.com/Polqt/synccore/internal/replicaid"
	"github.com/Polqt/synccore/internal/session"
	"github.com/Polqt/synccore/internal/transport"
)

func main() {
	v := viper.New()
	var configPath string

	root := &cobra.Command{
		Use:   "synctreed",
		Short: "synccore collaboration relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "optional config file (yaml/json/toml)")
	config.BindFlags(root, v)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.NewConsoleWriter()).Level(level).With().Timestamp().Logger()

	reg := prometheus.NewRegistry()
	metricsReg := metrics.New(reg)

	// No real Git provider is wired for the demo server: rooms start
	// from an empty epoch and every CreateFile/CreateDir arrives as a
	// live operation from a connected peer.
	var git gitprovider.Provider

	replica, err := replicaid.LoadOrCreate(cfg.ReplicaIDPath)
	if err != nil {
		return fmt.Errorf("replica identity: %w", err)
	}

	hub := session.NewHub("", git, metricsReg, log)
	hub.SetReplicaSeed(func() replicaid.ID { return replica })

	if cfg.ReplayLogPath != "" {
		if err := session.ReplayInto(hub, cfg.ReplayLogPath); err != nil {
			return fmt.Errorf("replay log: restoring from %q: %w", cfg.ReplayLogPath, err)
		}
		rl, err := session.OpenReplayLog(cfg.ReplayLogPath)
		if err != nil {
			return fmt.Errorf("replay log: %w", err)
		}
		defer rl.Close()
		hub.SetReplayLog(rl)
	}

	wsHandler := transport.NewHandler(hub, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", wsHandler.ServeHTTP)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ws server: %w", err)
		}
	}()
	if metricsSrv != nil {
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error().Err(err).Msg("server error")
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}
