package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/agent-coordinator/internal/controlplane"
	"github.com/fentz26/agent-coordinator/internal/worker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var daemonWorkers bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the coordinator daemon",
	Long:  `Starts the coordinator daemon which serves the HTTP API over the configured store.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().String("listen", "", "listen address for the API server (overrides http.listen)")
	daemonCmd.Flags().BoolVar(&daemonWorkers, "workers", false, "also run the exec worker pool in-process")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("version", version).Str("agent", cfg.Agent.ID).Msg("starting daemon")

	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		logger.Info().Msg("closing store")
		if err := svc.Close(); err != nil {
			logger.Error().Err(err).Msg("store close")
		}
	}()

	server, err := controlplane.NewServer(svc.gateway, svc.store, controlplane.Options{
		Addr:       cfg.HTTP.Listen,
		Credential: cfg.Service.Credential,
		Version:    version,
	}, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if daemonWorkers {
		pool, err := newWorkerPool(worker.GatewayCoordinator{Gateway: svc.gateway, AgentID: cfg.Agent.ID})
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		g.Go(func() error { return pool.Run(gctx) })
	}

	err = g.Wait()
	logger.Info().Msg("shutdown complete")
	return err
}
