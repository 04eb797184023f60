package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/fentz26/agent-coordinator/internal/connectors/localexec"
	"github.com/fentz26/agent-coordinator/internal/controlplane"
	"github.com/fentz26/agent-coordinator/internal/worker"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Claim and run exec tasks until interrupted",
	Long: `Polls the work queue, runs claimed "exec" tasks with the allowlisted local
executor and records each result. Talks to the daemon unless --direct is set.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().Int("concurrency", 0, "number of polling workers (overrides worker.concurrency)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
		cfg.Worker.Concurrency = n
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var coord worker.Coordinator
	if direct {
		svc, err := buildServices(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer svc.Close()
		coord = worker.GatewayCoordinator{Gateway: svc.gateway, AgentID: cfg.Agent.ID}
	} else {
		coord = controlplane.NewClient(cfg.HTTP.URL, cfg.Agent.ID, cfg.Service.Credential)
	}

	pool, err := newWorkerPool(coord)
	if err != nil {
		return err
	}
	return pool.Run(ctx)
}

func newWorkerPool(coord worker.Coordinator) (*worker.Pool, error) {
	workDir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	conn, err := localexec.New(workDir, cfg.Worker.AllowedCommands...)
	if err != nil {
		return nil, err
	}
	return worker.New(coord, conn, worker.Config{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
		MaxBackoff:   cfg.Worker.MaxBackoff,
	}, logger)
}
