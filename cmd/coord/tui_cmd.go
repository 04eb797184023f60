package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/fentz26/agent-coordinator/internal/controlplane"
	"github.com/fentz26/agent-coordinator/internal/tui"
	"github.com/spf13/cobra"
)

var (
	tuiRefresh     time.Duration
	tuiStartDaemon bool
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the read-only dashboard",
	RunE:  runTUI,
}

func init() {
	tuiCmd.Flags().DurationVar(&tuiRefresh, "refresh", tui.DefaultRefresh, "polling interval")
	tuiCmd.Flags().BoolVar(&tuiStartDaemon, "start-daemon", true, "start a background daemon when none is reachable")
}

func runTUI(cmd *cobra.Command, args []string) error {
	client := controlplane.NewClient(cfg.HTTP.URL, cfg.Agent.ID, cfg.Service.Credential)

	if !isDaemonRunning(cmd.Context(), client) && tuiStartDaemon {
		fmt.Fprintln(cmd.ErrOrStderr(), "Daemon not running. Starting background service...")
		if err := startDaemon(cmd.Context(), client); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	app := tui.New(client, tuiRefresh)
	if err := app.Run(cmd.Context()); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func isDaemonRunning(ctx context.Context, client *controlplane.Client) bool {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	resp, err := client.Health(ctx)
	return err == nil && resp.OK
}

func startDaemon(ctx context.Context, client *controlplane.Client) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{"daemon"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	cmd := exec.Command(exe, args...)
	// Detach so the daemon survives the dashboard.
	configureDaemonProc(cmd)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}
	if err := cmd.Process.Release(); err != nil {
		return err
	}

	for i := 0; i < 20; i++ {
		if isDaemonRunning(ctx, client) {
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("daemon started but API not reachable at %s", cfg.HTTP.URL)
}
