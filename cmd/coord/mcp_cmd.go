package main

import (
	"github.com/fentz26/agent-coordinator/internal/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Model Context Protocol tool server",
}

var mcpServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve coordinator tools over stdio",
	Long: `Serves the coordinator's tools to an MCP client over stdin/stdout. The
server opens the configured store itself and acts as the configured agent id.
Logs go to stderr.`,
	RunE: runMCPServe,
}

func init() {
	mcpCmd.AddCommand(mcpServeCmd)
}

func runMCPServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	server, err := mcp.NewServer(svc.gateway, cfg.Agent.ID, version, logger)
	if err != nil {
		return err
	}
	logger.Info().Str("agent", cfg.Agent.ID).Msg("serving MCP over stdio")
	return server.Run(ctx)
}
