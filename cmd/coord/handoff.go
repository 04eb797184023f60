package main

import (
	"fmt"
	"strings"

	coorderr "github.com/fentz26/agent-coordinator/internal/errors"
	"github.com/fentz26/agent-coordinator/internal/models"
	"github.com/spf13/cobra"
)

var handoffCmd = &cobra.Command{
	Use:   "handoff",
	Short: "Write and read session handoff notes",
}

var handoffWriteCmd = &cobra.Command{
	Use:   "write",
	Short: "Write a handoff for the configured agent (requires --direct)",
	Long: `Records a handoff note for the next session of this agent. Writing
handoffs is not exposed over the HTTP API, so this command runs through the
in-process gateway and needs --direct.`,
	RunE: runHandoffWrite,
}

var handoffShowCmd = &cobra.Command{
	Use:   "show [agent]",
	Short: "Show an agent's latest handoffs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHandoffShow,
}

var (
	handoffSummary   string
	handoffNextSteps []string
	handoffLimit     int
)

func init() {
	handoffCmd.AddCommand(handoffWriteCmd, handoffShowCmd)

	handoffWriteCmd.Flags().StringVar(&handoffSummary, "summary", "", "what was done (required)")
	handoffWriteCmd.Flags().StringArrayVar(&handoffNextSteps, "next", nil, "a next step; repeat for more")
	handoffWriteCmd.MarkFlagRequired("summary")

	handoffShowCmd.Flags().IntVar(&handoffLimit, "limit", 1, "number of handoffs")
}

func runHandoffWrite(cmd *cobra.Command, args []string) error {
	if !direct {
		return coorderr.E(coorderr.KindPolicyDenied, "handoff write",
			"write_handoff is not available over HTTP; rerun with --direct or use the MCP tool")
	}
	b, done, err := openBackend(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	h, err := b.(*localBackend).WriteHandoff(cmd.Context(), models.Handoff{
		AgentName: cfg.Agent.ID,
		Summary:   handoffSummary,
		NextSteps: handoffNextSteps,
	})
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), h)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote handoff %s for %s\n", h.ID, h.AgentName)
	return nil
}

func runHandoffShow(cmd *cobra.Command, args []string) error {
	agent := cfg.Agent.ID
	if len(args) == 1 {
		agent = args[0]
	}
	b, done, err := openBackend(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	hs, err := b.Handoffs(cmd.Context(), agent, handoffLimit)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), hs)
	}
	if len(hs) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No handoffs for %s\n", agent)
		return nil
	}
	for i, h := range hs {
		if i > 0 {
			fmt.Fprintln(cmd.OutOrStdout())
		}
		fmt.Fprintf(cmd.OutOrStdout(), "=== %s (%s) ===\n", h.AgentName, formatTime(&h.CreatedAt))
		fmt.Fprintln(cmd.OutOrStdout(), h.Summary)
		if len(h.NextSteps) > 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Next steps:")
			fmt.Fprintln(cmd.OutOrStdout(), "  - "+strings.Join(h.NextSteps, "\n  - "))
		}
	}
	return nil
}
