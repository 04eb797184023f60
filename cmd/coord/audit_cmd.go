package main

import (
	"fmt"
	"time"

	"github.com/fentz26/agent-coordinator/internal/models"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit entries, newest first",
	RunE:  runAuditList,
}

var (
	auditActor     string
	auditOperation string
	auditDecision  string
	auditSince     time.Duration
	auditLimit     int
)

func init() {
	auditCmd.AddCommand(auditListCmd)

	auditListCmd.Flags().StringVar(&auditActor, "actor", "", "filter by actor")
	auditListCmd.Flags().StringVar(&auditOperation, "operation", "", "filter by operation, e.g. acquire_lock")
	auditListCmd.Flags().StringVar(&auditDecision, "decision", "", "filter by decision (allowed, denied)")
	auditListCmd.Flags().DurationVar(&auditSince, "since", 0, "only entries newer than this")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum entries")
}

func runAuditList(cmd *cobra.Command, args []string) error {
	f := models.AuditFilter{
		Actor:     auditActor,
		Operation: auditOperation,
		Decision:  auditDecision,
		Limit:     auditLimit,
	}
	if auditSince > 0 {
		f.Since = time.Now().Add(-auditSince)
	}

	b, done, err := openBackend(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	entries, err := b.AuditLog(cmd.Context(), f)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No audit entries")
		return nil
	}

	w := newTable(cmd.OutOrStdout(), "TIME", "ACTOR", "OPERATION", "TARGET", "DECISION", "OUTCOME", "REASON")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			formatTime(&e.Timestamp), e.Actor, e.Operation, truncate(e.Target, 30), e.Decision, e.Outcome, truncate(e.Reason, 40))
	}
	return w.Flush()
}
