package main

import (
	"fmt"
	"io"
	"strings"

	coorderr "github.com/fentz26/agent-coordinator/internal/errors"
	"github.com/spf13/cobra"
)

var guardrailsCmd = &cobra.Command{
	Use:   "guardrails",
	Short: "Check text against the configured guardrails",
}

var guardrailsCheckCmd = &cobra.Command{
	Use:   "check [text|-]",
	Short: "Check a command or snippet; '-' reads stdin",
	Long: `Checks text against the guardrail patterns. Exits non-zero when a
blocking guardrail matches, so it can gate scripts and hooks.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGuardrailsCheck,
}

func init() {
	guardrailsCmd.AddCommand(guardrailsCheckCmd)
}

func runGuardrailsCheck(cmd *cobra.Command, args []string) error {
	text := strings.Join(args, " ")
	if text == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		text = string(data)
	}

	b, done, err := openBackend(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	report, err := b.CheckGuardrails(cmd.Context(), text)
	if err != nil {
		return err
	}
	if jsonOut {
		if err := printJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
	} else {
		for _, v := range report.Violations {
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s (%q)\n", v.Severity, v.Name, v.Message, v.Match)
		}
		if report.Passed {
			fmt.Fprintln(cmd.OutOrStdout(), "✓ passed")
		}
	}
	if !report.Passed {
		return coorderr.E(coorderr.KindPolicyDenied, "guardrails check", "blocked by guardrails")
	}
	return nil
}
