package main

import (
	"fmt"

	"github.com/fentz26/agent-coordinator/internal/auth"
	"github.com/fentz26/agent-coordinator/internal/config"
	"github.com/spf13/cobra"
)

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage the service credential",
}

var credentialForce bool

var credentialGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate and save a new service credential",
	Long: `Generates a random bearer credential and saves it in the config directory.
The daemon requires it on every request except /health, and CLI commands
send it automatically. Required when the daemon listens on a non-loopback
address.`,
	// Runs without a loaded config so it can fix a config that fails
	// validation for lack of a credential.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE:              runCredentialGenerate,
}

func init() {
	credentialCmd.AddCommand(credentialGenerateCmd)
	credentialGenerateCmd.Flags().BoolVar(&credentialForce, "force", false, "replace an existing credential")
}

func runCredentialGenerate(cmd *cobra.Command, args []string) error {
	dir := config.Dir()
	if existing, err := auth.Load(dir); err != nil {
		return err
	} else if existing != "" && !credentialForce {
		return fmt.Errorf("a credential already exists in %s; use --force to replace it", dir)
	}

	token, err := auth.GenerateToken()
	if err != nil {
		return err
	}
	path, err := auth.Save(dir, token)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved credential to %s\n", path)
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
