package main

import (
	"fmt"
	"os"

	"github.com/fentz26/agent-coordinator/internal/auth"
	"github.com/fentz26/agent-coordinator/internal/config"
	"github.com/fentz26/agent-coordinator/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "coord",
	Short: "Agent coordinator - locks, work queue and audit for cooperating agents",
	Long: `coord coordinates multiple AI agents working on one codebase: exclusive
locks on shared resources, a dependency-aware work queue, handoff notes and
memory, with every mutation checked against policy and written to an audit log.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	cfgFile string
	direct  bool

	cfg    *config.Config
	logger zerolog.Logger
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: "+config.Dir()+"/coord.yaml)")
	pf.String("api", "", "daemon API address (overrides http.url)")
	pf.String("agent", "", "agent id used as the actor (overrides agent.id)")
	pf.String("store", "", "store url for in-process commands (overrides store.url)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&direct, "direct", false, "run against the configured store in-process instead of the daemon")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(handoffCmd)
	rootCmd.AddCommand(rememberCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(guardrailsCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(credentialCmd)
	rootCmd.AddCommand(versionCmd)
}

// flagKeys maps persistent flags to the config keys they override.
var flagKeys = map[string]string{
	"api":       "http.url",
	"agent":     "agent.id",
	"store":     "store.url",
	"log-level": "log.level",
}

func setup(cmd *cobra.Command, args []string) error {
	v := config.NewViper(cfgFile)
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	if l := cmd.Flags().Lookup("listen"); l != nil {
		if err := v.BindPFlag("http.listen", l); err != nil {
			return err
		}
	}
	if err := config.Read(v); err != nil {
		return err
	}
	c, err := config.Load(v)
	if err != nil {
		return err
	}
	if c.Service.Credential == "" {
		// Fall back to the credential written by `coord credential generate`.
		if saved, err := auth.Load(config.Dir()); err == nil {
			c.Service.Credential = saved
		}
	}
	cfg = c
	logger = logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Out:    os.Stderr,
		App:    "coord",
	})
	return nil
}

var versionCmd = &cobra.Command{
	Use:               "version",
	Short:             "Print the version",
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
