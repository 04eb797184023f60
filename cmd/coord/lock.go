package main

import (
	"fmt"
	"time"

	coorderr "github.com/fentz26/agent-coordinator/internal/errors"
	"github.com/fentz26/agent-coordinator/internal/models"
	"github.com/spf13/cobra"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Acquire, release and list resource locks",
}

var lockAcquireCmd = &cobra.Command{
	Use:   "acquire <key>",
	Short: "Acquire an exclusive lock",
	Long: `Acquires an exclusive lock on key for the configured agent. Keys are
relative paths (src/main.go) or prefixed resources (api:, db:, event:, flag:,
env:, contract:, feature:). Re-acquiring a lock you hold refreshes its TTL.`,
	Args: cobra.ExactArgs(1),
	RunE: runLockAcquire,
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release <key>",
	Short: "Release a lock you hold",
	Args:  cobra.ExactArgs(1),
	RunE:  runLockRelease,
}

var lockListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active locks",
	RunE:  runLockList,
}

var lockTTL time.Duration

func init() {
	lockCmd.AddCommand(lockAcquireCmd, lockReleaseCmd, lockListCmd)
	lockAcquireCmd.Flags().DurationVar(&lockTTL, "ttl", 0, "lock lifetime (default lock.default_ttl)")
}

func runLockAcquire(cmd *cobra.Command, args []string) error {
	b, done, err := openBackend(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	l, err := b.AcquireLock(cmd.Context(), args[0], lockTTL)
	if err != nil {
		var conflict *models.LockConflict
		if coorderr.As(err, &conflict) {
			return fmt.Errorf("%s is held by %s until %s", conflict.Key, conflict.Holder, conflict.ExpiresAt.Local().Format(time.DateTime))
		}
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), l)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Locked %s until %s\n", l.Key, l.ExpiresAt.Local().Format(time.DateTime))
	return nil
}

func runLockRelease(cmd *cobra.Command, args []string) error {
	b, done, err := openBackend(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	released, err := b.ReleaseLock(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), map[string]bool{"released": released})
	}
	if !released {
		fmt.Fprintf(cmd.OutOrStdout(), "%s was not held by %s\n", args[0], cfg.Agent.ID)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Released %s\n", args[0])
	return nil
}

func runLockList(cmd *cobra.Command, args []string) error {
	b, done, err := openBackend(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	locks, err := b.Locks(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), locks)
	}
	if len(locks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No active locks")
		return nil
	}

	w := newTable(cmd.OutOrStdout(), "KEY", "HOLDER", "EXPIRES")
	for _, l := range locks {
		fmt.Fprintf(w, "%s\t%s\t%s\n", l.Key, l.Holder, formatTime(&l.ExpiresAt))
	}
	return w.Flush()
}
