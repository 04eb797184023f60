package main

import (
	"fmt"
	"strings"

	"github.com/fentz26/agent-coordinator/internal/models"
	"github.com/spf13/cobra"
)

var rememberCmd = &cobra.Command{
	Use:   "remember <content>",
	Short: "Store a memory item",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRemember,
}

var recallCmd = &cobra.Command{
	Use:   "recall [query]",
	Short: "Search memory items",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRecall,
}

var (
	memKind   string
	memTags   string
	memTaskID string
	memLimit  int
)

func init() {
	rememberCmd.Flags().StringVar(&memKind, "kind", models.MemoryEpisodic, "episodic or procedural")
	rememberCmd.Flags().StringVar(&memTags, "tags", "", "comma-separated tags")
	rememberCmd.Flags().StringVar(&memTaskID, "task", "", "associated task id")

	recallCmd.Flags().IntVar(&memLimit, "limit", 20, "maximum results")
}

func runRemember(cmd *cobra.Command, args []string) error {
	b, done, err := openBackend(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	m, err := b.Remember(cmd.Context(), models.Memory{
		Kind:    memKind,
		Content: strings.Join(args, " "),
		Tags:    splitList(memTags),
		TaskID:  memTaskID,
	})
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), m)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created memory item: %s\n", m.ID)
	return nil
}

func runRecall(cmd *cobra.Command, args []string) error {
	query := ""
	if len(args) == 1 {
		query = args[0]
	}
	b, done, err := openBackend(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	items, err := b.Recall(cmd.Context(), query, memLimit)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), items)
	}
	if len(items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No memory items found")
		return nil
	}

	w := newTable(cmd.OutOrStdout(), "ID", "AGENT", "KIND", "TAGS", "CONTENT")
	for _, m := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncateID(m.ID), m.AgentName, m.Kind, strings.Join(m.Tags, ","), truncate(m.Content, 50))
	}
	return w.Flush()
}
