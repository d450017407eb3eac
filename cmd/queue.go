package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/tanq16/mediaq/internal/output"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and reorder the download queue",
	}
	cmd.AddCommand(newQueueListCmd())
	cmd.AddCommand(newQueueRemoveCmd())
	cmd.AddCommand(newQueueFrontCmd())
	cmd.AddCommand(newQueueRetryCmd())
	cmd.AddCommand(newQueueClearCmd())
	return cmd
}

func parseIDs(args []string) []int64 {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			output.PrintError(fmt.Sprintf("Invalid item id %q", arg))
			os.Exit(1)
		}
		ids = append(ids, id)
	}
	return ids
}

func newQueueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show queued and failed downloads",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			a := mustOpenApp(context.Background())
			defer a.Close()
			output.PrintQueue(os.Stdout, a.orch.Items())
		},
	}
}

func newQueueRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove [ID...]",
		Aliases: []string{"rm"},
		Short:   "Remove items and discard their partial downloads",
		Args:    cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ids := parseIDs(args)
			a := mustOpenApp(context.Background())
			removed, err := a.orch.RemoveSafely(ids...)
			a.Close()
			if err != nil {
				output.PrintError(fmt.Sprintf("Failed to remove items: %v", err))
				os.Exit(1)
			}
			if len(removed) < len(ids) {
				output.PrintWarning(fmt.Sprintf("%d of %d items were not in the queue", len(ids)-len(removed), len(ids)))
			}
			for _, item := range removed {
				output.PrintSuccess(fmt.Sprintf("Removed #%d %s", item.ItemID(), item.SourceURL()))
			}
		},
	}
}

func newQueueFrontCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "front [ID]",
		Short: "Move an item to the front of the queue",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id := parseIDs(args)[0]
			a := mustOpenApp(context.Background())
			err := a.orch.MoveToFront(id)
			a.Close()
			if err != nil {
				output.PrintError(fmt.Sprintf("Failed to move item %d: %v", id, err))
				os.Exit(1)
			}
			output.PrintSuccess(fmt.Sprintf("Moved #%d to the front", id))
		},
	}
}

func newQueueRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry [ID]",
		Short: "Re-queue a failed item",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id := parseIDs(args)[0]
			a := mustOpenApp(context.Background())
			err := a.orch.Retry(id)
			// Retry wakes the runner; this command only re-queues.
			a.runner.Stop()
			a.runner.Wait(context.Background())
			a.Close()
			if err != nil {
				output.PrintError(fmt.Sprintf("Failed to retry item %d: %v", id, err))
				os.Exit(1)
			}
			output.PrintSuccess(fmt.Sprintf("Re-queued #%d, start it with 'mediaq run'", id))
		},
	}
}

func newQueueClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every item and its partial download",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			a := mustOpenApp(context.Background())
			n := a.store.Len()
			err := a.orch.Clear()
			a.Close()
			if err != nil {
				output.PrintError(fmt.Sprintf("Failed to clear queue: %v", err))
				os.Exit(1)
			}
			output.PrintSuccess(fmt.Sprintf("Cleared %d items", n))
		},
	}
}
