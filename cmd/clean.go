package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tanq16/mediaq/internal/output"
	"github.com/tanq16/mediaq/internal/state"
	"github.com/tanq16/mediaq/internal/utils"
)

func newCleanCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "clean [path]",
		Short: "Clean up temporary files and orphaned resume records",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			dir := cfg.OutputDir
			if len(args) > 0 {
				dir = args[0]
			}
			ctx := context.Background()
			a := mustOpenApp(ctx)
			defer a.Close()

			records, err := a.states.List(ctx)
			if err != nil {
				output.PrintError(fmt.Sprintf("Failed to list resume records: %v", err))
				os.Exit(1)
			}
			pruned := 0
			for _, record := range records {
				if _, queued := a.store.Get(record.ItemID); queued {
					continue
				}
				if err := a.states.Delete(ctx, state.KeyOf(record)); err != nil {
					output.PrintWarning(fmt.Sprintf("Failed to delete record for item %d: %v", record.ItemID, err))
					continue
				}
				pruned++
			}
			output.PrintSuccess(fmt.Sprintf("Removed %d orphaned resume records", pruned))

			if a.store.Len() > 0 && !force {
				output.PrintWarning("Queue is not empty, keeping partial downloads (use --force to remove them)")
				return
			}
			// Clean takes a file path and removes the temp directory beside it.
			if err := utils.Clean(filepath.Join(dir, "_")); err != nil {
				output.PrintError("Error cleaning up temporary files")
				os.Exit(1)
			}
			output.PrintSuccess("Temporary files cleaned up")
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Remove partial downloads even while items are queued")
	return cmd
}
