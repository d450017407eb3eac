package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tanq16/mediaq/internal/output"
	"github.com/tanq16/mediaq/internal/queue"
	"github.com/tanq16/mediaq/internal/scheduler"
	"github.com/tanq16/mediaq/internal/source"
)

func newGetCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "get [URL] [--output OUTPUT_PATH]",
		Short: "Download a URL now, ahead of anything already queued",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			url := args[0]
			if !source.Supported(url) {
				output.PrintError("Invalid URL format")
				os.Exit(1)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a := mustOpenApp(ctx)

			updates, unsubscribe := a.runner.Subscribe(256)
			item, err := a.orch.StartNow(queue.Request{SourceURL: url, OutputPath: outputPath})
			if err != nil {
				unsubscribe()
				a.Close()
				output.PrintError(fmt.Sprintf("Failed to queue download: %v", err))
				os.Exit(1)
			}
			finished := make(chan queue.Snapshot, 1)
			d := newDisplay()
			done := make(chan struct{})
			go d.follow(updates, done, func(u scheduler.Update) {
				if u.Item.ID != item.ItemID() {
					return
				}
				if u.Item.Status == queue.StatusDone || u.Item.Status == queue.StatusError {
					select {
					case finished <- u.Item:
					default:
					}
				}
			})

			var result queue.Snapshot
			select {
			case result = <-finished:
			case <-ctx.Done():
			}
			// Anything else in the queue waits for the next run.
			a.runner.Stop()
			a.runner.Wait(context.Background())
			unsubscribe()
			<-done
			d.stop()
			a.Close()
			if result.ID == 0 {
				result = item.Snapshot()
			}

			switch result.Status {
			case queue.StatusDone:
				output.PrintSuccess(fmt.Sprintf("Saved %s", result.OutputPath))
			case queue.StatusError:
				output.PrintError(fmt.Sprintf("Download failed: %s (retry with 'mediaq queue retry %d')", result.FailureReason, result.ID))
				os.Exit(1)
			default:
				output.PrintWarning(fmt.Sprintf("Interrupted, progress saved; resume with 'mediaq run' (item %d)", item.ItemID()))
				os.Exit(130)
			}
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (mediaq infers the name if not provided)")
	return cmd
}
