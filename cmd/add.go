package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/mediaq/internal/output"
	"github.com/tanq16/mediaq/internal/queue"
	"github.com/tanq16/mediaq/internal/source"
	"gopkg.in/yaml.v3"
)

func newAddCmd() *cobra.Command {
	var listFile string
	var outputPath string
	var priority string

	cmd := &cobra.Command{
		Use:   "add [URL...] [--list YAML_FILE]",
		Short: "Queue downloads without starting them",
		Args:  cobra.ArbitraryArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) == 0 && listFile == "" {
				output.PrintError("No URL or URL list provided")
				os.Exit(1)
			}
			if outputPath != "" && len(args) != 1 {
				output.PrintError("--output needs exactly one URL")
				os.Exit(1)
			}
			prio, err := queue.ParsePriority(priority)
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			var reqs []queue.Request
			for _, url := range args {
				reqs = append(reqs, queue.Request{SourceURL: url, OutputPath: outputPath, Priority: prio})
			}
			if listFile != "" {
				listed, err := readRequestList(listFile)
				if err != nil {
					output.PrintError(err.Error())
					os.Exit(1)
				}
				reqs = append(reqs, listed...)
			}
			reqs = validRequests(reqs)
			if len(reqs) == 0 {
				output.PrintError("No valid URLs to queue")
				os.Exit(1)
			}

			a := mustOpenApp(context.Background())
			items, err := a.orch.Enqueue(reqs...)
			a.Close()
			if err != nil {
				output.PrintError(fmt.Sprintf("Failed to queue downloads: %v", err))
				os.Exit(1)
			}
			for _, item := range items {
				output.PrintSuccess(fmt.Sprintf("Queued #%d %s", item.ItemID(), item.SourceURL()))
			}
		},
	}

	cmd.Flags().StringVarP(&listFile, "list", "l", "", "Path to YAML file listing downloads")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path for a single URL")
	cmd.Flags().StringVar(&priority, "priority", "normal", "Queue priority: low, normal or high")
	return cmd
}

// readRequestList parses a YAML list of entries with url and the optional
// output, priority and headers keys.
func readRequestList(path string) ([]queue.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading list file: %w", err)
	}
	var reqs []queue.Request
	if err := yaml.Unmarshal(data, &reqs); err != nil {
		return nil, fmt.Errorf("error parsing list file: %w", err)
	}
	return reqs, nil
}

func validRequests(reqs []queue.Request) []queue.Request {
	var valid []queue.Request
	for _, req := range reqs {
		if !source.Supported(req.SourceURL) {
			output.PrintWarning(fmt.Sprintf("Skipping unsupported URL %q", req.SourceURL))
			continue
		}
		req.ID = 0
		valid = append(valid, req)
	}
	return valid
}
