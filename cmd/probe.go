package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	mediahttp "github.com/tanq16/mediaq/internal/downloaders/http"
	"github.com/tanq16/mediaq/internal/output"
	"github.com/tanq16/mediaq/internal/source"
)

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe [URL]",
		Short: "Show the detected format and the download strategy for a URL",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
			defer cancel()
			client, err := newClient(ctx, cfg)
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			url, err := source.NewResolver(cfg.S3Profile, time.Minute).Resolve(ctx, args[0])
			if err != nil {
				output.PrintError(fmt.Sprintf("Failed to resolve source: %v", err))
				os.Exit(1)
			}
			d := newSelector(client, cfg).Select(ctx, url, nil)
			fmt.Println(output.FHeader("Format   ") + string(d.Format))
			fmt.Println(output.FHeader("Probe    ") + describeProbe(d.Probe))
			fmt.Println(output.FHeader("Strategy ") + describeStrategy(d.Strategy))
		},
	}
}

func describeProbe(p mediahttp.ProbeResult) string {
	switch p := p.(type) {
	case mediahttp.ProbeSupported:
		return output.FSuccess(fmt.Sprintf("ranges supported, %s", output.FormatBytes(uint64(p.TotalSize))))
	case mediahttp.ProbeNotSupported:
		return output.FWarning("ranges not supported: " + p.Reason)
	case mediahttp.ProbeError:
		return output.FError(p.Error())
	}
	return output.FDebug("skipped for this format")
}

func describeStrategy(s mediahttp.Strategy) string {
	switch s := s.(type) {
	case mediahttp.ParallelChunked:
		return fmt.Sprintf("%s (%d chunks of %s)", s.Kind(), len(s.Ranges), output.FormatBytes(uint64(s.Ranges[0].Size())))
	case mediahttp.SingleStream:
		if s.TotalSize < 0 {
			return s.Kind() + " (size unknown)"
		}
		return fmt.Sprintf("%s (%s)", s.Kind(), output.FormatBytes(uint64(s.TotalSize)))
	case mediahttp.ExternalMuxer:
		return fmt.Sprintf("%s (%s)", s.Kind(), s.Format)
	}
	return "unknown"
}
