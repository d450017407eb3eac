package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/mediaq/internal/metrics"
	"github.com/tanq16/mediaq/internal/output"
)

func newRunCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run [--metrics-addr ADDR]",
		Short: "Work through the queue until it is empty",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a := mustOpenApp(ctx)
			if _, ok := a.store.Next(); !ok {
				a.Close()
				output.PrintInfo("Nothing queued")
				return
			}

			if cfg.MetricsAddr != "" {
				go func() {
					if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
						log.Error().Str("op", "cmd/run").Err(err).Msg("metrics server failed")
					}
				}()
			}
			updates, unsubscribe := a.runner.Subscribe(256)
			d := newDisplay()
			done := make(chan struct{})
			go d.follow(updates, done, nil)

			a.orch.Start()
			if err := a.runner.Wait(ctx); err != nil {
				// Interrupted: let the active transfer save its progress.
				a.runner.Stop()
				a.runner.Wait(context.Background())
			}
			unsubscribe()
			<-done
			d.stop()
			a.Close()

			if ctx.Err() != nil {
				output.PrintWarning("Interrupted, progress saved")
				os.Exit(130)
			}
			if n := d.failures(); n > 0 {
				output.PrintError(fmt.Sprintf("%d download(s) failed, see 'mediaq queue list'", n))
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (eg. :9090)")
	return cmd
}
