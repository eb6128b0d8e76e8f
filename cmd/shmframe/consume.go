package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/srediag/shmframe/pkg/channel"
	"github.com/srediag/shmframe/pkg/frame"
	"github.com/srediag/shmframe/pkg/health"
	"github.com/srediag/shmframe/pkg/metrics"
)

func newConsumeCmd(a *app) *cobra.Command {
	var frames int
	var quiet bool
	var metricsAddr, healthAddr string
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Load frames and print their delivery latency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			if cmd.Flags().Changed("health-addr") {
				cfg.HealthAddr = healthAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			opts, err := cfg.Options(channel.RoleConsumer)
			if err != nil {
				return err
			}
			c, err := channel.Open(ctx, opts)
			if err != nil {
				return err
			}
			defer c.Close()

			if cfg.MetricsAddr != "" {
				srv := metrics.StartMetricsServer(cfg.MetricsAddr)
				defer srv.Shutdown(context.Background())
			}
			if cfg.HealthAddr != "" {
				h := health.NewHandler(c, health.Options{
					MaxFrameAge: cfg.MaxFrameAge,
					Registerer:  prometheus.DefaultRegisterer,
					Namespace:   "shmframe",
				})
				srv := health.Serve(cfg.HealthAddr, h)
				defer srv.Shutdown(context.Background())
			}

			out := cmd.OutOrStdout()
			var seen atomic.Int64
			watchCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			stats, err := channel.Watch(watchCtx, c, func(f frame.Frame) {
				if !quiet {
					fmt.Fprintf(out, "frame=%d latency=%s bytes=%d\n", f.Number, f.Latency().Round(time.Microsecond), len(f.Payload))
				}
				if n := seen.Add(1); frames > 0 && n >= int64(frames) {
					cancel()
				}
			}, channel.WatchOptions{})
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			fmt.Fprintf(out, "delivered=%d dropped=%d stale=%d timeouts=%d\n",
				stats.Delivered, stats.Dropped, stats.StaleReads, stats.Timeouts)
			return nil
		},
	}
	cmd.Flags().IntVar(&frames, "frames", 0, "stop after this many frames (0 runs until interrupted)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "only print the summary")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&healthAddr, "health-addr", "", "serve /live and /ready on this address")
	return cmd
}
