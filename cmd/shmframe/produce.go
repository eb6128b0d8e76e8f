package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srediag/shmframe/pkg/channel"
	"github.com/srediag/shmframe/pkg/frame"
	"github.com/srediag/shmframe/pkg/metrics"
)

func newProduceCmd(a *app) *cobra.Command {
	var interval time.Duration
	var frames int
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Store fill-pattern frames at a fixed interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("interval") {
				cfg.Interval = interval
			}
			if cmd.Flags().Changed("frames") {
				cfg.Frames = frames
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			opts, err := cfg.Options(channel.RoleProducer)
			if err != nil {
				return err
			}
			p, err := channel.Open(ctx, opts)
			if err != nil {
				return err
			}
			defer p.Close()

			if cfg.MetricsAddr != "" {
				srv := metrics.StartMetricsServer(cfg.MetricsAddr)
				defer srv.Shutdown(context.Background())
			}

			payload := make([]byte, p.Shape().PayloadSize())
			ticker := time.NewTicker(max(cfg.Interval, time.Microsecond))
			defer ticker.Stop()
			for n := 1; cfg.Frames <= 0 || n <= cfg.Frames; n++ {
				fillPattern(payload, byte(n))
				if err := p.Store(ctx, uint64(n), frame.Now(), payload); err != nil {
					return err
				}
				if cfg.Frames > 0 && n == cfg.Frames {
					break
				}
				select {
				case <-ctx.Done():
					fmt.Fprintf(cmd.OutOrStdout(), "stopped after %d frames\n", n)
					return nil
				case <-ticker.C:
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %d frames to %s\n", p.Stats().Stored, p.Name())
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 33*time.Millisecond, "pause between frames")
	cmd.Flags().IntVar(&frames, "frames", 0, "stop after this many frames (0 runs until interrupted)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

// fillPattern sets every byte of p to b by doubling copies.
func fillPattern(p []byte, b byte) {
	if len(p) == 0 {
		return
	}
	p[0] = b
	for i := 1; i < len(p); i *= 2 {
		copy(p[i:], p[:i])
	}
}
