package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/srediag/shmframe/pkg/bench"
	"github.com/srediag/shmframe/pkg/channel"
)

func newBenchCmd(a *app) *cobra.Command {
	var frames int
	var interval time.Duration
	var keep bool
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure delivery latency with an in-process producer and consumer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			variant, err := channel.ParseVariant(cfg.Variant)
			if err != nil {
				return err
			}
			opts := bench.Options{
				Variant:    variant,
				Shape:      cfg.Shape(),
				Frames:     frames,
				Interval:   interval,
				Dir:        cfg.Dir,
				Timeout:    cfg.Timeout,
				MaxRetries: cfg.MaxRetries,
				Destroy:    !keep,
			}
			if cmd.Flags().Changed("name") {
				opts.Name = cfg.Name
			}
			res, err := bench.Run(cmd.Context(), opts)
			if err != nil {
				return err
			}
			res.Print(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().IntVar(&frames, "frames", 300, "frames to store")
	cmd.Flags().DurationVar(&interval, "interval", 0, "pause between frames")
	cmd.Flags().BoolVar(&keep, "keep", false, "leave the segment in place after the run")
	return cmd
}
