package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srediag/shmframe/pkg/channel"
	"github.com/srediag/shmframe/pkg/shm"
)

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [NAME]",
		Short: "Print the slot header and sync words of a segment without attaching",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			name := cfg.Name
			if len(args) == 1 {
				name = args[0]
			}
			variant, err := channel.ParseVariant(cfg.Variant)
			if err != nil {
				return err
			}
			path, err := manager(cfg.Dir).Path(name)
			if err != nil {
				return err
			}
			return channel.DebugSegmentDetail(cmd.OutOrStdout(), path, variant, cfg.Shape())
		},
	}
}

func newDestroyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy [NAME]",
		Short: "Remove a segment; every process must have detached first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := a.cfg.Name
			if len(args) == 1 {
				name = args[0]
			}
			if err := manager(a.cfg.Dir).Destroy(cmd.Context(), name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "destroyed %s\n", name)
			return nil
		},
	}
}

func manager(dir string) *shm.Manager {
	if dir == "" {
		return shm.Default()
	}
	return shm.NewManager(shm.WithDir(dir))
}
