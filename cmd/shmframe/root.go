package main

import (
	"github.com/spf13/cobra"

	"github.com/srediag/shmframe/pkg/config"
)

// app carries the resolved configuration into subcommands.
type app struct {
	configPath string
	cfg        *config.Config
}

func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "shmframe",
		Short:         "Move video frames between processes through shared memory",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	f := root.PersistentFlags()
	f.StringVarP(&a.configPath, "config", "c", "", "YAML or JSON config file (default $"+config.EnvConfig+")")
	f.StringP("name", "n", "", "segment name")
	f.String("variant", "", "channel variant: blocking or lockfree")
	f.String("mode", "", "segment mode: create-or-attach, create or attach")
	f.String("dir", "", "directory backing segments (default /dev/shm)")
	f.Int("width", 0, "frame width")
	f.Int("height", 0, "frame height")
	f.Int("channels", 0, "bytes per pixel")
	f.Duration("timeout", 0, "bound for blocking waits")
	f.Int("max-retries", 0, "lock-free load attempts")
	f.String("log-level", "", "trace, debug, info, warn, error or none")

	root.AddCommand(
		newProduceCmd(a),
		newConsumeCmd(a),
		newBenchCmd(a),
		newInspectCmd(a),
		newDestroyCmd(a),
	)
	return root
}

// load reads the config file and applies explicitly set flags on top.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	num := func(name string, dst *int) {
		if flags.Changed(name) {
			*dst, _ = flags.GetInt(name)
		}
	}
	str("name", &cfg.Name)
	str("variant", &cfg.Variant)
	str("mode", &cfg.Mode)
	str("dir", &cfg.Dir)
	str("log-level", &cfg.LogLevel)
	num("width", &cfg.Width)
	num("height", &cfg.Height)
	num("channels", &cfg.Channels)
	num("max-retries", &cfg.MaxRetries)
	if flags.Changed("timeout") {
		cfg.Timeout, _ = flags.GetDuration("timeout")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.ApplyLogLevel(); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}
