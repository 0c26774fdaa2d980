// Command zonectl drives a zone manager against a simulated or real zoned
// block device for operational inspection and demos.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	logger zerolog.Logger

	flagSim        bool
	flagDevice     string
	flagZones      int
	flagZoneSize   int64
	flagBlockSize  int
	flagConfigFile string
	flagVerbose    bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "zonectl",
		Short: "Operate a zone manager against a simulated or real zoned block device",
	}
	root.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&flagSim, "sim", true, "use the in-process simulated backend instead of a real device")
	root.PersistentFlags().StringVar(&flagDevice, "device", "", "block device path (ignored with --sim)")
	root.PersistentFlags().IntVar(&flagZones, "zones", 64, "number of zones (sim backend only)")
	root.PersistentFlags().Int64Var(&flagZoneSize, "zone-size", 256<<20, "zone size in bytes (sim backend only)")
	root.PersistentFlags().IntVar(&flagBlockSize, "block-size", 4096, "block size in bytes (sim backend only)")
	root.PersistentFlags().StringVar(&flagConfigFile, "config", "", "optional YAML config file")

	cobra.OnInitialize(func() {
		level := zerolog.InfoLevel
		if flagVerbose {
			level = zerolog.DebugLevel
		}
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	})

	root.AddCommand(newOpenCmd())
	root.AddCommand(newSnapshotCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newDemoCmd())
	return root
}
