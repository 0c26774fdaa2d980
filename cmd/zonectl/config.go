package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zoned-io/zonemanager/internal/zbd"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration (env/file/default precedence via viper)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := zbd.LoadConfig(flagConfigFile, nil)
			if err != nil {
				return err
			}
			fmt.Printf("finish_threshold:    %d\n", cfg.FinishThreshold)
			fmt.Printf("lifetime_begin:      %d\n", cfg.LifetimeBegin)
			fmt.Printf("diff_level_num:      %d\n", cfg.DiffLevelNum)
			fmt.Printf("reserved_meta_zones: %d\n", cfg.ReservedMetaZones)
			fmt.Printf("reserved_io_budget:  %d\n", cfg.ReservedIOBudget)
			fmt.Printf("min_zones:           %d\n", cfg.MinZones)
			fmt.Printf("backend:             %s\n", cfg.Backend)
			return nil
		},
	}
}
