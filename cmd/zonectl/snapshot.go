package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zoned-io/zonemanager/internal/zbd"
)

func newSnapshotCmd() *cobra.Command {
	var histogram bool

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Dump a consistent-enough snapshot of every I/O zone as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := openManager(false, true)
			if err != nil {
				return err
			}
			defer cleanup()
			defer mgr.Close()

			if histogram {
				hist := mgr.ReportGarbageHistogram()
				out, err := json.MarshalIndent(hist, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			var zones []zbd.ZoneSnapshot
			mgr.GetZoneSnapshot(func(s zbd.ZoneSnapshot) {
				zones = append(zones, s)
			})

			out, err := json.MarshalIndent(zones, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&histogram, "histogram", false, "print the 12-bucket garbage histogram instead of the per-zone snapshot")
	return cmd
}
