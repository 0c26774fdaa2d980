package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open",
		Short: "Open a zone manager and print its discovered zone layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := openManager(false, true)
			if err != nil {
				return err
			}
			defer cleanup()
			defer mgr.Close()

			stats := mgr.ZoneStats()
			fmt.Printf("manager_id:        %s\n", mgr.ID())
			fmt.Printf("free_space:        %d\n", mgr.GetFreeSpace())
			fmt.Printf("used_space:        %d\n", mgr.GetUsedSpace())
			fmt.Printf("reclaimable_space: %d\n", mgr.GetReclaimableSpace())
			fmt.Printf("active_nonempty:   %d\n", stats.ActiveNonEmptyNotFull)
			return nil
		},
	}
}
