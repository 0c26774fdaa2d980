package main

import (
	"bytes"
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zoned-io/zonemanager/internal/zbd"
)

func newDemoCmd() *cobra.Command {
	var writers int
	var appendsPerWriter int

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Drive several concurrent writers and a migration goroutine against a simulated device",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := openManager(false, true)
			if err != nil {
				return err
			}
			defer cleanup()
			defer mgr.Close()

			if err := mgr.AllocateEmptyZoneForGC(false); err != nil {
				return fmt.Errorf("demo: staging gc zone: %w", err)
			}
			if err := mgr.AllocateEmptyZoneForGC(true); err != nil {
				return fmt.Errorf("demo: staging gc aux zone: %w", err)
			}

			g, _ := errgroup.WithContext(context.Background())
			for w := 0; w < writers; w++ {
				fileID := int64(w)
				lifetime := zbd.Lifetime(w % 4)
				g.Go(func() error {
					return runWriter(mgr, lifetime, fileID, appendsPerWriter)
				})
			}
			g.Go(func() error {
				z, err := mgr.TakeMigrateZone(1 << 20)
				if err != nil {
					return nil // GC exhausted is expected under light demo load
				}
				mgr.ReleaseMigrateZone(z)
				return nil
			})

			if err := g.Wait(); err != nil {
				return err
			}
			fmt.Printf("demo complete: used_space=%d free_space=%d\n", mgr.GetUsedSpace(), mgr.GetFreeSpace())
			return nil
		},
	}
	cmd.Flags().IntVar(&writers, "writers", 4, "number of concurrent writer goroutines")
	cmd.Flags().IntVar(&appendsPerWriter, "appends", 8, "appends issued by each writer")
	return cmd
}

func runWriter(mgr *zbd.Manager, lifetime zbd.Lifetime, fileID int64, appends int) error {
	ioType := zbd.IOTypeOther
	if fileID == 5 {
		ioType = zbd.IOTypeWAL
	}

	z, err := mgr.AllocateIOZone(lifetime, ioType, fileID)
	if err != nil {
		return fmt.Errorf("writer %d: allocate: %w", fileID, err)
	}
	defer mgr.ReleaseIOZone(z)

	buf := bytes.Repeat([]byte{byte(fileID)}, 4096)
	for i := 0; i < appends; i++ {
		if z.Capacity() < uint64(len(buf)) {
			break
		}
		if err := z.Append(buf, 4096); err != nil {
			return fmt.Errorf("writer %d: append: %w", fileID, err)
		}
		z.MarkUsed(uint64(len(buf)))
	}
	return nil
}
