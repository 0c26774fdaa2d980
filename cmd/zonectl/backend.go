package main

import (
	"fmt"
	"os"

	"github.com/zoned-io/zonemanager/internal/zbd"
)

// openManager wires a Manager to either a simulated backend (temp file,
// cleaned up by the caller via the returned cleanup func) or a real Linux
// backend at flagDevice, resolves Config via viper, and opens it.
func openManager(readonly, exclusive bool) (*zbd.Manager, func(), error) {
	cfg, err := zbd.LoadConfig(flagConfigFile, nil)
	if err != nil {
		return nil, nil, err
	}

	var backend zbd.Backend
	cleanup := func() {}

	if flagSim {
		f, err := os.CreateTemp("", "zonectl-sim-*.img")
		if err != nil {
			return nil, nil, err
		}
		path := f.Name()
		f.Close()
		sim, err := zbd.NewSimBackend(zbd.SimBackendOptions{
			Path:      path,
			NrZones:   uint32(flagZones),
			ZoneSize:  uint64(flagZoneSize),
			BlockSize: uint32(flagBlockSize),
		})
		if err != nil {
			os.Remove(path)
			return nil, nil, err
		}
		backend = sim
		cfg.Backend = zbd.BackendSim
		cleanup = func() {
			sim.CloseFile()
			os.Remove(path)
		}
	} else {
		if flagDevice == "" {
			return nil, nil, fmt.Errorf("zonectl: --device is required without --sim")
		}
		backend = zbd.NewLinuxBackend(flagDevice)
		cfg.Backend = zbd.BackendLinux
		cfg.DevicePath = flagDevice
	}

	mgr, err := zbd.New(backend, cfg, zbd.NoopMetrics{}, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if err := mgr.Open(readonly, exclusive); err != nil {
		cleanup()
		return nil, nil, err
	}
	return mgr, cleanup, nil
}
