// Package zbd implements the zone manager for a filesystem backend running
// on top of a zoned block device.
//
// A zoned block device partitions its logical address space into fixed-size
// zones that must be written sequentially from a monotonically advancing
// write pointer, and reclaimed only by an explicit reset. This package
// allocates zones to file writes, steers same-lifetime data into the same
// zone, enforces the device's open/active zone caps through a token
// discipline, and coordinates a garbage-collection zone used for live-data
// migration.
//
// The package is organised the way the source it's grounded on lays out a
// single translation unit:
//
//	errors.go     - error taxonomy
//	backend.go    - device-facing contract
//	backend_linux.go - real ioctl-driven backend
//	backend_sim.go   - in-process backend for tests/demos
//	zone.go       - per-zone state and mutation
//	tokens.go     - open/active resource token accounting
//	buckets.go    - lifetime-partitioned zone buckets
//	registry.go   - the fixed, ordered zone registry
//	allocator.go  - AllocateIOZone and its maintenance helpers
//	migration.go  - GC zone / aux zone migration channel
//	metrics.go    - injected metrics interface
//	config.go     - manager configuration
//	manager.go    - the Manager type wiring all of the above
package zbd
