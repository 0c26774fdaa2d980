package zbd

import (
	"sync/atomic"
)

// Lifetime is a write-lifetime hint: an integer approximating how long data
// is expected to live before invalidation, used to co-locate same-lifetime
// writes in the same zone.
type Lifetime int

// LifetimeNotSet marks a zone not currently bound to any lifetime class.
const LifetimeNotSet Lifetime = -1

// Lifetime classes below LifetimeShort are rewritten by the allocator
// (spec §4.5 step 3) rather than used directly.
const LifetimeShort Lifetime = 2

// LifetimeMedium is the hint the upper layer uses for L0 flushes, called out
// separately in metrics (SPEC_FULL.md supplement, mirrors the source's
// ZENFS_L0_IO_ALLOC_LATENCY tag selection).
const LifetimeMedium Lifetime = 3

// Zone is one physical zone of the device: its identity, its write
// pointer, and the operations that mutate it. All mutating operations
// require the caller to hold the zone (see Acquire/Release) except where
// noted.
//
//	Empty  ---Acquire--->  Empty(busy) ---Append*---> Open(busy) ---Finish|full---> Full(busy)
//
// busy is the sole discipline for mutual exclusion on a zone (spec I4); it
// is implemented as an atomic bool rather than a mutex so Acquire can be a
// non-blocking, best-effort test-and-set the way the source's spinlock is.
type Zone struct {
	backend Backend

	busy atomic.Bool

	start       uint64
	maxCapacity uint64
	capacity    uint64
	wp          uint64

	usedCapacity uint64 // bytes considered live by the upper layer

	lifetime Lifetime

	// inLifetimeBucket mirrors the spec's in_lifetime_bucket field: true
	// while the zone is leased out of its bucket to a writer, false while
	// it sits idle as a member of the bucket (spec §4.4, P4). It is
	// guarded by the resourcePool's mutex, not by busy: a zone idling in a
	// bucket has busy == false (so maintenance passes can Acquire and
	// inspect it) and only becomes busy when either a writer leases it or
	// a maintenance pass is actively working on it.
	inLifetimeBucket bool

	zoneSize uint64
}

func newZone(backend Backend, zoneSize uint64, d ZoneDescriptor) *Zone {
	z := &Zone{
		backend:  backend,
		start:    d.Start,
		zoneSize: zoneSize,
		lifetime: LifetimeNotSet,
	}
	z.maxCapacity = d.MaxCapacity
	z.wp = d.WP
	if !d.IsOffline {
		z.capacity = z.maxCapacity - (z.wp - z.start)
	}
	return z
}

// Start returns the zone's byte offset, its stable identity.
func (z *Zone) Start() uint64 { return z.start }

// ZoneNr returns the zone's index (start / zoneSize).
func (z *Zone) ZoneNr() uint64 { return z.start / z.zoneSize }

// WP returns the current write pointer.
func (z *Zone) WP() uint64 { return z.wp }

// MaxCapacity returns the writable bytes the zone had after its last reset.
func (z *Zone) MaxCapacity() uint64 { return z.maxCapacity }

// Capacity returns the bytes still writable before the zone is full.
func (z *Zone) Capacity() uint64 { return z.capacity }

// UsedCapacity returns the bytes the upper layer currently considers live.
func (z *Zone) UsedCapacity() uint64 { return z.usedCapacity }

// Lifetime returns the zone's current lifetime class.
func (z *Zone) Lifetime() Lifetime { return z.lifetime }

// IsEmpty reports whether the zone has never been written since its last
// reset.
func (z *Zone) IsEmpty() bool { return z.wp == z.start }

// IsFull reports whether the zone has no writable capacity left.
func (z *Zone) IsFull() bool { return z.capacity == 0 }

// IsUsed reports whether the zone contains any live data.
func (z *Zone) IsUsed() bool { return z.usedCapacity > 0 }

// IsBusy reports whether the zone is currently held by a caller.
func (z *Zone) IsBusy() bool { return z.busy.Load() }

// InvalidateExtent decrements used_capacity by n bytes, as the upper layer
// does when it invalidates an extent within this zone.
func (z *Zone) InvalidateExtent(n uint64) {
	if n > z.usedCapacity {
		z.usedCapacity = 0
		return
	}
	z.usedCapacity -= n
}

// MarkUsed increments used_capacity by n bytes as the upper layer does when
// it commits an extent to this zone.
func (z *Zone) MarkUsed(n uint64) {
	z.usedCapacity += n
}

// Acquire atomically claims exclusive access to the zone. It returns false
// if the zone was already busy.
func (z *Zone) Acquire() bool {
	return z.busy.CompareAndSwap(false, true)
}

// Release atomically releases exclusive access. It returns false if the
// zone was not held, which the caller should treat as a corruption bug
// (see checkRelease).
func (z *Zone) Release() bool {
	return z.busy.CompareAndSwap(true, false)
}

// checkRelease releases the zone and turns a failed release into
// ErrCorruption, mirroring the source's CheckRelease: every Acquire is
// expected to be matched, so a failed Release indicates a logic bug, not a
// recoverable condition.
func (z *Zone) checkRelease() error {
	if !z.Release() {
		return corruptionf("failed to release zone %d", z.ZoneNr())
	}
	return nil
}

// Append writes size bytes from buf to the zone at its current write
// pointer. size must be a positive multiple of the backend block size.
// Append fails with ErrNoSpace without touching the device if the zone
// lacks capacity. On a backend write error the zone's wp/capacity reflect
// whatever the device accepted so far; no partial success is reported to
// the caller, and no automatic retry is attempted.
func (z *Zone) Append(buf []byte, blockSize uint32) error {
	size := uint64(len(buf))
	if size == 0 {
		return invalidArgf("append size must be > 0")
	}
	if blockSize > 0 && size%uint64(blockSize) != 0 {
		return invalidArgf("append size %d is not a multiple of block size %d", size, blockSize)
	}
	if z.capacity < size {
		return noSpacef("zone %d: not enough capacity for append (%d < %d)", z.ZoneNr(), z.capacity, size)
	}

	left := buf
	for len(left) > 0 {
		n, err := z.backend.Write(left, z.wp)
		if n > 0 {
			z.wp += uint64(n)
			z.capacity -= uint64(n)
			left = left[n:]
		}
		if err != nil {
			return wrapIOError("append", err)
		}
	}
	return nil
}

// Finish transitions a non-full zone to full.
func (z *Zone) Finish() error {
	if err := z.backend.Finish(z.start); err != nil {
		return wrapIOError("finish", err)
	}
	z.capacity = 0
	z.wp = z.start + z.zoneSize
	return nil
}

// Reset reclaims the zone. It is only legal when the zone has no live data
// (spec I3); the caller is expected to have already checked IsUsed.
func (z *Zone) Reset() error {
	offline, maxCapacity, err := z.backend.Reset(z.start)
	if err != nil {
		return wrapIOError("reset", err)
	}
	if offline {
		z.capacity = 0
		z.maxCapacity = 0
	} else {
		z.maxCapacity = maxCapacity
		z.capacity = maxCapacity
	}
	z.wp = z.start
	z.lifetime = LifetimeNotSet
	return nil
}

// Close is a no-op if the zone is empty or full; otherwise it asks the
// backend to transition the zone from open to closed without finishing it.
// It is used only during open-time recovery.
func (z *Zone) Close() error {
	if z.IsEmpty() || z.IsFull() {
		return nil
	}
	if err := z.backend.Close(z.start); err != nil {
		return wrapIOError("close", err)
	}
	return nil
}
