package zbd

// registry is the fixed, ordered collection of all writable zones
// discovered at open time, partitioned into meta zones (reserved for the
// external metadata layer) and I/O zones (for file data). Spec §2.2/§3.
type registry struct {
	metaZones []*Zone
	ioZones   []*Zone
	zoneSize  uint64
}

// GetIOZone locates the I/O zone containing offset, or nil if none does.
func (r *registry) GetIOZone(offset uint64) *Zone {
	for _, z := range r.ioZones {
		if z.start <= offset && offset < z.start+r.zoneSize {
			return z
		}
	}
	return nil
}

// GetFreeSpace sums the writable capacity remaining across all I/O zones.
func (r *registry) GetFreeSpace() uint64 {
	var free uint64
	for _, z := range r.ioZones {
		free += z.capacity
	}
	return free
}

// GetUsedSpace sums the live bytes across all I/O zones.
func (r *registry) GetUsedSpace() uint64 {
	var used uint64
	for _, z := range r.ioZones {
		used += z.usedCapacity
	}
	return used
}

// GetReclaimableSpace sums the garbage (max_capacity - used_capacity) held
// in full zones: bytes a reset of that zone would reclaim.
func (r *registry) GetReclaimableSpace() uint64 {
	var reclaimable uint64
	for _, z := range r.ioZones {
		if z.IsFull() {
			reclaimable += z.maxCapacity - z.usedCapacity
		}
	}
	return reclaimable
}

// ZoneStats summarizes the registry's I/O zones the way the source's
// LogZoneStats does.
type ZoneStats struct {
	UsedCapacity          uint64
	ReclaimableCapacity   uint64
	ReclaimablePercent    uint64
	ActiveNonEmptyNotFull int
}

// ZoneStats computes an instantaneous snapshot of used/reclaimable capacity
// across the I/O zone registry.
func (r *registry) ZoneStats() ZoneStats {
	var s ZoneStats
	var reclaimableMax uint64
	for _, z := range r.ioZones {
		s.UsedCapacity += z.usedCapacity
		if z.usedCapacity > 0 {
			s.ReclaimableCapacity += z.maxCapacity - z.usedCapacity
			reclaimableMax += z.maxCapacity
		}
		if !z.IsFull() && !z.IsEmpty() {
			s.ActiveNonEmptyNotFull++
		}
	}
	if reclaimableMax == 0 {
		reclaimableMax = 1
	}
	s.ReclaimablePercent = 100 * s.ReclaimableCapacity / reclaimableMax
	return s
}

// GarbageHistogram buckets every I/O zone by its garbage percentage into 12
// bins: [0%, <10%, <20%, ... <100%, 100%], the way the source's
// LogGarbageInfo does. It Acquires each zone briefly to read a consistent
// snapshot and skips any zone currently leased to a writer.
func (r *registry) GarbageHistogram() [12]int {
	var hist [12]int
	for _, z := range r.ioZones {
		if !z.Acquire() {
			continue
		}
		if z.IsEmpty() {
			hist[0]++
			z.Release()
			continue
		}

		var garbageRate float64
		if z.IsFull() {
			garbageRate = float64(z.maxCapacity-z.usedCapacity) / float64(z.maxCapacity)
		} else {
			garbageRate = float64(z.wp-z.start-z.usedCapacity) / float64(z.maxCapacity)
		}
		idx := int((garbageRate + 0.1) * 10)
		if idx > 11 {
			idx = 11
		}
		hist[idx]++
		z.Release()
	}
	return hist
}
