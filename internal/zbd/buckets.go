package zbd

// insertIdle adds a freshly-charged, already-lifetime-bound zone to bucket
// level as an idle (not leased) member: available[level]++, and the zone
// itself must already be released (busy == false) by the caller before
// this is called, so maintenance passes can Acquire it later.
func (p *resourcePool) insertIdle(level int, z *Zone) {
	p.mu.Lock()
	p.buckets[level].zones[z] = struct{}{}
	p.buckets[level].available++
	z.inLifetimeBucket = false
	p.mu.Unlock()
	p.cond.Broadcast()
}

// insertLeased adds a freshly-opened zone to bucket level already leased to
// the caller: it does not touch available[level], and the zone stays busy
// (still held from AllocateEmptyZone) in the caller's hands.
func (p *resourcePool) insertLeased(level int, z *Zone) {
	p.mu.Lock()
	p.buckets[level].zones[z] = struct{}{}
	z.inLifetimeBucket = true
	p.mu.Unlock()
}

// takeIdleFromBucket acquires and returns an idle zone from bucket level if
// one exists, decrementing available and marking it leased. Returns nil if
// none is idle (the caller should re-wait on the condition variable).
func (p *resourcePool) takeIdleFromBucket(level int) *Zone {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := &p.buckets[level]
	if b.available <= 0 {
		return nil
	}
	for z := range b.zones {
		if z.inLifetimeBucket {
			continue
		}
		if !z.Acquire() {
			// Should not happen: an idle bucket zone is busy == false by
			// construction. Skip defensively rather than corrupt available.
			continue
		}
		z.inLifetimeBucket = true
		b.available--
		return z
	}
	return nil
}

// bucketAvailable reports bucket level's idle count under the lock.
func (p *resourcePool) bucketAvailable(level int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buckets[level].available
}

// isBucketMember reports whether z is currently indexed in the lifetime
// bucket its own lifetime field names, mirroring the source's IsLevelZone.
// A zone allocated for GC (or anything else outside the lifetime-bucket
// scheme) carries a lifetime that maps to no bucket, or to a bucket it was
// never inserted into, and is reported as not a member either way.
func (p *resourcePool) isBucketMember(z *Zone) bool {
	level := p.levelOf(z.lifetime)
	if level < 0 || level >= len(p.buckets) {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.buckets[level].zones[z]
	return ok
}

// releaseLevelZone returns a leased zone to its bucket as idle once the
// writer that held it is done, per ReleaseLevelZone in the source. The
// caller must Release the zone (busy -> false) itself; this only updates
// bucket bookkeeping.
func (p *resourcePool) releaseLevelZone(z *Zone) {
	p.mu.Lock()
	level := p.levelOf(z.lifetime)
	p.buckets[level].available++
	z.inLifetimeBucket = false
	p.mu.Unlock()
	p.cond.Broadcast()
}

// emitLevelZone removes z from bucket level because it was just reset and no
// longer belongs to that lifetime. level must be the bucket z belonged to
// before whatever reclaimed it cleared z.lifetime — callers compute it with
// levelOf before resetting the zone, since by the time emitLevelZone runs
// z.lifetime no longer names it. If the bucket becomes empty, allocateFn is
// called to find a fresh empty zone (already Acquired, per §4.9) to reseed
// it, preserving the invariant that every bucket is non-empty while the
// manager operates. It returns true when a replacement was seeded (no token
// refund needed, since the replacement consumes the same token budget the
// emitted zone held) and false when the caller must refund one open and one
// active token itself.
func (p *resourcePool) emitLevelZone(level int, z *Zone, allocateFn func() *Zone) bool {
	p.mu.Lock()
	delete(p.buckets[level].zones, z)
	if !z.inLifetimeBucket {
		// An idle member was counted in available; it no longer is.
		p.buckets[level].available--
	}
	z.inLifetimeBucket = false
	empty := len(p.buckets[level].zones) == 0
	p.mu.Unlock()

	if !empty {
		p.cond.Broadcast()
		return false
	}

	replacement := allocateFn()
	if replacement == nil {
		// No empty zone left to reseed the bucket with. Leave it empty; the
		// caller refunds the token this zone held, same as the non-empty
		// case, since no replacement claimed it.
		return false
	}
	replacement.lifetime = Lifetime(level + p.lifetimeBegin)
	if err := replacement.checkRelease(); err != nil {
		// A freshly allocated zone that fails to release indicates the
		// busy flag was corrupted between AllocateEmptyZone and here; per
		// spec §4.11 this class of bug is fatal, not recoverable.
		panic(err)
	}
	p.insertIdle(level, replacement)
	return true
}
