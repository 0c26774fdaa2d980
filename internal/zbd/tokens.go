package zbd

import "sync"

// bucket is the set of I/O zones currently bound to one lifetime class,
// plus a count of how many of those zones are idle (not leased to a
// writer). Spec §4.4.
type bucket struct {
	zones     map[*Zone]struct{}
	available int
}

// resourcePool guards the device's open/active zone token caps and the
// lifetime-bucket membership behind a single mutex and a single condition
// variable, per spec §4.3/§4.4/§5. The source keeps both concerns
// (token counters and bucket membership) under one mutex
// (level_zones_mtx_) and one CV (level_zone_resources_) precisely because
// an allocator can be unblocked either by a token being returned or by a
// bucket zone becoming idle; splitting them would mean broadcasting on two
// CVs for every mutating operation. This type preserves that fan-out.
type resourcePool struct {
	mu   sync.Mutex
	cond *sync.Cond

	open   uint32
	active uint32

	maxOpen   uint32
	maxActive uint32

	// buckets[i] corresponds to lifetime class i + lifetimeBegin.
	buckets       []bucket
	lifetimeBegin int
}

func newResourcePool(maxOpen, maxActive uint32, lifetimeBegin, diffLevelNum int) *resourcePool {
	p := &resourcePool{
		maxOpen:       maxOpen,
		maxActive:     maxActive,
		lifetimeBegin: lifetimeBegin,
		buckets:       make([]bucket, diffLevelNum),
	}
	for i := range p.buckets {
		p.buckets[i].zones = make(map[*Zone]struct{})
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *resourcePool) levelOf(lifetime Lifetime) int {
	return int(lifetime) - p.lifetimeBegin
}

// clampedLevelOf converts a lifetime class to a bucket index, clamping into
// [0, len(buckets)-1] so a hint outside the configured class range never
// indexes p.buckets out of range. Spec §4.5 step 3 says to use the hint as
// given; clamping is the bound check that step leaves implicit.
func (p *resourcePool) clampedLevelOf(lifetime Lifetime) int {
	level := p.levelOf(lifetime)
	if level < 0 {
		return 0
	}
	if level >= len(p.buckets) {
		return len(p.buckets) - 1
	}
	return level
}

// topLifetime returns the lifetime class of the highest-numbered bucket,
// the rewrite target for low-hint non-WAL files (spec §4.5 step 3).
func (p *resourcePool) topLifetime() Lifetime {
	return Lifetime(p.lifetimeBegin + len(p.buckets) - 1)
}

// waitForOpenToken blocks until an open token is available and takes one.
// Non-prioritized callers see a limit one below the true cap so a
// prioritized caller (typically the write-ahead log) can never be starved.
// Only used by callers with no bucket of their own to watch (GC zones are
// not bucket members); the bucketed allocator path uses
// waitForOpenTokenOrBucketIdle below instead.
func (p *resourcePool) waitForOpenToken(prioritized bool) {
	limit := p.maxOpen
	if !prioritized && limit > 0 {
		limit--
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.open >= limit {
		p.cond.Wait()
	}
	p.open++
}

// tryTakeOpenToken is the non-blocking counterpart to waitForOpenToken: it
// takes a token and returns true only if the limit isn't already reached.
func (p *resourcePool) tryTakeOpenToken(prioritized bool) bool {
	limit := p.maxOpen
	if !prioritized && limit > 0 {
		limit--
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open >= limit {
		return false
	}
	p.open++
	return true
}

// waitForOpenTokenOrBucketIdle blocks until either an open token is
// available or bucket level gains an idle member, taking neither itself.
// The caller re-checks takeIdleFromBucket first, then tryTakeOpenToken,
// once this returns. A single-condition wait on the open count alone (as
// waitForOpenToken does) misses the wakeup a releaseLevelZone broadcast
// sends when it only bumps bucket availability, leaving a waiter blocked
// while a usable idle zone sits in its target bucket. Spec §4.5 step 4.
func (p *resourcePool) waitForOpenTokenOrBucketIdle(prioritized bool, level int) {
	limit := p.maxOpen
	if !prioritized && limit > 0 {
		limit--
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.open >= limit && p.buckets[level].available <= 0 {
		p.cond.Wait()
	}
}

// tryTakeActiveToken is the non-blocking counterpart: it returns false
// immediately if the active cap is already reached.
func (p *resourcePool) tryTakeActiveToken() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active >= p.maxActive {
		return false
	}
	p.active++
	return true
}

func (p *resourcePool) putOpenToken() {
	p.mu.Lock()
	p.open--
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *resourcePool) putActiveToken() {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *resourcePool) openCount() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

func (p *resourcePool) activeCount() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
