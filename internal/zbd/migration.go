package zbd

import (
	"sync"

	"github.com/rs/zerolog"
)

// gcLifetimeClass is the fixed lifetime class GC migration zones are pinned
// to, kept disjoint from the ordinary allocator's buckets.
const gcLifetimeClass = Lifetime(100)

// migrationChannel holds the GC zone (current migration target) and GC aux
// zone (pre-warmed next target) described in spec §4.6, serialized by its
// own mutex since only one GC pass migrates at a time.
type migrationChannel struct {
	mu sync.Mutex

	alloc *allocator
	pool  *resourcePool

	gc  *Zone
	aux *Zone

	// gcBytesWritten accumulates bytes migrated out of each source lifetime
	// class, indexed by level (SPEC_FULL.md supplement, mirrors the
	// source's per-level data-movement accounting).
	gcBytesWritten []uint64

	log zerolog.Logger
}

func newMigrationChannel(alloc *allocator, pool *resourcePool, numLevels int, log zerolog.Logger) *migrationChannel {
	return &migrationChannel{
		alloc:          alloc,
		pool:           pool,
		gcBytesWritten: make([]uint64, numLevels),
		log:            log,
	}
}

// AllocateEmptyZoneForGC reserves an empty zone, pins its lifetime to the
// fixed GC class, and stores it in the GC or aux slot depending on aux.
// Only the primary GC slot charges open+active tokens; staging the aux zone
// does not, matching the source's AllocateEmptyZoneForGC(is_aux) exactly —
// the aux zone rides on the primary's token budget until TakeMigrateZone
// promotes it and the old primary is finished.
func (m *migrationChannel) AllocateEmptyZoneForGC(aux bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if aux && m.aux != nil {
		return nil
	}
	if !aux && m.gc != nil {
		return nil
	}

	if !aux {
		m.pool.waitForOpenToken(false)
		if !m.pool.tryTakeActiveToken() {
			m.pool.putOpenToken()
			return noSpacef("gc: no active token available")
		}
	}

	z := m.alloc.AllocateEmptyZone()
	if z == nil {
		if !aux {
			m.pool.putActiveToken()
			m.pool.putOpenToken()
		}
		return ErrNoSpace
	}
	z.lifetime = gcLifetimeClass

	if aux {
		m.aux = z
		m.log.Debug().Uint64("zone", z.ZoneNr()).Msg("gc: staged aux zone")
	} else {
		m.gc = z
		m.log.Debug().Uint64("zone", z.ZoneNr()).Msg("gc: staged gc zone")
	}
	return nil
}

// TakeMigrateZone returns the current GC zone if it has at least
// minCapacity room. Otherwise it finishes the current GC zone, promotes the
// aux zone to GC, clears the aux slot, and returns the new GC zone. If no
// aux was staged, it returns ErrGCExhausted; the caller is expected to call
// AllocateEmptyZoneForGC(true) and retry (the Open Question decision
// recorded in DESIGN.md: the source leaves this case unhandled, this
// package surfaces it as a typed, retryable error instead of blocking
// forever or panicking).
func (m *migrationChannel) TakeMigrateZone(minCapacity uint64) (*Zone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gc != nil && m.gc.Capacity() >= minCapacity {
		return m.gc, nil
	}

	if m.gc != nil {
		if err := m.gc.Finish(); err != nil {
			return nil, wrapIOError("gc finish", err)
		}
		// No token refund here: the active (and open) token charged once in
		// AllocateEmptyZoneForGC(false) belongs to the GC role, not to this
		// particular physical zone, and transfers forward to whichever zone
		// next fills that role (the promoted aux, below) exactly as the
		// source never calls PutActiveIOZoneToken around TakeMigrateZone
		// either. Refunding here would return a token that was never
		// separately charged for the promoted zone, underflowing the
		// counter on the very next promotion.
		m.gc.checkReleaseLog(m.log)
		m.gc = nil
	}

	if m.aux == nil {
		return nil, ErrGCExhausted
	}

	m.gc = m.aux
	m.aux = nil
	m.log.Debug().Uint64("zone", m.gc.ZoneNr()).Msg("gc: promoted aux to gc")
	return m.gc, nil
}

// ReleaseMigrateZone releases z unless it is the current GC zone, which
// stays leased across many migrations.
func (m *migrationChannel) ReleaseMigrateZone(z *Zone) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if z == m.gc {
		return
	}
	z.checkReleaseLog(m.log)
}

// RecordGCBytesWritten accumulates n bytes migrated out of source lifetime
// level (SPEC_FULL.md supplement).
func (m *migrationChannel) RecordGCBytesWritten(level int, n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if level < 0 || level >= len(m.gcBytesWritten) {
		return
	}
	m.gcBytesWritten[level] += n
}

// GCBytesWritten returns a snapshot of bytes migrated per source lifetime
// level (SPEC_FULL.md supplement).
func (m *migrationChannel) GCBytesWritten() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, len(m.gcBytesWritten))
	copy(out, m.gcBytesWritten)
	return out
}
