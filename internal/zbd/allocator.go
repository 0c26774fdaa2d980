package zbd

import (
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// IOType distinguishes the write-ahead log from every other file kind, since
// the WAL gets prioritized token acquisition and skips maintenance.
type IOType int

const (
	IOTypeOther IOType = iota
	IOTypeWAL
)

// walFileID is the upper layer's conventional file_id for the write-ahead
// log. Allocation requests carrying it are pinned to the lowest lifetime
// class regardless of their nominal hint.
const walFileID = 5

// allocator implements the AllocateIOZone procedure (spec §4.5) against a
// registry of I/O zones and a resourcePool of tokens/buckets.
type allocator struct {
	reg  *registry
	pool *resourcePool

	blockSize uint32

	finishThreshold int // percent, 0 disables

	deferredErr *deferredError

	log zerolog.Logger
}

func newAllocator(reg *registry, pool *resourcePool, blockSize uint32, finishThreshold int, deferredErr *deferredError, log zerolog.Logger) *allocator {
	return &allocator{
		reg:             reg,
		pool:            pool,
		blockSize:       blockSize,
		finishThreshold: finishThreshold,
		deferredErr:     deferredErr,
		log:             log,
	}
}

// AllocateIOZone runs the five-step procedure of spec §4.5 and returns a
// zone the caller exclusively holds and may append to.
func (a *allocator) AllocateIOZone(hint Lifetime, ioType IOType, fileID int64) (*Zone, error) {
	if err := a.deferredErr.check(); err != nil {
		return nil, err
	}

	prioritized := ioType == IOTypeWAL
	if !prioritized {
		a.ApplyFinishThreshold()
		a.ResetUnusedIOZones()
	}

	targetLifetime := a.targetLifetime(hint, ioType, fileID)
	level := a.pool.clampedLevelOf(targetLifetime)
	// The clamp above may have moved the bucket index; recompute the
	// lifetime class so a zone leased out of bucket `level` carries the
	// class that bucket actually represents, not the raw hint.
	targetLifetime = Lifetime(level + a.pool.lifetimeBegin)
	a.log.Debug().Int("level", level).Bool("prioritized", prioritized).Msg("allocate io zone")

	for {
		if z := a.pool.takeIdleFromBucket(level); z != nil {
			a.log.Debug().Uint64("zone", z.ZoneNr()).Msg("allocate io zone: reused idle bucket member")
			return z, nil
		}

		// Block until either condition holds, then re-check both below:
		// the wakeup may be because a zone was released back into this
		// bucket rather than because an open token was returned.
		a.pool.waitForOpenTokenOrBucketIdle(prioritized, level)

		if z := a.pool.takeIdleFromBucket(level); z != nil {
			a.log.Debug().Uint64("zone", z.ZoneNr()).Msg("allocate io zone: reused idle bucket member")
			return z, nil
		}
		if !a.pool.tryTakeOpenToken(prioritized) {
			// Lost the race for the open token to another waiter; go back
			// to sleep on the combined condition rather than busy-looping.
			continue
		}
		if !a.pool.tryTakeActiveToken() {
			a.pool.putOpenToken()
			// No active budget right now; back off and let another waiter
			// (or a maintenance pass freeing a token) make progress before
			// retrying the whole decision from scratch.
			a.backoff()
			continue
		}

		z := a.AllocateEmptyZone()
		if z == nil {
			a.pool.putActiveToken()
			a.pool.putOpenToken()
			a.backoff()
			continue
		}

		z.lifetime = targetLifetime
		a.pool.insertLeased(level, z)
		a.log.Debug().Uint64("zone", z.ZoneNr()).Int("level", level).Msg("allocate io zone: opened fresh zone")
		return z, nil
	}
}

// targetLifetime implements step 3 of §4.5: the WAL/file_id==5 and low-hint
// rewrite rule. It returns a lifetime class value, not a bucket index —
// callers must convert via pool.clampedLevelOf before indexing buckets,
// since lifetimeBegin may be nonzero and the raw hint may fall outside the
// configured class range.
func (a *allocator) targetLifetime(hint Lifetime, ioType IOType, fileID int64) Lifetime {
	if hint < LifetimeShort {
		if ioType == IOTypeWAL || fileID == walFileID {
			return Lifetime(a.pool.lifetimeBegin)
		}
		return a.pool.topLifetime()
	}
	return hint
}

func (a *allocator) backoff() {
	time.Sleep(time.Duration(rand.Intn(1000)) * time.Microsecond)
}

// ApplyFinishThreshold finishes any idle, non-empty, non-full zone whose
// remaining capacity has dropped below finishThreshold percent of its max
// capacity, returning the active token it held. Spec §4.7.
func (a *allocator) ApplyFinishThreshold() {
	if a.finishThreshold <= 0 {
		return
	}
	for _, z := range a.reg.ioZones {
		if !z.Acquire() {
			continue
		}
		if z.inLifetimeBucket || z.IsEmpty() || z.IsFull() {
			z.checkReleaseLog(a.log)
			continue
		}
		if z.maxCapacity == 0 {
			z.checkReleaseLog(a.log)
			continue
		}
		threshold := z.maxCapacity * uint64(a.finishThreshold) / 100
		if z.capacity >= threshold {
			z.checkReleaseLog(a.log)
			continue
		}

		if err := z.Finish(); err != nil {
			a.log.Warn().Err(err).Uint64("zone", z.ZoneNr()).Msg("finish threshold: finish failed")
			z.checkReleaseLog(a.log)
			continue
		}
		z.checkReleaseLog(a.log)
		a.pool.putActiveToken()
		a.log.Debug().Uint64("zone", z.ZoneNr()).Msg("finish threshold: finished near-full idle zone")
	}
}

// ResetUnusedIOZones resets any idle, non-empty zone with no live data. A
// zone that was full when reset returns no tokens. A zone that was not full
// goes through emitLevelZone if it belonged to a bucket (refunding its open
// and active tokens here unless a replacement reseeded the bucket), and
// otherwise returns only its active token. Spec §4.8.
func (a *allocator) ResetUnusedIOZones() {
	for _, z := range a.reg.ioZones {
		if !z.Acquire() {
			continue
		}
		if z.IsEmpty() || z.IsUsed() {
			z.checkReleaseLog(a.log)
			continue
		}

		wasFull := z.IsFull()
		wasBucketed := a.pool.isBucketMember(z)
		level := a.pool.levelOf(z.lifetime) // must be read before Reset clears lifetime

		if err := z.Reset(); err != nil {
			a.log.Warn().Err(err).Uint64("zone", z.ZoneNr()).Msg("reset unused: reset failed")
			z.checkReleaseLog(a.log)
			continue
		}
		z.checkReleaseLog(a.log)
		a.log.Debug().Uint64("zone", z.ZoneNr()).Msg("reset unused: reclaimed idle zone")

		if wasFull {
			continue
		}

		if wasBucketed {
			if !a.pool.emitLevelZone(level, z, a.AllocateEmptyZone) {
				a.pool.putActiveToken()
				a.pool.putOpenToken()
			}
			continue
		}
		a.pool.putActiveToken()
	}
}

// AllocateEmptyZone linearly scans the I/O registry for the first zone that
// can be acquired and is empty. The caller must already hold whatever
// tokens the allocation requires; this neither charges nor refunds them.
// Spec §4.9.
func (a *allocator) AllocateEmptyZone() *Zone {
	for _, z := range a.reg.ioZones {
		if !z.Acquire() {
			continue
		}
		if z.IsEmpty() {
			return z
		}
		z.checkReleaseLog(a.log)
	}
	return nil
}

// lifetimeDiff reports how close a candidate zone's current lifetime class
// is to the requested hint, mirroring the source's GetLifeTimeDiff. It is a
// diagnostic-only helper (SPEC_FULL.md supplement): nothing in the bucketed
// allocator above consults it, since bucket membership already pins each
// zone to exactly one class.
func lifetimeDiff(zoneLifetime, fileLifetime Lifetime) int {
	if zoneLifetime == LifetimeNotSet || fileLifetime == LifetimeNotSet {
		return -1
	}
	if zoneLifetime == fileLifetime {
		return 0
	}
	if zoneLifetime > fileLifetime {
		return int(zoneLifetime - fileLifetime)
	}
	return -1
}

// checkReleaseLog releases z and logs (rather than propagating) a failed
// release, since maintenance loops must keep scanning the rest of the
// registry even if one zone's bookkeeping is corrupt.
func (z *Zone) checkReleaseLog(log zerolog.Logger) {
	if err := z.checkRelease(); err != nil {
		log.Error().Err(err).Uint64("zone", z.ZoneNr()).Msg("zone release failed")
	}
}
