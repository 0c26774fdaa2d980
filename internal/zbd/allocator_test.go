package zbd

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestAllocator(t *testing.T, nrZones uint32, zoneSize uint64, maxOpen, maxActive uint32, lifetimeBegin, diffLevelNum int) (*allocator, *resourcePool, *registry) {
	t.Helper()
	reg, _ := newTestRegistry(t, nrZones, zoneSize)
	pool := newResourcePool(maxOpen, maxActive, lifetimeBegin, diffLevelNum)
	var de deferredError
	a := newAllocator(reg, pool, 4096, 0, &de, zerolog.Nop())
	return a, pool, reg
}

func TestAllocateIOZoneOpensFreshZoneForNewLifetime(t *testing.T) {
	a, pool, _ := newTestAllocator(t, 8, 1<<16, 8, 8, 0, 9)

	z, err := a.AllocateIOZone(Lifetime(3), IOTypeOther, 42)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if !z.IsBusy() {
		t.Fatalf("allocated zone must be exclusively held")
	}
	if z.Lifetime() != Lifetime(3) {
		t.Fatalf("zone lifetime = %d, want 3", z.Lifetime())
	}
	if pool.openCount() != 1 || pool.activeCount() != 1 {
		t.Fatalf("expected one open and one active token charged, got open=%d active=%d", pool.openCount(), pool.activeCount())
	}
}

func TestAllocateIOZoneReusesIdleBucketMember(t *testing.T) {
	a, pool, _ := newTestAllocator(t, 8, 1<<16, 8, 8, 0, 9)

	first, err := a.AllocateIOZone(Lifetime(2), IOTypeOther, 10)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	pool.releaseLevelZone(first)
	first.checkReleaseLog(zerolog.Nop())

	openBefore := pool.openCount()
	second, err := a.AllocateIOZone(Lifetime(2), IOTypeOther, 11)
	if err != nil {
		t.Fatalf("second allocate: %v", err)
	}
	if second != first {
		t.Fatalf("second allocation for the same lifetime should reuse the idle zone")
	}
	if pool.openCount() != openBefore {
		t.Fatalf("reusing an idle zone must not charge a fresh open token")
	}
}

func TestAllocateIOZoneWakesOnBucketReleaseWhenOpenTokensExhausted(t *testing.T) {
	// maxOpen == 2 means non-prioritized callers see a limit of 1 (the
	// reserved-token rule), so the first call below takes the only open
	// token available to it; the second can only be unblocked by a zone
	// being released back into its bucket, never by a putOpenToken call,
	// exercising the waitForOpenTokenOrBucketIdle fix.
	a, pool, _ := newTestAllocator(t, 8, 1<<16, 2, 2, 0, 9)

	first, err := a.AllocateIOZone(Lifetime(2), IOTypeOther, 10)
	if err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	if pool.openCount() != 1 {
		t.Fatalf("open token count = %d, want 1", pool.openCount())
	}

	done := make(chan *Zone, 1)
	errCh := make(chan error, 1)
	go func() {
		z, err := a.AllocateIOZone(Lifetime(2), IOTypeOther, 11)
		errCh <- err
		done <- z
	}()

	select {
	case <-done:
		t.Fatalf("second allocation should block: no open tokens left and bucket 2 has no idle member")
	case <-time.After(20 * time.Millisecond):
	}

	pool.releaseLevelZone(first)
	first.checkReleaseLog(zerolog.Nop())

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("second allocate: %v", err)
		}
		second := <-done
		if second != first {
			t.Fatalf("second allocation should reuse the just-released idle zone")
		}
	case <-time.After(time.Second):
		t.Fatalf("second allocation never woke after its target bucket gained an idle member")
	}
}

func TestAllocateIOZoneRewritesLowHintWALToLowestClass(t *testing.T) {
	a, _, _ := newTestAllocator(t, 8, 1<<16, 8, 8, 0, 9)
	z, err := a.AllocateIOZone(Lifetime(0), IOTypeWAL, walFileID)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if z.Lifetime() != Lifetime(a.pool.lifetimeBegin) {
		t.Fatalf("WAL allocation should be pinned to lifetime_begin, got %d", z.Lifetime())
	}
}

func TestAllocateIOZoneRewritesLowHintNonWALToTopClass(t *testing.T) {
	a, pool, _ := newTestAllocator(t, 8, 1<<16, 8, 8, 0, 9)
	z, err := a.AllocateIOZone(Lifetime(1), IOTypeOther, 99)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	want := pool.topLifetime()
	if z.Lifetime() != want {
		t.Fatalf("low-hint non-WAL allocation should be pinned to class %d, got %d", want, z.Lifetime())
	}
}

// TestAllocateIOZoneHonorsNonzeroLifetimeBegin exercises the spec §8
// scenarios with lifetime_begin_=3: a mid-range hint must land in the
// bucket index the hint maps to under that offset (not the raw hint used
// as an index), and a WAL/low-hint rewrite must land in bucket 0.
func TestAllocateIOZoneHonorsNonzeroLifetimeBegin(t *testing.T) {
	a, pool, _ := newTestAllocator(t, 8, 1<<16, 8, 8, 3, 5)

	z, err := a.AllocateIOZone(Lifetime(4), IOTypeOther, 42)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if z.Lifetime() != Lifetime(4) {
		t.Fatalf("zone lifetime = %d, want 4", z.Lifetime())
	}
	if !pool.isBucketMember(z) {
		t.Fatalf("zone should be leased out of a bucket")
	}
	if got := pool.levelOf(z.Lifetime()); got != 1 {
		t.Fatalf("hint 4 with lifetime_begin=3 should land in bucket 1, got bucket %d", got)
	}
	pool.releaseLevelZone(z)
	z.checkReleaseLog(zerolog.Nop())

	walZone, err := a.AllocateIOZone(Lifetime(0), IOTypeWAL, walFileID)
	if err != nil {
		t.Fatalf("wal allocate: %v", err)
	}
	if got := pool.levelOf(walZone.Lifetime()); got != 0 {
		t.Fatalf("WAL allocation with lifetime_begin=3 should land in bucket 0, got bucket %d", got)
	}
}

// TestAllocateIOZoneClampsOutOfRangeHint exercises the bound check on step
// 3's rewrite: a hint at or above the configured class count must clamp
// into the last valid bucket instead of indexing p.buckets out of range.
func TestAllocateIOZoneClampsOutOfRangeHint(t *testing.T) {
	a, pool, _ := newTestAllocator(t, 8, 1<<16, 8, 8, 0, 5)

	z, err := a.AllocateIOZone(Lifetime(9), IOTypeOther, 7)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if got := pool.levelOf(z.Lifetime()); got != 4 {
		t.Fatalf("out-of-range hint should clamp to the top bucket (4), got bucket %d", got)
	}
}

func TestAllocateIOZoneFailsFastOnDeferredError(t *testing.T) {
	a, _, _ := newTestAllocator(t, 8, 1<<16, 8, 8, 0, 9)
	a.deferredErr.set(ErrIOError)

	if _, err := a.AllocateIOZone(Lifetime(3), IOTypeOther, 1); err != ErrIOError {
		t.Fatalf("want latched deferred error, got %v", err)
	}
}

func TestApplyFinishThresholdFinishesNearFullIdleZones(t *testing.T) {
	a, pool, reg := newTestAllocator(t, 4, 100*4096, 8, 8, 0, 9)
	a.finishThreshold = 20 // finish idle zones with < 20% capacity left

	z := reg.ioZones[0]
	buf := make([]byte, 4096)
	for i := 0; i < 85; i++ {
		if err := z.Append(buf, 4096); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if !pool.tryTakeActiveToken() {
		t.Fatalf("setup: could not charge active token")
	}

	a.ApplyFinishThreshold()

	if !z.IsFull() {
		t.Fatalf("zone at 85%% written should have been finished by the threshold pass")
	}
}

func TestResetUnusedIOZonesReclaimsFullyInvalidatedZones(t *testing.T) {
	a, pool, reg := newTestAllocator(t, 4, 1<<16, 8, 8, 0, 9)
	z := reg.ioZones[0]
	buf := make([]byte, 4096)
	if err := z.Append(buf, 4096); err != nil {
		t.Fatalf("append: %v", err)
	}
	z.MarkUsed(4096)
	z.InvalidateExtent(4096)
	if !pool.tryTakeActiveToken() {
		t.Fatalf("setup: could not charge active token")
	}

	a.ResetUnusedIOZones()

	if !z.IsEmpty() {
		t.Fatalf("zone with no live data should have been reset")
	}
}

// TestResetUnusedIOZonesEmitsBucketedZoneAndRefundsTokens exercises the
// bucketed branch of ResetUnusedIOZones: a zone that belongs to a lifetime
// bucket alongside another idle member gets emitted (removed from the
// bucket, not reseeded since the bucket stays non-empty) and both the open
// and active tokens it held are refunded.
func TestResetUnusedIOZonesEmitsBucketedZoneAndRefundsTokens(t *testing.T) {
	a, pool, reg := newTestAllocator(t, 4, 1<<16, 8, 8, 0, 4)

	victim := reg.ioZones[0]
	survivor := reg.ioZones[1]
	victim.lifetime = Lifetime(2)
	survivor.lifetime = Lifetime(2)
	pool.insertIdle(2, victim)
	pool.insertIdle(2, survivor)
	pool.open += 2
	pool.active += 2

	buf := make([]byte, 4096)
	if err := victim.Append(buf, 4096); err != nil {
		t.Fatalf("append: %v", err)
	}
	victim.MarkUsed(4096)
	victim.InvalidateExtent(4096)

	openBefore, activeBefore := pool.openCount(), pool.activeCount()
	a.ResetUnusedIOZones()

	if !victim.IsEmpty() {
		t.Fatalf("victim should have been reset")
	}
	if pool.isBucketMember(victim) {
		t.Fatalf("victim should have been removed from its bucket")
	}
	if pool.openCount() != openBefore-1 {
		t.Fatalf("open token should have been refunded, got open=%d want=%d", pool.openCount(), openBefore-1)
	}
	if pool.activeCount() != activeBefore-1 {
		t.Fatalf("active token should have been refunded, got active=%d want=%d", pool.activeCount(), activeBefore-1)
	}
	if pool.bucketAvailable(2) != 1 {
		t.Fatalf("survivor should remain the bucket's only idle member, available=%d", pool.bucketAvailable(2))
	}
}

func TestAllocateEmptyZoneSkipsNonEmptyZones(t *testing.T) {
	a, _, reg := newTestAllocator(t, 3, 1<<16, 8, 8, 0, 9)
	buf := make([]byte, 4096)
	if err := reg.ioZones[0].Append(buf, 4096); err != nil {
		t.Fatalf("append: %v", err)
	}

	z := a.AllocateEmptyZone()
	if z == nil {
		t.Fatalf("expected an empty zone among the remaining two")
	}
	if z == reg.ioZones[0] {
		t.Fatalf("AllocateEmptyZone must not return a non-empty zone")
	}
}

func TestLifetimeDiff(t *testing.T) {
	cases := []struct {
		zoneLifetime, fileLifetime Lifetime
		want                       int
	}{
		{LifetimeNotSet, Lifetime(2), -1},
		{Lifetime(2), Lifetime(2), 0},
		{Lifetime(5), Lifetime(2), 3},
		{Lifetime(1), Lifetime(2), -1},
	}
	for _, c := range cases {
		if got := lifetimeDiff(c.zoneLifetime, c.fileLifetime); got != c.want {
			t.Errorf("lifetimeDiff(%d, %d) = %d, want %d", c.zoneLifetime, c.fileLifetime, got, c.want)
		}
	}
}
