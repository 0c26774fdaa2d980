package zbd

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func newTestMigrationChannel(t *testing.T, nrZones uint32, zoneSize uint64) (*migrationChannel, *allocator, *resourcePool) {
	t.Helper()
	a, pool, _ := newTestAllocator(t, nrZones, zoneSize, nrZones, nrZones, 0, 4)
	mig := newMigrationChannel(a, pool, 4, zerolog.Nop())
	return mig, a, pool
}

func TestMigrationChannelStagesGCAndAuxIndependently(t *testing.T) {
	mig, _, pool := newTestMigrationChannel(t, 8, 1<<16)

	if err := mig.AllocateEmptyZoneForGC(false); err != nil {
		t.Fatalf("stage gc: %v", err)
	}
	if err := mig.AllocateEmptyZoneForGC(true); err != nil {
		t.Fatalf("stage aux: %v", err)
	}
	if mig.gc == nil || mig.aux == nil || mig.gc == mig.aux {
		t.Fatalf("gc and aux should be two distinct staged zones")
	}
	if pool.openCount() != 1 || pool.activeCount() != 1 {
		t.Fatalf("only the primary gc slot charges tokens, aux rides on it; got open=%d active=%d", pool.openCount(), pool.activeCount())
	}
}

func TestMigrationChannelRestagingSameSlotIsNoOp(t *testing.T) {
	mig, _, pool := newTestMigrationChannel(t, 8, 1<<16)
	if err := mig.AllocateEmptyZoneForGC(false); err != nil {
		t.Fatalf("stage gc: %v", err)
	}
	openBefore := pool.openCount()
	first := mig.gc
	if err := mig.AllocateEmptyZoneForGC(false); err != nil {
		t.Fatalf("restage gc: %v", err)
	}
	if mig.gc != first {
		t.Fatalf("restaging an already-populated slot should be a no-op")
	}
	if pool.openCount() != openBefore {
		t.Fatalf("no-op restage should not charge a second token")
	}
}

func TestMigrationChannelTakeMigrateZoneReturnsCurrentGCWhenRoomy(t *testing.T) {
	mig, _, _ := newTestMigrationChannel(t, 8, 1<<16)
	if err := mig.AllocateEmptyZoneForGC(false); err != nil {
		t.Fatalf("stage gc: %v", err)
	}
	z, err := mig.TakeMigrateZone(1024)
	if err != nil {
		t.Fatalf("take migrate zone: %v", err)
	}
	if z != mig.gc {
		t.Fatalf("expected current gc zone to be returned when it has room")
	}
}

func TestMigrationChannelPromotesAuxWhenGCTooFull(t *testing.T) {
	mig, _, _ := newTestMigrationChannel(t, 8, 8192)
	if err := mig.AllocateEmptyZoneForGC(false); err != nil {
		t.Fatalf("stage gc: %v", err)
	}
	if err := mig.AllocateEmptyZoneForGC(true); err != nil {
		t.Fatalf("stage aux: %v", err)
	}
	aux := mig.aux

	z, err := mig.TakeMigrateZone(1 << 20) // more room than any zone has
	if err != nil {
		t.Fatalf("take migrate zone: %v", err)
	}
	if z != aux {
		t.Fatalf("expected aux to be promoted to gc")
	}
	if mig.aux != nil {
		t.Fatalf("aux slot should be cleared after promotion")
	}
}

func TestMigrationChannelExhaustedWithoutStagedAux(t *testing.T) {
	mig, _, _ := newTestMigrationChannel(t, 8, 8192)
	if err := mig.AllocateEmptyZoneForGC(false); err != nil {
		t.Fatalf("stage gc: %v", err)
	}

	_, err := mig.TakeMigrateZone(1 << 20)
	if !errors.Is(err, ErrGCExhausted) {
		t.Fatalf("want ErrGCExhausted, got %v", err)
	}
}

func TestMigrationChannelReleaseMigrateZoneKeepsGCLeased(t *testing.T) {
	mig, _, _ := newTestMigrationChannel(t, 8, 1<<16)
	if err := mig.AllocateEmptyZoneForGC(false); err != nil {
		t.Fatalf("stage gc: %v", err)
	}
	gc := mig.gc
	mig.ReleaseMigrateZone(gc)
	if !gc.IsBusy() {
		t.Fatalf("current gc zone must stay leased across ReleaseMigrateZone")
	}
}

func TestMigrationChannelPromotionDoesNotRefundUnchargedToken(t *testing.T) {
	mig, _, pool := newTestMigrationChannel(t, 8, 8192)
	if err := mig.AllocateEmptyZoneForGC(false); err != nil {
		t.Fatalf("stage gc: %v", err)
	}
	openAfterFirstCharge := pool.openCount()
	activeAfterFirstCharge := pool.activeCount()
	if openAfterFirstCharge != 1 || activeAfterFirstCharge != 1 {
		t.Fatalf("expected exactly one token pair charged, got open=%d active=%d", openAfterFirstCharge, activeAfterFirstCharge)
	}

	for i := 0; i < 3; i++ {
		if err := mig.AllocateEmptyZoneForGC(true); err != nil {
			t.Fatalf("stage aux %d: %v", i, err)
		}
		if _, err := mig.TakeMigrateZone(1 << 20); err != nil {
			t.Fatalf("promote %d: %v", i, err)
		}
		// Staging aux and promoting it never charges or refunds a token:
		// the original pair stays held for the life of the GC role across
		// every rotation.
		if got := pool.openCount(); got != openAfterFirstCharge {
			t.Fatalf("promotion %d: open token count drifted to %d, want %d", i, got, openAfterFirstCharge)
		}
		if got := pool.activeCount(); got != activeAfterFirstCharge {
			t.Fatalf("promotion %d: active token count drifted to %d, want %d", i, got, activeAfterFirstCharge)
		}
	}
}

func TestMigrationChannelGCBytesWritten(t *testing.T) {
	mig, _, _ := newTestMigrationChannel(t, 8, 1<<16)
	mig.RecordGCBytesWritten(0, 1024)
	mig.RecordGCBytesWritten(0, 2048)
	mig.RecordGCBytesWritten(2, 512)

	got := mig.GCBytesWritten()
	if got[0] != 3072 || got[2] != 512 {
		t.Fatalf("gc bytes written = %+v, want [3072 0 512 0]", got)
	}
}
