//go:build linux

package zbd

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux zoned-block-device ioctl ABI (linux/blkzoned.h). golang.org/x/sys/unix
// does not export these directly, so the request numbers are computed with
// the same _IOC encoding the kernel headers use rather than hardcoded, and
// the request/response structs are hand-marshalled with encoding/binary to
// avoid depending on struct layout matching across Go/C.
const (
	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2

	blkZoneIOCType = 0x12

	blkZoneReportHeaderSize = 16 // sector(8) + nr_zones(4) + flags(4)
	blkZoneStructSize       = 64 // struct blk_zone on the wire
	blkZoneRangeSize        = 16 // sector(8) + nr_sectors(8)

	blkZoneTypeConventional = 1
	blkZoneTypeSeqReq       = 2
	blkZoneTypeSeqPref      = 3

	blkZoneCondEmpty  = 1
	blkZoneCondClosed = 4
	blkZoneCondFull   = 14
	blkZoneCondOffline = 15
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNrShift) | (size << iocSizeShift)
}

var (
	blkReportZone = ioc(iocRead|iocWrite, blkZoneIOCType, 130, blkZoneReportHeaderSize) // sizeof(struct blk_zone_report)
	blkResetZone  = ioc(iocWrite, blkZoneIOCType, 131, blkZoneRangeSize)
	blkGetZoneSz  = ioc(iocRead, blkZoneIOCType, 132, 4)
	blkGetNrZones = ioc(iocRead, blkZoneIOCType, 133, 4)
	blkOpenZone   = ioc(iocWrite, blkZoneIOCType, 134, blkZoneRangeSize)
	blkCloseZone  = ioc(iocWrite, blkZoneIOCType, 135, blkZoneRangeSize)
	blkFinishZone = ioc(iocWrite, blkZoneIOCType, 136, blkZoneRangeSize)
)

const sectorSize = 512

// LinuxBackend drives a real zoned block device through Linux's block-layer
// zone ioctls and sequential pwrite/pread. The device is opened without
// O_DIRECT, so reads and writes go through the page cache.
type LinuxBackend struct {
	path      string
	f         *os.File
	zoneSize  uint64
	blockSize uint32
	nrZones   uint32
}

// NewLinuxBackend records the block device path. The device is opened and
// queried only when Open is called, matching the Backend contract.
func NewLinuxBackend(path string) *LinuxBackend {
	return &LinuxBackend{path: path}
}

func (b *LinuxBackend) Open(readonly, exclusive bool) (uint32, uint32, error) {
	if !readonly && !exclusive {
		return 0, 0, fmt.Errorf("%w: write opens must be exclusive", ErrInvalidArgument)
	}

	flags := os.O_RDWR
	if readonly {
		flags = os.O_RDONLY
	}
	if exclusive {
		flags |= unix.O_EXCL
	}

	f, err := os.OpenFile(b.path, flags, 0)
	if err != nil {
		return 0, 0, wrapIOError("open device", err)
	}
	b.f = f

	zoneSize, err := b.ioctlUint32(blkGetZoneSz)
	if err != nil {
		f.Close()
		return 0, 0, wrapIOError("BLKGETZONESZ", err)
	}
	b.zoneSize = uint64(zoneSize) * sectorSize

	nrZones, err := b.ioctlUint32(blkGetNrZones)
	if err != nil {
		f.Close()
		return 0, 0, wrapIOError("BLKGETNRZONES", err)
	}
	b.nrZones = nrZones
	b.blockSize = 4096

	// The kernel does not expose max-open/max-active caps through these
	// ioctls uniformly across drivers; sysfs (queue/max_open_zones,
	// queue/max_active_zones) holds them, and this backend does not read
	// it. Report 0 ("unlimited") here so Manager.Open falls back to
	// treating the zone count as the cap, per the Backend contract.
	return 0, 0, nil
}

func (b *LinuxBackend) ioctlUint32(req uintptr) (uint32, error) {
	var val uint32
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, b.f.Fd(), req, uintptr(unsafe.Pointer(&val)))
	if errno != 0 {
		return 0, errno
	}
	return val, nil
}

func (b *LinuxBackend) ListZones() ([]ZoneDescriptor, error) {
	const chunk = 4096
	out := make([]ZoneDescriptor, 0, b.nrZones)

	buf := make([]byte, blkZoneReportHeaderSize+chunk*blkZoneStructSize)
	sector := uint64(0)

	for uint32(len(out)) < b.nrZones {
		binary.LittleEndian.PutUint64(buf[0:8], sector)
		binary.LittleEndian.PutUint32(buf[8:12], chunk)
		binary.LittleEndian.PutUint32(buf[12:16], 0)

		_, _, errno := unix.Syscall(unix.SYS_IOCTL, b.f.Fd(), blkReportZone, uintptr(unsafe.Pointer(&buf[0])))
		if errno != 0 {
			return nil, wrapIOError("BLKREPORTZONE", errno)
		}

		n := binary.LittleEndian.Uint32(buf[8:12])
		if n == 0 {
			break
		}
		for i := uint32(0); i < n; i++ {
			off := blkZoneReportHeaderSize + int(i)*blkZoneStructSize
			zd := decodeBlkZone(buf[off : off+blkZoneStructSize])
			out = append(out, zd)
			sector = (zd.Start + zd.MaxCapacity) / sectorSize
		}
	}
	return out, nil
}

func decodeBlkZone(raw []byte) ZoneDescriptor {
	start := binary.LittleEndian.Uint64(raw[0:8]) * sectorSize
	length := binary.LittleEndian.Uint64(raw[8:16]) * sectorSize
	wp := binary.LittleEndian.Uint64(raw[16:24]) * sectorSize
	typ := raw[24]
	cond := raw[25]

	return ZoneDescriptor{
		Start:       start,
		MaxCapacity: length,
		WP:          wp,
		IsSWR:       typ == blkZoneTypeSeqReq || typ == blkZoneTypeSeqPref,
		IsOffline:   cond == blkZoneCondOffline,
		IsActive:    cond != blkZoneCondEmpty && cond != blkZoneCondFull && cond != blkZoneCondOffline,
		IsOpen:      cond != blkZoneCondEmpty && cond != blkZoneCondClosed && cond != blkZoneCondFull,
	}
}

func (b *LinuxBackend) rangeIoctl(req uintptr, start uint64) error {
	buf := make([]byte, blkZoneRangeSize)
	binary.LittleEndian.PutUint64(buf[0:8], start/sectorSize)
	binary.LittleEndian.PutUint64(buf[8:16], b.zoneSize/sectorSize)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, b.f.Fd(), req, uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return errno
	}
	return nil
}

func (b *LinuxBackend) Write(buf []byte, offset uint64) (int, error) {
	n, err := b.f.WriteAt(buf, int64(offset))
	if err != nil {
		return n, wrapIOError("write", err)
	}
	return n, nil
}

func (b *LinuxBackend) Read(buf []byte, offset uint64, direct bool) (int, error) {
	_ = direct // ignored: the device is never opened with O_DIRECT
	n, err := b.f.ReadAt(buf, int64(offset))
	if err != nil {
		return n, wrapIOError("read", err)
	}
	return n, nil
}

func (b *LinuxBackend) Finish(start uint64) error {
	if err := b.rangeIoctl(blkFinishZone, start); err != nil {
		return wrapIOError("BLKFINISHZONE", err)
	}
	return nil
}

func (b *LinuxBackend) Reset(start uint64) (bool, uint64, error) {
	if err := b.rangeIoctl(blkResetZone, start); err != nil {
		return false, 0, wrapIOError("BLKRESETZONE", err)
	}
	zones, err := b.ListZones()
	if err != nil {
		return false, 0, err
	}
	for _, z := range zones {
		if z.Start == start {
			return z.IsOffline, z.MaxCapacity, nil
		}
	}
	return false, b.zoneSize, nil
}

func (b *LinuxBackend) Close(start uint64) error {
	if err := b.rangeIoctl(blkCloseZone, start); err != nil {
		return wrapIOError("BLKCLOSEZONE", err)
	}
	return nil
}

func (b *LinuxBackend) InvalidateCache(offset, size uint64) error {
	if err := unix.Fadvise(int(b.f.Fd()), int64(offset), int64(size), unix.FADV_DONTNEED); err != nil {
		return wrapIOError("fadvise", err)
	}
	return nil
}

func (b *LinuxBackend) ZoneSize() uint64  { return b.zoneSize }
func (b *LinuxBackend) BlockSize() uint32 { return b.blockSize }
func (b *LinuxBackend) NrZones() uint32   { return b.nrZones }
