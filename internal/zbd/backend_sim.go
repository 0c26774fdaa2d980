package zbd

import (
	"fmt"
	"os"
	"sync"
)

// simZoneState is the sim backend's private bookkeeping for a single zone,
// independent of anything the Zone type above it tracks. It exists so the
// backend can enforce the same "writes must land at the current write
// pointer" and "reset requires an offline check" contract a real device
// would, letting tests exercise the same failure paths the real backend
// would produce.
type simZoneState struct {
	wp          uint64
	maxCapacity uint64
	offline     bool
}

// SimBackend is an in-process zoned-block-device emulator backed by a single
// regular file. It honors the same short-write and offset-must-equal-wp
// contract as a real device so allocator code can't distinguish the two.
// It has no analogue in the retrieval pack's example repos; it is standard
// library only because nothing in the pack ships a ZBD emulator and this
// exists purely to give tests and the demo CLI something to open.
type SimBackend struct {
	mu sync.Mutex

	f *os.File

	zoneSize  uint64
	blockSize uint32
	nrZones   uint32
	maxActive uint32
	maxOpen   uint32

	zones []simZoneState

	// offlineZones lets tests simulate a zone going offline on reset.
	offlineZones map[uint32]bool
}

// SimBackendOptions configures a SimBackend at construction time.
type SimBackendOptions struct {
	Path      string
	NrZones   uint32
	ZoneSize  uint64
	BlockSize uint32
	MaxActive uint32
	MaxOpen   uint32
}

// NewSimBackend creates (or truncates) a backing file of NrZones*ZoneSize
// bytes and returns a Backend over it.
func NewSimBackend(opts SimBackendOptions) (*SimBackend, error) {
	if opts.NrZones == 0 || opts.ZoneSize == 0 {
		return nil, fmt.Errorf("zbd: sim backend requires NrZones and ZoneSize")
	}
	if opts.BlockSize == 0 {
		opts.BlockSize = 4096
	}

	f, err := os.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("zbd: open sim backend file: %w", err)
	}
	total := int64(opts.NrZones) * int64(opts.ZoneSize)
	if err := f.Truncate(total); err != nil {
		f.Close()
		return nil, fmt.Errorf("zbd: truncate sim backend file: %w", err)
	}

	zones := make([]simZoneState, opts.NrZones)
	for i := range zones {
		zones[i] = simZoneState{maxCapacity: opts.ZoneSize}
	}

	return &SimBackend{
		f:            f,
		zoneSize:     opts.ZoneSize,
		blockSize:    opts.BlockSize,
		nrZones:      opts.NrZones,
		maxActive:    opts.MaxActive,
		maxOpen:      opts.MaxOpen,
		zones:        zones,
		offlineZones: make(map[uint32]bool),
	}, nil
}

// SetOffline marks the zone at index idx to go offline the next time it is
// reset, for exercising the offline path in tests.
func (s *SimBackend) SetOffline(idx uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offlineZones[idx] = true
}

func (s *SimBackend) idxOf(start uint64) (uint32, error) {
	if s.zoneSize == 0 || start%s.zoneSize != 0 {
		return 0, fmt.Errorf("zbd: start %d is not zone-aligned", start)
	}
	idx := start / s.zoneSize
	if idx >= uint64(s.nrZones) {
		return 0, fmt.Errorf("zbd: start %d out of range", start)
	}
	return uint32(idx), nil
}

func (s *SimBackend) Open(readonly, exclusive bool) (uint32, uint32, error) {
	if !readonly && !exclusive {
		return 0, 0, fmt.Errorf("%w: write opens must be exclusive", ErrInvalidArgument)
	}
	return s.maxActive, s.maxOpen, nil
}

func (s *SimBackend) ListZones() ([]ZoneDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ZoneDescriptor, s.nrZones)
	for i := range out {
		z := s.zones[i]
		start := uint64(i) * s.zoneSize
		out[i] = ZoneDescriptor{
			Start:       start,
			MaxCapacity: z.maxCapacity,
			WP:          z.wp,
			IsSWR:       true,
			IsOffline:   z.offline,
			IsActive:    z.wp != start && z.wp != start+s.zoneSize,
			IsOpen:      z.wp != start && z.wp != start+s.zoneSize,
		}
	}
	return out, nil
}

func (s *SimBackend) Write(buf []byte, offset uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.zoneIdxContaining(offset)
	if err != nil {
		return 0, err
	}
	z := &s.zones[idx]
	start := uint64(idx) * s.zoneSize
	if offset != z.wp {
		return 0, fmt.Errorf("zbd: sim backend: write at 0x%x does not match write pointer 0x%x", offset, z.wp)
	}
	if z.offline {
		return 0, fmt.Errorf("zbd: sim backend: zone %d is offline", idx)
	}
	if offset+uint64(len(buf)) > start+z.maxCapacity {
		return 0, fmt.Errorf("zbd: sim backend: write would exceed zone capacity")
	}

	n, err := s.f.WriteAt(buf, int64(offset))
	if n > 0 {
		z.wp += uint64(n)
	}
	if err != nil {
		return n, err
	}
	return n, nil
}

func (s *SimBackend) Read(buf []byte, offset uint64, direct bool) (int, error) {
	_ = direct
	return s.f.ReadAt(buf, int64(offset))
}

func (s *SimBackend) Finish(start uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.idxOf(start)
	if err != nil {
		return err
	}
	z := &s.zones[idx]
	z.wp = start + s.zoneSize
	return nil
}

func (s *SimBackend) Reset(start uint64) (bool, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.idxOf(start)
	if err != nil {
		return false, 0, err
	}
	z := &s.zones[idx]
	if s.offlineZones[idx] {
		z.offline = true
		z.maxCapacity = 0
		z.wp = start
		return true, 0, nil
	}
	z.wp = start
	z.maxCapacity = s.zoneSize
	return false, z.maxCapacity, nil
}

func (s *SimBackend) Close(start uint64) error {
	_, err := s.idxOf(start)
	return err
}

func (s *SimBackend) InvalidateCache(offset, size uint64) error {
	_ = offset
	_ = size
	return nil
}

func (s *SimBackend) ZoneSize() uint64  { return s.zoneSize }
func (s *SimBackend) BlockSize() uint32 { return s.blockSize }
func (s *SimBackend) NrZones() uint32   { return s.nrZones }

// CloseFile releases the backing file. It is not part of the Backend
// interface; Manager.Close calls it when the backend has it, and callers
// that own the SimBackend directly (tests, zonectl) also call it at
// teardown.
func (s *SimBackend) CloseFile() error {
	return s.f.Close()
}

func (s *SimBackend) zoneIdxContaining(offset uint64) (uint32, error) {
	if s.zoneSize == 0 {
		return 0, fmt.Errorf("zbd: zero zone size")
	}
	idx := offset / s.zoneSize
	if idx >= uint64(s.nrZones) {
		return 0, fmt.Errorf("zbd: offset %d out of range", offset)
	}
	return uint32(idx), nil
}
