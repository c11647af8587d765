package xlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	ControlBlockSize  = 64
	FlushCursorOffset = 0
	AtomicWordOffset  = 8
	// ProbeWordOffset is producer-local scratch for remote flag reads.
	ProbeWordOffset   = 16

	MinSlotSize  = 32
	SlotOverhead = slotHeaderLen + slotFlagLen

	slotHeaderLen = 16
	slotFlagLen   = 8
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var (
	ErrInvalidGeometry = errors.New("xlog: invalid slot geometry")
	ErrSlotIndex       = errors.New("xlog: slot index out of range")
	ErrPayloadTooLarge = errors.New("xlog: payload exceeds slot capacity")
	ErrCorruptSlot     = errors.New("xlog: corrupt slot")
	ErrSlotEmpty       = errors.New("xlog: slot empty")
	ErrSlotBusy        = errors.New("xlog: slot busy")
)

// Flag is the hand-off word of a slot.
type Flag uint64

const (
	FlagEmpty  Flag = 0
	FlagFilled Flag = 1
)

func (f Flag) String() string {
	switch f {
	case FlagEmpty:
		return "EMPTY"
	case FlagFilled:
		return "FILLED"
	default:
		return fmt.Sprintf("FLAG(%d)", uint64(f))
	}
}

// Entry is one log record.
type Entry struct {
	LSN     uint64
	Payload []byte
}

// Geometry fixes the slot table shape. Both peers must agree on it.
type Geometry struct {
	SlotSize  int
	SlotCount int
}

func (g Geometry) Validate() error {
	if g.SlotSize < MinSlotSize || g.SlotSize%8 != 0 {
		return fmt.Errorf("%w: slot_size=%d (multiple of 8, >= %d)", ErrInvalidGeometry, g.SlotSize, MinSlotSize)
	}
	if g.SlotCount <= 0 {
		return fmt.Errorf("%w: slot_count=%d", ErrInvalidGeometry, g.SlotCount)
	}
	return nil
}

func (g Geometry) ArenaSize() int {
	return ControlBlockSize + g.SlotSize*g.SlotCount
}

// Capacity is the largest payload a slot holds.
func (g Geometry) Capacity() int {
	return g.SlotSize - SlotOverhead
}

// SlotIndex maps an LSN (starting at 1) to its slot.
func (g Geometry) SlotIndex(lsn uint64) int {
	return int((lsn - 1) % uint64(g.SlotCount))
}

// NewArena allocates a zeroed arena: flush cursor 0, every slot EMPTY.
func NewArena(g Geometry) []byte {
	return make([]byte, g.ArenaSize())
}

// Memory is the registered arena as seen by the slot table.
type Memory interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Load64(off int64) (uint64, error)
	Store64(off int64, v uint64) error
	Len() int
}

type SlotTable struct {
	mem Memory
	geo Geometry
}

func NewSlotTable(mem Memory, g Geometry) (*SlotTable, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if mem.Len() < g.ArenaSize() {
		return nil, fmt.Errorf("%w: arena %d bytes, need %d", ErrInvalidGeometry, mem.Len(), g.ArenaSize())
	}
	return &SlotTable{mem: mem, geo: g}, nil
}

func (t *SlotTable) Geometry() Geometry { return t.geo }

// Offset returns the arena offset of slot i.
func (t *SlotTable) Offset(i int) (int64, error) {
	if i < 0 || i >= t.geo.SlotCount {
		return 0, fmt.Errorf("%w: %d not in [0,%d)", ErrSlotIndex, i, t.geo.SlotCount)
	}
	return int64(ControlBlockSize + i*t.geo.SlotSize), nil
}

// FlagOffset returns the arena offset of slot i's flag word.
func (t *SlotTable) FlagOffset(i int) (int64, error) {
	off, err := t.Offset(i)
	if err != nil {
		return 0, err
	}
	return off + int64(t.geo.SlotSize-slotFlagLen), nil
}

func (t *SlotTable) Flag(i int) (Flag, error) {
	off, err := t.FlagOffset(i)
	if err != nil {
		return 0, err
	}
	v, err := t.mem.Load64(off)
	return Flag(v), err
}

// Fill stages e into slot i: payload and header first, flag last.
func (t *SlotTable) Fill(i int, e Entry) error {
	if len(e.Payload) > t.geo.Capacity() {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(e.Payload), t.geo.Capacity())
	}
	off, err := t.Offset(i)
	if err != nil {
		return err
	}
	if _, err := t.mem.WriteAt(e.Payload, off+slotHeaderLen); err != nil {
		return err
	}
	var hdr [slotHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], e.LSN)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(e.Payload)))
	binary.BigEndian.PutUint32(hdr[12:16], crc32.Checksum(e.Payload, crcTable))
	if _, err := t.mem.WriteAt(hdr[:], off); err != nil {
		return err
	}
	return t.mem.Store64(off+int64(t.geo.SlotSize-slotFlagLen), uint64(FlagFilled))
}

// Read copies out a FILLED slot and verifies its checksum.
func (t *SlotTable) Read(i int) (Entry, error) {
	flag, err := t.Flag(i)
	if err != nil {
		return Entry{}, err
	}
	if flag != FlagFilled {
		return Entry{}, fmt.Errorf("%w: slot %d is %s", ErrSlotEmpty, i, flag)
	}
	off, _ := t.Offset(i)
	raw := make([]byte, t.geo.SlotSize-slotFlagLen)
	if _, err := t.mem.ReadAt(raw, off); err != nil {
		return Entry{}, err
	}
	lsn := binary.BigEndian.Uint64(raw[0:8])
	n := binary.BigEndian.Uint32(raw[8:12])
	sum := binary.BigEndian.Uint32(raw[12:16])
	if int(n) > t.geo.Capacity() {
		return Entry{}, fmt.Errorf("%w: slot %d length %d", ErrCorruptSlot, i, n)
	}
	payload := raw[slotHeaderLen : slotHeaderLen+int(n)]
	if crc32.Checksum(payload, crcTable) != sum {
		return Entry{}, fmt.Errorf("%w: slot %d lsn %d checksum", ErrCorruptSlot, i, lsn)
	}
	out := make([]byte, n)
	copy(out, payload)
	return Entry{LSN: lsn, Payload: out}, nil
}

// Reset hands slot i back to the producer.
func (t *SlotTable) Reset(i int) error {
	off, err := t.FlagOffset(i)
	if err != nil {
		return err
	}
	return t.mem.Store64(off, uint64(FlagEmpty))
}

func LoadFlushLSN(mem Memory) (uint64, error) {
	return mem.Load64(FlushCursorOffset)
}

func StoreFlushLSN(mem Memory, lsn uint64) error {
	return mem.Store64(FlushCursorOffset, lsn)
}
