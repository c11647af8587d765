package xlog

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/xlogship/internal/testutil/testlog"
	"github.com/danmuck/xlogship/internal/verbs"
)

func newTable(t *testing.T, g Geometry) (*SlotTable, *verbs.Region) {
	t.Helper()
	dev, err := verbs.OpenDevice(verbs.DeviceConfig{Name: "xlog"})
	if err != nil {
		t.Fatalf("open device: %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })
	region, err := dev.RegisterMemory(NewArena(g), verbs.AccessLocalWrite)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	table, err := NewSlotTable(region, g)
	if err != nil {
		t.Fatalf("slot table: %v", err)
	}
	return table, region
}

func TestGeometryValidate(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		g  Geometry
		ok bool
	}{
		{Geometry{SlotSize: 32, SlotCount: 1}, true},
		{Geometry{SlotSize: 256, SlotCount: 4}, true},
		{Geometry{SlotSize: 24, SlotCount: 4}, false},
		{Geometry{SlotSize: 36, SlotCount: 4}, false},
		{Geometry{SlotSize: 64, SlotCount: 0}, false},
	}
	for _, tc := range cases {
		err := tc.g.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%+v: unexpected error %v", tc.g, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidGeometry) {
			t.Fatalf("%+v: expected ErrInvalidGeometry, got %v", tc.g, err)
		}
	}
	g := Geometry{SlotSize: 64, SlotCount: 4}
	if g.ArenaSize() != ControlBlockSize+256 {
		t.Fatalf("arena size %d", g.ArenaSize())
	}
	if g.Capacity() != 40 {
		t.Fatalf("capacity %d", g.Capacity())
	}
}

func TestSlotIndexWraps(t *testing.T) {
	testlog.Start(t)
	g := Geometry{SlotSize: 64, SlotCount: 4}
	want := []int{0, 1, 2, 3, 0, 1}
	for i, w := range want {
		if got := g.SlotIndex(uint64(i + 1)); got != w {
			t.Fatalf("lsn %d: slot %d, want %d", i+1, got, w)
		}
	}
}

func TestFillReadReset(t *testing.T) {
	testlog.Start(t)
	table, region := newTable(t, Geometry{SlotSize: 64, SlotCount: 4})

	if f, err := table.Flag(2); err != nil || f != FlagEmpty {
		t.Fatalf("initial flag %v err=%v", f, err)
	}
	if err := table.Fill(2, Entry{LSN: 7, Payload: []byte("payload")}); err != nil {
		t.Fatalf("fill: %v", err)
	}
	flagOff, _ := table.FlagOffset(2)
	if flagOff != ControlBlockSize+2*64+56 {
		t.Fatalf("flag offset %d", flagOff)
	}
	raw, err := region.Load64(flagOff)
	if err != nil || Flag(raw) != FlagFilled {
		t.Fatalf("flag word %d err=%v", raw, err)
	}
	e, err := table.Read(2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if e.LSN != 7 || !bytes.Equal(e.Payload, []byte("payload")) {
		t.Fatalf("unexpected entry %+v", e)
	}
	if err := table.Reset(2); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := table.Read(2); !errors.Is(err, ErrSlotEmpty) {
		t.Fatalf("expected ErrSlotEmpty, got %v", err)
	}
}

func TestSlotBoundsAndCapacity(t *testing.T) {
	testlog.Start(t)
	table, _ := newTable(t, Geometry{SlotSize: 32, SlotCount: 2})
	if _, err := table.Offset(2); !errors.Is(err, ErrSlotIndex) {
		t.Fatalf("expected ErrSlotIndex, got %v", err)
	}
	if _, err := table.Flag(-1); !errors.Is(err, ErrSlotIndex) {
		t.Fatalf("expected ErrSlotIndex, got %v", err)
	}
	if err := table.Fill(0, Entry{LSN: 1, Payload: make([]byte, 9)}); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if err := table.Fill(1, Entry{LSN: 1, Payload: make([]byte, 8)}); err != nil {
		t.Fatalf("fill at capacity: %v", err)
	}
}

func TestCorruptSlotDetected(t *testing.T) {
	testlog.Start(t)
	table, region := newTable(t, Geometry{SlotSize: 64, SlotCount: 2})
	if err := table.Fill(1, Entry{LSN: 3, Payload: []byte("intact")}); err != nil {
		t.Fatalf("fill: %v", err)
	}
	off, _ := table.Offset(1)
	if _, err := region.WriteAt([]byte("X"), off+16); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if _, err := table.Read(1); !errors.Is(err, ErrCorruptSlot) {
		t.Fatalf("expected ErrCorruptSlot, got %v", err)
	}
}

func TestFlushCursorWord(t *testing.T) {
	testlog.Start(t)
	_, region := newTable(t, Geometry{SlotSize: 32, SlotCount: 1})
	if err := StoreFlushLSN(region, 42); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := LoadFlushLSN(region)
	if err != nil || got != 42 {
		t.Fatalf("load %d err=%v", got, err)
	}
}

func TestSlotTableRejectsShortArena(t *testing.T) {
	testlog.Start(t)
	dev, err := verbs.OpenDevice(verbs.DeviceConfig{Name: "short"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer dev.Close()
	region, err := dev.RegisterMemory(make([]byte, 64), verbs.AccessLocalWrite)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := NewSlotTable(region, Geometry{SlotSize: 32, SlotCount: 1}); !errors.Is(err, ErrInvalidGeometry) {
		t.Fatalf("expected ErrInvalidGeometry, got %v", err)
	}
}
