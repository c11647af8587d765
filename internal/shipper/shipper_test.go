package shipper

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/danmuck/xlogship/internal/completion"
	"github.com/danmuck/xlogship/internal/receiver"
	"github.com/danmuck/xlogship/internal/testutil/testlog"
	"github.com/danmuck/xlogship/internal/testutil/xlogtest"
	"github.com/danmuck/xlogship/internal/xlog"
)

func newShipper(t *testing.T, g xlog.Geometry, cfg Config) (*Shipper, *xlogtest.Side) {
	t.Helper()
	producer, store := xlogtest.Pair(t, g)
	cfg.Geometry = g
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	s, err := New(producer.Session, completion.New(producer.Session), cfg)
	if err != nil {
		t.Fatalf("new shipper: %v", err)
	}
	return s, store
}

func TestScenarioSixEntriesFourSlots(t *testing.T) {
	testlog.Start(t)
	g := xlog.Geometry{SlotSize: 64, SlotCount: 4}
	s, store := newShipper(t, g, Config{Pacing: time.Millisecond})
	recv, err := receiver.New(store.Session, receiver.Config{Geometry: g, FlushInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("receiver: %v", err)
	}
	ctx := context.Background()

	var lsns []uint64
	for _, p := range []string{"A", "B", "C", "D", "E", "F"} {
		res, err := s.Ship(ctx, []byte(p))
		if err != nil {
			t.Fatalf("ship %s: %v", p, err)
		}
		lsns = append(lsns, res.LSN)
		entry, ok, err := recv.TryDrain()
		if err != nil || !ok {
			t.Fatalf("drain after %s: ok=%v err=%v", p, ok, err)
		}
		if string(entry.Payload) != p || entry.LSN != res.LSN {
			t.Fatalf("drained %q lsn %d, shipped %q lsn %d", entry.Payload, entry.LSN, p, res.LSN)
		}
	}
	for i, lsn := range lsns {
		if lsn != uint64(i+1) {
			t.Fatalf("lsns %v", lsns)
		}
	}

	if err := recv.StartDurability(ctx); err != nil {
		t.Fatalf("durability: %v", err)
	}
	defer recv.StopDurability()
	deadline := time.Now().Add(2 * time.Second)
	for {
		committed, flush, err := s.CommitStatus(ctx, 6)
		if err != nil {
			t.Fatalf("commit status: %v", err)
		}
		if committed {
			if flush < 6 {
				t.Fatalf("committed with flush %d", flush)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("lsn 6 never committed, flush=%d", flush)
		}
		time.Sleep(2 * time.Millisecond)
	}
	for lsn := uint64(1); lsn <= 6; lsn++ {
		if ok, _, _ := s.CommitStatus(ctx, lsn); !ok {
			t.Fatalf("lsn %d not committed", lsn)
		}
	}
}

func TestSlotBusyBeforeAssignment(t *testing.T) {
	testlog.Start(t)
	g := xlog.Geometry{SlotSize: 64, SlotCount: 2}
	s, store := newShipper(t, g, Config{})

	for i := 0; i < 2; i++ {
		if _, err := s.Ship(context.Background(), []byte{byte(i)}); err != nil {
			t.Fatalf("ship %d: %v", i, err)
		}
	}
	if _, err := s.Ship(context.Background(), []byte("late")); !errors.Is(err, xlog.ErrSlotBusy) {
		t.Fatalf("expected ErrSlotBusy, got %v", err)
	}
	if s.NextLSN() != 3 {
		t.Fatalf("busy slot consumed an lsn: next=%d", s.NextLSN())
	}
	e, err := store.Table.Read(0)
	if err != nil || e.LSN != 1 {
		t.Fatalf("slot 0 overwritten: %+v err=%v", e, err)
	}

	if err := store.Table.Reset(0); err != nil {
		t.Fatalf("reset: %v", err)
	}
	res, err := s.Ship(context.Background(), []byte("late"))
	if err != nil || res.LSN != 3 {
		t.Fatalf("ship after drain: %+v err=%v", res, err)
	}
	e, err = store.Table.Read(0)
	if err != nil || e.LSN != 3 || string(e.Payload) != "late" {
		t.Fatalf("slot 0 after reuse: %+v err=%v", e, err)
	}
}

func TestFailedShipsStillConsumeLSNs(t *testing.T) {
	testlog.Start(t)
	g := xlog.Geometry{SlotSize: 64, SlotCount: 16}
	s, store := newShipper(t, g, Config{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := s.Ship(ctx, []byte("ok")); err != nil {
			t.Fatalf("ship: %v", err)
		}
	}
	if err := store.Session.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	for want := uint64(3); want <= 4; want++ {
		res, err := s.Ship(ctx, []byte("lost"))
		var se *ShipError
		if !errors.As(err, &se) {
			t.Fatalf("expected ShipError, got %v", err)
		}
		if se.LSN != want || res.LSN != want {
			t.Fatalf("failed ship lsn %d/%d, want %d", se.LSN, res.LSN, want)
		}
	}
	if s.NextLSN() != 5 {
		t.Fatalf("next lsn %d", s.NextLSN())
	}
}

func TestPayloadTooLargeConsumesNothing(t *testing.T) {
	testlog.Start(t)
	g := xlog.Geometry{SlotSize: 32, SlotCount: 2}
	s, _ := newShipper(t, g, Config{})
	if _, err := s.Ship(context.Background(), make([]byte, g.Capacity()+1)); !errors.Is(err, xlog.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if s.NextLSN() != 1 {
		t.Fatalf("next lsn %d", s.NextLSN())
	}
}

func TestPacingHonorsContext(t *testing.T) {
	testlog.Start(t)
	g := xlog.Geometry{SlotSize: 64, SlotCount: 4}
	s, _ := newShipper(t, g, Config{Pacing: time.Hour})
	if _, err := s.Ship(context.Background(), []byte("first")); err != nil {
		t.Fatalf("first ship: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Ship(ctx, []byte("second")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if s.NextLSN() != 2 {
		t.Fatalf("paced-out ship consumed an lsn")
	}
}

func TestStoppedDurabilityLeavesShipsPending(t *testing.T) {
	testlog.Start(t)
	g := xlog.Geometry{SlotSize: 64, SlotCount: 8}
	s, store := newShipper(t, g, Config{CheckCommit: true})
	recv, err := receiver.New(store.Session, receiver.Config{Geometry: g, FlushInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("receiver: %v", err)
	}
	ctx := context.Background()

	res, err := s.Ship(ctx, []byte("first"))
	if err != nil {
		t.Fatalf("ship: %v", err)
	}
	if _, ok, _ := recv.TryDrain(); !ok {
		t.Fatalf("first entry not drained")
	}
	if err := recv.StartDurability(ctx); err != nil {
		t.Fatalf("durability: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for recv.FlushLSN() < res.LSN {
		if time.Now().After(deadline) {
			t.Fatalf("flush never reached %d", res.LSN)
		}
		time.Sleep(time.Millisecond)
	}
	recv.StopDurability()
	frozen := recv.FlushLSN()

	for i := 0; i < 4; i++ {
		res, err := s.Ship(ctx, []byte(fmt.Sprintf("after-%d", i)))
		if err != nil {
			t.Fatalf("ship after stop: %v", err)
		}
		if _, ok, _ := recv.TryDrain(); !ok {
			t.Fatalf("entry %d not drained", res.LSN)
		}
		if res.Committed {
			t.Fatalf("lsn %d reported committed with durability stopped", res.LSN)
		}
		if res.FlushLSN != frozen {
			t.Fatalf("flush moved after stop: %d -> %d", frozen, res.FlushLSN)
		}
		time.Sleep(3 * time.Millisecond)
	}
	if ok, _, _ := s.CommitStatus(ctx, 1); !ok {
		t.Fatalf("lsn 1 should stay committed")
	}
}
