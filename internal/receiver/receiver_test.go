package receiver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/xlogship/internal/testutil/testlog"
	"github.com/danmuck/xlogship/internal/testutil/xlogtest"
	"github.com/danmuck/xlogship/internal/xlog"
)

var geo = xlog.Geometry{SlotSize: 64, SlotCount: 4}

func newReceiver(t *testing.T, cfg Config) (*Receiver, *xlogtest.Side) {
	t.Helper()
	_, store := xlogtest.Pair(t, geo)
	cfg.Geometry = geo
	r, err := New(store.Session, cfg)
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	return r, store
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFlushCursorNeverMovesBack(t *testing.T) {
	testlog.Start(t)
	r, store := newReceiver(t, Config{})
	c := r.cursor

	if lsn, moved, err := c.Advance(5); err != nil || !moved || lsn != 5 {
		t.Fatalf("advance 5: lsn=%d moved=%v err=%v", lsn, moved, err)
	}
	if lsn, moved, _ := c.Advance(3); moved || lsn != 5 {
		t.Fatalf("advance 3 moved cursor: lsn=%d", lsn)
	}
	word, err := xlog.LoadFlushLSN(store.Session.Region())
	if err != nil || word != 5 {
		t.Fatalf("arena word %d err=%v", word, err)
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			for i := uint64(0); i < 200; i++ {
				_, _, _ = c.Advance((i*7 + seed) % 300)
			}
		}(uint64(w))
	}
	stop := make(chan struct{})
	readerErr := make(chan error, 1)
	go func() {
		var last uint64
		for {
			select {
			case <-stop:
				readerErr <- nil
				return
			default:
			}
			cur := c.Load()
			if cur < last {
				readerErr <- errors.New("flush cursor moved backwards")
				return
			}
			last = cur
		}
	}()
	wg.Wait()
	close(stop)
	if err := <-readerErr; err != nil {
		t.Fatal(err)
	}
}

func TestFlushPolicies(t *testing.T) {
	testlog.Start(t)
	if got := (ObservedPolicy{}).Next(2, 9); got != 9 {
		t.Fatalf("observed: %d", got)
	}
	durable := uint64(4)
	p := StoragePolicy{Durable: func() uint64 { return durable }}
	if got := p.Next(0, 9); got != 4 {
		t.Fatalf("storage capped by durable: %d", got)
	}
	if got := p.Next(0, 3); got != 3 {
		t.Fatalf("storage capped by observed: %d", got)
	}
	if got := (StoragePolicy{}).Next(5, 9); got != 0 {
		t.Fatalf("storage without source: %d", got)
	}
	if got := (StepPolicy{Step: 3}).Next(10, 0); got != 13 {
		t.Fatalf("step: %d", got)
	}
	if got := (StepPolicy{}).Next(10, 0); got != 11 {
		t.Fatalf("zero step: %d", got)
	}
}

func TestTryDrainWrapsInOrder(t *testing.T) {
	testlog.Start(t)
	r, store := newReceiver(t, Config{})

	if _, ok, err := r.TryDrain(); ok || err != nil {
		t.Fatalf("empty arena drained: ok=%v err=%v", ok, err)
	}
	for lsn := uint64(1); lsn <= 3; lsn++ {
		if err := store.Table.Fill(geo.SlotIndex(lsn), xlog.Entry{LSN: lsn, Payload: []byte{byte('A' + lsn - 1)}}); err != nil {
			t.Fatalf("fill: %v", err)
		}
	}
	for want := uint64(1); want <= 3; want++ {
		e, ok, err := r.TryDrain()
		if err != nil || !ok || e.LSN != want {
			t.Fatalf("drain %d: entry=%+v ok=%v err=%v", want, e, ok, err)
		}
		if f, _ := store.Table.Flag(geo.SlotIndex(want)); f != xlog.FlagEmpty {
			t.Fatalf("slot not reset after drain")
		}
	}
	for lsn := uint64(4); lsn <= 6; lsn++ {
		if err := store.Table.Fill(geo.SlotIndex(lsn), xlog.Entry{LSN: lsn, Payload: []byte("x")}); err != nil {
			t.Fatalf("fill: %v", err)
		}
	}
	for want := uint64(4); want <= 6; want++ {
		e, ok, err := r.TryDrain()
		if err != nil || !ok || e.LSN != want {
			t.Fatalf("drain %d after wrap: entry=%+v ok=%v err=%v", want, e, ok, err)
		}
	}
	if r.ObservedLSN() != 6 {
		t.Fatalf("observed %d", r.ObservedLSN())
	}
}

func TestTryDrainPrefersNextExpectedLSN(t *testing.T) {
	testlog.Start(t)
	r, store := newReceiver(t, Config{})
	for lsn := uint64(1); lsn <= 3; lsn++ {
		if err := store.Table.Fill(geo.SlotIndex(lsn), xlog.Entry{LSN: lsn, Payload: []byte("x")}); err != nil {
			t.Fatalf("fill: %v", err)
		}
	}
	// A sweep that passed slots 0 and 1 before they landed resumes at 2.
	r.scanMu.Lock()
	r.scanPos = geo.SlotIndex(3)
	r.scanMu.Unlock()

	for want := uint64(1); want <= 3; want++ {
		e, ok, err := r.TryDrain()
		if err != nil || !ok || e.LSN != want {
			t.Fatalf("drain %d: entry=%+v ok=%v err=%v", want, e, ok, err)
		}
		if r.ObservedLSN() != want {
			t.Fatalf("observed %d after draining %d", r.ObservedLSN(), want)
		}
	}
	if _, ok, _ := r.TryDrain(); ok {
		t.Fatalf("drained past the last entry")
	}
}

func TestTryDrainResetsCorruptSlot(t *testing.T) {
	testlog.Start(t)
	r, store := newReceiver(t, Config{})
	if err := store.Table.Fill(0, xlog.Entry{LSN: 1, Payload: []byte("good")}); err != nil {
		t.Fatalf("fill: %v", err)
	}
	off, _ := store.Table.Offset(0)
	if _, err := store.Session.Region().WriteAt([]byte("b"), off+16); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if _, _, err := r.TryDrain(); !errors.Is(err, xlog.ErrCorruptSlot) {
		t.Fatalf("expected ErrCorruptSlot, got %v", err)
	}
	if f, _ := store.Table.Flag(0); f != xlog.FlagEmpty {
		t.Fatalf("corrupt slot left %s", f)
	}
	if r.ObservedLSN() != 0 {
		t.Fatalf("corrupt entry counted as observed")
	}
}

func TestDurabilityStopFreezesCursor(t *testing.T) {
	testlog.Start(t)
	r, _ := newReceiver(t, Config{FlushInterval: 2 * time.Millisecond, Policy: StepPolicy{Step: 1}})

	if err := r.StartDurability(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.StartDurability(context.Background()); !errors.Is(err, ErrDurabilityRunning) {
		t.Fatalf("expected ErrDurabilityRunning, got %v", err)
	}
	waitFor(t, "flush cursor to move", func() bool { return r.FlushLSN() >= 3 })
	r.StopDurability()
	frozen := r.FlushLSN()
	time.Sleep(20 * time.Millisecond)
	if r.FlushLSN() != frozen {
		t.Fatalf("cursor moved after stop: %d -> %d", frozen, r.FlushLSN())
	}
	r.StopDurability()

	if err := r.StartDurability(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, "restarted task", func() bool { return r.FlushLSN() > frozen })
	r.StopDurability()
}

func TestRunDrainsAndFlushesObserved(t *testing.T) {
	testlog.Start(t)
	r, store := newReceiver(t, Config{FlushInterval: 2 * time.Millisecond})

	var mu sync.Mutex
	var got []string
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- r.Run(ctx, func(e xlog.Entry) error {
			mu.Lock()
			got = append(got, string(e.Payload))
			mu.Unlock()
			return nil
		})
	}()

	for lsn := uint64(1); lsn <= 2; lsn++ {
		if err := store.Table.Fill(geo.SlotIndex(lsn), xlog.Entry{LSN: lsn, Payload: []byte{byte('0' + lsn)}}); err != nil {
			t.Fatalf("fill: %v", err)
		}
	}
	waitFor(t, "flush to observed", func() bool { return r.FlushLSN() == 2 })
	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("run: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Fatalf("handler saw %v", got)
	}
}

func TestRunStopsOnHandlerError(t *testing.T) {
	testlog.Start(t)
	r, store := newReceiver(t, Config{})
	boom := errors.New("boom")
	if err := store.Table.Fill(0, xlog.Entry{LSN: 1, Payload: []byte("x")}); err != nil {
		t.Fatalf("fill: %v", err)
	}
	err := r.Run(context.Background(), func(xlog.Entry) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
}
