package session

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/xlogship/internal/testutil/testlog"
)

func TestRecordLayoutIsBigEndian(t *testing.T) {
	testlog.Start(t)
	r := Record{
		BaseAddress: 0x0102030405060708,
		AccessKey:   0x0a0b0c0d,
		EndpointID:  7,
		PathAddress: 0x1234,
		BufferSize:  1024,
	}
	r.RoutingID[15] = 1
	buf := r.Encode()
	if len(buf) != RecordSize || RecordSize != 38 {
		t.Fatalf("record size %d", len(buf))
	}
	if !bytes.Equal(buf[0:8], []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Fatalf("base address bytes %x", buf[0:8])
	}
	if !bytes.Equal(buf[16:18], []byte{0x12, 0x34}) {
		t.Fatalf("path address bytes %x", buf[16:18])
	}
	got, err := ReadRecord(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != r {
		t.Fatalf("record mismatch: %+v vs %+v", got, r)
	}
}

func TestReadRecordShort(t *testing.T) {
	testlog.Start(t)
	buf := Record{BufferSize: 1}.Encode()
	if _, err := ReadRecord(bytes.NewReader(buf[:20])); !errors.Is(err, ErrShortRecord) {
		t.Fatalf("expected ErrShortRecord, got %v", err)
	}
	if _, err := ReadRecord(bytes.NewReader(nil)); !errors.Is(err, ErrShortRecord) {
		t.Fatalf("expected ErrShortRecord on empty stream, got %v", err)
	}
}

func TestNextBackoffDelay(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 300 * time.Millisecond}
	if got := NextBackoffDelay(cfg, 1, nil); got != 100*time.Millisecond {
		t.Fatalf("attempt 1: %v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 200*time.Millisecond {
		t.Fatalf("attempt 2: %v", got)
	}
	if got := NextBackoffDelay(cfg, 5, nil); got != 300*time.Millisecond {
		t.Fatalf("attempt 5 should cap: %v", got)
	}
	cfg.Jitter = true
	if got := NextBackoffDelay(cfg, 2, nil); got != 100*time.Millisecond {
		t.Fatalf("jitter without rng: %v", got)
	}
	if got := NextBackoffDelay(BackoffConfig{}, 3, nil); got != 0 {
		t.Fatalf("zero config: %v", got)
	}
}
