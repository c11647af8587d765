// Package logstore keeps drained log entries indexed by LSN.
package logstore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/xlogship/internal/xlog"
)

var (
	ErrInvalidLSN   = errors.New("logstore: invalid lsn")
	ErrDuplicateLSN = errors.New("logstore: duplicate lsn")
	ErrNotFound     = errors.New("logstore: record not found")
)

type Record struct {
	LSN        uint64
	Payload    []byte
	ReceivedAt time.Time
}

// Log is what the receiver appends to and the read API serves from.
type Log interface {
	Append(e xlog.Entry) error
	Read(lsn uint64) (Record, error)
	Replay(from, to uint64, fn func(Record) error) error
	Tail() uint64
	DurableLSN() uint64
	Len() int
}

// MemoryLog holds records in memory. Appended records become durable on
// Sync.
type MemoryLog struct {
	recs    map[uint64]Record
	tail    uint64
	durable uint64
	mu      sync.RWMutex
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{recs: make(map[uint64]Record)}
}

func (l *MemoryLog) Append(e xlog.Entry) error {
	if e.LSN == 0 {
		return ErrInvalidLSN
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.recs[e.LSN]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateLSN, e.LSN)
	}
	payload := make([]byte, len(e.Payload))
	copy(payload, e.Payload)
	l.recs[e.LSN] = Record{LSN: e.LSN, Payload: payload, ReceivedAt: time.Now()}
	if e.LSN > l.tail {
		l.tail = e.LSN
	}
	return nil
}

// Sync marks everything appended so far durable and returns the new
// durable LSN.
func (l *MemoryLog) Sync() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.durable = l.tail
	return l.durable
}

func (l *MemoryLog) Read(lsn uint64) (Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.recs[lsn]
	if !ok {
		return Record{}, fmt.Errorf("%w: lsn=%d", ErrNotFound, lsn)
	}
	return rec, nil
}

// Replay calls fn for every stored record in [from, to], in LSN order.
// LSNs that never arrived are skipped.
func (l *MemoryLog) Replay(from, to uint64, fn func(Record) error) error {
	if from == 0 {
		from = 1
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if to > l.tail {
		to = l.tail
	}
	for lsn := from; lsn <= to; lsn++ {
		rec, ok := l.recs[lsn]
		if !ok {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (l *MemoryLog) Tail() uint64 { l.mu.RLock(); defer l.mu.RUnlock(); return l.tail }

func (l *MemoryLog) DurableLSN() uint64 { l.mu.RLock(); defer l.mu.RUnlock(); return l.durable }

func (l *MemoryLog) Len() int { l.mu.RLock(); defer l.mu.RUnlock(); return len(l.recs) }
