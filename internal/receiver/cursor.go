package receiver

import (
	"sync"

	"github.com/danmuck/xlogship/internal/observability"
	"github.com/danmuck/xlogship/internal/xlog"
)

// FlushCursor is the highest LSN the store considers durable. It only
// moves forward, and every access holds mu.
type FlushCursor struct {
	mu  sync.Mutex
	lsn uint64
	mem xlog.Memory
}

func NewFlushCursor(mem xlog.Memory) (*FlushCursor, error) {
	if err := xlog.StoreFlushLSN(mem, 0); err != nil {
		return nil, err
	}
	return &FlushCursor{mem: mem}, nil
}

func (c *FlushCursor) Load() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lsn
}

// Advance moves the cursor to lsn when lsn is ahead of it and publishes
// the new value into the arena.
func (c *FlushCursor) Advance(lsn uint64) (uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advance(lsn)
}

// Update applies policy and advances in one critical section.
func (c *FlushCursor) Update(policy FlushPolicy, observed uint64) (uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advance(policy.Next(c.lsn, observed))
}

func (c *FlushCursor) advance(lsn uint64) (uint64, bool, error) {
	if lsn <= c.lsn {
		return c.lsn, false, nil
	}
	if err := xlog.StoreFlushLSN(c.mem, lsn); err != nil {
		return c.lsn, false, err
	}
	c.lsn = lsn
	observability.RecordFlush(lsn)
	return lsn, true, nil
}

