package receiver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/xlogship/internal/logging"
	"github.com/danmuck/xlogship/internal/observability"
	"github.com/danmuck/xlogship/internal/session"
	"github.com/danmuck/xlogship/internal/xlog"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Geometry xlog.Geometry
	// ScanInterval is the idle sleep between empty sweeps.
	ScanInterval  time.Duration
	FlushInterval time.Duration
	Policy        FlushPolicy
}

func DefaultConfig() Config {
	return Config{
		Geometry:      xlog.Geometry{SlotSize: 256, SlotCount: 64},
		ScanInterval:  200 * time.Microsecond,
		FlushInterval: 100 * time.Millisecond,
		Policy:        ObservedPolicy{},
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Geometry == (xlog.Geometry{}) {
		c.Geometry = def.Geometry
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = def.ScanInterval
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.Policy == nil {
		c.Policy = def.Policy
	}
	return c
}

var ErrDurabilityRunning = errors.New("receiver: durability task already running")

// Handler consumes one drained entry. A handler error stops Run.
type Handler func(xlog.Entry) error

type Receiver struct {
	cfg    Config
	table  *xlog.SlotTable
	cursor *FlushCursor
	log    zerolog.Logger

	scanMu   sync.Mutex
	scanPos  int
	observed atomic.Uint64

	durMu   sync.Mutex
	durStop chan struct{}
	durDone chan struct{}
}

// New binds a receiver to the session's arena and resets the flush
// cursor to zero.
func New(sess *session.Session, cfg Config) (*Receiver, error) {
	cfg = cfg.WithDefaults()
	table, err := xlog.NewSlotTable(sess.Region(), cfg.Geometry)
	if err != nil {
		return nil, err
	}
	cursor, err := NewFlushCursor(sess.Region())
	if err != nil {
		return nil, err
	}
	return &Receiver{
		cfg:    cfg,
		table:  table,
		cursor: cursor,
		log:    logging.For("receiver"),
	}, nil
}

func (r *Receiver) FlushLSN() uint64 {
	return r.cursor.Load()
}

// ObservedLSN is the highest LSN drained so far.
func (r *Receiver) ObservedLSN() uint64 {
	return r.observed.Load()
}

// TryDrain sweeps every slot once, starting after the last drained one,
// and takes the first FILLED entry. The slot of the next expected LSN
// wins over any later slot found by the sweep, so entries drain in LSN
// order even when they land while a sweep is under way. A corrupt slot
// is reset and reported so the sweep does not wedge on it.
func (r *Receiver) TryDrain() (xlog.Entry, bool, error) {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()
	count := r.cfg.Geometry.SlotCount
	want := r.cfg.Geometry.SlotIndex(r.observed.Load() + 1)
	for n := 0; n < count; n++ {
		idx := (r.scanPos + n) % count
		filled, err := r.filled(idx)
		if err != nil {
			return xlog.Entry{}, false, err
		}
		if !filled {
			continue
		}
		if idx != want {
			// Writes land in LSN order: a later entry being visible
			// means the expected one has landed if it is still pending.
			ok, err := r.filled(want)
			if err != nil {
				return xlog.Entry{}, false, err
			}
			if ok {
				idx = want
			}
		}
		return r.take(idx)
	}
	return xlog.Entry{}, false, nil
}

func (r *Receiver) filled(idx int) (bool, error) {
	flag, err := r.table.Flag(idx)
	if err != nil {
		return false, err
	}
	return flag == xlog.FlagFilled, nil
}

func (r *Receiver) take(idx int) (xlog.Entry, bool, error) {
	entry, readErr := r.table.Read(idx)
	if err := r.table.Reset(idx); err != nil {
		return xlog.Entry{}, false, err
	}
	r.scanPos = (idx + 1) % r.cfg.Geometry.SlotCount
	if readErr != nil {
		return xlog.Entry{}, false, readErr
	}
	r.markObserved(entry.LSN)
	observability.RecordDrain(entry.LSN)
	return entry, true, nil
}

func (r *Receiver) markObserved(lsn uint64) {
	for {
		cur := r.observed.Load()
		if lsn <= cur || r.observed.CompareAndSwap(cur, lsn) {
			return
		}
	}
}

// Drain blocks until one entry arrives or ctx ends.
func (r *Receiver) Drain(ctx context.Context) (xlog.Entry, error) {
	for {
		entry, ok, err := r.TryDrain()
		if err != nil {
			return xlog.Entry{}, err
		}
		if ok {
			return entry, nil
		}
		timer := time.NewTimer(r.cfg.ScanInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return xlog.Entry{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// Run drives the arrival loop and the durability task until ctx ends or
// the handler fails. Stopping durability with StopDurability leaves the
// arrival loop running.
func (r *Receiver) Run(ctx context.Context, handler Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.StartDurability(gctx); err != nil {
			return err
		}
		r.awaitDurability()
		return nil
	})
	g.Go(func() error {
		return r.arrive(gctx, handler)
	})
	err := g.Wait()
	r.StopDurability()
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return nil
	}
	return err
}

func (r *Receiver) arrive(ctx context.Context, handler Handler) error {
	for {
		entry, err := r.Drain(ctx)
		if err != nil {
			if errors.Is(err, xlog.ErrCorruptSlot) {
				r.log.Error().Err(err).Msg("dropping corrupt slot")
				continue
			}
			return err
		}
		if err := handler(entry); err != nil {
			return fmt.Errorf("receiver: handler lsn %d: %w", entry.LSN, err)
		}
	}
}

// StartDurability launches the periodic flush task. It runs until ctx
// ends or StopDurability is called.
func (r *Receiver) StartDurability(ctx context.Context) error {
	r.durMu.Lock()
	defer r.durMu.Unlock()
	if r.durDone != nil {
		select {
		case <-r.durDone:
		default:
			return ErrDurabilityRunning
		}
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	r.durStop, r.durDone = stop, done
	go func() {
		defer close(done)
		r.durability(ctx, stop)
	}()
	return nil
}

// StopDurability signals the task and waits for it to exit. The flush
// cursor keeps its last value.
func (r *Receiver) StopDurability() {
	r.durMu.Lock()
	stop, done := r.durStop, r.durDone
	if stop != nil {
		select {
		case <-stop:
		default:
			close(stop)
		}
	}
	r.durMu.Unlock()
	if done != nil {
		<-done
	}
}

func (r *Receiver) awaitDurability() {
	r.durMu.Lock()
	done := r.durDone
	r.durMu.Unlock()
	if done != nil {
		<-done
	}
}

func (r *Receiver) durability(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	r.log.Debug().Dur("interval", r.cfg.FlushInterval).Msg("durability task started")
	for {
		select {
		case <-ctx.Done():
			r.log.Debug().Msg("durability task cancelled")
			return
		case <-stop:
			r.log.Info().Uint64("flush_lsn", r.cursor.Load()).Msg("durability task stopped")
			return
		case <-ticker.C:
		}
		lsn, moved, err := r.cursor.Update(r.cfg.Policy, r.observed.Load())
		if err != nil {
			r.log.Error().Err(err).Msg("flush cursor update failed")
			continue
		}
		if moved {
			r.log.Debug().Uint64("flush_lsn", lsn).Msg("flush cursor advanced")
		}
	}
}
