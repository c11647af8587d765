// Package shipper is the producer role: it assigns LSNs, stages entries in
// the local arena and writes whole slots into the log store's arena.
package shipper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/xlogship/internal/completion"
	"github.com/danmuck/xlogship/internal/logging"
	"github.com/danmuck/xlogship/internal/observability"
	"github.com/danmuck/xlogship/internal/session"
	"github.com/danmuck/xlogship/internal/xlog"
	"github.com/rs/zerolog"
)

type Config struct {
	Geometry xlog.Geometry
	// Pacing is the fixed delay between consecutive ships.
	Pacing      time.Duration
	PollTimeout time.Duration
	// CheckCommit reads the remote flush cursor after every write.
	CheckCommit bool
}

func DefaultConfig() Config {
	return Config{
		Geometry:    xlog.Geometry{SlotSize: 256, SlotCount: 64},
		Pacing:      10 * time.Millisecond,
		PollTimeout: completion.DefaultPollTimeout,
		CheckCommit: true,
	}
}

// Stage names where a ship attempt failed.
type Stage string

const (
	StageProbe  Stage = "probe"
	StageSubmit Stage = "submit"
	StageWrite  Stage = "write"
	StageCommit Stage = "commit"
)

var ErrGeometry = errors.New("shipper: arena geometry mismatch")

// ShipError reports a data-path failure. LSN is zero when the failure
// happened before an LSN was assigned.
type ShipError struct {
	LSN   uint64
	Stage Stage
	Err   error
}

func (e *ShipError) Error() string {
	if e.LSN == 0 {
		return fmt.Sprintf("shipper: %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("shipper: lsn %d %s: %v", e.LSN, e.Stage, e.Err)
}

func (e *ShipError) Unwrap() error {
	return e.Err
}

// Result describes one delivered entry. Committed is advisory: false only
// means durability has not been observed yet.
type Result struct {
	LSN       uint64
	Committed bool
	FlushLSN  uint64
}

type Shipper struct {
	sess  *session.Session
	eng   *completion.Engine
	table *xlog.SlotTable
	cfg   Config
	log   zerolog.Logger

	mu       sync.Mutex
	nextLSN  uint64
	lastShip time.Time
}

func New(sess *session.Session, eng *completion.Engine, cfg Config) (*Shipper, error) {
	table, err := xlog.NewSlotTable(sess.Region(), cfg.Geometry)
	if err != nil {
		return nil, err
	}
	if remote := sess.RemoteDescriptor(); remote.Size < uint32(cfg.Geometry.ArenaSize()) {
		return nil, fmt.Errorf("%w: remote arena %d bytes, need %d", ErrGeometry, remote.Size, cfg.Geometry.ArenaSize())
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = completion.DefaultPollTimeout
	}
	return &Shipper{
		sess:    sess,
		eng:     eng,
		table:   table,
		cfg:     cfg,
		log:     logging.For("shipper"),
		nextLSN: 1,
	}, nil
}

// NextLSN is the LSN the next successful assignment will use.
func (s *Shipper) NextLSN() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLSN
}

// Ship delivers payload as the next log entry. Once an LSN is assigned it
// is consumed even if delivery fails; the caller may ship the payload
// again under a new LSN. xlog.ErrPayloadTooLarge, xlog.ErrSlotBusy and
// context errors are returned before assignment.
func (s *Shipper) Ship(ctx context.Context, payload []byte) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(payload) > s.cfg.Geometry.Capacity() {
		observability.RecordShip("too_large")
		return Result{}, fmt.Errorf("%w: %d > %d", xlog.ErrPayloadTooLarge, len(payload), s.cfg.Geometry.Capacity())
	}
	if err := s.pace(ctx); err != nil {
		return Result{}, err
	}

	lsn := s.nextLSN
	idx := s.cfg.Geometry.SlotIndex(lsn)
	if lsn > uint64(s.cfg.Geometry.SlotCount) {
		if err := s.probe(idx); err != nil {
			return Result{}, err
		}
	}

	s.nextLSN++
	res, err := s.deliver(lsn, idx, payload)
	s.lastShip = time.Now()
	if err != nil {
		observability.RecordShip("failed")
		s.log.Warn().Err(err).Uint64("lsn", lsn).Msg("ship failed")
		return res, err
	}
	if !s.cfg.CheckCommit {
		observability.RecordShip("delivered")
		return res, nil
	}
	committed, flush, err := s.commitStatus(lsn)
	res.Committed, res.FlushLSN = committed, flush
	if err != nil {
		observability.RecordShip("failed")
		return res, &ShipError{LSN: lsn, Stage: StageCommit, Err: err}
	}
	if committed {
		observability.RecordShip("committed")
	} else {
		observability.RecordShip("pending")
	}
	s.log.Debug().Uint64("lsn", lsn).Int("slot", idx).Bool("committed", committed).Uint64("flush_lsn", flush).Msg("shipped")
	return res, nil
}

func (s *Shipper) pace(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.lastShip.IsZero() || s.cfg.Pacing <= 0 {
		return nil
	}
	wait := time.Until(s.lastShip.Add(s.cfg.Pacing))
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// probe reads the remote flag of the slot about to be reused.
func (s *Shipper) probe(idx int) error {
	flagOff, err := s.table.FlagOffset(idx)
	if err != nil {
		return err
	}
	id, err := s.eng.SubmitRead(xlog.ProbeWordOffset, 8, uint64(flagOff))
	if err != nil {
		return &ShipError{Stage: StageProbe, Err: err}
	}
	if ev := s.eng.Wait(id, s.cfg.PollTimeout); !ev.OK() {
		return &ShipError{Stage: StageProbe, Err: ev.Err()}
	}
	word, err := s.sess.Region().Load64(xlog.ProbeWordOffset)
	if err != nil {
		return &ShipError{Stage: StageProbe, Err: err}
	}
	if xlog.Flag(word) != xlog.FlagEmpty {
		observability.RecordShip("busy")
		return fmt.Errorf("%w: slot %d still %s", xlog.ErrSlotBusy, idx, xlog.Flag(word))
	}
	return nil
}

func (s *Shipper) deliver(lsn uint64, idx int, payload []byte) (Result, error) {
	res := Result{LSN: lsn}
	if err := s.table.Fill(idx, xlog.Entry{LSN: lsn, Payload: payload}); err != nil {
		return res, &ShipError{LSN: lsn, Stage: StageSubmit, Err: err}
	}
	off, _ := s.table.Offset(idx)
	id, err := s.eng.SubmitWrite(uint64(off), uint32(s.cfg.Geometry.SlotSize), uint64(off))
	if err != nil {
		return res, &ShipError{LSN: lsn, Stage: StageSubmit, Err: err}
	}
	if ev := s.eng.Wait(id, s.cfg.PollTimeout); !ev.OK() {
		return res, &ShipError{LSN: lsn, Stage: StageWrite, Err: ev.Err()}
	}
	return res, nil
}

// CommitStatus reads the remote flush cursor and reports whether lsn is
// covered by it.
func (s *Shipper) CommitStatus(ctx context.Context, lsn uint64) (bool, uint64, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitStatus(lsn)
}

func (s *Shipper) commitStatus(lsn uint64) (bool, uint64, error) {
	id, err := s.eng.SubmitRead(xlog.FlushCursorOffset, 8, xlog.FlushCursorOffset)
	if err != nil {
		return false, 0, err
	}
	if ev := s.eng.Wait(id, s.cfg.PollTimeout); !ev.OK() {
		return false, 0, ev.Err()
	}
	flush, err := xlog.LoadFlushLSN(s.sess.Region())
	if err != nil {
		return false, 0, err
	}
	return flush >= lsn, flush, nil
}
