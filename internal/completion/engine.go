// Package completion submits one-sided operations on an active session and
// classifies their completions.
package completion

import (
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/xlogship/internal/logging"
	"github.com/danmuck/xlogship/internal/observability"
	"github.com/danmuck/xlogship/internal/session"
	"github.com/danmuck/xlogship/internal/verbs"
	"github.com/rs/zerolog"
)

// DefaultPollTimeout applies when Poll or Wait is given a non-positive
// timeout.
const DefaultPollTimeout = 10 * time.Second

type Engine struct {
	sess *session.Session
	log  zerolog.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]Op
}

func New(sess *session.Session) *Engine {
	return &Engine{
		sess:    sess,
		log:     logging.For("completion").With().Uint32("qpn", sess.Endpoint().QPN()).Logger(),
		pending: make(map[uint64]Op),
	}
}

// Outstanding is the number of submitted requests neither polled nor
// abandoned by a timed-out Wait.
func (e *Engine) Outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) reserve(op Op) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.pending[e.nextID] = op
	return e.nextID
}

func (e *Engine) release(id uint64) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

func (e *Engine) bounds(localOff uint64, length uint32, remoteOff uint64) error {
	local := e.sess.LocalDescriptor()
	remote := e.sess.RemoteDescriptor()
	if length == 0 {
		return fmt.Errorf("%w: zero length", ErrOutOfBounds)
	}
	if !within(localOff, length, uint64(local.Size)) {
		return fmt.Errorf("%w: local %d+%d > %d", ErrOutOfBounds, localOff, length, local.Size)
	}
	if !within(remoteOff, length, uint64(remote.Size)) {
		return fmt.Errorf("%w: remote %d+%d > %d", ErrOutOfBounds, remoteOff, length, remote.Size)
	}
	return nil
}

// within reports whether [off, off+length) fits in size without
// computing off+length, which can wrap.
func within(off uint64, length uint32, size uint64) bool {
	return off <= size && uint64(length) <= size-off
}

// SubmitWrite copies length bytes staged at localOff into the peer arena
// at remoteOff. It returns the request id to wait on.
func (e *Engine) SubmitWrite(localOff uint64, length uint32, remoteOff uint64) (uint64, error) {
	return e.submitTransfer(OpWrite, localOff, length, remoteOff)
}

// SubmitRead pulls length bytes from the peer arena at remoteOff into the
// local arena at localOff.
func (e *Engine) SubmitRead(localOff uint64, length uint32, remoteOff uint64) (uint64, error) {
	return e.submitTransfer(OpRead, localOff, length, remoteOff)
}

func (e *Engine) submitTransfer(op Op, localOff uint64, length uint32, remoteOff uint64) (uint64, error) {
	if err := e.sess.Active(); err != nil {
		return 0, err
	}
	if err := e.bounds(localOff, length, remoteOff); err != nil {
		return 0, err
	}
	remote := e.sess.RemoteDescriptor()
	id := e.reserve(op)
	var err error
	switch op {
	case OpWrite:
		err = e.sess.Endpoint().PostWrite(id, e.sess.Region(), int64(localOff), length, remote.Addr+remoteOff, remote.Key)
	case OpRead:
		err = e.sess.Endpoint().PostRead(id, e.sess.Region(), int64(localOff), length, remote.Addr+remoteOff, remote.Key)
	}
	if err != nil {
		e.release(id)
		return 0, fmt.Errorf("completion: submit %s: %w", op, err)
	}
	return id, nil
}

// SubmitCompareAndSwap replaces the remote word at remoteOff with newValue
// when it equals expected. The event's Value is the prior word.
func (e *Engine) SubmitCompareAndSwap(remoteOff uint64, expected, newValue uint64) (uint64, error) {
	if err := e.sess.Active(); err != nil {
		return 0, err
	}
	remote := e.sess.RemoteDescriptor()
	if !within(remoteOff, 8, uint64(remote.Size)) {
		return 0, fmt.Errorf("%w: remote %d+8 > %d", ErrOutOfBounds, remoteOff, remote.Size)
	}
	id := e.reserve(OpCompareAndSwap)
	if err := e.sess.Endpoint().PostCompareAndSwap(id, remote.Addr+remoteOff, remote.Key, expected, newValue); err != nil {
		e.release(id)
		return 0, fmt.Errorf("completion: submit %s: %w", OpCompareAndSwap, err)
	}
	return id, nil
}

// Poll blocks until one outstanding operation completes or timeout
// elapses. A timeout with nothing observed is FAILURE{TIMEOUT}.
func (e *Engine) Poll(timeout time.Duration) Event {
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	start := time.Now()
	c, ok := e.sess.CompletionQueue().Poll(timeout)
	waited := time.Since(start)
	if !ok {
		ev := Event{Status: StatusFailure, Reason: ReasonTimeout}
		observability.RecordCompletion(ev.Op.String(), ev.Status.String(), ev.Reason.String(), waited)
		return ev
	}
	ev := e.classify(c)
	observability.RecordCompletion(ev.Op.String(), ev.Status.String(), ev.Reason.String(), waited)
	return ev
}

// Wait polls until the completion for id arrives or timeout elapses.
// On timeout id is abandoned and no longer counts as outstanding.
// Completions of earlier requests that already timed out are discarded.
func (e *Engine) Wait(id uint64, timeout time.Duration) Event {
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		ev := e.Poll(remaining)
		if ev.Reason == ReasonTimeout && ev.RequestID == 0 {
			break
		}
		if ev.RequestID == id {
			return ev
		}
		e.log.Debug().
			Uint64("stale", ev.RequestID).
			Uint64("want", id).
			Str("status", ev.Status.String()).
			Msg("discarding completion of an abandoned request")
	}
	e.mu.Lock()
	op := e.pending[id]
	delete(e.pending, id)
	e.mu.Unlock()
	return Event{RequestID: id, Op: op, Status: StatusFailure, Reason: ReasonTimeout}
}

func (e *Engine) classify(c verbs.Completion) Event {
	e.release(c.WRID)
	ev := Event{
		RequestID: c.WRID,
		Op:        opFromVerbs(c.Opcode),
		ByteLen:   c.ByteLen,
		Value:     c.Value,
		Detail:    c.Status,
	}
	if c.Status == verbs.StatusSuccess {
		ev.Status = StatusSuccess
		return ev
	}
	ev.Status = StatusFailure
	ev.Reason = ReasonOperationError
	ev.Cause = c.Err
	e.log.Warn().
		Uint64("request", c.WRID).
		Str("op", ev.Op.String()).
		Str("detail", c.Status.String()).
		Err(c.Err).
		Msg("operation failed")
	return ev
}
