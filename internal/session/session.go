package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/xlogship/internal/logging"
	"github.com/danmuck/xlogship/internal/memreg"
	"github.com/danmuck/xlogship/internal/observability"
	"github.com/danmuck/xlogship/internal/verbs"
	"github.com/rs/zerolog"
)

// State is the session lifecycle position.
type State int

const (
	StateCreated State = iota
	StateAddressed
	StateReadyToReceive
	StateReadyToSend
	StateActive
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateAddressed:
		return "ADDRESSED"
	case StateReadyToReceive:
		return "READY_TO_RECEIVE"
	case StateReadyToSend:
		return "READY_TO_SEND"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// Role only labels logs and metrics; the exchange is symmetric.
type Role int

const (
	RoleInitiator Role = iota
	RoleAcceptor
)

func (r Role) String() string {
	if r == RoleAcceptor {
		return "acceptor"
	}
	return "initiator"
}

var (
	ErrInvalidState   = errors.New("session: invalid state")
	ErrNotActive      = errors.New("session: not active")
	ErrBufferMismatch = errors.New("session: peer buffer size mismatch")
	ErrHandshake      = errors.New("session: handshake failed")
)

type Session struct {
	role   Role
	cfg    Config
	dev    *verbs.Device
	region *verbs.Region
	cq     *verbs.CompletionQueue
	ep     *verbs.Endpoint
	local  memreg.Descriptor
	log    zerolog.Logger

	mu     sync.Mutex
	state  State
	peer   Record
	remote memreg.Descriptor
	err    error
}

// New opens the local endpoint for an already registered arena and leaves
// the session in CREATED.
func New(dev *verbs.Device, registry *memreg.Registry, local memreg.Descriptor, role Role, cfg Config) (*Session, error) {
	region, err := registry.Lookup(local)
	if err != nil {
		return nil, err
	}
	cq := dev.CreateCompletionQueue(0)
	ep, err := dev.CreateEndpoint(cq)
	if err != nil {
		return nil, err
	}
	if err := ep.ModifyToInit(); err != nil {
		_ = ep.Close()
		return nil, err
	}
	s := &Session{
		role:   role,
		cfg:    cfg.WithDefaults(),
		dev:    dev,
		region: region,
		cq:     cq,
		ep:     ep,
		local:  local,
		state:  StateCreated,
		log: logging.For("session").With().
			Str("role", role.String()).
			Uint32("qpn", ep.QPN()).
			Logger(),
	}
	observability.RecordSessionTransition(role.String(), StateCreated.String())
	return s, nil
}

func (s *Session) Role() Role                              { return s.role }
func (s *Session) Endpoint() *verbs.Endpoint               { return s.ep }
func (s *Session) CompletionQueue() *verbs.CompletionQueue { return s.cq }
func (s *Session) Region() *verbs.Region                   { return s.region }
func (s *Session) LocalDescriptor() memreg.Descriptor      { return s.local }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err reports why the session failed, if it did.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) RemoteDescriptor() memreg.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *Session) Peer() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Active returns nil only while the data plane may be used.
func (s *Session) Active() error {
	if st := s.State(); st != StateActive {
		return fmt.Errorf("%w: %s", ErrNotActive, st)
	}
	return nil
}

func (s *Session) localRecord() Record {
	devID := s.dev.Identity()
	return Record{
		BaseAddress: s.local.Addr,
		AccessKey:   s.local.Key,
		EndpointID:  s.ep.QPN(),
		PathAddress: devID.Port,
		RoutingID:   devID.GID,
		BufferSize:  s.local.Size,
	}
}

// Handshake runs the bootstrap exchange on conn and brings the session to
// ACTIVE. On failure the session is FAILED, its endpoint is released and
// conn is closed so the peer fails promptly as well. conn is otherwise
// left open for the caller.
func (s *Session) Handshake(ctx context.Context, conn net.Conn) error {
	if st := s.State(); st != StateCreated {
		return fmt.Errorf("%w: handshake in %s", ErrInvalidState, st)
	}

	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := s.handshake(conn); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%v)", err, ctxErr)
		}
		s.fail(err)
		_ = conn.Close()
		return s.Err()
	}
	_ = conn.SetDeadline(time.Time{})
	return nil
}

func (s *Session) handshake(conn net.Conn) error {
	// Both sides write before reading; neither can block the other.
	mine := s.localRecord()
	if err := WriteRecord(conn, mine); err != nil {
		return fmt.Errorf("%w: send record: %v", ErrHandshake, err)
	}
	peer, err := ReadRecord(conn)
	if err != nil {
		return fmt.Errorf("%w: receive record: %w", ErrHandshake, err)
	}
	want := s.cfg.ExpectedPeerBufferSize
	if want == 0 {
		want = s.local.Size
	}
	if peer.BufferSize != want {
		return fmt.Errorf("%w: peer advertised %d, expected %d", ErrBufferMismatch, peer.BufferSize, want)
	}
	if peer.EndpointID == 0 || peer.PathAddress == 0 {
		return fmt.Errorf("%w: incomplete peer record %s", ErrHandshake, peer)
	}
	s.mu.Lock()
	s.peer = peer
	s.remote = memreg.Descriptor{Addr: peer.BaseAddress, Key: peer.AccessKey, Size: peer.BufferSize}
	s.mu.Unlock()
	s.transition(StateAddressed)
	s.log.Debug().Str("peer", peer.String()).Msg("descriptors exchanged")

	remote := verbs.RemoteIdentity{QPN: peer.EndpointID, Port: peer.PathAddress, GID: peer.RoutingID}
	if err := s.ep.ModifyToRTR(remote); err != nil {
		return fmt.Errorf("%w: arm receive path: %v", ErrHandshake, err)
	}
	s.transition(StateReadyToReceive)
	if err := s.ep.ModifyToRTS(); err != nil {
		return fmt.Errorf("%w: arm send path: %v", ErrHandshake, err)
	}
	s.transition(StateReadyToSend)

	// Barrier: the peer's receive path is armed once its byte arrives.
	if _, err := conn.Write([]byte{barrierByte}); err != nil {
		return fmt.Errorf("%w: send barrier: %v", ErrHandshake, err)
	}
	var got [1]byte
	if _, err := io.ReadFull(conn, got[:]); err != nil {
		return fmt.Errorf("%w: receive barrier: %v", ErrHandshake, err)
	}
	if got[0] != barrierByte {
		return fmt.Errorf("%w: %w: %#x", ErrHandshake, ErrBadBarrier, got[0])
	}
	s.transition(StateActive)
	s.log.Info().
		Str("local", s.local.String()).
		Str("remote", s.RemoteDescriptor().String()).
		Msg("session active")
	return nil
}

func (s *Session) transition(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
	observability.RecordSessionTransition(s.role.String(), next.String())
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state == StateFailed || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.err = err
	s.mu.Unlock()
	_ = s.ep.Close()
	observability.RecordSessionTransition(s.role.String(), StateFailed.String())
	s.log.Error().Err(err).Msg("session failed")
}

// Close tears the endpoint down. The registered arena stays with the
// registry; callers unregister it afterwards. A FAILED session keeps its
// state so the failure stays visible.
func (s *Session) Close() error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return nil
	case StateFailed:
		s.mu.Unlock()
		return s.ep.Close()
	}
	s.state = StateClosed
	s.mu.Unlock()
	err := s.ep.Close()
	observability.RecordSessionTransition(s.role.String(), StateClosed.String())
	s.log.Debug().Msg("session closed")
	return err
}
