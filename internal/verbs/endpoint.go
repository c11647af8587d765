package verbs

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danmuck/xlogship/internal/verbs/wire"
	"github.com/rs/zerolog"
)

// EndpointState follows the queue pair lifecycle.
type EndpointState int

const (
	StateReset EndpointState = iota
	StateInit
	StateRTR
	StateRTS
	StateError
	StateClosed
)

func (s EndpointState) String() string {
	switch s {
	case StateReset:
		return "RESET"
	case StateInit:
		return "INIT"
	case StateRTR:
		return "RTR"
	case StateRTS:
		return "RTS"
	case StateError:
		return "ERROR"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// RemoteIdentity binds an endpoint to exactly one peer endpoint.
type RemoteIdentity struct {
	QPN  uint32
	Port uint16
	GID  [16]byte
}

func (r RemoteIdentity) Addr() string {
	return Identity{Port: r.Port, GID: r.GID}.Addr()
}

type workRequest struct {
	id         uint64
	opcode     Opcode
	local      *Region
	localOff   int64
	length     uint32
	remoteAddr uint64
	rkey       uint32
	compare    uint64
	swap       uint64
}

// Endpoint is one side of a reliable connection. Work requests execute in
// post order on a single data connection.
type Endpoint struct {
	dev *Device
	cq  *CompletionQueue
	qpn uint32
	log zerolog.Logger

	mu     sync.Mutex
	state  EndpointState
	remote RemoteIdentity
	conn   net.Conn
	reader *bufio.Reader

	sq        chan workRequest
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (e *Endpoint) QPN() uint32 { return e.qpn }

func (e *Endpoint) State() EndpointState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Endpoint) ModifyToInit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateReset {
		return fmt.Errorf("%w: %s -> INIT", ErrInvalidState, e.state)
	}
	e.state = StateInit
	return nil
}

// ModifyToRTR arms the receive path: from here on the device agent accepts
// requests from remote and no other peer.
func (e *Endpoint) ModifyToRTR(remote RemoteIdentity) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateInit {
		return fmt.Errorf("%w: %s -> RTR", ErrInvalidState, e.state)
	}
	if remote.QPN == 0 || remote.Port == 0 {
		return fmt.Errorf("%w: incomplete remote identity", ErrInvalidState)
	}
	e.remote = remote
	e.state = StateRTR
	return nil
}

// ModifyToRTS enables posting. The data connection is dialled on first use.
func (e *Endpoint) ModifyToRTS() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRTR {
		return fmt.Errorf("%w: %s -> RTS", ErrInvalidState, e.state)
	}
	e.state = StateRTS
	e.wg.Add(1)
	go e.run()
	return nil
}

func (e *Endpoint) acceptsFrom(srcQPN uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return (e.state == StateRTR || e.state == StateRTS) && e.remote.QPN == srcQPN
}

func (e *Endpoint) PostWrite(id uint64, local *Region, localOff int64, length uint32, remoteAddr uint64, rkey uint32) error {
	if err := e.checkLocal(local, localOff, length); err != nil {
		return err
	}
	return e.post(workRequest{
		id:         id,
		opcode:     OpcodeWrite,
		local:      local,
		localOff:   localOff,
		length:     length,
		remoteAddr: remoteAddr,
		rkey:       rkey,
	})
}

func (e *Endpoint) PostRead(id uint64, local *Region, localOff int64, length uint32, remoteAddr uint64, rkey uint32) error {
	if err := e.checkLocal(local, localOff, length); err != nil {
		return err
	}
	if !local.access.Has(AccessLocalWrite) {
		return fmt.Errorf("%w: read target lacks local_write", ErrLocalProtection)
	}
	return e.post(workRequest{
		id:         id,
		opcode:     OpcodeRead,
		local:      local,
		localOff:   localOff,
		length:     length,
		remoteAddr: remoteAddr,
		rkey:       rkey,
	})
}

// PostCompareAndSwap swaps the remote word at remoteAddr when it equals
// compare. The completion carries the word's prior value.
func (e *Endpoint) PostCompareAndSwap(id uint64, remoteAddr uint64, rkey uint32, compare, swap uint64) error {
	if remoteAddr%8 != 0 {
		return ErrMisaligned
	}
	return e.post(workRequest{
		id:         id,
		opcode:     OpcodeCompareAndSwap,
		length:     8,
		remoteAddr: remoteAddr,
		rkey:       rkey,
		compare:    compare,
		swap:       swap,
	})
}

func (e *Endpoint) checkLocal(local *Region, off int64, length uint32) error {
	if length == 0 || length > e.dev.cfg.Limits.MaxPayloadBytes {
		return fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}
	if local == nil || local.dev != e.dev || local.gone.Load() {
		return fmt.Errorf("%w: unknown local region", ErrLocalProtection)
	}
	if err := local.check(off, int(length)); err != nil {
		return fmt.Errorf("%w: %v", ErrLocalProtection, err)
	}
	return nil
}

func (e *Endpoint) post(wr workRequest) error {
	if st := e.State(); st != StateRTS {
		if st == StateClosed {
			return ErrEndpointClosed
		}
		return fmt.Errorf("%w: post in %s", ErrInvalidState, st)
	}
	select {
	case <-e.done:
		return ErrEndpointClosed
	default:
	}
	select {
	case e.sq <- wr:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close moves the endpoint to CLOSED, drops the data connection and waits
// for the send worker to exit. Work still queued is discarded.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.state = StateClosed
		if e.conn != nil {
			_ = e.conn.Close()
		}
		e.mu.Unlock()
		close(e.done)
		e.wg.Wait()
		e.dev.forgetEndpoint(e.qpn)
	})
	return nil
}

func (e *Endpoint) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case wr := <-e.sq:
			c := e.execute(wr)
			select {
			case e.cq.ch <- c:
			case <-e.done:
				return
			}
		}
	}
}

func (e *Endpoint) execute(wr workRequest) Completion {
	c := Completion{WRID: wr.id, Opcode: wr.opcode}
	if e.State() != StateRTS {
		c.Status = StatusFlushed
		return c
	}
	if wr.local != nil && wr.local.gone.Load() {
		c.Status = StatusLocalProtectionError
		c.Err = ErrLocalProtection
		e.fail(c.Err)
		return c
	}

	conn, reader, status, err := e.connection()
	if err != nil {
		c.Status = status
		c.Err = err
		e.fail(err)
		return c
	}

	req := wire.Frame{Header: wire.Header{
		WRID:       wr.id,
		RKey:       wr.rkey,
		Length:     wr.length,
		RemoteAddr: wr.remoteAddr,
	}}
	switch wr.opcode {
	case OpcodeWrite:
		req.Header.Op = wire.OpWrite
		req.Payload = wr.local.snapshot(wr.localOff, int(wr.length))
	case OpcodeRead:
		req.Header.Op = wire.OpRead
	case OpcodeCompareAndSwap:
		req.Header.Op = wire.OpCAS
		req.Payload = wire.EncodeCAS(wr.compare, wr.swap)
	}

	_ = conn.SetDeadline(time.Now().Add(e.dev.cfg.OpTimeout))
	resp, err := e.roundTrip(conn, reader, req)
	if err != nil {
		c.Status = StatusTransportError
		c.Err = err
		e.fail(err)
		return c
	}
	switch resp.Header.Nak {
	case wire.NakNone:
	case wire.NakNotReady:
		c.Status = StatusRemoteNotReady
	default:
		c.Status = StatusRemoteAccessError
	}
	if c.Status != StatusSuccess {
		c.Err = fmt.Errorf("verbs: %s refused by peer: %s", wr.opcode, c.Status)
		e.fail(c.Err)
		return c
	}

	switch wr.opcode {
	case OpcodeWrite:
		c.ByteLen = wr.length
	case OpcodeRead:
		if uint32(len(resp.Payload)) != wr.length {
			c.Status = StatusTransportError
			c.Err = fmt.Errorf("verbs: short read response %d/%d", len(resp.Payload), wr.length)
			e.fail(c.Err)
			return c
		}
		if _, err := wr.local.WriteAt(resp.Payload, wr.localOff); err != nil {
			c.Status = StatusLocalProtectionError
			c.Err = err
			e.fail(err)
			return c
		}
		c.ByteLen = wr.length
	case OpcodeCompareAndSwap:
		v, err := wire.DecodeWord(resp.Payload)
		if err != nil {
			c.Status = StatusTransportError
			c.Err = err
			e.fail(err)
			return c
		}
		c.Value = v
		c.ByteLen = 8
	}
	return c
}

func (e *Endpoint) roundTrip(conn net.Conn, reader *bufio.Reader, req wire.Frame) (wire.Frame, error) {
	if err := wire.WriteFrame(conn, req, e.dev.cfg.Limits); err != nil {
		return wire.Frame{}, err
	}
	resp, err := wire.ReadFrame(reader, e.dev.cfg.Limits)
	if err != nil {
		return wire.Frame{}, err
	}
	if resp.Header.WRID != req.Header.WRID {
		return wire.Frame{}, fmt.Errorf("verbs: response wr_id=%d for request wr_id=%d", resp.Header.WRID, req.Header.WRID)
	}
	return resp, nil
}

// connection returns the data connection, dialling and binding it to the
// remote endpoint on first use.
func (e *Endpoint) connection() (net.Conn, *bufio.Reader, Status, error) {
	e.mu.Lock()
	conn, reader, remote := e.conn, e.reader, e.remote
	e.mu.Unlock()
	if conn != nil {
		return conn, reader, StatusSuccess, nil
	}

	dialer := net.Dialer{Timeout: e.dev.cfg.DialTimeout}
	conn, err := dialer.Dial("tcp", remote.Addr())
	if err != nil {
		return nil, nil, StatusTransportError, err
	}
	reader = bufio.NewReader(conn)
	_ = conn.SetDeadline(time.Now().Add(e.dev.cfg.DialTimeout))
	hello := wire.Frame{
		Header: wire.Header{Op: wire.OpConnect},
		Payload: wire.EncodeConnect(wire.Connect{
			DstQPN:  remote.QPN,
			SrcQPN:  e.qpn,
			SrcPort: e.dev.id.Port,
			SrcGID:  e.dev.id.GID,
		}),
	}
	if err := wire.WriteFrame(conn, hello, e.dev.cfg.Limits); err != nil {
		_ = conn.Close()
		return nil, nil, StatusTransportError, err
	}
	ack, err := wire.ReadFrame(reader, e.dev.cfg.Limits)
	if err != nil {
		_ = conn.Close()
		return nil, nil, StatusTransportError, err
	}
	if ack.Header.Op != wire.OpConnectAck || ack.Header.Nak != wire.NakNone {
		_ = conn.Close()
		return nil, nil, StatusRemoteNotReady, fmt.Errorf("verbs: peer qpn=%d at %s not ready", remote.QPN, remote.Addr())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateClosed {
		_ = conn.Close()
		return nil, nil, StatusFlushed, ErrEndpointClosed
	}
	e.conn, e.reader = conn, reader
	e.log.Debug().Str("peer", remote.Addr()).Uint32("peer_qpn", remote.QPN).Msg("data connection bound")
	return conn, reader, StatusSuccess, nil
}

// fail moves the endpoint to ERROR; later work completes as flushed.
func (e *Endpoint) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateClosed || e.state == StateError {
		return
	}
	e.state = StateError
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn, e.reader = nil, nil
	}
	e.log.Warn().Err(err).Msg("endpoint entered error state")
}
