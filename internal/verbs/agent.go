package verbs

import (
	"bufio"
	"errors"
	"net"
	"time"

	"github.com/danmuck/xlogship/internal/verbs/wire"
)

// acceptLoop is the responder side of the device: it services one-sided
// requests from bound peers without involving the region owner.
func (d *Device) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.log.Warn().Err(err).Msg("agent accept")
			return
		}
		if !d.trackConn(conn) {
			_ = conn.Close()
			return
		}
		d.wg.Add(1)
		go d.serveConn(conn)
	}
}

func (d *Device) serveConn(conn net.Conn) {
	defer d.wg.Done()
	defer d.untrackConn(conn)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	_ = conn.SetDeadline(time.Now().Add(d.cfg.DialTimeout))
	fr, err := wire.ReadFrame(reader, d.cfg.Limits)
	if err != nil || fr.Header.Op != wire.OpConnect {
		d.log.Debug().Err(err).Msg("agent dropped connection before connect")
		return
	}
	hello, err := wire.DecodeConnect(fr.Payload)
	if err != nil {
		return
	}
	ep := d.endpoint(hello.DstQPN)
	ack := wire.Frame{Header: wire.Header{Op: wire.OpConnectAck, WRID: fr.Header.WRID}}
	if ep == nil || !ep.acceptsFrom(hello.SrcQPN) {
		ack.Header.Nak = wire.NakNotReady
	}
	if err := wire.WriteFrame(conn, ack, d.cfg.Limits); err != nil || ack.Header.Nak != wire.NakNone {
		d.log.Debug().
			Uint32("dst_qpn", hello.DstQPN).
			Uint32("src_qpn", hello.SrcQPN).
			Msg("agent refused connect")
		return
	}
	_ = conn.SetDeadline(time.Time{})

	for {
		fr, err := wire.ReadFrame(reader, d.cfg.Limits)
		if err != nil {
			return
		}
		resp := d.handle(fr, ep.acceptsFrom(hello.SrcQPN))
		if err := wire.WriteFrame(conn, resp, d.cfg.Limits); err != nil {
			return
		}
		if resp.Header.Nak == wire.NakNotReady {
			return
		}
	}
}

// handle executes one request. A request arriving after the target endpoint
// left RTR/RTS is refused without touching memory.
func (d *Device) handle(fr wire.Frame, ready bool) wire.Frame {
	h := fr.Header
	resp := wire.Frame{Header: wire.Header{
		WRID:       h.WRID,
		RKey:       h.RKey,
		Length:     h.Length,
		RemoteAddr: h.RemoteAddr,
	}}
	nak := func(n wire.Nak) wire.Frame {
		resp.Header.Nak = n
		resp.Payload = nil
		return resp
	}

	switch h.Op {
	case wire.OpWrite:
		resp.Header.Op = wire.OpWriteAck
	case wire.OpRead:
		resp.Header.Op = wire.OpReadResp
	case wire.OpCAS:
		resp.Header.Op = wire.OpCASResp
	default:
		resp.Header.Op = h.Op
		return nak(wire.NakInvalidRequest)
	}
	if !ready {
		return nak(wire.NakNotReady)
	}

	r := d.region(h.RKey)
	if r == nil {
		return nak(wire.NakRemoteAccess)
	}

	switch h.Op {
	case wire.OpWrite:
		if !r.access.Has(AccessRemoteWrite) || uint32(len(fr.Payload)) != h.Length {
			return nak(wire.NakRemoteAccess)
		}
		off, ok := r.translate(h.RemoteAddr, uint64(h.Length))
		if !ok {
			return nak(wire.NakRemoteAccess)
		}
		r.mu.Lock()
		copy(r.buf[off:], fr.Payload)
		r.mu.Unlock()
	case wire.OpRead:
		if !r.access.Has(AccessRemoteRead) {
			return nak(wire.NakRemoteAccess)
		}
		off, ok := r.translate(h.RemoteAddr, uint64(h.Length))
		if !ok {
			return nak(wire.NakRemoteAccess)
		}
		resp.Payload = r.snapshot(off, int(h.Length))
	case wire.OpCAS:
		if !r.access.Has(AccessRemoteAtomic) || h.RemoteAddr%8 != 0 {
			return nak(wire.NakRemoteAccess)
		}
		compare, swap, err := wire.DecodeCAS(fr.Payload)
		if err != nil {
			return nak(wire.NakInvalidRequest)
		}
		off, ok := r.translate(h.RemoteAddr, 8)
		if !ok {
			return nak(wire.NakRemoteAccess)
		}
		resp.Payload = wire.EncodeWord(r.compareAndSwap(off, compare, swap))
	}
	return resp
}
