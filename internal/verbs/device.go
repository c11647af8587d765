package verbs

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/xlogship/internal/logging"
	"github.com/danmuck/xlogship/internal/verbs/wire"
	"github.com/rs/zerolog"
)

const (
	regionBaseAddr  uint64 = 0x7f0000000000
	regionAlignment uint64 = 4096
)

// DeviceConfig selects and sizes one soft device.
type DeviceConfig struct {
	Name           string
	ListenAddr     string
	AdvertiseHost  string
	QueueDepth     int
	CQDepth        int
	MaxRegionSize  int
	DisableAtomics bool
	DialTimeout    time.Duration
	OpTimeout      time.Duration
	Limits         wire.Limits
}

func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		Name:          "soft0",
		ListenAddr:    "127.0.0.1:0",
		QueueDepth:    16,
		CQDepth:       64,
		MaxRegionSize: 128 * 1024 * 1024,
		DialTimeout:   5 * time.Second,
		OpTimeout:     30 * time.Second,
		Limits:        wire.DefaultLimits(),
	}
}

func (c DeviceConfig) WithDefaults() DeviceConfig {
	def := DefaultDeviceConfig()
	if strings.TrimSpace(c.Name) == "" {
		c.Name = def.Name
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = def.QueueDepth
	}
	if c.CQDepth <= 0 {
		c.CQDepth = def.CQDepth
	}
	if c.MaxRegionSize <= 0 {
		c.MaxRegionSize = def.MaxRegionSize
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = def.OpTimeout
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = def.Limits
	}
	return c
}

// Identity is what a peer needs to reach this device: the path address
// (agent port) and the 16-byte routing id (agent IP in IPv6 form).
type Identity struct {
	Port uint16
	GID  [16]byte
}

func (id Identity) Addr() string {
	return net.JoinHostPort(net.IP(id.GID[:]).String(), fmt.Sprintf("%d", id.Port))
}

type Device struct {
	cfg DeviceConfig
	ln  net.Listener
	id  Identity
	log zerolog.Logger

	mu        sync.RWMutex
	regions   map[uint32]*Region
	endpoints map[uint32]*Endpoint
	conns     map[net.Conn]struct{}
	nextKey   uint32
	nextQPN   uint32
	nextAddr  uint64
	closed    bool

	wg sync.WaitGroup
}

// OpenDevice starts the device agent and resolves the device identity.
func OpenDevice(cfg DeviceConfig) (*Device, error) {
	cfg = cfg.WithDefaults()
	if cfg.CQDepth < cfg.QueueDepth {
		return nil, fmt.Errorf("%w: cq depth %d below queue depth %d", ErrDeviceOpen, cfg.CQDepth, cfg.QueueDepth)
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceOpen, cfg.Name, err)
	}
	id, err := resolveIdentity(ln.Addr(), cfg.AdvertiseHost)
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceOpen, cfg.Name, err)
	}

	d := &Device{
		cfg:       cfg,
		ln:        ln,
		id:        id,
		log:       logging.For("verbs").With().Str("device", cfg.Name).Logger(),
		regions:   make(map[uint32]*Region),
		endpoints: make(map[uint32]*Endpoint),
		conns:     make(map[net.Conn]struct{}),
		nextAddr:  regionBaseAddr,
	}
	d.wg.Add(1)
	go d.acceptLoop()
	d.log.Debug().Str("agent", id.Addr()).Msg("device open")
	return d, nil
}

func resolveIdentity(addr net.Addr, advertise string) (Identity, error) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return Identity{}, fmt.Errorf("unexpected listener address %T", addr)
	}
	ip := tcp.IP
	if host := strings.TrimSpace(advertise); host != "" {
		ip = net.ParseIP(host)
		if ip == nil {
			return Identity{}, fmt.Errorf("invalid advertise host %q", host)
		}
	}
	if ip == nil || ip.IsUnspecified() {
		ip = net.IPv4(127, 0, 0, 1)
	}
	var id Identity
	copy(id.GID[:], ip.To16())
	id.Port = uint16(tcp.Port)
	return id, nil
}

func (d *Device) Name() string         { return d.cfg.Name }
func (d *Device) Identity() Identity   { return d.id }
func (d *Device) Config() DeviceConfig { return d.cfg }

// RegisterMemory exposes buf under the requested access rights.
func (d *Device) RegisterMemory(buf []byte, access Access) (*Region, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrInvalidRegion)
	}
	if len(buf) > d.cfg.MaxRegionSize || uint64(len(buf)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: size=%d max=%d", ErrRegionTooLarge, len(buf), d.cfg.MaxRegionSize)
	}
	if access&(AccessRemoteWrite|AccessRemoteAtomic) != 0 && !access.Has(AccessLocalWrite) {
		return nil, fmt.Errorf("%w: %s requires local_write", ErrAccessRefused, access)
	}
	if access.Has(AccessRemoteAtomic) && d.cfg.DisableAtomics {
		return nil, fmt.Errorf("%w: device %s has no atomic support", ErrAccessRefused, d.cfg.Name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDeviceClosed
	}
	d.nextKey++
	r := &Region{
		dev:    d,
		buf:    buf,
		addr:   d.nextAddr,
		lkey:   d.nextKey,
		rkey:   d.nextKey,
		access: access,
	}
	span := (uint64(len(buf)) + regionAlignment - 1) / regionAlignment * regionAlignment
	d.nextAddr += span + regionAlignment
	d.regions[r.rkey] = r
	return r, nil
}

func (d *Device) DeregisterMemory(r *Region) error {
	if r == nil || r.dev != d {
		return ErrUnknownRegion
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.regions[r.rkey]; !ok {
		return ErrUnknownRegion
	}
	delete(d.regions, r.rkey)
	r.gone.Store(true)
	return nil
}

func (d *Device) CreateCompletionQueue(depth int) *CompletionQueue {
	if depth <= 0 {
		depth = d.cfg.CQDepth
	}
	return &CompletionQueue{ch: make(chan Completion, depth)}
}

// CreateEndpoint allocates a queue pair in the Reset state.
func (d *Device) CreateEndpoint(cq *CompletionQueue) (*Endpoint, error) {
	if cq == nil {
		return nil, fmt.Errorf("%w: nil completion queue", ErrInvalidState)
	}
	if cq.Cap() < d.cfg.QueueDepth {
		return nil, fmt.Errorf("%w: cq depth %d below queue depth %d", ErrInvalidState, cq.Cap(), d.cfg.QueueDepth)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDeviceClosed
	}
	d.nextQPN++
	ep := &Endpoint{
		dev:   d,
		cq:    cq,
		qpn:   d.nextQPN,
		state: StateReset,
		sq:    make(chan workRequest, d.cfg.QueueDepth),
		done:  make(chan struct{}),
		log:   d.log.With().Uint32("qpn", d.nextQPN).Logger(),
	}
	d.endpoints[ep.qpn] = ep
	return ep, nil
}

// Close stops the agent, drops inbound connections and closes every
// endpoint still open. Regions stay owned by their registrants.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	endpoints := make([]*Endpoint, 0, len(d.endpoints))
	for _, ep := range d.endpoints {
		endpoints = append(endpoints, ep)
	}
	for c := range d.conns {
		_ = c.Close()
	}
	d.mu.Unlock()

	var errs []error
	for _, ep := range endpoints {
		if err := ep.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, err)
	}
	d.wg.Wait()
	d.log.Debug().Msg("device closed")
	return errors.Join(errs...)
}

func (d *Device) region(rkey uint32) *Region {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.regions[rkey]
}

func (d *Device) endpoint(qpn uint32) *Endpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.endpoints[qpn]
}

func (d *Device) forgetEndpoint(qpn uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.endpoints, qpn)
}

func (d *Device) trackConn(c net.Conn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.conns[c] = struct{}{}
	return true
}

func (d *Device) untrackConn(c net.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.conns, c)
}
