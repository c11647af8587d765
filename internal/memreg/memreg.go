// Package memreg registers process-local buffers for one-sided access and
// hands out the descriptors a peer needs to target them.
package memreg

import (
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/xlogship/internal/verbs"
)

// Permission is the platform-neutral access set requested at registration.
type Permission uint32

const (
	LocalReadWrite Permission = 1 << iota
	RemoteRead
	RemoteWrite
	RemoteAtomic
)

var (
	ErrRegistration      = errors.New("memreg: registration refused")
	ErrUnknownDescriptor = errors.New("memreg: unknown descriptor")
)

// Descriptor identifies a remotely accessible region.
type Descriptor struct {
	Addr uint64
	Key  uint32
	Size uint32
}

func (d Descriptor) IsZero() bool {
	return d == Descriptor{}
}

func (d Descriptor) String() string {
	return fmt.Sprintf("addr=%#x key=%#x size=%d", d.Addr, d.Key, d.Size)
}

func (p Permission) access() verbs.Access {
	var a verbs.Access
	if p&LocalReadWrite != 0 {
		a |= verbs.AccessLocalWrite
	}
	if p&RemoteRead != 0 {
		a |= verbs.AccessRemoteRead
	}
	if p&RemoteWrite != 0 {
		a |= verbs.AccessRemoteWrite
	}
	if p&RemoteAtomic != 0 {
		a |= verbs.AccessRemoteAtomic
	}
	return a
}

type Registry struct {
	dev     *verbs.Device
	mu      sync.Mutex
	regions map[Descriptor]*verbs.Region
}

func New(dev *verbs.Device) *Registry {
	return &Registry{
		dev:     dev,
		regions: make(map[Descriptor]*verbs.Region),
	}
}

// Register exposes buf on the device. The caller must not touch buf
// directly afterwards; use the region returned by Lookup.
func (r *Registry) Register(buf []byte, perms Permission) (Descriptor, error) {
	region, err := r.dev.RegisterMemory(buf, perms.access())
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrRegistration, err)
	}
	d := Descriptor{
		Addr: region.Addr(),
		Key:  region.RKey(),
		Size: uint32(region.Len()),
	}
	r.mu.Lock()
	r.regions[d] = region
	r.mu.Unlock()
	return d, nil
}

func (r *Registry) Lookup(d Descriptor) (*verbs.Region, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	region, ok := r.regions[d]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDescriptor, d)
	}
	return region, nil
}

// Unregister releases d. Unknown or already released descriptors are a
// no-op so teardown can call it unconditionally.
func (r *Registry) Unregister(d Descriptor) error {
	r.mu.Lock()
	region, ok := r.regions[d]
	delete(r.regions, d)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := r.dev.DeregisterMemory(region); err != nil && !errors.Is(err, verbs.ErrUnknownRegion) {
		return fmt.Errorf("memreg: unregister %s: %w", d, err)
	}
	return nil
}

// Close releases every remaining registration, continuing past failures.
func (r *Registry) Close() error {
	r.mu.Lock()
	all := make([]Descriptor, 0, len(r.regions))
	for d := range r.regions {
		all = append(all, d)
	}
	r.mu.Unlock()

	var errs []error
	for _, d := range all {
		if err := r.Unregister(d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
