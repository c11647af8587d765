package memreg

import (
	"errors"
	"testing"

	"github.com/danmuck/xlogship/internal/testutil/testlog"
	"github.com/danmuck/xlogship/internal/verbs"
)

func openDevice(t *testing.T, cfg verbs.DeviceConfig) *verbs.Device {
	t.Helper()
	dev, err := verbs.OpenDevice(cfg)
	if err != nil {
		t.Fatalf("open device: %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func TestRegisterLookupUnregister(t *testing.T) {
	testlog.Start(t)
	reg := New(openDevice(t, verbs.DeviceConfig{Name: "memreg"}))

	d, err := reg.Register(make([]byte, 128), LocalReadWrite|RemoteRead|RemoteWrite)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if d.Size != 128 || d.Addr == 0 || d.Key == 0 {
		t.Fatalf("unexpected descriptor: %s", d)
	}
	region, err := reg.Lookup(d)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !region.Access().Has(verbs.AccessRemoteWrite | verbs.AccessRemoteRead) {
		t.Fatalf("permissions not mapped: %s", region.Access())
	}

	if err := reg.Unregister(d); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if err := reg.Unregister(d); err != nil {
		t.Fatalf("second unregister should be a no-op, got %v", err)
	}
	if _, err := reg.Lookup(d); !errors.Is(err, ErrUnknownDescriptor) {
		t.Fatalf("expected ErrUnknownDescriptor, got %v", err)
	}
}

func TestRegisterRefusedPermissionSet(t *testing.T) {
	testlog.Start(t)
	cfg := verbs.DefaultDeviceConfig()
	cfg.Name = "no-atomics"
	cfg.DisableAtomics = true
	reg := New(openDevice(t, cfg))

	_, err := reg.Register(make([]byte, 64), LocalReadWrite|RemoteAtomic)
	if !errors.Is(err, ErrRegistration) {
		t.Fatalf("expected ErrRegistration, got %v", err)
	}
	_, err = reg.Register(make([]byte, 64), RemoteWrite)
	if !errors.Is(err, ErrRegistration) {
		t.Fatalf("expected ErrRegistration without local write, got %v", err)
	}
}

func TestUnregisterZeroDescriptorIsSafe(t *testing.T) {
	testlog.Start(t)
	reg := New(openDevice(t, verbs.DeviceConfig{Name: "zero"}))
	if err := reg.Unregister(Descriptor{}); err != nil {
		t.Fatalf("unregister zero: %v", err)
	}
}

func TestCloseReleasesAll(t *testing.T) {
	testlog.Start(t)
	reg := New(openDevice(t, verbs.DeviceConfig{Name: "close"}))
	a, _ := reg.Register(make([]byte, 32), LocalReadWrite)
	b, _ := reg.Register(make([]byte, 32), LocalReadWrite|RemoteRead)
	if err := reg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for _, d := range []Descriptor{a, b} {
		if _, err := reg.Lookup(d); !errors.Is(err, ErrUnknownDescriptor) {
			t.Fatalf("expected %s released, got %v", d, err)
		}
	}
}
