// Package xlogtest builds connected producer/store session pairs over
// loopback for package tests.
package xlogtest

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/danmuck/xlogship/internal/memreg"
	"github.com/danmuck/xlogship/internal/session"
	"github.com/danmuck/xlogship/internal/verbs"
	"github.com/danmuck/xlogship/internal/xlog"
)

const (
	ProducerPerms = memreg.LocalReadWrite
	StorePerms    = memreg.LocalReadWrite | memreg.RemoteRead | memreg.RemoteWrite | memreg.RemoteAtomic
)

type Side struct {
	Device   *verbs.Device
	Registry *memreg.Registry
	Desc     memreg.Descriptor
	Session  *session.Session
	Table    *xlog.SlotTable
}

func open(t *testing.T, name string, g xlog.Geometry, perms memreg.Permission, role session.Role) *Side {
	t.Helper()
	dev, err := verbs.OpenDevice(verbs.DeviceConfig{Name: name})
	if err != nil {
		t.Fatalf("open device %s: %v", name, err)
	}
	reg := memreg.New(dev)
	t.Cleanup(func() {
		_ = reg.Close()
		_ = dev.Close()
	})
	desc, err := reg.Register(xlog.NewArena(g), perms)
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	sess, err := session.New(dev, reg, desc, role, session.Config{})
	if err != nil {
		t.Fatalf("session %s: %v", name, err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	table, err := xlog.NewSlotTable(sess.Region(), g)
	if err != nil {
		t.Fatalf("slot table %s: %v", name, err)
	}
	return &Side{Device: dev, Registry: reg, Desc: desc, Session: sess, Table: table}
}

// Pair returns an ACTIVE producer and store sharing geometry g.
func Pair(t *testing.T, g xlog.Geometry) (producer, store *Side) {
	t.Helper()
	producer = open(t, "producer", g, ProducerPerms, session.RoleInitiator)
	store = open(t, "store", g, StorePerms, session.RoleAcceptor)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	storeErr := make(chan error, 1)
	go func() {
		conn, err := session.Accept(ctx, ln)
		if err != nil {
			storeErr <- err
			return
		}
		defer conn.Close()
		storeErr <- store.Session.Handshake(ctx, conn)
	}()
	conn, err := session.Dial(ctx, ln.Addr().String(), session.Config{ConnectAttempts: 1})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := producer.Session.Handshake(ctx, conn); err != nil {
		t.Fatalf("producer handshake: %v", err)
	}
	if err := <-storeErr; err != nil {
		t.Fatalf("store handshake: %v", err)
	}
	return producer, store
}
