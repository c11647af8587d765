package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/xlogship/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadShipConfigExample(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadShipConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.StoreAddress != "127.0.0.1:7100" {
		t.Fatalf("unexpected store address: %q", cfg.StoreAddress)
	}
	if cfg.Shipper.Geometry.SlotSize != 256 || cfg.Shipper.Geometry.SlotCount != 64 {
		t.Fatalf("unexpected geometry: %+v", cfg.Shipper.Geometry)
	}
	if cfg.Entries != 10 || cfg.PayloadPrefix != "Xlog-" {
		t.Fatalf("unexpected entries: %d %q", cfg.Entries, cfg.PayloadPrefix)
	}
	if cfg.Shipper.Pacing != 10*time.Millisecond {
		t.Fatalf("unexpected pacing: %v", cfg.Shipper.Pacing)
	}
	if cfg.AdminListen != "127.0.0.1:7110" {
		t.Fatalf("unexpected admin listen: %q", cfg.AdminListen)
	}
}

func TestLoadShipConfigKeepsDefaultsForMissingKeys(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[ship]
entries = 3
`)
	cfg, err := loadShipConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	def := defaultShipConfig()
	if cfg.Entries != 3 {
		t.Fatalf("entries override lost: %d", cfg.Entries)
	}
	if cfg.Shipper.Geometry != def.Shipper.Geometry || cfg.StoreAddress != def.StoreAddress {
		t.Fatalf("defaults not kept: %+v", cfg)
	}
	if cfg.Session.HandshakeTimeout != def.Session.HandshakeTimeout {
		t.Fatalf("session default lost: %v", cfg.Session.HandshakeTimeout)
	}
	if cfg.AdminListen != "" {
		t.Fatalf("admin should stay off by default: %q", cfg.AdminListen)
	}
}

func TestLoadShipConfigRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	cases := []string{
		"[arena]\nslot_size = 20\n",
		"[ship]\npacing = \"fast\"\n",
		"[session]\nhandshake_timeout = \"-1s\"\n",
		"[ship]\nentries = -1\n",
	}
	for _, body := range cases {
		if _, err := loadShipConfig(writeConfig(t, body)); err == nil {
			t.Fatalf("expected error for %q", body)
		}
	}
}
