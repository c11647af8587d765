package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/xlogship/internal/config"
	"github.com/danmuck/xlogship/internal/receiver"
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

func TestLoadStoreConfigExample(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadStoreConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Listen != "127.0.0.1:7100" || cfg.APIListen != "127.0.0.1:7130" {
		t.Fatalf("unexpected listeners: %q %q", cfg.Listen, cfg.APIListen)
	}
	if cfg.Receiver.FlushInterval != 100*time.Millisecond {
		t.Fatalf("unexpected flush interval: %v", cfg.Receiver.FlushInterval)
	}
	if cfg.Policy != config.PolicyStorage {
		t.Fatalf("unexpected policy: %q", cfg.Policy)
	}
	if cfg.Device.Name != "soft1" {
		t.Fatalf("unexpected device: %q", cfg.Device.Name)
	}
}

func TestStoreFlushPolicySelection(t *testing.T) {
	testlog.Start(t)
	durable := func() uint64 { return 3 }

	cfg := defaultStoreConfig()
	if p, ok := cfg.flushPolicy(durable).(receiver.StoragePolicy); !ok || p.Next(0, 9) != 3 {
		t.Fatalf("default policy should track storage durability")
	}

	cfg.Policy = config.PolicyObserved
	if _, ok := cfg.flushPolicy(durable).(receiver.ObservedPolicy); !ok {
		t.Fatalf("expected observed policy")
	}

	cfg.Policy = config.PolicyStep
	cfg.FlushStep = 4
	if p := cfg.flushPolicy(durable); p.Next(2, 0) != 6 {
		t.Fatalf("step policy should advance by 4, got %d", p.Next(2, 0))
	}
}

func TestLoadStoreConfigRejectsUnknownPolicy(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, "[store]\nflush_policy = \"eventually\"\n")
	if _, err := loadStoreConfig(path); err == nil {
		t.Fatalf("expected unknown policy error")
	}
}
