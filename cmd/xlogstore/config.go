package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/xlogship/internal/config"
	"github.com/danmuck/xlogship/internal/receiver"
	"github.com/danmuck/xlogship/internal/session"
	"github.com/danmuck/xlogship/internal/verbs"
)

type storeConfig struct {
	Device      verbs.DeviceConfig
	Session     session.Config
	Receiver    receiver.Config
	Listen      string
	Policy      config.Policy
	FlushStep   uint64
	APIListen   string
	AdminListen string
}

func defaultStoreConfig() storeConfig {
	return storeConfig{
		Device:    verbs.DefaultDeviceConfig(),
		Session:   session.DefaultConfig(),
		Receiver:  receiver.DefaultConfig(),
		Listen:    "127.0.0.1:7100",
		Policy:    config.PolicyStorage,
		FlushStep: 1,
	}
}

func loadStoreConfig(path string) (storeConfig, error) {
	cfg := defaultStoreConfig()

	var raw config.StoreFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return storeConfig{}, fmt.Errorf("load xlogstore config: %w", err)
	}

	if meta.IsDefined("admin_listen") {
		cfg.AdminListen = strings.TrimSpace(raw.AdminListen)
	}
	if meta.IsDefined("device", "name") {
		cfg.Device.Name = strings.TrimSpace(raw.Device.Name)
	}
	if meta.IsDefined("device", "listen") {
		cfg.Device.ListenAddr = strings.TrimSpace(raw.Device.Listen)
	}
	if meta.IsDefined("device", "advertise") {
		cfg.Device.AdvertiseHost = strings.TrimSpace(raw.Device.Advertise)
	}
	if meta.IsDefined("device", "disable_atomics") {
		cfg.Device.DisableAtomics = raw.Device.DisableAtomics
	}
	if meta.IsDefined("arena", "slot_size") {
		cfg.Receiver.Geometry.SlotSize = raw.Arena.SlotSize
	}
	if meta.IsDefined("arena", "slot_count") {
		cfg.Receiver.Geometry.SlotCount = raw.Arena.SlotCount
	}
	if meta.IsDefined("session", "handshake_timeout") {
		d, err := config.ParseDuration("session.handshake_timeout", raw.Session.HandshakeTimeout)
		if err != nil {
			return storeConfig{}, err
		}
		cfg.Session.HandshakeTimeout = d
	}
	if meta.IsDefined("session", "connect_timeout") {
		d, err := config.ParseDuration("session.connect_timeout", raw.Session.ConnectTimeout)
		if err != nil {
			return storeConfig{}, err
		}
		cfg.Session.ConnectTimeout = d
	}
	if meta.IsDefined("session", "connect_attempts") {
		cfg.Session.ConnectAttempts = raw.Session.ConnectAttempts
	}
	if meta.IsDefined("store", "listen") {
		cfg.Listen = strings.TrimSpace(raw.Store.Listen)
	}
	if meta.IsDefined("store", "flush_interval") {
		d, err := config.ParseDuration("store.flush_interval", raw.Store.FlushInterval)
		if err != nil {
			return storeConfig{}, err
		}
		cfg.Receiver.FlushInterval = d
	}
	if meta.IsDefined("store", "flush_policy") {
		p, err := config.ParsePolicy(raw.Store.FlushPolicy)
		if err != nil {
			return storeConfig{}, err
		}
		cfg.Policy = p
	}
	if meta.IsDefined("store", "flush_step") {
		cfg.FlushStep = raw.Store.FlushStep
	}
	if meta.IsDefined("store", "api_listen") {
		cfg.APIListen = strings.TrimSpace(raw.Store.APIListen)
	}

	if err := cfg.Receiver.Geometry.Validate(); err != nil {
		return storeConfig{}, err
	}
	if cfg.Listen == "" {
		return storeConfig{}, fmt.Errorf("store.listen is required")
	}
	return cfg, nil
}

// flushPolicy builds the receiver policy. durable reports the storage
// layer's durable LSN.
func (c storeConfig) flushPolicy(durable func() uint64) receiver.FlushPolicy {
	switch c.Policy {
	case config.PolicyObserved:
		return receiver.ObservedPolicy{}
	case config.PolicyStep:
		return receiver.StepPolicy{Step: c.FlushStep}
	default:
		return receiver.StoragePolicy{Durable: durable}
	}
}
