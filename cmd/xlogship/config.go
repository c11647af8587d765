package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/xlogship/internal/config"
	"github.com/danmuck/xlogship/internal/session"
	"github.com/danmuck/xlogship/internal/shipper"
	"github.com/danmuck/xlogship/internal/verbs"
	"github.com/danmuck/xlogship/internal/xlog"
)

type shipConfig struct {
	Device        verbs.DeviceConfig
	Session       session.Config
	Shipper       shipper.Config
	StoreAddress  string
	Entries       int
	PayloadPrefix string
	AdminListen   string
}

func defaultShipConfig() shipConfig {
	return shipConfig{
		Device:        verbs.DefaultDeviceConfig(),
		Session:       session.DefaultConfig(),
		Shipper:       shipper.DefaultConfig(),
		StoreAddress:  "127.0.0.1:7100",
		Entries:       10,
		PayloadPrefix: "Xlog-",
	}
}

func loadShipConfig(path string) (shipConfig, error) {
	cfg := defaultShipConfig()

	var raw config.ShipFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return shipConfig{}, fmt.Errorf("load xlogship config: %w", err)
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
		cfg.Shipper.Geometry.SlotSize = raw.Arena.SlotSize
	}
	if meta.IsDefined("arena", "slot_count") {
		cfg.Shipper.Geometry.SlotCount = raw.Arena.SlotCount
	}
	if err := applySession(meta, raw.Session, &cfg.Session); err != nil {
		return shipConfig{}, err
	}
	if meta.IsDefined("ship", "store_address") {
		cfg.StoreAddress = strings.TrimSpace(raw.Ship.StoreAddress)
	}
	if meta.IsDefined("ship", "entries") {
		cfg.Entries = raw.Ship.Entries
	}
	if meta.IsDefined("ship", "payload_prefix") {
		cfg.PayloadPrefix = raw.Ship.PayloadPrefix
	}
	if meta.IsDefined("ship", "pacing") {
		d, err := config.ParseDuration("ship.pacing", raw.Ship.Pacing)
		if err != nil {
			return shipConfig{}, err
		}
		cfg.Shipper.Pacing = d
	}
	if meta.IsDefined("ship", "poll_timeout") {
		d, err := config.ParseDuration("ship.poll_timeout", raw.Ship.PollTimeout)
		if err != nil {
			return shipConfig{}, err
		}
		cfg.Shipper.PollTimeout = d
	}
	if meta.IsDefined("ship", "check_commit") {
		cfg.Shipper.CheckCommit = raw.Ship.CheckCommit
	}

	if err := cfg.Shipper.Geometry.Validate(); err != nil {
		return shipConfig{}, err
	}
	if cfg.StoreAddress == "" {
		return shipConfig{}, fmt.Errorf("ship.store_address is required")
	}
	if cfg.Entries < 0 {
		return shipConfig{}, fmt.Errorf("ship.entries must not be negative")
	}
	return cfg, nil
}

func applySession(meta toml.MetaData, raw config.SessionSection, out *session.Config) error {
	if meta.IsDefined("session", "handshake_timeout") {
		d, err := config.ParseDuration("session.handshake_timeout", raw.HandshakeTimeout)
		if err != nil {
			return err
		}
		out.HandshakeTimeout = d
	}
	if meta.IsDefined("session", "connect_timeout") {
		d, err := config.ParseDuration("session.connect_timeout", raw.ConnectTimeout)
		if err != nil {
			return err
		}
		out.ConnectTimeout = d
	}
	if meta.IsDefined("session", "connect_attempts") {
		out.ConnectAttempts = raw.ConnectAttempts
	}
	return nil
}

func (c shipConfig) geometry() xlog.Geometry {
	return c.Shipper.Geometry
}
