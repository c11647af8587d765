// Package config holds the on-disk schema shared by the xlog binaries and
// the strict validation used by xlogconfig.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

type DeviceSection struct {
	Name           string `toml:"name"`
	Listen         string `toml:"listen"`
	Advertise      string `toml:"advertise"`
	DisableAtomics bool   `toml:"disable_atomics"`
}

type ArenaSection struct {
	SlotSize  int `toml:"slot_size"`
	SlotCount int `toml:"slot_count"`
}

type SessionSection struct {
	HandshakeTimeout string `toml:"handshake_timeout"`
	ConnectTimeout   string `toml:"connect_timeout"`
	ConnectAttempts  int    `toml:"connect_attempts"`
}

type ShipSection struct {
	StoreAddress  string `toml:"store_address"`
	Entries       int    `toml:"entries"`
	PayloadPrefix string `toml:"payload_prefix"`
	Pacing        string `toml:"pacing"`
	PollTimeout   string `toml:"poll_timeout"`
	CheckCommit   bool   `toml:"check_commit"`
}

type StoreSection struct {
	Listen        string `toml:"listen"`
	FlushInterval string `toml:"flush_interval"`
	FlushPolicy   string `toml:"flush_policy"`
	FlushStep     uint64 `toml:"flush_step"`
	APIListen     string `toml:"api_listen"`
}

// ShipFile is the xlogship config file.
type ShipFile struct {
	AdminListen string         `toml:"admin_listen"`
	Device      DeviceSection  `toml:"device"`
	Arena       ArenaSection   `toml:"arena"`
	Session     SessionSection `toml:"session"`
	Ship        ShipSection    `toml:"ship"`
}

// StoreFile is the xlogstore config file.
type StoreFile struct {
	AdminListen string         `toml:"admin_listen"`
	Device      DeviceSection  `toml:"device"`
	Arena       ArenaSection   `toml:"arena"`
	Session     SessionSection `toml:"session"`
	Store       StoreSection   `toml:"store"`
}

func defaultSession() SessionSection {
	return SessionSection{HandshakeTimeout: "10s", ConnectTimeout: "5s", ConnectAttempts: 5}
}

func DefaultShipFile() ShipFile {
	return ShipFile{
		AdminListen: "127.0.0.1:7110",
		Device:      DeviceSection{Name: "soft0", Listen: "127.0.0.1:0"},
		Arena:       ArenaSection{SlotSize: 256, SlotCount: 64},
		Session:     defaultSession(),
		Ship: ShipSection{
			StoreAddress:  "127.0.0.1:7100",
			Entries:       10,
			PayloadPrefix: "Xlog-",
			Pacing:        "10ms",
			PollTimeout:   "10s",
			CheckCommit:   true,
		},
	}
}

func DefaultStoreFile() StoreFile {
	return StoreFile{
		AdminListen: "127.0.0.1:7120",
		Device:      DeviceSection{Name: "soft0", Listen: "127.0.0.1:0"},
		Arena:       ArenaSection{SlotSize: 256, SlotCount: 64},
		Session:     defaultSession(),
		Store: StoreSection{
			Listen:        "127.0.0.1:7100",
			FlushInterval: "100ms",
			FlushPolicy:   string(PolicyStorage),
			FlushStep:     1,
			APIListen:     "127.0.0.1:7130",
		},
	}
}

// LoadShipFile decodes path strictly: unknown keys are errors.
func LoadShipFile(path string) (ShipFile, error) {
	var cfg ShipFile
	if err := loadStrict(path, &cfg); err != nil {
		return ShipFile{}, err
	}
	if err := ValidateShipFile(cfg); err != nil {
		return ShipFile{}, err
	}
	return cfg, nil
}

func LoadStoreFile(path string) (StoreFile, error) {
	var cfg StoreFile
	if err := loadStrict(path, &cfg); err != nil {
		return StoreFile{}, err
	}
	if err := ValidateStoreFile(cfg); err != nil {
		return StoreFile{}, err
	}
	return cfg, nil
}

func loadStrict(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func validateCommon(dev DeviceSection, arena ArenaSection, sess SessionSection) error {
	if strings.TrimSpace(dev.Listen) == "" {
		return fmt.Errorf("device.listen is required")
	}
	if arena.SlotSize < 32 || arena.SlotSize%8 != 0 {
		return fmt.Errorf("arena.slot_size must be a multiple of 8 and at least 32")
	}
	if arena.SlotCount <= 0 {
		return fmt.Errorf("arena.slot_count must be positive")
	}
	for field, raw := range map[string]string{
		"session.handshake_timeout": sess.HandshakeTimeout,
		"session.connect_timeout":   sess.ConnectTimeout,
	} {
		if _, err := ParseDuration(field, raw); err != nil {
			return err
		}
	}
	return nil
}

func ValidateShipFile(cfg ShipFile) error {
	if err := validateCommon(cfg.Device, cfg.Arena, cfg.Session); err != nil {
		return fmt.Errorf("ship config invalid: %w", err)
	}
	if strings.TrimSpace(cfg.Ship.StoreAddress) == "" {
		return fmt.Errorf("ship config invalid: ship.store_address is required")
	}
	if cfg.Ship.Entries < 0 {
		return fmt.Errorf("ship config invalid: ship.entries must not be negative")
	}
	if _, err := ParseDuration("ship.pacing", cfg.Ship.Pacing); err != nil {
		return fmt.Errorf("ship config invalid: %w", err)
	}
	if _, err := ParseDuration("ship.poll_timeout", cfg.Ship.PollTimeout); err != nil {
		return fmt.Errorf("ship config invalid: %w", err)
	}
	return nil
}

func ValidateStoreFile(cfg StoreFile) error {
	if err := validateCommon(cfg.Device, cfg.Arena, cfg.Session); err != nil {
		return fmt.Errorf("store config invalid: %w", err)
	}
	if strings.TrimSpace(cfg.Store.Listen) == "" {
		return fmt.Errorf("store config invalid: store.listen is required")
	}
	if _, err := ParseDuration("store.flush_interval", cfg.Store.FlushInterval); err != nil {
		return fmt.Errorf("store config invalid: %w", err)
	}
	if _, err := ParsePolicy(cfg.Store.FlushPolicy); err != nil {
		return fmt.Errorf("store config invalid: %w", err)
	}
	return nil
}
