package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Template renders the default config file for kind ("ship" or "store").
func Template(kind string) (string, error) {
	var v any
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "ship":
		v = DefaultShipFile()
	case "store":
		v = DefaultStoreFile()
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	out, err := toml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return string(out), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// ValidateFile strictly loads path as kind.
func ValidateFile(kind, path string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "ship":
		_, err := LoadShipFile(path)
		return err
	case "store":
		_, err := LoadStoreFile(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}
