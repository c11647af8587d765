package config

import (
	"fmt"
	"strings"
	"time"
)

// Policy names a receiver flush policy.
type Policy string

const (
	PolicyObserved Policy = "observed"
	PolicyStorage  Policy = "storage"
	PolicyStep     Policy = "step"
)

func ParsePolicy(raw string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(raw))); p {
	case PolicyObserved, PolicyStorage, PolicyStep:
		return p, nil
	case "":
		return PolicyStorage, nil
	default:
		return "", fmt.Errorf("unknown flush policy %q (observed|storage|step)", raw)
	}
}

// ParseDuration parses a Go duration string. Empty means zero, which
// callers treat as "use the default".
func ParseDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("parse %s: negative duration %s", field, raw)
	}
	return d, nil
}
