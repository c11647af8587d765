package main

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type settings struct {
	Addr     string
	From     uint64
	To       uint64
	Timeout  time.Duration
	TailOnly bool
}

// newViper layers defaults under XLOGTAIL_* environment variables.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("addr", "127.0.0.1:7130")
	v.SetDefault("from", 0)
	v.SetDefault("to", 0)
	v.SetDefault("timeout", "5s")
	v.SetDefault("tail-only", false)
	v.SetEnvPrefix("XLOGTAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// resolveSettings applies an optional config file, then every flag set
// explicitly on fs.
func resolveSettings(v *viper.Viper, fs *flag.FlagSet, configPath string) (settings, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return settings{}, fmt.Errorf("read %s: %w", configPath, err)
		}
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name != "config" {
			v.Set(f.Name, f.Value.String())
		}
	})

	s := settings{
		Addr:     strings.TrimSpace(v.GetString("addr")),
		Timeout:  v.GetDuration("timeout"),
		TailOnly: v.GetBool("tail-only"),
	}
	from, to := v.GetInt64("from"), v.GetInt64("to")
	if from < 0 || to < 0 {
		return settings{}, fmt.Errorf("from/to must not be negative")
	}
	s.From, s.To = uint64(from), uint64(to)
	if s.Addr == "" {
		return settings{}, fmt.Errorf("addr is required")
	}
	if s.Timeout <= 0 {
		return settings{}, fmt.Errorf("timeout must be positive")
	}
	return s, nil
}
