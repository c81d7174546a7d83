package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Daemon is the per-profile fieldsync.toml.
type Daemon struct {
	Remote       Remote       `toml:"remote"`
	Sync         Sync         `toml:"sync"`
	Connectivity Connectivity `toml:"connectivity"`
	Cache        Cache        `toml:"cache"`
	Server       Server       `toml:"server"`
}

type Remote struct {
	BaseURL    string   `toml:"base_url"`
	Token      string   `toml:"token"`
	Timeout    Duration `toml:"timeout"`
	MaxRetries int      `toml:"max_retries"`
}

type Sync struct {
	Interval      Duration `toml:"interval"`
	ReplayTimeout Duration `toml:"replay_timeout"`
	PruneAfter    Duration `toml:"prune_after"`
}

type Connectivity struct {
	ProbeURL      string   `toml:"probe_url"`
	ProbeInterval Duration `toml:"probe_interval"`
	Grace         Duration `toml:"grace"`
}

type Cache struct {
	BudgetBytes int64 `toml:"budget_bytes"`
}

type Server struct {
	SignalsAddr string `toml:"signals_addr"`
}

// DefaultDaemon returns the settings used for anything the file leaves out.
func DefaultDaemon() *Daemon {
	return &Daemon{
		Remote: Remote{
			Timeout:    Duration{15 * time.Second},
			MaxRetries: 1,
		},
		Sync: Sync{
			Interval:      Duration{30 * time.Second},
			ReplayTimeout: Duration{15 * time.Second},
			PruneAfter:    Duration{7 * 24 * time.Hour},
		},
		Connectivity: Connectivity{
			ProbeInterval: Duration{10 * time.Second},
			Grace:         Duration{5 * time.Second},
		},
		Cache: Cache{
			BudgetBytes: 512 << 20,
		},
		Server: Server{
			SignalsAddr: "127.0.0.1:7788",
		},
	}
}

// LoadDaemon reads a profile config over the defaults. A missing file yields
// the defaults.
func LoadDaemon(path string) (*Daemon, error) {
	cfg := DefaultDaemon()
	_, err := toml.DecodeFile(path, cfg)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (d *Daemon) Validate() error {
	if d.Remote.BaseURL != "" {
		u, err := url.Parse(d.Remote.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("remote.base_url %q must be an http(s) URL", d.Remote.BaseURL)
		}
	}
	if d.Sync.Interval.Duration <= 0 {
		return errors.New("sync.interval must be positive")
	}
	if d.Sync.ReplayTimeout.Duration <= 0 {
		return errors.New("sync.replay_timeout must be positive")
	}
	if d.Connectivity.Grace.Duration < 0 {
		return errors.New("connectivity.grace must not be negative")
	}
	if d.Cache.BudgetBytes < 0 {
		return errors.New("cache.budget_bytes must not be negative")
	}
	return nil
}
