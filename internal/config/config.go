// Package config loads the member process configuration: defaults, then an
// optional TOML file, then environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ryandielhenn/zephyrgms/pkg/fd"
	"github.com/ryandielhenn/zephyrgms/pkg/gms"
)

// Duration is a time.Duration written as "500ms" or "2s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type NodeConfig struct {
	ID        string   `toml:"id"`
	Addr      string   `toml:"addr"`      // gRPC listen address
	Advertise string   `toml:"advertise"` // address peers dial; defaults to Addr
	HTTPAddr  string   `toml:"http_addr"`
	Contacts  []string `toml:"contacts"`
}

type GMSConfig struct {
	JoinTimeout      Duration `toml:"join_timeout"`
	LeaveTimeout     Duration `toml:"leave_timeout"`
	MergeTimeout     Duration `toml:"merge_timeout"`
	SendTimeout      Duration `toml:"send_timeout"`
	MaxJoinAttempts  int      `toml:"max_join_attempts"`
	MaxLeaveAttempts int      `toml:"max_leave_attempts"`
	BatchWindow      Duration `toml:"batch_window"`
	BatchSize        int      `toml:"batch_size"`
}

type DetectorConfig struct {
	Interval     Duration `toml:"interval"`
	SuspectAfter Duration `toml:"suspect_after"`
	InfoInterval Duration `toml:"info_interval"`
}

type EtcdConfig struct {
	Endpoints   []string `toml:"endpoints"`
	Prefix      string   `toml:"prefix"`
	LeaseTTL    int64    `toml:"lease_ttl"`
	DialTimeout Duration `toml:"dial_timeout"`
}

type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

type Config struct {
	Node     NodeConfig     `toml:"node"`
	GMS      GMSConfig      `toml:"gms"`
	Detector DetectorConfig `toml:"detector"`
	Etcd     EtcdConfig     `toml:"etcd"`
	Log      LogConfig      `toml:"log"`
}

func Default() Config {
	g := gms.DefaultConfig()
	d := fd.DefaultConfig()
	return Config{
		Node: NodeConfig{
			Addr:     ":7946",
			HTTPAddr: ":8080",
		},
		GMS: GMSConfig{
			JoinTimeout:      Duration{g.JoinTimeout},
			LeaveTimeout:     Duration{g.LeaveTimeout},
			MergeTimeout:     Duration{g.MergeTimeout},
			SendTimeout:      Duration{g.SendTimeout},
			MaxJoinAttempts:  g.MaxJoinAttempts,
			MaxLeaveAttempts: g.MaxLeaveAttempts,
			BatchWindow:      Duration{g.BatchWindow},
			BatchSize:        g.BatchSize,
		},
		Detector: DetectorConfig{
			Interval:     Duration{d.Interval},
			SuspectAfter: Duration{d.SuspectAfter},
			InfoInterval: Duration{d.InfoInterval},
		},
		Etcd: EtcdConfig{
			Prefix:      "/zephyrgms",
			LeaseTTL:    10,
			DialTimeout: Duration{5 * time.Second},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults, if path is not empty, and applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("read config %s: unknown keys %v", path, undecoded)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SELF_ID"); v != "" {
		c.Node.ID = v
	}
	if v := os.Getenv("SELF_ADDR"); v != "" {
		c.Node.Advertise = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		c.Node.HTTPAddr = v
	}
	if v := os.Getenv("ETCD_ENDPOINTS"); v != "" {
		c.Etcd.Endpoints = splitList(v)
	}
	if v := os.Getenv("CONTACTS"); v != "" {
		c.Node.Contacts = splitList(v)
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c Config) Validate() error {
	if c.Node.Addr == "" {
		return fmt.Errorf("node.addr is required")
	}
	if c.GMS.BatchSize < 0 || c.GMS.MaxJoinAttempts < 0 || c.GMS.MaxLeaveAttempts < 0 {
		return fmt.Errorf("gms: counts must not be negative")
	}
	if c.Etcd.LeaseTTL < 0 {
		return fmt.Errorf("etcd.lease_ttl must not be negative")
	}
	return nil
}

// AdvertiseAddr is the address this member is known by in views.
func (c Config) AdvertiseAddr() string {
	if c.Node.Advertise != "" {
		return c.Node.Advertise
	}
	return c.Node.Addr
}

func (c Config) GMSConfig() gms.Config {
	return gms.Config{
		JoinTimeout:      c.GMS.JoinTimeout.Duration,
		LeaveTimeout:     c.GMS.LeaveTimeout.Duration,
		MergeTimeout:     c.GMS.MergeTimeout.Duration,
		SendTimeout:      c.GMS.SendTimeout.Duration,
		MaxJoinAttempts:  c.GMS.MaxJoinAttempts,
		MaxLeaveAttempts: c.GMS.MaxLeaveAttempts,
		BatchWindow:      c.GMS.BatchWindow.Duration,
		BatchSize:        c.GMS.BatchSize,
	}
}

func (c Config) DetectorConfig() fd.Config {
	return fd.Config{
		Interval:     c.Detector.Interval.Duration,
		SuspectAfter: c.Detector.SuspectAfter.Duration,
		InfoInterval: c.Detector.InfoInterval.Duration,
		SendTimeout:  c.GMS.SendTimeout.Duration,
	}
}
