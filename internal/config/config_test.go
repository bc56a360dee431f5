package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zephyrgms.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	g := cfg.GMSConfig()
	if g.JoinTimeout != 2*time.Second || g.BatchWindow != 10*time.Millisecond || g.BatchSize != 20 {
		t.Fatalf("unexpected defaults %+v", g)
	}
	if cfg.AdvertiseAddr() != ":7946" {
		t.Fatalf("advertise = %q", cfg.AdvertiseAddr())
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
[node]
id = "n1"
addr = "127.0.0.1:9000"
contacts = ["127.0.0.1:9001", "127.0.0.1:9002"]

[gms]
leave_timeout = "750ms"
batch_size = 4

[detector]
suspect_after = "5s"

[etcd]
endpoints = ["http://etcd:2379"]
prefix = "/test"

[log]
level = "debug"
development = true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.ID != "n1" || cfg.AdvertiseAddr() != "127.0.0.1:9000" || len(cfg.Node.Contacts) != 2 {
		t.Fatalf("node section %+v", cfg.Node)
	}
	g := cfg.GMSConfig()
	if g.LeaveTimeout != 750*time.Millisecond || g.BatchSize != 4 {
		t.Fatalf("gms section %+v", g)
	}
	// Untouched keys keep their defaults.
	if g.JoinTimeout != 2*time.Second {
		t.Fatalf("join timeout %s", g.JoinTimeout)
	}
	if cfg.DetectorConfig().SuspectAfter != 5*time.Second {
		t.Fatalf("detector %+v", cfg.DetectorConfig())
	}
	if cfg.Etcd.Prefix != "/test" || !cfg.Log.Development || cfg.Log.Level != "debug" {
		t.Fatalf("etcd/log sections %+v %+v", cfg.Etcd, cfg.Log)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "[gms]\nleave_timout = \"1s\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for misspelled key")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeFile(t, "[gms]\nleave_timeout = \"soon\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SELF_ID", "env-node")
	t.Setenv("SELF_ADDR", "10.0.0.5:7946")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("ETCD_ENDPOINTS", "http://a:2379, http://b:2379,")
	t.Setenv("CONTACTS", "10.0.0.1:7946")

	cfg, err := Load(writeFile(t, "[node]\nid = \"file-node\"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.ID != "env-node" || cfg.AdvertiseAddr() != "10.0.0.5:7946" || cfg.Node.HTTPAddr != ":9090" {
		t.Fatalf("node %+v", cfg.Node)
	}
	if want := []string{"http://a:2379", "http://b:2379"}; !slices.Equal(cfg.Etcd.Endpoints, want) {
		t.Fatalf("endpoints %v", cfg.Etcd.Endpoints)
	}
	if !slices.Equal(cfg.Node.Contacts, []string{"10.0.0.1:7946"}) {
		t.Fatalf("contacts %v", cfg.Node.Contacts)
	}
}
