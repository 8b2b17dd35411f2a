package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Remote.Mode != ModeStandalone {
		t.Errorf("mode = %s, want standalone", cfg.Remote.Mode)
	}
	if cfg.ListenAddr == "" || cfg.DataDir == "" {
		t.Errorf("defaults incomplete: %+v", cfg)
	}
}

func TestFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quill.yaml")
	data := []byte("data_dir: /var/lib/quill\nremote:\n  mode: postgres\n  dsn: postgres://quill@db/quill\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.DataDir != "/var/lib/quill" {
		t.Errorf("data_dir = %s", cfg.DataDir)
	}
	if cfg.Remote.Mode != ModePostgres || cfg.Remote.DSN == "" {
		t.Errorf("remote = %+v", cfg.Remote)
	}
	if cfg.ListenAddr != Default().ListenAddr {
		t.Errorf("unset key lost its default: %s", cfg.ListenAddr)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("QUILL_REMOTE_DSN", "postgres://env@db/quill")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Remote.Mode != ModePostgres {
		t.Errorf("dsn override did not switch mode: %s", cfg.Remote.Mode)
	}
	if cfg.Remote.DSN != "postgres://env@db/quill" {
		t.Errorf("dsn = %s", cfg.Remote.DSN)
	}
}

func TestSyncIntervalsParse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quill.yaml")
	data := []byte("sync:\n  health_interval: 10s\n  debounce: 250ms\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Sync.HealthInterval.Std() != 10*time.Second {
		t.Errorf("health interval = %s", cfg.Sync.HealthInterval.Std())
	}
	if cfg.Sync.Debounce.Std() != 250*time.Millisecond {
		t.Errorf("debounce = %s", cfg.Sync.Debounce.Std())
	}
	// Unset intervals keep their defaults.
	if cfg.Sync.SafetyInterval.Std() != Default().Sync.SafetyInterval.Std() {
		t.Errorf("safety interval = %s", cfg.Sync.SafetyInterval.Std())
	}
}

func TestPostgresModeRequiresDSN(t *testing.T) {
	cfg := Default()
	cfg.Remote.Mode = ModePostgres
	if err := cfg.Validate(); err == nil {
		t.Error("postgres mode without dsn validated")
	}

	cfg.Remote.Mode = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown mode validated")
	}
}
