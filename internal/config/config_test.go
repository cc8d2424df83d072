package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("DEEPWIKI_CONFIG_FILE")
	Load()

	if Cfg.ListenAddr != ":8000" {
		t.Errorf("ListenAddr = %q, want :8000", Cfg.ListenAddr)
	}
	if Cfg.ConnectTimeout != "10s" || Cfg.HandshakeTimeout != "30s" || Cfg.RestoreTimeout != "10s" {
		t.Errorf("timeouts = %q/%q/%q", Cfg.ConnectTimeout, Cfg.HandshakeTimeout, Cfg.RestoreTimeout)
	}
	if Cfg.MaxReconnects != 5 {
		t.Errorf("MaxReconnects = %d, want 5", Cfg.MaxReconnects)
	}
	if Cfg.SnapshotTTL != "30m" || Cfg.TerminalHistoryLines != 1000 {
		t.Errorf("snapshot settings = %q/%d", Cfg.SnapshotTTL, Cfg.TerminalHistoryLines)
	}
	if Cfg.StorageBudgetBytes != 5242880 {
		t.Errorf("StorageBudgetBytes = %d, want 5 MiB", Cfg.StorageBudgetBytes)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DEEPWIKI_MAX_RECONNECTS", "3")
	t.Setenv("DEEPWIKI_LISTEN_ADDR", ":9100")
	Load()

	if Cfg.MaxReconnects != 3 {
		t.Errorf("MaxReconnects = %d, want 3", Cfg.MaxReconnects)
	}
	if Cfg.ListenAddr != ":9100" {
		t.Errorf("ListenAddr = %q, want :9100", Cfg.ListenAddr)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "listen_addr: \":9200\"\nsnapshot_ttl: \"45m\"\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("DEEPWIKI_CONFIG_FILE", path)
	Load()

	if Cfg.ListenAddr != ":9200" {
		t.Errorf("ListenAddr = %q, want :9200", Cfg.ListenAddr)
	}
	if Cfg.SnapshotTTL != "45m" {
		t.Errorf("SnapshotTTL = %q, want 45m", Cfg.SnapshotTTL)
	}
}
