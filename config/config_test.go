package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	configJSON := `{
		"app": {
			"name": "TestBridge",
			"instance_id": "test-01"
		},
		"lines": [
			{
				"index": 0,
				"lib_base": 0,
				"lcd": "8",
				"enabled": true
			}
		],
		"dlsw_peers": [
			{
				"name": "hosta",
				"peer_hostname": "dlsw.example.com",
				"cc_hostname": "cc.example.com",
				"line": 0,
				"enabled": true
			}
		],
		"null_modems": [
			{
				"name": "bridge1",
				"cc_hostname1": "cc1.example.com",
				"line1": 0,
				"cc_hostname2": "cc2.example.com",
				"line2": 1,
				"enabled": true
			}
		],
		"nats": {
			"enabled": true,
			"url": "nats://localhost:4222",
			"subject_prefix": "test.dlsw",
			"max_reconnects": -1,
			"reconnect_wait_sec": 5
		},
		"logging": {
			"base_path": "` + tmpDir + `",
			"max_size_mb": 10,
			"max_backups": 3,
			"level": "info"
		},
		"monitoring": {
			"port": 8080
		},
		"recovery": {
			"reconnect_delay_sec": 5,
			"max_reconnect_delay_sec": 300
		}
	}`

	if err := os.WriteFile(configPath, []byte(configJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.App.Name != "TestBridge" {
		t.Errorf("App.Name = %q, want %q", cfg.App.Name, "TestBridge")
	}
	if cfg.App.InstanceID != "test-01" {
		t.Errorf("App.InstanceID = %q, want %q", cfg.App.InstanceID, "test-01")
	}
	if len(cfg.Lines) != 1 {
		t.Fatalf("len(Lines) = %d, want 1", len(cfg.Lines))
	}
	if cfg.Lines[0].LCD != "8" {
		t.Errorf("Lines[0].LCD = %q, want %q", cfg.Lines[0].LCD, "8")
	}
	if len(cfg.DLSwPeers) != 1 {
		t.Fatalf("len(DLSwPeers) = %d, want 1", len(cfg.DLSwPeers))
	}
	if cfg.DLSwPeers[0].PeerHost() != "dlsw.example.com" {
		t.Errorf("DLSwPeers[0].PeerHost() = %q, want %q", cfg.DLSwPeers[0].PeerHost(), "dlsw.example.com")
	}
	if len(cfg.NullModems) != 1 {
		t.Fatalf("len(NullModems) = %d, want 1", len(cfg.NullModems))
	}
	if cfg.NullModems[0].CCHost2() != "cc2.example.com" {
		t.Errorf("NullModems[0].CCHost2() = %q, want %q", cfg.NullModems[0].CCHost2(), "cc2.example.com")
	}
	if cfg.NATS.MaxReconnects != -1 {
		t.Errorf("NATS.MaxReconnects = %d, want -1", cfg.NATS.MaxReconnects)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.json")

	if err := os.WriteFile(configPath, []byte("not valid json"), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid JSON, got nil")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	if err := os.WriteFile(configPath, []byte(`{"logging":{"base_path":"`+tmpDir+`"}}`), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.App.Name != "sdlcbridge" {
		t.Errorf("App.Name = %q, want %q", cfg.App.Name, "sdlcbridge")
	}
	if cfg.NATS.SubjectPrefix != "dlsw" {
		t.Errorf("NATS.SubjectPrefix = %q, want %q", cfg.NATS.SubjectPrefix, "dlsw")
	}
	if cfg.Monitoring.Port != 8080 {
		t.Errorf("Monitoring.Port = %d, want 8080", cfg.Monitoring.Port)
	}
}

func TestRecoveryConfigDelays(t *testing.T) {
	cfg := RecoveryConfig{
		ReconnectDelaySec:    5,
		MaxReconnectDelaySec: 300,
	}

	if cfg.ReconnectDelay().Seconds() != 5 {
		t.Errorf("ReconnectDelay() = %v, want 5s", cfg.ReconnectDelay())
	}
	if cfg.MaxReconnectDelay().Seconds() != 300 {
		t.Errorf("MaxReconnectDelay() = %v, want 300s", cfg.MaxReconnectDelay())
	}
}

func TestNATSConfigReconnectWait(t *testing.T) {
	cfg := NATSConfig{ReconnectWaitSec: 5}
	if cfg.ReconnectWait().Seconds() != 5 {
		t.Errorf("ReconnectWait() = %v, want 5s", cfg.ReconnectWait())
	}
}
