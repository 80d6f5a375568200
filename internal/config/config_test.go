package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Avatar.ConfigPath != "avatar_config.json" {
		t.Fatalf("expected default avatar config path, got %q", cfg.Avatar.ConfigPath)
	}
	if cfg.Avatar.Backend != "bus" {
		t.Fatalf("expected bus backend by default, got %q", cfg.Avatar.Backend)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KAI_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("KAI_BUS_USERNAME", "alice")
	t.Setenv("KAI_BUS_PASSWORD", "secret")
	t.Setenv("KAI_BUS_TLS_INSECURE", "true")
	t.Setenv("KAI_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("KAI_TIMELINE_PATH", "./tmp.db")
	t.Setenv("KAI_TIMELINE_RETENTION_MODE", "persistent")
	t.Setenv("KAI_TIMELINE_RETENTION_DAYS", "7")
	t.Setenv("KAI_TIMELINE_MAX_SESSIONS", "123")
	t.Setenv("KAI_TIMELINE_VACUUM_ON_START", "true")
	t.Setenv("KAI_AVATAR_CONFIG", "/etc/kai/avatars.yaml")
	t.Setenv("KAI_AVATAR_BACKEND", "mock")
	t.Setenv("KAI_AVATAR_WATCH", "false")
	t.Setenv("KAI_AVATAR_READY_TIMEOUT_MS", "1500")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Timeline.Path != "./tmp.db" {
		t.Fatalf("expected timeline path override")
	}
	if cfg.Timeline.RetentionMode != "persistent" {
		t.Fatalf("expected timeline retention mode override")
	}
	if cfg.Timeline.RetentionDays != 7 {
		t.Fatalf("expected timeline retention days override")
	}
	if cfg.Timeline.MaxSessions != 123 {
		t.Fatalf("expected timeline max sessions override")
	}
	if !cfg.Timeline.VacuumOnStart {
		t.Fatalf("expected timeline vacuum flag override")
	}
	if cfg.Avatar.ConfigPath != "/etc/kai/avatars.yaml" {
		t.Fatalf("expected avatar config override, got %q", cfg.Avatar.ConfigPath)
	}
	if cfg.Avatar.Backend != "mock" || cfg.Avatar.Watch {
		t.Fatalf("expected avatar backend and watch overrides, got %+v", cfg.Avatar)
	}
	if cfg.Avatar.ReadyTimeoutMS != 1500 {
		t.Fatalf("expected ready timeout override, got %d", cfg.Avatar.ReadyTimeoutMS)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kai.yaml")
	data := `
runtime_name: kai-test
avatar:
  backend: mock
  worker: exec
  local_command: "bithuman-render --gpu 0"
timeline:
  retention_mode: ephemeral
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "kai-test" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Avatar.Worker != "exec" || cfg.Avatar.LocalCommand == "" {
		t.Fatalf("expected exec worker, got %+v", cfg.Avatar)
	}
	if cfg.Avatar.RequestTimeoutMS != 5000 {
		t.Fatalf("expected default request timeout to survive partial file, got %d", cfg.Avatar.RequestTimeoutMS)
	}
}

func TestValidateRejectsBadAvatarSettings(t *testing.T) {
	cases := map[string]map[string]string{
		"avatar.backend":        {"KAI_AVATAR_BACKEND": "carrier-pigeon"},
		"avatar.worker":         {"KAI_AVATAR_WORKER": "gpu"},
		"avatar.local_command":  {"KAI_AVATAR_WORKER": "exec"},
		"ready_timeout_ms":      {"KAI_AVATAR_READY_TIMEOUT_MS": "0"},
		"heartbeat_interval_ms": {"KAI_AVATAR_HEARTBEAT_INTERVAL_MS": "-1"},
		"heartbeat_timeout_ms":  {"KAI_AVATAR_HEARTBEAT_TIMEOUT_MS": "1000"},
	}
	for want, env := range cases {
		t.Run(want, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), want) {
				t.Fatalf("expected error mentioning %q, got %v", want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
