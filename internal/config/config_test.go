package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conveyor.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("Driver = %q, want sqlite3 default", cfg.Database.Driver)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.MaxSizeMB != 50 {
		t.Errorf("logging defaults: %+v", cfg.Logging)
	}
	if cfg.Engine.ApprovalPoll != "5s" || cfg.Engine.AgentPoll != "2s" {
		t.Errorf("engine defaults: %+v", cfg.Engine)
	}
	if cfg.Cluster.Image != "alpine:latest" {
		t.Errorf("Image = %q", cfg.Cluster.Image)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `server:
  port: 8443
database:
  driver: pgx
  dsn: postgres://conveyor@localhost/conveyor
logging:
  level: debug
  file: /var/log/conveyor/server.log
engine:
  approval_poll: 10s
  approval_timeout: 2h
  workspace_root: /srv/workspaces
cluster:
  enabled: true
  image: golang:1.22
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Fatalf("Validate: %v", errs)
	}
	if cfg.Database.Driver != "pgx" || cfg.Engine.ApprovalTimeout != "2h" {
		t.Errorf("parsed config: %+v", cfg)
	}
	if !cfg.Cluster.Enabled || cfg.Cluster.Image != "golang:1.22" {
		t.Errorf("cluster config: %+v", cfg.Cluster)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a map")
	if _, err := Load(path); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestValidateCatchesErrors(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Database.Driver = "oracle"
	cfg.Logging.Level = "verbose"
	cfg.Engine.AgentPoll = "fast"

	errs := Validate(cfg)
	fields := map[string]bool{}
	for _, e := range errs {
		fields[e.Field] = true
	}
	for _, want := range []string{"database.driver", "logging.level", "engine.agent_poll"} {
		if !fields[want] {
			t.Errorf("missing validation error for %s; got %v", want, errs)
		}
	}
}

func TestValidatePgxRequiresDSN(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Database.Driver = "pgx"

	errs := Validate(cfg)
	found := false
	for _, e := range errs {
		if e.Field == "database.dsn" {
			found = true
		}
	}
	if !found {
		t.Errorf("pgx without DSN passed validation: %v", errs)
	}
}

func TestDurationFallback(t *testing.T) {
	if d := Duration("", time.Minute); d != time.Minute {
		t.Errorf("empty = %v", d)
	}
	if d := Duration("bogus", time.Minute); d != time.Minute {
		t.Errorf("malformed = %v", d)
	}
	if d := Duration("90s", time.Minute); d != 90*time.Second {
		t.Errorf("parsed = %v", d)
	}
}
