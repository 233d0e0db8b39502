package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"firewall-audit/internal/model"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fwaudit.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.LogLevel != DefaultLogLevel || cfg.Provider != DefaultProvider {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Catalogue.MinSeverity != model.Warning || len(cfg.Catalogue.Ports.SSH) != 1 {
		t.Fatalf("expected catalogue defaults, got %+v", cfg.Catalogue)
	}
}

func TestLoadValidYAML(t *testing.T) {
	path := writeTemp(t, `
log_level: debug
workers: 4
provider: mariadb
fail_above: moderate
database:
  dsn: "root:static@tcp(127.0.0.1:3306)/firewall_audit"
  snapshot: edge-gw
catalogue:
  min_severity: info
  broad_prefix_threshold: 20
  disabled: [rule-missing-comment]
  ports:
    ssh: [22, 2222]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Workers != 4 || cfg.Database.Snapshot != "edge-gw" || cfg.FailAbove != "moderate" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	cat := cfg.Catalogue
	if cat.MinSeverity != model.Info || cat.BroadPrefixThreshold != 20 {
		t.Fatalf("unexpected catalogue %+v", cat)
	}
	if len(cat.Ports.SSH) != 2 || cat.Ports.SSH[1] != 2222 {
		t.Fatalf("expected custom ssh ports, got %v", cat.Ports.SSH)
	}
	if len(cat.Ports.RDP) != 1 || cat.Ports.RDP[0] != 3389 {
		t.Fatalf("expected default rdp ports, got %v", cat.Ports.RDP)
	}
	if len(cat.Disabled) != 1 || cat.Disabled[0] != "rule-missing-comment" {
		t.Fatalf("unexpected disabled list %v", cat.Disabled)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"log level":    "log_level: loud\n",
		"workers":      "workers: -1\n",
		"provider":     "provider: s3\n",
		"missing dsn":  "provider: mariadb\n",
		"fail above":   "fail_above: apocalyptic\n",
		"severity":     "catalogue:\n  min_severity: urgent\n",
		"unknown key":  "colour: blue\n",
		"invalid yaml": "workers: [1\n",
	}
	for name, content := range cases {
		_, err := Load(writeTemp(t, content))
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if !strings.HasPrefix(err.Error(), "config: ") {
			t.Fatalf("%s: expected config prefix, got %v", name, err)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeTemp(t, ""))
	if err != nil {
		t.Fatalf("expected empty file to load, got %v", err)
	}
	if cfg.Provider != DefaultProvider {
		t.Fatalf("unexpected provider %q", cfg.Provider)
	}
}
