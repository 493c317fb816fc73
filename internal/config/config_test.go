package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sepflow/internal/config"
	"sepflow/internal/domain"
	"sepflow/internal/engine/lifecycle"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.Default()
	if cfg.Store.Backend != config.BackendSQLite {
		t.Fatalf("expected sqlite backend, got %s", cfg.Store.Backend)
	}
	if len(cfg.Identities) != 8 {
		t.Fatalf("expected demo identities, got %d", len(cfg.Identities))
	}
	if cfg.Server.BasePath != "/v1" {
		t.Fatalf("base path: %s", cfg.Server.BasePath)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"no identities":            `store: {backend: sqlite}`,
		"unknown role":             "identities:\n  - {id: x, role: CEO}\n",
		"sub without employee":     "identities:\n  - {id: s, role: Sub}\n",
		"unknown backend":          "identities:\n  - {id: a, role: AM}\nstore: {backend: mongo}\n",
		"redis without addr":       "identities:\n  - {id: a, role: AM}\nstore: {backend: redis}\n",
		"bad api key":              "identities:\n  - {id: a, role: AM}\napi_keys: {abc: a}\n",
		"key for unknown identity": "identities:\n  - {id: a, role: AM}\napi_keys: {" + config.HashAPIKey("k") + ": ghost}\n",
		"webhook without url":      "identities:\n  - {id: a, role: AM}\nwebhooks:\n  - {secret: s}\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := config.FromYAML([]byte(src)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config, got %v %v", cfg, err)
	}
	if _, err := config.Load(dir); err == nil || !strings.Contains(err.Error(), "sep init") {
		t.Fatalf("expected hint, got %v", err)
	}
	if err := os.WriteFile(config.Path(dir), []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Identities[0].Role != domain.RoleCS {
		t.Fatalf("unexpected first identity %+v", cfg.Identities[0])
	}
}

func TestPolicyOverride(t *testing.T) {
	dir := t.TempDir()
	custom := `application:
  transitions:
    - action: create
      roles: [PM]
      to: open
`
	if err := os.WriteFile(filepath.Join(dir, "policy.yml"), []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Policy = "policy.yml"
	table, err := cfg.Table(dir)
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	if _, err := table.Resolve(domain.EntityApplication, "", domain.ActionCreate, domain.RolePM, ""); err != nil {
		t.Fatalf("override not applied: %v", err)
	}
	cfg.Policy = ""
	table, err = cfg.Table(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(table.Transitions()) != len(lifecycle.Default().Transitions()) {
		t.Fatalf("expected default table")
	}
}
