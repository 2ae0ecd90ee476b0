package config_test

import (
	"os"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"inspectline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default("fac-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Facility.ID != "fac-1" {
		t.Fatalf("unexpected facility id %q", cfg.Facility.ID)
	}
	if !cfg.Penalties.Rates["Missing PPE"].Equal(decimal.NewFromInt(500)) {
		t.Fatalf("unexpected Missing PPE rate %s", cfg.Penalties.Rates["Missing PPE"])
	}
	if got := cfg.ActiveInspectors(); len(got) != 2 || got[0] != "insp-1" {
		t.Fatalf("unexpected roster %v", got)
	}
}

func TestResolveChecklistTemplate(t *testing.T) {
	cfg := config.Default("fac-1")
	tpl, err := cfg.ResolveChecklistTemplate("wc-lobby")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if tpl.ID != "washroom" || len(tpl.Items) != 3 {
		t.Fatalf("unexpected template %+v", tpl)
	}
	if _, err := cfg.ResolveChecklistTemplate("nowhere"); err == nil {
		t.Fatalf("expected unknown location error")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown template":     strings.Replace(config.GenerateDefault("f"), "template: washroom}", "template: kitchen}", 1),
		"unknown role":         strings.Replace(config.GenerateDefault("f"), "role: admin}", "role: janitor}", 1),
		"supervisor not found": strings.Replace(config.GenerateDefault("f"), "supervisor_id: sup-1", "supervisor_id: nobody", 1),
		"negative rate":        strings.Replace(config.GenerateDefault("f"), `"Other": "100"`, `"Other": "-1"`, 1),
		"bad category":         strings.Replace(config.GenerateDefault("f"), "categories: [service,", "categories: [catering,", 1),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := config.FromYAML([]byte(raw)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	if cfg, err := config.LoadOptional(dir); err != nil || cfg != nil {
		t.Fatalf("expected nil config for empty workspace, got %v %v", cfg, err)
	}
	if err := os.WriteFile(config.Path(dir), []byte(config.GenerateDefault("fac-2")), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Facility.ID != "fac-2" || cfg.CommitTimeout().Seconds() != 5 {
		t.Fatalf("unexpected config %+v", cfg.Facility)
	}
}
