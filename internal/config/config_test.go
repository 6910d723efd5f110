package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zelig-tools/mdimport/internal/loader"
	"github.com/zelig-tools/mdimport/internal/version"
)

func TestLoadMissingFileIsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Policy != "exact" || cfg.LogLevel != "info" || cfg.Flags() != 0 {
		t.Fatalf("default = %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default invalid: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFile)
	cfg := Default()
	cfg.SearchPaths = []string{"lib", "ref"}
	cfg.Policy = ">= 4.0, < 5"
	cfg.LoadCode = true
	cfg.Registry = RegistryConfig{URL: "https://assemblies.example", HTTP3: true, Timeout: "10s"}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if strings.Join(got.SearchPaths, ",") != "lib,ref" || got.Flags() != loader.LoadCode {
		t.Fatalf("loaded = %+v", got)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	policy, _ := got.VersionPolicy()
	if !policy(version.MustParse("1.0.0.0"), version.MustParse("4.5.0.0")) || policy(version.MustParse("1.0.0.0"), version.MustParse("5.0.0.0")) {
		t.Fatalf("constraint policy not applied")
	}
	if d, _ := got.Registry.RequestTimeout(); d != 10*time.Second {
		t.Fatalf("timeout = %v", d)
	}
}

func TestLoadRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("bad JSON accepted")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	cfg.SearchPaths = []string{"configured"}
	env := map[string]string{
		EnvPath:     "first" + string(filepath.ListSeparator) + " " + string(filepath.ListSeparator) + "second",
		EnvRegistry: "https://override.example",
	}
	cfg.ApplyEnv(func(k string) string { return env[k] })

	if got := strings.Join(cfg.SearchPaths, ","); got != "first,second,configured" {
		t.Fatalf("paths = %s", got)
	}
	if cfg.Registry.URL != "https://override.example" {
		t.Fatalf("registry = %s", cfg.Registry.URL)
	}

	untouched := Default()
	untouched.ApplyEnv(func(string) string { return "" })
	if len(untouched.SearchPaths) != 0 || untouched.Registry.URL != "" {
		t.Fatalf("empty environment changed config: %+v", untouched)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		apply func(*Config)
		ok    bool
	}{
		{"forward", func(c *Config) { c.Policy = "forward" }, true},
		{"bad constraint", func(c *Config) { c.Policy = ">= banana" }, false},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, false},
		{"bad timeout", func(c *Config) { c.Registry.Timeout = "soon" }, false},
		{"negative parallelism", func(c *Config) { c.Parallelism = -1 }, false},
		{"http3 over http", func(c *Config) { c.Registry = RegistryConfig{URL: "http://x", HTTP3: true} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.apply(cfg)
			if err := cfg.Validate(); (err == nil) != tt.ok {
				t.Fatalf("validate = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "debug"
	if l, err := cfg.Level(); err != nil || l != logrus.DebugLevel {
		t.Fatalf("level = %v, %v", l, err)
	}
	cfg.LogLevel = ""
	if l, _ := cfg.Level(); l != logrus.InfoLevel {
		t.Fatalf("empty level = %v", l)
	}
}
