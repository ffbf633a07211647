package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidateDefaultsPass(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty binary", func(c *Config) { c.Runtime.Binary = "" }, "runtime.binary must not be empty"},
		{"empty entry", func(c *Config) { c.Runtime.EntryScript = "" }, "runtime.entry_script must not be empty"},
		{"bad bind", func(c *Config) { c.Runtime.BindAddr = "nope" }, "is not a valid host:port"},
		{"public bind", func(c *Config) { c.Runtime.BindAddr = "0.0.0.0:9000" }, "must be a loopback address"},
		{"zero boot timeout", func(c *Config) { c.Runtime.BootTimeout = 0 }, "runtime.boot_timeout must be > 0"},
		{"negative tail", func(c *Config) { c.Runtime.OutputTailBytes = -1 }, "runtime.output_tail_bytes must be >= 0"},
		{"empty plugins dir", func(c *Config) { c.Plugins.Dir = "" }, "plugins.dir must not be empty"},
		{"relative registry", func(c *Config) { c.Plugins.RegistryURL = "/plugins" }, "must be an absolute http(s) URL"},
		{"short interval", func(c *Config) { c.Plugins.UpdateCheckInterval = time.Second }, "plugins.update_check_interval must be >= 1m"},
		{"auto check without registry", func(c *Config) { c.Plugins.RegistryURL = "" }, "registry_url is required"},
		{"empty storage", func(c *Config) { c.Storage.Path = "" }, "storage.path must not be empty"},
		{"bad level", func(c *Config) { c.Logger.Level = "loud" }, "logger.level"},
		{"bad format", func(c *Config) { c.Logger.Format = "xml" }, "logger.format"},
		{"bad exporter", func(c *Config) { c.Tracer.Enabled = true; c.Tracer.Exporter = "jaeger" }, "tracer.exporter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			assertContains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateLocalhostBind(t *testing.T) {
	cfg := Defaults()
	cfg.Runtime.BindAddr = "localhost:0"
	if err := Validate(cfg); err != nil {
		t.Fatalf("localhost should be accepted: %v", err)
	}
}

func TestValidateAutoUpdateDisabledSkipsInterval(t *testing.T) {
	cfg := Defaults()
	cfg.Plugins.AutoUpdateCheck = false
	cfg.Plugins.UpdateCheckInterval = 0
	if err := Validate(cfg); err != nil {
		t.Fatalf("interval should not matter when auto checks are off: %v", err)
	}
}

func TestValidateAccumulates(t *testing.T) {
	cfg := Defaults()
	cfg.Runtime.Binary = ""
	cfg.Storage.Path = ""

	err := Validate(cfg)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 2 {
		t.Errorf("got %d errors, want 2: %v", len(ve.Errors), ve.Errors)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
