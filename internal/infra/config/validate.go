package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateRuntime(cfg, ve)
	validatePlugins(cfg, ve)
	validateStorage(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateRuntime(cfg *Config, ve *ValidationError) {
	rt := cfg.Runtime
	if rt.Binary == "" {
		ve.Add("runtime.binary must not be empty")
	}
	if rt.EntryScript == "" {
		ve.Add("runtime.entry_script must not be empty")
	}

	host, port, err := net.SplitHostPort(rt.BindAddr)
	if err != nil {
		ve.Add("runtime.bind_addr %q is not a valid host:port", rt.BindAddr)
	} else {
		if !isLoopback(host) {
			ve.Add("runtime.bind_addr %q must be a loopback address", rt.BindAddr)
		}
		if port == "" {
			ve.Add("runtime.bind_addr %q is missing a port (use 0 for any)", rt.BindAddr)
		}
	}

	timeouts := []struct {
		name string
		d    time.Duration
	}{
		{"runtime.connect_timeout", rt.ConnectTimeout},
		{"runtime.boot_timeout", rt.BootTimeout},
		{"runtime.call_timeout", rt.CallTimeout},
		{"runtime.terminate_timeout", rt.TerminateTimeout},
	}
	for _, t := range timeouts {
		if t.d <= 0 {
			ve.Add("%s must be > 0", t.name)
		}
	}
	if rt.OutputTailBytes < 0 {
		ve.Add("runtime.output_tail_bytes must be >= 0")
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func validatePlugins(cfg *Config, ve *ValidationError) {
	p := cfg.Plugins
	if p.Dir == "" {
		ve.Add("plugins.dir must not be empty")
	}
	if p.RegistryURL != "" {
		u, err := url.Parse(p.RegistryURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			ve.Add("plugins.registry_url %q must be an absolute http(s) URL", p.RegistryURL)
		}
	}
	if p.RegistryTimeout <= 0 {
		ve.Add("plugins.registry_timeout must be > 0")
	}
	if p.AutoUpdateCheck {
		if p.RegistryURL == "" {
			ve.Add("plugins.registry_url is required when auto_update_check is enabled")
		}
		if p.UpdateCheckInterval < time.Minute {
			ve.Add("plugins.update_check_interval must be >= 1m when auto_update_check is enabled (got %s)", p.UpdateCheckInterval)
		}
	}
}

func validateStorage(cfg *Config, ve *ValidationError) {
	if cfg.Storage.Path == "" {
		ve.Add("storage.path must not be empty")
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}
