package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"plugbridge/internal/infra/config"
	"plugbridge/internal/plugin"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()

	// Try to load config; some checks work without it.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Runtime binary", Fn: checkRuntimeBinary},
		{Name: "Runtime entry script", Fn: checkEntryScript},
		{Name: "Plugin directory", Fn: checkPluginDir},
		{Name: "Bundled plugins", Fn: checkBundledPlugins},
		{Name: "Database", Fn: checkDatabaseDir},
		{Name: "Encryption key", Fn: checkEncryptionKey},
		{Name: "Registry", Fn: checkRegistry},
	}

	fmt.Println("plugbridge doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above before running plugbridge.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\nplugbridge should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed! plugbridge is ready to run.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile returns a check that verifies the config file parses. A
// missing file only warns: defaults and env overrides still apply.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and permissions (0600 or stricter)",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

func checkRuntimeBinary(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}
	}
	path, err := exec.LookPath(cfg.Runtime.Binary)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("runtime binary %q not found", cfg.Runtime.Binary),
			Fix:     "Install the runtime or set runtime.binary to its full path",
		}
	}
	return CheckResult{Status: StatusPass, Message: path}
}

func checkEntryScript(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}
	}
	script := cfg.Runtime.EntryScript
	if !filepath.IsAbs(script) && cfg.Runtime.WorkDir != "" {
		script = filepath.Join(cfg.Runtime.WorkDir, script)
	}
	info, err := os.Stat(script)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("entry script %s: %v", script, err),
			Fix:     "Set runtime.entry_script to the plugin runtime's main script",
		}
	}
	if info.IsDir() {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s is a directory", script)}
	}
	return CheckResult{Status: StatusPass, Message: script}
}

// checkPluginDir verifies the install directory exists or can be created, and
// is writable.
func checkPluginDir(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}
	}
	return checkWritableDir(cfg.Plugins.Dir)
}

func checkDatabaseDir(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}
	}
	return checkWritableDir(filepath.Dir(cfg.Storage.Path))
}

func checkWritableDir(dir string) CheckResult {
	absDir, _ := filepath.Abs(dir)

	info, err := os.Stat(absDir)
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(absDir, 0o755); mkErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("%s does not exist and cannot be created: %v", absDir, mkErr),
				Fix:     fmt.Sprintf("Create the directory: mkdir -p %s", absDir),
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("created %s", absDir)}
	}
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("cannot stat %s: %v", absDir, err)}
	}
	if !info.IsDir() {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s exists but is not a directory", absDir)}
	}

	testFile := filepath.Join(absDir, ".doctor-check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not writable: %v", absDir, err),
			Fix:     fmt.Sprintf("Fix permissions: chmod 755 %s", absDir),
		}
	}
	os.Remove(testFile)
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s writable", absDir)}
}

func checkBundledPlugins(cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Plugins.BundledDir == "" {
		return CheckResult{Status: StatusPass, Message: "no bundled plugin directory configured"}
	}
	found, err := plugin.ScanDirectories([]string{cfg.Plugins.BundledDir})
	if err != nil {
		return CheckResult{Status: StatusWarn, Message: fmt.Sprintf("scan %s: %v", cfg.Plugins.BundledDir, err)}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d bundled plugin(s) in %s", len(found), cfg.Plugins.BundledDir)}
}

func checkEncryptionKey(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "cannot check: config not loaded"}
	}
	if cfg.Security.EncryptionKey == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no encryption key, secure() and keyring() are disabled",
			Fix:     "Set PLUGBRIDGE_ENCRYPTION_KEY or security.encryption_key",
		}
	}
	return CheckResult{Status: StatusPass, Message: "encryption key configured"}
}

// checkRegistry verifies the registry answers at all; any HTTP status counts.
func checkRegistry(cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Plugins.RegistryURL == "" {
		return CheckResult{Status: StatusWarn, Message: "no registry configured"}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Plugins.RegistryURL, nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("invalid registry URL: %v", err)}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("registry unreachable: %v", err),
			Fix:     "Check plugins.registry_url and your network connection",
		}
	}
	resp.Body.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s (HTTP %d)", cfg.Plugins.RegistryURL, resp.StatusCode)}
}
