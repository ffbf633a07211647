package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Plugins  PluginsConfig  `yaml:"plugins"`
	Storage  StorageConfig  `yaml:"storage"`
	Security SecurityConfig `yaml:"security"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
}

// RuntimeConfig describes the sandboxed plugin runtime process and its timeouts.
type RuntimeConfig struct {
	Binary           string            `yaml:"binary"`       // e.g. "node"
	EntryScript      string            `yaml:"entry_script"` // script the binary runs
	WorkDir          string            `yaml:"work_dir"`
	Env              map[string]string `yaml:"env,omitempty"`
	BindAddr         string            `yaml:"bind_addr"` // loopback host:port, port 0 picks a free one
	ConnectTimeout   time.Duration     `yaml:"connect_timeout"`
	BootTimeout      time.Duration     `yaml:"boot_timeout"`
	CallTimeout      time.Duration     `yaml:"call_timeout"`
	TerminateTimeout time.Duration     `yaml:"terminate_timeout"`
	OutputTailBytes  int               `yaml:"output_tail_bytes"`
}

// PluginsConfig holds plugin installation and registry settings.
type PluginsConfig struct {
	Dir                 string        `yaml:"dir"`         // installed plugins
	BundledDir          string        `yaml:"bundled_dir"` // shipped with the host, never update-checked
	RegistryURL         string        `yaml:"registry_url"`
	RegistryToken       string        `yaml:"registry_token,omitempty"`
	RegistryTimeout     time.Duration `yaml:"registry_timeout"`
	UpdateCheckInterval time.Duration `yaml:"update_check_interval"`
	AutoUpdateCheck     bool          `yaml:"auto_update_check"`
	AllowCapabilities   []string      `yaml:"allow_capabilities,omitempty"`
	DenyCapabilities    []string      `yaml:"deny_capabilities,omitempty"`
}

// StorageConfig holds the plugin database location.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// SecurityConfig holds the master key for per-workspace secure values.
type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under $HOME/.plugbridge.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".plugbridge")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Runtime: RuntimeConfig{
			Binary:           "node",
			EntryScript:      "./vendor/plugin-runtime/index.cjs",
			BindAddr:         "127.0.0.1:0",
			ConnectTimeout:   10 * time.Second,
			BootTimeout:      5 * time.Second,
			CallTimeout:      30 * time.Second,
			TerminateTimeout: 2 * time.Second,
			OutputTailBytes:  64 * 1024,
		},
		Plugins: PluginsConfig{
			Dir:                 filepath.Join(dataDir, "plugins"),
			BundledDir:          "./vendor/plugins",
			RegistryURL:         "https://plugins.example.com/api/v1/plugins",
			RegistryTimeout:     30 * time.Second,
			UpdateCheckInterval: 12 * time.Hour,
			AutoUpdateCheck:     true,
		},
		Storage: StorageConfig{
			Path: filepath.Join(dataDir, "data", "plugbridge.db"),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file is not an error; defaults plus env overrides are used instead.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("PLUGBRIDGE_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps PLUGBRIDGE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PLUGBRIDGE_RUNTIME_BINARY"); v != "" {
		cfg.Runtime.Binary = v
	}
	if v := os.Getenv("PLUGBRIDGE_RUNTIME_ENTRY_SCRIPT"); v != "" {
		cfg.Runtime.EntryScript = v
	}
	if v := os.Getenv("PLUGBRIDGE_RUNTIME_BIND_ADDR"); v != "" {
		cfg.Runtime.BindAddr = v
	}
	if v := os.Getenv("PLUGBRIDGE_RUNTIME_BOOT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Runtime.BootTimeout = d
		}
	}
	if v := os.Getenv("PLUGBRIDGE_RUNTIME_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Runtime.CallTimeout = d
		}
	}
	if v := os.Getenv("PLUGBRIDGE_RUNTIME_OUTPUT_TAIL_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runtime.OutputTailBytes = n
		}
	}

	if v := os.Getenv("PLUGBRIDGE_PLUGINS_DIR"); v != "" {
		cfg.Plugins.Dir = v
	}
	if v := os.Getenv("PLUGBRIDGE_PLUGINS_BUNDLED_DIR"); v != "" {
		cfg.Plugins.BundledDir = v
	}
	if v := os.Getenv("PLUGBRIDGE_REGISTRY_URL"); v != "" {
		cfg.Plugins.RegistryURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("PLUGBRIDGE_REGISTRY_TOKEN"); v != "" {
		cfg.Plugins.RegistryToken = v
	}
	if v := os.Getenv("PLUGBRIDGE_UPDATE_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Plugins.UpdateCheckInterval = d
		}
	}
	switch os.Getenv("PLUGBRIDGE_AUTO_UPDATE_CHECK") {
	case "true":
		cfg.Plugins.AutoUpdateCheck = true
	case "false":
		cfg.Plugins.AutoUpdateCheck = false
	}

	if v := os.Getenv("PLUGBRIDGE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("PLUGBRIDGE_ENCRYPTION_KEY"); v != "" {
		cfg.Security.EncryptionKey = v
	}

	if v := os.Getenv("PLUGBRIDGE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("PLUGBRIDGE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("PLUGBRIDGE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("PLUGBRIDGE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// decryptSecrets finds "enc:..." values in secret fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := map[string]*string{
		"security.encryption_key": &cfg.Security.EncryptionKey,
		"plugins.registry_token":  &cfg.Plugins.RegistryToken,
	}
	for name, fp := range secrets {
		if !strings.HasPrefix(*fp, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// Format: hex(salt) + ":" + hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
