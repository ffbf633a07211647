package domain

import (
	"context"
	"time"
)

// Plugin is the persisted record of an installed or bundled plugin.
type Plugin struct {
	ID        string     `json:"id"`
	Directory string     `json:"directory"`
	Enabled   bool       `json:"enabled"`
	URL       *string    `json:"url,omitempty"` // nil for local and bundled plugins
	CheckedAt *time.Time `json:"checkedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// FromRegistry reports whether the plugin was installed from the remote registry.
func (p Plugin) FromRegistry() bool { return p.URL != nil }

// PluginState is the lifecycle state of a loaded plugin handle.
type PluginState string

const (
	PluginUnloaded    PluginState = "unloaded"
	PluginBooting     PluginState = "booting"
	PluginReady       PluginState = "ready"
	PluginTerminating PluginState = "terminating"
	PluginTerminated  PluginState = "terminated"
)

// BootMetadata is what a plugin declares about itself in its boot reply.
type BootMetadata struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	Capabilities      []string `json:"capabilities,omitempty"`
	TemplateFunctions []string `json:"templateFunctions,omitempty"`
}

// HasTemplateFunction reports whether the plugin declared the named function.
func (m *BootMetadata) HasTemplateFunction(name string) bool {
	if m == nil {
		return false
	}
	for _, fn := range m.TemplateFunctions {
		if fn == name {
			return true
		}
	}
	return false
}

// PluginVersion is registry metadata for one published plugin version.
type PluginVersion struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url"`
	Checksum    string `json:"checksum"` // SHA-256 hex of the archive
}

// PluginNameVersion identifies a plugin version in update checks.
type PluginNameVersion struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// UpdatesAvailable lists plugins with a newer registry version.
type UpdatesAvailable struct {
	Plugins []PluginNameVersion `json:"plugins"`
}

// PluginInitError records why one plugin failed to boot during a batch load.
type PluginInitError struct {
	Directory string `json:"directory"`
	Message   string `json:"message"`
}

func (e PluginInitError) Error() string { return e.Directory + ": " + e.Message }

// PluginStore persists plugin records. Implemented by the storage adapter.
type PluginStore interface {
	UpsertPlugin(ctx context.Context, p *Plugin) error
	DeletePluginByID(ctx context.Context, id string) (*Plugin, error)
	ListPlugins(ctx context.Context) ([]Plugin, error)
	GetPlugin(ctx context.Context, id string) (*Plugin, error)
	GetPluginByDirectory(ctx context.Context, dir string) (*Plugin, error)
}

// Encryptor encrypts and decrypts data under a per-workspace key.
type Encryptor interface {
	Encrypt(workspaceID string, plaintext []byte) ([]byte, error)
	Decrypt(workspaceID string, ciphertext []byte) ([]byte, error)
}

// Keyring reads host-side secrets by service and account.
type Keyring interface {
	Get(ctx context.Context, service, account string) (string, error)
}

// TemplateCallback is implemented by the bridge for the template engine.
type TemplateCallback interface {
	Run(ctx context.Context, fnName string, args map[string]string) (string, error)
	TransformArg(ctx context.Context, fnName, argName, value string) (string, error)
}
