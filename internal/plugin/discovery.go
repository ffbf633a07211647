package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const manifestFile = "package.json"

// Manifest is the subset of a plugin's package.json the host reads.
type Manifest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Main        string `json:"main,omitempty"`
}

// DiscoveredPlugin is a plugin directory found on disk.
type DiscoveredPlugin struct {
	Directory string
	Manifest  Manifest
}

// ReadManifest parses dir/package.json. A manifest without a name is invalid.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Join(dir, manifestFile), err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("%s: missing name", filepath.Join(dir, manifestFile))
	}
	return &m, nil
}

// ScanDirectories walks each directory looking for plugin subdirectories with
// a valid package.json. Missing roots and malformed manifests are skipped.
func ScanDirectories(dirs []string) ([]DiscoveredPlugin, error) {
	var found []DiscoveredPlugin
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read plugin dir %s: %w", dir, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			pluginDir := filepath.Join(dir, entry.Name())
			m, err := ReadManifest(pluginDir)
			if err != nil {
				continue
			}
			abs, err := filepath.Abs(pluginDir)
			if err != nil {
				return nil, err
			}
			found = append(found, DiscoveredPlugin{Directory: abs, Manifest: *m})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Directory < found[j].Directory })
	return found, nil
}
