package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePlugin(t *testing.T, root, dir, manifest string) string {
	t.Helper()
	pluginDir := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(pluginDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, manifestFile), []byte(manifest), 0644))
	return pluginDir
}

func TestScanDirectories(t *testing.T) {
	tmp := t.TempDir()
	writePlugin(t, tmp, "myplugin", `{"name":"myplugin","version":"1.0.0","main":"build/index.js"}`)
	writePlugin(t, tmp, "another", `{"name":"@acme/another","version":"0.1.0"}`)
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "stray.txt"), []byte("x"), 0644))

	found, err := ScanDirectories([]string{tmp})
	require.NoError(t, err)
	require.Len(t, found, 2)

	// Sorted by directory.
	assert.Equal(t, "@acme/another", found[0].Manifest.Name)
	assert.Equal(t, "myplugin", found[1].Manifest.Name)
	assert.Equal(t, "build/index.js", found[1].Manifest.Main)
	assert.True(t, filepath.IsAbs(found[0].Directory))
}

func TestScanInvalidManifest(t *testing.T) {
	tmp := t.TempDir()
	writePlugin(t, tmp, "broken", `{{{not json`)
	writePlugin(t, tmp, "nameless", `{"version":"1.0.0"}`)
	writePlugin(t, tmp, "valid", `{"name":"valid"}`)
	require.NoError(t, os.MkdirAll(filepath.Join(tmp, "empty"), 0755))

	found, err := ScanDirectories([]string{tmp})
	require.NoError(t, err)
	require.Len(t, found, 1, "broken manifests should be skipped")
	assert.Equal(t, "valid", found[0].Manifest.Name)
}

func TestScanDirectoriesNonexistent(t *testing.T) {
	found, err := ScanDirectories([]string{"/nonexistent/path"})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestScanMultipleRoots(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	writePlugin(t, a, "one", `{"name":"one"}`)
	writePlugin(t, b, "two", `{"name":"two"}`)

	found, err := ScanDirectories([]string{a, b})
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestReadManifest(t *testing.T) {
	dir := writePlugin(t, t.TempDir(), "p", `{"name":"p","version":"2.3.4","description":"demo"}`)

	m, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "2.3.4", m.Version)
	assert.Equal(t, "demo", m.Description)

	_, err = ReadManifest(t.TempDir())
	assert.Error(t, err)
}
