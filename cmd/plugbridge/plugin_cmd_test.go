package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugbridge/internal/domain"
	"plugbridge/internal/infra/config"
)

// tarball returns a gzipped npm-style package with a manifest for name@version.
func tarball(t *testing.T, name, version string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)
	body := `{"name":"` + name + `","version":"` + version + `"}`
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "package/package.json", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}))
	_, err := tw.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gzw.Close())
	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:])
}

func newTestRegistry(t *testing.T, name, version string, updates []domain.PluginNameVersion) *httptest.Server {
	t.Helper()
	data, sum := tarball(t, name, version)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		switch {
		case path == "updates":
			json.NewEncoder(w).Encode(domain.UpdatesAvailable{Plugins: updates})
		case path == "search":
			json.NewEncoder(w).Encode(map[string]any{"plugins": []domain.PluginVersion{
				{Name: name, Version: version, Description: "Dark and light themes for every workspace, with matching syntax colors"},
			}})
		case path == name+"/download":
			w.Write(data)
		case path == name:
			json.NewEncoder(w).Encode(domain.PluginVersion{Name: name, Version: version, Checksum: sum})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestCLI(t *testing.T, registryURL string) (*pluginCLI, *bytes.Buffer) {
	t.Helper()
	cfg := config.Defaults()
	root := t.TempDir()
	cfg.Plugins.Dir = filepath.Join(root, "plugins")
	cfg.Storage.Path = filepath.Join(root, "data", "plugbridge.db")
	cfg.Plugins.RegistryURL = registryURL

	var out bytes.Buffer
	cli, closer, err := newPluginCLI(cfg, &out)
	require.NoError(t, err)
	t.Cleanup(closer)
	return cli, &out
}

func TestPluginCLI_ListEmpty(t *testing.T) {
	cli, out := newTestCLI(t, "http://127.0.0.1:1")
	require.NoError(t, cli.dispatch(context.Background(), []string{"list"}))
	assert.Contains(t, out.String(), "No plugins registered.")
}

func TestPluginCLI_InstallListUninstall(t *testing.T) {
	srv := newTestRegistry(t, "themes", "1.2.0", nil)
	cli, out := newTestCLI(t, srv.URL)
	ctx := context.Background()

	require.NoError(t, cli.dispatch(ctx, []string{"install", "themes"}))
	assert.Contains(t, out.String(), "Installed themes v1.2.0")

	out.Reset()
	require.NoError(t, cli.dispatch(ctx, []string{"list"}))
	listing := out.String()
	assert.Contains(t, listing, "themes")
	assert.Contains(t, listing, "1.2.0")
	assert.Contains(t, listing, "registry")

	plugins, err := cli.store.ListPlugins(ctx)
	require.NoError(t, err)
	require.Len(t, plugins, 1)

	out.Reset()
	require.NoError(t, cli.dispatch(ctx, []string{"uninstall", plugins[0].ID}))
	assert.Contains(t, out.String(), "Uninstalled")
	assert.NoDirExists(t, plugins[0].Directory)
}

func TestPluginCLI_EnableDisable(t *testing.T) {
	cli, out := newTestCLI(t, "http://127.0.0.1:1")
	ctx := context.Background()
	p := &domain.Plugin{Directory: t.TempDir(), Enabled: true}
	require.NoError(t, cli.store.UpsertPlugin(ctx, p))

	require.NoError(t, cli.dispatch(ctx, []string{"disable", p.ID}))
	got, err := cli.store.GetPlugin(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Contains(t, out.String(), "disabled")

	require.NoError(t, cli.dispatch(ctx, []string{"enable", p.ID}))
	got, err = cli.store.GetPlugin(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)

	err = cli.dispatch(ctx, []string{"enable", "missing"})
	assert.Equal(t, domain.CodePluginNotFound, domain.ErrorCodeOf(err))
}

func TestPluginCLI_Updates(t *testing.T) {
	srv := newTestRegistry(t, "themes", "1.2.0", []domain.PluginNameVersion{{Name: "themes", Version: "2.0.0"}})
	cli, out := newTestCLI(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, cli.dispatch(ctx, []string{"install", "themes"}))

	out.Reset()
	require.NoError(t, cli.dispatch(ctx, []string{"updates"}))
	assert.Contains(t, out.String(), "2.0.0")
}

func TestPluginCLI_UpdatesNone(t *testing.T) {
	cli, out := newTestCLI(t, "http://127.0.0.1:1")
	require.NoError(t, cli.dispatch(context.Background(), []string{"updates"}))
	assert.Contains(t, out.String(), "up to date")
}

func TestPluginCLI_SearchTruncatesDescription(t *testing.T) {
	srv := newTestRegistry(t, "themes", "1.2.0", nil)
	cli, out := newTestCLI(t, srv.URL)

	require.NoError(t, cli.dispatch(context.Background(), []string{"search", "the", "mes"}))
	assert.Contains(t, out.String(), "themes")
	assert.Contains(t, out.String(), "...")
}

func TestPluginCLI_UsageErrors(t *testing.T) {
	cli, _ := newTestCLI(t, "http://127.0.0.1:1")
	for _, args := range [][]string{{"install"}, {"uninstall"}, {"enable"}, {"search"}, {"bogus"}} {
		err := cli.dispatch(context.Background(), args)
		assert.Error(t, err, "args %v", args)
	}
}

func TestPrintPluginUsage(t *testing.T) {
	var buf bytes.Buffer
	printPluginUsage(&buf)
	for _, cmd := range []string{"list", "install", "uninstall", "updates", "search"} {
		assert.Contains(t, buf.String(), cmd)
	}
}
