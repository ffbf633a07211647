package plugin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"plugbridge/internal/domain"
	"plugbridge/internal/infra/tracer"
)

// Installer downloads, verifies and installs plugins from the registry.
type Installer struct {
	pluginDir string
	registry  *Registry
	store     domain.PluginStore
	handles   *Handles // nil when no runtime is attached, e.g. from the CLI
	bus       domain.EventBus
	logger    *slog.Logger
	locks     nameLocks
}

// InstallerConfig configures an Installer.
type InstallerConfig struct {
	PluginDir string
	Registry  *Registry
	Store     domain.PluginStore
	Handles   *Handles
	Bus       domain.EventBus
	Logger    *slog.Logger
}

// NewInstaller creates a plugin installer.
func NewInstaller(cfg InstallerConfig) *Installer {
	return &Installer{
		pluginDir: cfg.PluginDir,
		registry:  cfg.Registry,
		store:     cfg.Store,
		handles:   cfg.Handles,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
	}
}

// Install fetches name at version (empty means latest), verifies its checksum,
// extracts it into the plugin directory and records it. When a runtime is
// attached the plugin is booted as well; a boot failure is returned together
// with the installed version.
func (i *Installer) Install(ctx context.Context, name, version string) (_ *domain.PluginVersion, err error) {
	ctx, span := tracer.StartSpan(ctx, "plugin.install")
	span.SetAttributes(tracer.StringAttr("plugin.name", name), tracer.StringAttr("plugin.version", version))
	defer func() { tracer.End(span, err) }()

	dirName, err := safeDirName(name)
	if err != nil {
		return nil, err
	}

	unlock := i.locks.lock(name)
	defer unlock()

	pv, err := i.registry.GetVersion(ctx, name, version)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp("", "plugbridge-plugin-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	hasher := sha256.New()
	if _, err := i.registry.Download(ctx, name, pv.Version, io.MultiWriter(tmp, hasher)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.NewSubSystemError("install", "Installer.Install", domain.ErrDownloadFailed, err.Error())
	}
	if err := tmp.Close(); err != nil {
		return nil, domain.NewSubSystemError("install", "Installer.Install", domain.ErrDownloadFailed, err.Error())
	}

	got := hex.EncodeToString(hasher.Sum(nil))
	if pv.Checksum == "" || !strings.EqualFold(got, pv.Checksum) {
		return nil, domain.NewSubSystemError("install", "Installer.Install", domain.ErrChecksumMismatch,
			fmt.Sprintf("%s@%s: got %s, want %q", name, pv.Version, got, pv.Checksum))
	}

	destDir := filepath.Join(i.pluginDir, dirName)
	st, err := i.unpack(tmp.Name(), destDir)
	if err != nil {
		return nil, err
	}

	p, err := i.record(ctx, destDir, pv)
	if err != nil {
		st.rollback(i.logger)
		return nil, err
	}
	st.commit(i.logger)
	i.logger.Info("plugin installed", "name", pv.Name, "version", pv.Version, "dir", destDir)
	i.publish(ctx, domain.EventPluginInstalled, p)

	if i.handles != nil && p.Enabled {
		if _, err := i.handles.Add(ctx, *p); err != nil {
			return pv, fmt.Errorf("boot installed plugin %s: %w", pv.Name, err)
		}
	}
	return pv, nil
}

// staged is an extracted plugin moved into place, with the previous install
// (if any) kept aside until the row is written.
type staged struct {
	dest   string
	backup string
}

// unpack extracts archive into a fresh staging directory next to destDir and
// only swaps it in once the manifest reads. A failed extract leaves an
// existing install untouched.
func (i *Installer) unpack(archive, destDir string) (*staged, error) {
	if err := os.MkdirAll(i.pluginDir, 0o755); err != nil {
		return nil, fmt.Errorf("create plugin dir: %w", err)
	}
	staging, err := os.MkdirTemp(i.pluginDir, "."+filepath.Base(destDir)+".staging-")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	if err := os.Chmod(staging, 0o755); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	err = extractArchive(archive, staging)
	if err == nil {
		_, err = ReadManifest(staging)
	}
	if err != nil {
		os.RemoveAll(staging)
		return nil, domain.NewSubSystemError("install", "Installer.Install", domain.ErrExtractFailed, err.Error())
	}

	st := &staged{dest: destDir}
	if _, err := os.Stat(destDir); err == nil {
		st.backup = staging + ".prev"
		if err := os.Rename(destDir, st.backup); err != nil {
			os.RemoveAll(staging)
			return nil, fmt.Errorf("move previous install aside: %w", err)
		}
	}
	if err := os.Rename(staging, destDir); err != nil {
		os.RemoveAll(staging)
		if st.backup != "" {
			os.Rename(st.backup, destDir)
		}
		return nil, fmt.Errorf("move plugin into place: %w", err)
	}
	return st, nil
}

func (st *staged) commit(logger *slog.Logger) {
	if st.backup == "" {
		return
	}
	if err := os.RemoveAll(st.backup); err != nil {
		logger.Warn("remove previous install", "dir", st.backup, "error", err)
	}
}

// rollback removes the new files and restores the previous install.
func (st *staged) rollback(logger *slog.Logger) {
	if err := os.RemoveAll(st.dest); err != nil {
		logger.Warn("remove failed install", "dir", st.dest, "error", err)
	}
	if st.backup == "" {
		return
	}
	if err := os.Rename(st.backup, st.dest); err != nil {
		logger.Warn("restore previous install", "dir", st.dest, "error", err)
	}
}

// record upserts the plugin row, keeping the id and enabled flag of an
// existing row for the same directory.
func (i *Installer) record(ctx context.Context, dir string, pv *domain.PluginVersion) (*domain.Plugin, error) {
	p := &domain.Plugin{Directory: dir, Enabled: true}
	existing, err := i.store.GetPluginByDirectory(ctx, dir)
	switch {
	case err == nil:
		p.ID = existing.ID
		p.Enabled = existing.Enabled
		p.CheckedAt = existing.CheckedAt
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	u := pv.URL
	if u == "" {
		u = i.registry.PluginURL(pv.Name)
	}
	p.URL = &u

	if err := i.store.UpsertPlugin(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Uninstall deletes the plugin row and terminates its live handle, if any.
// The directory stays on disk; see RemoveDirectory.
func (i *Installer) Uninstall(ctx context.Context, pluginID string) (*domain.Plugin, error) {
	p, err := i.store.DeletePluginByID(ctx, pluginID)
	if err != nil {
		return nil, err
	}
	if i.handles != nil {
		if h := i.handles.FindByDirectory(p.Directory); h != nil {
			if err := i.handles.Remove(ctx, h.ReferenceID()); err != nil {
				i.logger.Warn("terminate uninstalled plugin", "plugin", h.Name(), "error", err)
			}
		}
	}
	i.logger.Info("plugin uninstalled", "id", p.ID, "dir", p.Directory)
	i.publish(ctx, domain.EventPluginUninstalled, p)
	return p, nil
}

// RemoveDirectory deletes an installed plugin's directory. Only paths inside
// the plugin directory are removed.
func (i *Installer) RemoveDirectory(dir string) error {
	root, err := filepath.Abs(i.pluginDir)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." || !filepath.IsLocal(rel) {
		return domain.NewSubSystemError("plugin", "Installer.RemoveDirectory", domain.ErrPermissionDenied,
			fmt.Sprintf("%s is outside %s", dir, root))
	}
	return os.RemoveAll(abs)
}

// CheckUpdates asks the registry about every registry-sourced plugin in one
// request. Local and bundled plugins are never checked.
func (i *Installer) CheckUpdates(ctx context.Context, plugins []domain.Plugin) (*domain.UpdatesAvailable, error) {
	var installed []domain.PluginNameVersion
	for _, p := range plugins {
		if !p.FromRegistry() {
			continue
		}
		m, err := ReadManifest(p.Directory)
		if err != nil {
			i.logger.Warn("skipping update check", "dir", p.Directory, "error", err)
			continue
		}
		installed = append(installed, domain.PluginNameVersion{Name: m.Name, Version: m.Version})
	}
	if len(installed) == 0 {
		return &domain.UpdatesAvailable{}, nil
	}
	return i.registry.CheckUpdates(ctx, installed)
}

func (i *Installer) Search(ctx context.Context, query string) ([]domain.PluginVersion, error) {
	return i.registry.Search(ctx, query)
}

func (i *Installer) publish(ctx context.Context, t domain.EventType, p *domain.Plugin) {
	if i.bus == nil {
		return
	}
	i.bus.Publish(ctx, domain.Event{Type: t, Payload: mustJSON(p)})
}

// safeDirName maps a registry name ("foo" or "@scope/foo") to one directory
// name under the plugin directory.
func safeDirName(name string) (string, error) {
	dir := strings.ReplaceAll(strings.TrimSpace(name), "/", "_")
	if dir == "" || dir == "." || dir == ".." || !filepath.IsLocal(dir) || strings.ContainsAny(dir, `\:`) {
		return "", domain.NewSubSystemError("plugin", "Installer.Install", domain.ErrInvalidInput,
			fmt.Sprintf("invalid plugin name %q", name))
	}
	return dir, nil
}

// nameLocks serializes installs of the same plugin name. Entries are dropped
// as soon as the last holder unlocks.
type nameLocks struct {
	mu sync.Mutex
	m  map[string]*nameLock
}

type nameLock struct {
	mu   sync.Mutex
	refs int
}

func (l *nameLocks) lock(name string) (unlock func()) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*nameLock)
	}
	nl, ok := l.m[name]
	if !ok {
		nl = &nameLock{}
		l.m[name] = nl
	}
	nl.refs++
	l.mu.Unlock()

	nl.mu.Lock()
	return func() {
		nl.mu.Unlock()
		l.mu.Lock()
		nl.refs--
		if nl.refs == 0 {
			delete(l.m, name)
		}
		l.mu.Unlock()
	}
}
