package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"plugbridge/internal/domain"
	"plugbridge/internal/infra/config"
	"plugbridge/internal/security"
	"plugbridge/internal/usecase/process"
	"plugbridge/internal/usecase/router"
)

// Compile-time check: Manager implements domain.TemplateCallback.
var _ domain.TemplateCallback = (*Manager)(nil)

// Transport is the runtime-facing server the manager starts and stops.
type Transport interface {
	Sender
	Start(ctx context.Context) error
	BoundAddr() string
	Stop(ctx context.Context) error
}

// ManagerDeps are the collaborators a Manager is built from.
type ManagerDeps struct {
	Store     domain.PluginStore
	Transport Transport
	Router    *router.Router
	Registry  *Registry
	Secure    *security.SecureFunctions // nil disables secure functions
	Bus       domain.EventBus
	Logger    *slog.Logger
}

// Manager wires the runtime process, transport, router and plugin handles
// together and is the template engine's entry point into plugins.
type Manager struct {
	runtime config.RuntimeConfig
	plugins config.PluginsConfig

	store     domain.PluginStore
	transport Transport
	router    *router.Router
	secure    *security.SecureFunctions
	bus       domain.EventBus
	logger    *slog.Logger

	handles   *Handles
	installer *Installer
	updates   *UpdateChecker

	connections atomic.Int64
	unsubs      []func()

	mu     sync.Mutex
	proc   *process.RunningProcess
	cancel context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewManager creates a manager. Nothing runs until Start.
func NewManager(runtime config.RuntimeConfig, plugins config.PluginsConfig, deps ManagerDeps) *Manager {
	secure := deps.Secure
	if secure == nil {
		secure = security.NewSecureFunctions(nil, nil, deps.Logger)
	}
	m := &Manager{
		runtime:   runtime,
		plugins:   plugins,
		store:     deps.Store,
		transport: deps.Transport,
		router:    deps.Router,
		secure:    secure,
		bus:       deps.Bus,
		logger:    deps.Logger,
	}
	m.handles = NewHandles(HandlesConfig{
		Caller:            deps.Router,
		Sender:            deps.Transport,
		BootTimeout:       runtime.BootTimeout,
		TerminateTimeout:  runtime.TerminateTimeout,
		AllowCapabilities: plugins.AllowCapabilities,
		DenyCapabilities:  plugins.DenyCapabilities,
		Bus:               deps.Bus,
		Logger:            deps.Logger.With("component", "handles"),
	})
	m.installer = NewInstaller(InstallerConfig{
		PluginDir: plugins.Dir,
		Registry:  deps.Registry,
		Store:     deps.Store,
		Handles:   m.handles,
		Bus:       deps.Bus,
		Logger:    deps.Logger.With("component", "installer"),
	})
	m.updates = NewUpdateChecker(m.installer, deps.Store, plugins.UpdateCheckInterval, deps.Bus, deps.Logger.With("component", "updates"))
	return m
}

func (m *Manager) Handles() *Handles                 { return m.handles }
func (m *Manager) Installer() *Installer             { return m.installer }
func (m *Manager) Updates() *UpdateChecker           { return m.updates }
func (m *Manager) Secure() *security.SecureFunctions { return m.secure }

// Start binds the transport, spawns the runtime, waits for it to connect and
// boots every enabled plugin. Boot failures are logged and returned alongside
// a nil error; they do not stop the bridge.
func (m *Manager) Start(ctx context.Context) (_ []domain.PluginInitError, err error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	if err := m.transport.Start(runCtx); err != nil {
		cancel()
		return nil, err
	}
	killWait := m.runtime.TerminateTimeout
	if killWait <= 0 {
		killWait = defaultTerminateTimeout
	}

	var proc *process.RunningProcess
	defer func() {
		if err == nil {
			return
		}
		if proc != nil {
			proc.Kill()
			select {
			case <-proc.Done():
			case <-time.After(killWait):
				m.logger.Warn("runtime did not exit after failed start", "pid", proc.PID())
			}
		}
		for _, unsub := range m.unsubs {
			unsub()
		}
		m.unsubs = nil
		if serr := m.transport.Stop(ctx); serr != nil {
			m.logger.Debug("stop transport after failed start", "error", serr)
		}
		cancel()
	}()

	m.router.OnDisconnect(m.handles.DetachAll)
	m.subscribe(runCtx)
	go m.router.Run(runCtx)

	if n, serr := m.SyncBundled(ctx); serr != nil {
		m.logger.Warn("sync bundled plugins", "error", serr)
	} else if n > 0 {
		m.logger.Info("registered bundled plugins", "count", n)
	}

	proc, err = process.Start(ctx, process.StartConfig{
		Binary:      m.runtime.Binary,
		EntryScript: m.runtime.EntryScript,
		BindAddr:    m.transport.BoundAddr(),
		WorkDir:     m.runtime.WorkDir,
		Env:         m.runtime.Env,
		TailBytes:   m.runtime.OutputTailBytes,
	}, m.logger.With("component", "runtime"))
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.proc = proc
	m.mu.Unlock()
	go m.watchExit(runCtx, proc)

	waitCtx, waitCancel := context.WithTimeout(ctx, m.runtime.ConnectTimeout)
	werr := m.router.WaitConnected(waitCtx)
	waitCancel()
	if werr != nil {
		return nil, domain.NewSubSystemError("boot", "Manager.Start", domain.ErrTimeout,
			fmt.Sprintf("runtime did not connect within %s", m.runtime.ConnectTimeout))
	}

	_, failed, err := m.LoadEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("load plugins: %w", err)
	}
	for _, f := range failed {
		m.logger.Warn("plugin failed to initialize", "dir", f.Directory, "error", f.Message)
	}

	if m.plugins.AutoUpdateCheck {
		m.updates.Schedule(runCtx)
		go func() {
			if _, _, err := m.updates.CheckAutomatic(runCtx); err != nil {
				m.logger.Warn("update check failed", "error", err)
			}
		}()
	}
	return failed, nil
}

// LoadEnabled boots every enabled plugin in the store.
func (m *Manager) LoadEnabled(ctx context.Context) ([]*Handle, []domain.PluginInitError, error) {
	plugins, err := m.store.ListPlugins(ctx)
	if err != nil {
		return nil, nil, err
	}
	loaded, failed := m.handles.LoadAll(ctx, plugins, nil)
	return loaded, failed, nil
}

// SyncBundled records every plugin directory under the bundled directory that
// the store does not know yet. Bundled plugins have no registry URL.
func (m *Manager) SyncBundled(ctx context.Context) (int, error) {
	if m.plugins.BundledDir == "" {
		return 0, nil
	}
	found, err := ScanDirectories([]string{m.plugins.BundledDir})
	if err != nil {
		return 0, err
	}
	added := 0
	for _, d := range found {
		_, err := m.store.GetPluginByDirectory(ctx, d.Directory)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return added, err
		}
		if err := m.store.UpsertPlugin(ctx, &domain.Plugin{Directory: d.Directory, Enabled: true}); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

func (m *Manager) subscribe(ctx context.Context) {
	if m.bus == nil {
		return
	}
	m.unsubs = append(m.unsubs,
		m.bus.Subscribe(domain.EnvelopeEventType(domain.PayloadShowToastRequest), m.onToast),
		m.bus.Subscribe(domain.EnvelopeEventType(domain.PayloadReloadNotification), m.onReload),
		m.bus.Subscribe(domain.EventRuntimeConnected, func(_ context.Context, _ domain.Event) {
			// The first connection is handled by Start.
			if m.connections.Add(1) > 1 {
				go m.reconnected(ctx)
			}
		}),
	)
}

func (m *Manager) onToast(ctx context.Context, ev domain.Event) {
	env := ev.Envelope
	if env == nil {
		return
	}
	if req, ok := env.Payload.(domain.ShowToastRequest); ok {
		m.logger.Info("plugin toast", "plugin", env.PluginName, "message", req.Message, "color", req.Color)
	}
	if err := m.router.Reply(ctx, env, domain.EmptyResponse{}); err != nil {
		m.logger.Debug("reply to toast", "error", err)
	}
}

func (m *Manager) onReload(ctx context.Context, ev domain.Event) {
	if ev.Envelope == nil {
		return
	}
	h := m.handles.Find(ev.Envelope.PluginRefID)
	if h == nil {
		m.logger.Debug("reload for unknown plugin", "ref", ev.Envelope.PluginRefID)
		return
	}
	p, err := m.store.GetPluginByDirectory(ctx, h.Directory())
	if err != nil {
		m.logger.Warn("reload plugin", "dir", h.Directory(), "error", err)
		return
	}
	if _, err := m.handles.Add(ctx, *p); err != nil {
		m.logger.Warn("reload plugin", "dir", p.Directory, "error", err)
	}
}

func (m *Manager) reconnected(ctx context.Context) {
	m.logger.Info("runtime reconnected, reloading plugins")
	_, failed, err := m.LoadEnabled(ctx)
	if err != nil {
		m.logger.Warn("reload plugins", "error", err)
		return
	}
	for _, f := range failed {
		m.logger.Warn("plugin failed to initialize", "dir", f.Directory, "error", f.Message)
	}
}

func (m *Manager) watchExit(ctx context.Context, proc *process.RunningProcess) {
	<-proc.Done()
	m.handles.DetachAll()
	err := proc.Err()
	if err == nil {
		return
	}
	m.logger.Error("plugin runtime exited", "error", err, "exit_code", proc.ExitCode())
	if m.bus != nil {
		m.bus.Publish(ctx, domain.Event{
			Type:      domain.EventRuntimeExited,
			Timestamp: time.Now(),
			Payload:   mustJSON(map[string]any{"exitCode": proc.ExitCode(), "output": proc.Output()}),
		})
	}
}

// Install installs a plugin from the registry and boots it.
func (m *Manager) Install(ctx context.Context, name, version string) (*domain.PluginVersion, error) {
	return m.installer.Install(ctx, name, version)
}

// Uninstall removes a plugin's row, handle and directory. A failure to remove
// the directory is only logged.
func (m *Manager) Uninstall(ctx context.Context, pluginID string) (*domain.Plugin, error) {
	p, err := m.installer.Uninstall(ctx, pluginID)
	if err != nil {
		return nil, err
	}
	if p.FromRegistry() {
		if err := m.installer.RemoveDirectory(p.Directory); err != nil {
			m.logger.Warn("remove plugin directory", "dir", p.Directory, "error", err)
		}
	}
	return p, nil
}

// Run calls a template function. Secure functions are answered host-side and
// never reach the runtime; everything else goes to the plugin that declared it.
func (m *Manager) Run(ctx context.Context, fnName string, args map[string]string) (string, error) {
	pctx := domain.PluginContextFromContext(ctx)
	if v, handled, err := m.secure.Intercept(ctx, fnName, args, pctx); handled {
		return v, err
	}

	h := m.handles.FindFunction(fnName)
	if h == nil {
		return "", domain.NewSubSystemError("template", "Manager.Run", domain.ErrNotFound, fnName)
	}
	reply, err := m.router.Call(ctx, h, domain.CallTemplateFunctionRequest{Name: fnName, Args: args}, m.runtime.CallTimeout)
	if err != nil {
		return "", err
	}
	resp, ok := reply.(domain.CallTemplateFunctionResponse)
	if !ok {
		return "", fmt.Errorf("template function %s: unexpected reply %s", fnName, reply.PayloadType())
	}
	if resp.Value == nil {
		return "", nil
	}
	return *resp.Value, nil
}

// TransformArg rewrites a template argument before it is stored.
func (m *Manager) TransformArg(ctx context.Context, fnName, argName, value string) (string, error) {
	v, handled, err := m.secure.TransformArg(ctx, fnName, argName, value, domain.PluginContextFromContext(ctx))
	if handled {
		return v, err
	}
	return value, nil
}

// GetThemes collects themes from every ready plugin. Plugins that fail are
// logged and skipped.
func (m *Manager) GetThemes(ctx context.Context) []domain.Theme {
	ready := m.handles.Ready()
	results := make([][]domain.Theme, len(ready))

	var wg sync.WaitGroup
	for i, h := range ready {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := m.router.Call(ctx, h, domain.GetThemesRequest{}, m.runtime.CallTimeout)
			if err != nil {
				m.logger.Warn("get themes", "plugin", h.Name(), "error", err)
				return
			}
			if resp, ok := reply.(domain.GetThemesResponse); ok {
				results[i] = resp.Themes
			}
		}()
	}
	wg.Wait()

	var themes []domain.Theme
	for _, r := range results {
		themes = append(themes, r...)
	}
	return themes
}

// ImportData offers content to each ready plugin in turn and returns the first
// non-empty result, or nil if no plugin recognized it.
func (m *Manager) ImportData(ctx context.Context, content string) (json.RawMessage, error) {
	for _, h := range m.handles.Ready() {
		reply, err := m.router.Call(ctx, h, domain.ImportRequest{Content: content}, m.runtime.CallTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.logger.Warn("import", "plugin", h.Name(), "error", err)
			continue
		}
		if resp, ok := reply.(domain.ImportResponse); ok && len(resp.Resources) > 0 && string(resp.Resources) != "null" {
			return resp.Resources, nil
		}
	}
	return nil, nil
}

// Shutdown terminates every plugin, kills the runtime and stops the
// transport. Safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.updates.Stop()
		m.handles.TerminateAll(ctx)

		m.mu.Lock()
		proc, cancel := m.proc, m.cancel
		m.mu.Unlock()

		if proc != nil {
			proc.Kill()
			select {
			case <-proc.Done():
			case <-ctx.Done():
				m.logger.Warn("runtime did not exit before shutdown deadline")
			}
		}
		for _, unsub := range m.unsubs {
			unsub()
		}
		m.shutdownErr = m.transport.Stop(ctx)
		if cancel != nil {
			cancel()
		}
		m.logger.Info("plugin bridge stopped")
	})
	return m.shutdownErr
}

// mustJSON marshals v to json.RawMessage, panicking on error (programmer error).
func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("plugin: marshal event payload: %v", err))
	}
	return b
}
