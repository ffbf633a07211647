package plugin

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"plugbridge/internal/domain"
	"plugbridge/internal/infra/tracer"
)

const (
	defaultBootTimeout      = 5 * time.Second
	defaultTerminateTimeout = 2 * time.Second
)

// HandlesConfig configures a Handles registry.
type HandlesConfig struct {
	Caller            Caller
	Sender            Sender
	BootTimeout       time.Duration
	TerminateTimeout  time.Duration
	AllowCapabilities []string // checked against boot metadata; empty allows all
	DenyCapabilities  []string
	Bus               domain.EventBus // optional
	Logger            *slog.Logger
}

// Handles owns every loaded plugin handle, indexed by reference id and by
// directory.
type Handles struct {
	caller           Caller
	sender           Sender
	bootTimeout      time.Duration
	terminateTimeout time.Duration
	allowCaps        []string
	denyCaps         []string
	bus              domain.EventBus
	logger           *slog.Logger

	mu    sync.RWMutex
	gen   uint64 // bumped by DetachAll
	byRef map[string]*Handle
	byDir map[string]*Handle
}

// NewHandles creates an empty handle registry.
func NewHandles(cfg HandlesConfig) *Handles {
	if cfg.BootTimeout <= 0 {
		cfg.BootTimeout = defaultBootTimeout
	}
	if cfg.TerminateTimeout <= 0 {
		cfg.TerminateTimeout = defaultTerminateTimeout
	}
	return &Handles{
		caller:           cfg.Caller,
		sender:           cfg.Sender,
		bootTimeout:      cfg.BootTimeout,
		terminateTimeout: cfg.TerminateTimeout,
		allowCaps:        cfg.AllowCapabilities,
		denyCaps:         cfg.DenyCapabilities,
		bus:              cfg.Bus,
		logger:           cfg.Logger,
		byRef:            make(map[string]*Handle),
		byDir:            make(map[string]*Handle),
	}
}

// LoadAll boots every enabled plugin concurrently. Successful handles are
// registered and returned in input order; failures are collected, never
// aborting the batch.
func (hs *Handles) LoadAll(ctx context.Context, plugins []domain.Plugin, pctx *domain.PluginContext) ([]*Handle, []domain.PluginInitError) {
	if pctx != nil {
		ctx = domain.ContextWithPluginContext(ctx, pctx)
	}

	type result struct {
		h   *Handle
		err error
	}
	results := make([]result, len(plugins))
	gen := hs.generation()

	var wg sync.WaitGroup
	for i, p := range plugins {
		if !p.Enabled {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := hs.boot(ctx, p)
			if err == nil {
				err = hs.register(ctx, h, gen)
			}
			if err != nil {
				h = nil
			}
			results[i] = result{h: h, err: err}
		}()
	}
	wg.Wait()

	var (
		loaded []*Handle
		failed []domain.PluginInitError
	)
	for i, r := range results {
		switch {
		case r.err != nil:
			failed = append(failed, initError(plugins[i].Directory, r.err))
		case r.h != nil && r.h.State() != domain.PluginReady:
			// Detached by a disconnect after it registered.
			failed = append(failed, domain.PluginInitError{Directory: plugins[i].Directory, Message: "runtime disconnected"})
		case r.h != nil:
			loaded = append(loaded, r.h)
		}
	}
	return loaded, failed
}

// Add boots a single plugin. An existing handle for the same directory is
// terminated and replaced.
func (hs *Handles) Add(ctx context.Context, p domain.Plugin) (*Handle, error) {
	if old := hs.FindByDirectory(p.Directory); old != nil {
		hs.unregister(old)
		if err := old.Terminate(ctx, hs.caller, hs.terminateTimeout); err != nil {
			hs.logger.Warn("terminate replaced plugin", "plugin", old.Name(), "error", err)
		}
		hs.publish(ctx, domain.EventPluginUnloaded, old)
	}

	gen := hs.generation()
	h, err := hs.boot(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := hs.register(ctx, h, gen); err != nil {
		return nil, err
	}
	return h, nil
}

// Remove terminates the handle with refID and drops it. Unknown ids are a no-op.
func (hs *Handles) Remove(ctx context.Context, refID string) error {
	h := hs.Find(refID)
	if h == nil {
		return nil
	}
	hs.unregister(h)
	err := h.Terminate(ctx, hs.caller, hs.terminateTimeout)
	hs.publish(ctx, domain.EventPluginUnloaded, h)
	return err
}

func (hs *Handles) boot(ctx context.Context, p domain.Plugin) (_ *Handle, err error) {
	h := newHandle(p, hs.sender)
	ctx, span := tracer.StartSpan(ctx, "plugin.boot")
	span.SetAttributes(tracer.StringAttr("plugin.dir", p.Directory))
	defer func() { tracer.End(span, err) }()

	err = h.boot(ctx, hs.caller, hs.bootTimeout)
	if err == nil {
		if verr := ValidateCapabilities(*h.Metadata(), hs.allowCaps, hs.denyCaps); verr != nil {
			if terr := h.Terminate(ctx, hs.caller, hs.terminateTimeout); terr != nil {
				hs.logger.Debug("terminate rejected plugin", "dir", p.Directory, "error", terr)
			}
			err = domain.PluginInitError{Directory: p.Directory, Message: verr.Error()}
		}
	}
	if err != nil {
		hs.logger.Warn("plugin boot failed", "dir", p.Directory, "error", err)
		hs.publish(ctx, domain.EventPluginBootFailed, h)
		return nil, err
	}
	hs.logger.Info("plugin loaded", "plugin", h.Name(), "ref", h.ReferenceID())
	hs.publish(ctx, domain.EventPluginLoaded, h)
	return h, nil
}

func (hs *Handles) generation() uint64 {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	return hs.gen
}

// register indexes h if the connection it booted on is still the current one.
// Otherwise h is detached and an ErrDisconnected init error is returned. A
// handle already registered for the same directory is replaced and terminated.
func (hs *Handles) register(ctx context.Context, h *Handle, gen uint64) error {
	hs.mu.Lock()
	if hs.gen != gen {
		hs.mu.Unlock()
		h.Detach()
		hs.logger.Warn("plugin booted on a lost connection", "dir", h.Directory())
		hs.publish(ctx, domain.EventPluginUnloaded, h)
		return domain.PluginInitError{Directory: h.Directory(), Message: "runtime disconnected"}
	}
	old := hs.byDir[h.Directory()]
	if old != nil && old != h {
		delete(hs.byRef, old.ReferenceID())
	}
	hs.byRef[h.ReferenceID()] = h
	hs.byDir[h.Directory()] = h
	hs.mu.Unlock()

	if old != nil && old != h {
		if err := old.Terminate(ctx, hs.caller, hs.terminateTimeout); err != nil {
			hs.logger.Warn("terminate replaced plugin", "plugin", old.Name(), "error", err)
		}
		hs.publish(ctx, domain.EventPluginUnloaded, old)
	}
	return nil
}

func (hs *Handles) unregister(h *Handle) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	delete(hs.byRef, h.ReferenceID())
	if cur, ok := hs.byDir[h.Directory()]; ok && cur == h {
		delete(hs.byDir, h.Directory())
	}
}

func (hs *Handles) Find(refID string) *Handle {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	return hs.byRef[refID]
}

func (hs *Handles) FindByDirectory(dir string) *Handle {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	return hs.byDir[dir]
}

// FindFunction returns the first ready handle, by directory, that declared fn.
func (hs *Handles) FindFunction(fn string) *Handle {
	for _, h := range hs.List() {
		if h.HasTemplateFunction(fn) {
			return h
		}
	}
	return nil
}

// List returns all registered handles ordered by directory.
func (hs *Handles) List() []*Handle {
	hs.mu.RLock()
	out := make([]*Handle, 0, len(hs.byRef))
	for _, h := range hs.byRef {
		out = append(out, h)
	}
	hs.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Directory() < out[j].Directory() })
	return out
}

// Ready returns the handles currently in the Ready state.
func (hs *Handles) Ready() []*Handle {
	var out []*Handle
	for _, h := range hs.List() {
		if h.State() == domain.PluginReady {
			out = append(out, h)
		}
	}
	return out
}

// DetachAll marks every handle terminated and drops the registry. Called when
// the runtime connection is lost. Boots still in flight are detached when
// they finish.
func (hs *Handles) DetachAll() {
	hs.mu.Lock()
	hs.gen++
	handles := hs.byRef
	hs.byRef = make(map[string]*Handle)
	hs.byDir = make(map[string]*Handle)
	hs.mu.Unlock()

	for _, h := range handles {
		h.Detach()
	}
	if len(handles) > 0 {
		hs.logger.Info("detached plugins", "count", len(handles))
	}
}

// TerminateAll asks every plugin to shut down, concurrently and best effort.
func (hs *Handles) TerminateAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, h := range hs.List() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hs.Remove(ctx, h.ReferenceID()); err != nil {
				hs.logger.Warn("terminate plugin", "plugin", h.Name(), "error", err)
			}
		}()
	}
	wg.Wait()
}

type handleEvent struct {
	RefID     string `json:"refId"`
	Name      string `json:"name"`
	Directory string `json:"directory"`
	State     string `json:"state"`
}

func (hs *Handles) publish(ctx context.Context, t domain.EventType, h *Handle) {
	if hs.bus == nil {
		return
	}
	hs.bus.Publish(ctx, domain.Event{Type: t, Payload: mustJSON(handleEvent{
		RefID:     h.ReferenceID(),
		Name:      h.Name(),
		Directory: h.Directory(),
		State:     string(h.State()),
	})})
}

func initError(dir string, err error) domain.PluginInitError {
	if ie, ok := err.(domain.PluginInitError); ok {
		return ie
	}
	return domain.PluginInitError{Directory: dir, Message: err.Error()}
}
