package plugin

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"plugbridge/internal/domain"
	"plugbridge/internal/usecase/router"
)

// Sender is the outbound half of the runtime connection.
type Sender interface {
	Send(ctx context.Context, env domain.Envelope) error
}

// Caller issues correlated requests. Implemented by *router.Router.
type Caller interface {
	Call(ctx context.Context, target router.Target, payload domain.Payload, timeout time.Duration) (domain.Payload, error)
	Send(ctx context.Context, target router.Target, payload domain.Payload) error
}

var _ router.Target = (*Handle)(nil)

// Handle is the host-side proxy for one loaded plugin.
type Handle struct {
	refID     string
	directory string
	pluginID  string

	sendMu sync.Mutex // the only lock on the outbound path
	sender Sender     // nil once detached

	mu    sync.RWMutex
	state domain.PluginState
	meta  *domain.BootMetadata
}

func newHandle(p domain.Plugin, sender Sender) *Handle {
	return &Handle{
		refID:     router.NewID(),
		directory: p.Directory,
		pluginID:  p.ID,
		sender:    sender,
		state:     domain.PluginUnloaded,
	}
}

func (h *Handle) ReferenceID() string { return h.refID }
func (h *Handle) Directory() string   { return h.directory }
func (h *Handle) PluginID() string    { return h.pluginID }

// Name is the booted plugin's declared name, or the directory name before boot.
func (h *Handle) Name() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.meta != nil && h.meta.Name != "" {
		return h.meta.Name
	}
	return filepath.Base(h.directory)
}

func (h *Handle) State() domain.PluginState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Metadata returns a copy of the boot metadata, or nil before boot.
func (h *Handle) Metadata() *domain.BootMetadata {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.meta == nil {
		return nil
	}
	m := *h.meta
	return &m
}

// HasTemplateFunction reports whether a ready plugin declared fn.
func (h *Handle) HasTemplateFunction(fn string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state == domain.PluginReady && h.meta.HasTemplateFunction(fn)
}

// Send writes env through the handle's outbound path. After Detach it fails
// with ErrDisconnected.
func (h *Handle) Send(ctx context.Context, env domain.Envelope) error {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	if h.sender == nil {
		return domain.NewSubSystemError("plugin", "Handle.Send", domain.ErrDisconnected, h.directory)
	}
	return h.sender.Send(ctx, env)
}

// Detach drops the outbound path and marks the handle terminated.
func (h *Handle) Detach() {
	h.sendMu.Lock()
	h.sender = nil
	h.sendMu.Unlock()
	h.setState(domain.PluginTerminated)
}

func (h *Handle) setState(s domain.PluginState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// boot performs the boot handshake. On failure the handle is detached and the
// returned error carries the message reported to the caller.
func (h *Handle) boot(ctx context.Context, c Caller, timeout time.Duration) error {
	h.setState(domain.PluginBooting)

	reply, err := c.Call(ctx, h, domain.BootRequest{Directory: h.directory}, timeout)
	if err != nil {
		h.Detach()
		return domain.PluginInitError{Directory: h.directory, Message: bootFailureMessage(err)}
	}
	resp, ok := reply.(domain.BootResponse)
	if !ok {
		h.Detach()
		return domain.PluginInitError{
			Directory: h.directory,
			Message:   fmt.Sprintf("unexpected boot reply %s", reply.PayloadType()),
		}
	}

	meta := resp.BootMetadata
	h.mu.Lock()
	h.meta = &meta
	h.state = domain.PluginReady
	h.mu.Unlock()
	return nil
}

func bootFailureMessage(err error) string {
	if errors.Is(err, domain.ErrTimeout) {
		return "boot timeout"
	}
	if errors.Is(err, domain.ErrDisconnected) {
		return "runtime disconnected"
	}
	var de *domain.DomainError
	if errors.Is(err, domain.ErrPluginError) && errors.As(err, &de) && de.Detail != "" {
		return de.Detail
	}
	return err.Error()
}

// Terminate asks the plugin to shut down and detaches the handle. Only the
// first call sends a request; later calls return nil immediately.
func (h *Handle) Terminate(ctx context.Context, c Caller, timeout time.Duration) error {
	h.mu.Lock()
	switch h.state {
	case domain.PluginTerminating, domain.PluginTerminated:
		h.mu.Unlock()
		return nil
	}
	h.state = domain.PluginTerminating
	h.mu.Unlock()

	_, err := c.Call(ctx, h, domain.TerminateRequest{}, timeout)
	h.Detach()
	if err != nil && !errors.Is(err, domain.ErrDisconnected) {
		return fmt.Errorf("terminate %s: %w", h.Name(), err)
	}
	return nil
}
