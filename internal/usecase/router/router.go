// Package router correlates request envelopes with their replies over the
// single runtime connection and broadcasts runtime-initiated envelopes.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"plugbridge/internal/domain"
	"plugbridge/internal/infra/tracer"
)

// DefaultCallTimeout applies when Call is given a non-positive timeout.
const DefaultCallTimeout = 30 * time.Second

// Target is the sending side of one loaded plugin.
type Target interface {
	ReferenceID() string
	Name() string
	Send(ctx context.Context, env domain.Envelope) error
}

type result struct {
	env *domain.Envelope
	err error
}

// Router owns the pending-call map. Only Call, the dispatch loop and the
// disconnect flush touch it.
type Router struct {
	transport domain.Transport
	bus       domain.EventBus
	logger    *slog.Logger

	mu        sync.Mutex
	pending   map[string]chan result
	connID    uint64
	connected chan struct{} // closed while a connection is attached
	hooks     []func()
}

// New creates a router reading from transport and publishing broadcasts on bus.
func New(transport domain.Transport, bus domain.EventBus, logger *slog.Logger) *Router {
	return &Router{
		transport: transport,
		bus:       bus,
		logger:    logger,
		pending:   make(map[string]chan result),
		connected: make(chan struct{}),
	}
}

// NewID returns a unique, time-ordered message id.
func NewID() string {
	return ulid.Make().String()
}

// OnDisconnect registers fn to run after pending calls have been flushed on
// every transport disconnection.
func (r *Router) OnDisconnect(fn func()) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// Pending returns the number of calls awaiting a reply.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// WaitConnected blocks until the runtime connection is attached or ctx is done.
func (r *Router) WaitConnected(ctx context.Context) error {
	r.mu.Lock()
	ch := r.connected
	r.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the dispatch loop. It returns when the transport's event stream closes
// or ctx is cancelled; either way every pending call is resolved.
func (r *Router) Run(ctx context.Context) {
	events := r.transport.Events()
	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			connID := r.connID
			r.mu.Unlock()
			r.handleDisconnect(context.WithoutCancel(ctx), connID, "router stopped")
			return
		case ev, ok := <-events:
			if !ok {
				r.handleDisconnect(ctx, 0, "transport closed")
				return
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Router) handle(ctx context.Context, ev domain.ConnEvent) {
	switch ev.Kind {
	case domain.ConnConnected:
		r.mu.Lock()
		r.connID = ev.ConnID
		select {
		case <-r.connected:
		default:
			close(r.connected)
		}
		r.mu.Unlock()
		r.logger.Info("runtime attached", "conn_id", ev.ConnID)
		r.bus.Publish(ctx, domain.Event{Type: domain.EventRuntimeConnected})

	case domain.ConnEnvelope:
		if ev.Envelope != nil {
			r.dispatch(ctx, ev.Envelope)
		}

	case domain.ConnDisconnected:
		r.handleDisconnect(ctx, ev.ConnID, "connection lost")
	}
}

func (r *Router) dispatch(ctx context.Context, env *domain.Envelope) {
	if !env.IsReply() {
		r.bus.Publish(ctx, domain.Event{
			Type:     domain.EnvelopeEventType(env.Payload.PayloadType()),
			Envelope: env,
		})
		return
	}

	r.mu.Lock()
	ch, ok := r.pending[env.ReplyID]
	if ok {
		delete(r.pending, env.ReplyID)
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("discarding unmatched reply",
			"reply_id", env.ReplyID,
			"plugin", env.PluginName,
			"type", string(env.Payload.PayloadType()),
		)
		return
	}
	ch <- result{env: env}
}

func (r *Router) handleDisconnect(ctx context.Context, connID uint64, reason string) {
	n := r.flush(domain.NewSubSystemError("router", "Router.Call", domain.ErrDisconnected, reason))

	r.mu.Lock()
	select {
	case <-r.connected:
		r.connected = make(chan struct{})
	default:
	}
	hooks := make([]func(), len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.Unlock()

	r.logger.Warn("runtime detached", "conn_id", connID, "flushed_calls", n)
	for _, fn := range hooks {
		fn()
	}
	r.bus.Publish(ctx, domain.Event{Type: domain.EventRuntimeDisconnect})
}

// flush resolves every pending call with err and returns how many there were.
func (r *Router) flush(err error) int {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]chan result)
	r.mu.Unlock()

	for _, ch := range pending {
		ch <- result{err: err}
	}
	return len(pending)
}

// Call sends payload to target and waits for the matching reply. An
// ErrorResponse reply is returned as ErrPluginError.
func (r *Router) Call(ctx context.Context, target Target, payload domain.Payload, timeout time.Duration) (_ domain.Payload, err error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	ctx, span := tracer.StartSpan(ctx, "router.call",
		trace.WithAttributes(
			tracer.StringAttr("plugin.name", target.Name()),
			tracer.StringAttr("payload.type", string(payload.PayloadType())),
		),
	)
	defer func() { tracer.End(span, err) }()

	id := NewID()
	ch := make(chan result, 1)

	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()
	defer r.forget(id)

	env := domain.Envelope{
		ID:          id,
		PluginRefID: target.ReferenceID(),
		PluginName:  target.Name(),
		Payload:     payload,
		Context:     domain.PluginContextFromContext(ctx),
	}
	if err := target.Send(ctx, env); err != nil {
		return nil, sendError(err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if e, ok := res.env.Payload.(domain.ErrorResponse); ok {
			return nil, domain.NewSubSystemError("router", "Router.Call", domain.ErrPluginError, e.Error)
		}
		return res.env.Payload, nil
	case <-timer.C:
		return nil, domain.NewSubSystemError("router", "Router.Call", domain.ErrTimeout,
			fmt.Sprintf("%s to %s after %s", payload.PayloadType(), target.Name(), timeout))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send delivers payload without waiting for a reply.
func (r *Router) Send(ctx context.Context, target Target, payload domain.Payload) error {
	env := domain.Envelope{
		ID:          NewID(),
		PluginRefID: target.ReferenceID(),
		PluginName:  target.Name(),
		Payload:     payload,
		Context:     domain.PluginContextFromContext(ctx),
	}
	if err := target.Send(ctx, env); err != nil {
		return sendError(err)
	}
	return nil
}

// Reply answers a runtime-initiated request.
func (r *Router) Reply(ctx context.Context, to *domain.Envelope, payload domain.Payload) error {
	env := domain.Envelope{
		ID:          NewID(),
		PluginRefID: to.PluginRefID,
		PluginName:  to.PluginName,
		ReplyID:     to.ID,
		Payload:     payload,
		Context:     to.Context,
	}
	if err := r.transport.Send(ctx, env); err != nil {
		return sendError(err)
	}
	return nil
}

func (r *Router) forget(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func sendError(err error) error {
	if errors.Is(err, domain.ErrDisconnected) {
		return domain.NewSubSystemError("router", "Router.Send", domain.ErrDisconnected, err.Error())
	}
	return fmt.Errorf("router: send: %w", err)
}
