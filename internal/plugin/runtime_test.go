package plugin

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"plugbridge/internal/domain"
	"plugbridge/internal/usecase/eventbus"
	"plugbridge/internal/usecase/router"
)

// responder decides how the fake runtime answers a request. Returning
// ok=false leaves the request unanswered.
type responder func(env domain.Envelope) (reply domain.Payload, ok bool)

// fakeRuntime stands in for the transport and the sandboxed runtime. Requests
// written with Send are answered by the responder on the event stream.
type fakeRuntime struct {
	events chan domain.ConnEvent

	mu      sync.Mutex
	respond responder
	sent    []domain.Envelope
	down    bool
	started bool

	emitMu sync.Mutex
	closed bool
}

var _ Transport = (*fakeRuntime)(nil)

func newFakeRuntime(respond responder) *fakeRuntime {
	return &fakeRuntime{events: make(chan domain.ConnEvent, 64), respond: respond}
}

func (f *fakeRuntime) Events() <-chan domain.ConnEvent { return f.events }

func (f *fakeRuntime) Start(context.Context) error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) BoundAddr() string { return "127.0.0.1:0" }

func (f *fakeRuntime) Stop(context.Context) error {
	f.emitMu.Lock()
	defer f.emitMu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

// emit delivers ev unless the transport has been stopped.
func (f *fakeRuntime) emit(ev domain.ConnEvent) {
	f.emitMu.Lock()
	defer f.emitMu.Unlock()
	if !f.closed {
		f.events <- ev
	}
}

func (f *fakeRuntime) Send(_ context.Context, env domain.Envelope) error {
	f.mu.Lock()
	if f.down {
		f.mu.Unlock()
		return domain.NewSubSystemError("transport", "fake.Send", domain.ErrDisconnected, "")
	}
	f.sent = append(f.sent, env)
	respond := f.respond
	f.mu.Unlock()

	if env.IsReply() || respond == nil {
		return nil
	}
	if reply, ok := respond(env); ok {
		go func() {
			f.emit(domain.ConnEvent{Kind: domain.ConnEnvelope, ConnID: 1, Envelope: &domain.Envelope{
				ID:          router.NewID(),
				PluginRefID: env.PluginRefID,
				PluginName:  env.PluginName,
				ReplyID:     env.ID,
				Payload:     reply,
			}})
		}()
	}
	return nil
}

func (f *fakeRuntime) connect()    { f.emit(domain.ConnEvent{Kind: domain.ConnConnected, ConnID: 1}) }
func (f *fakeRuntime) disconnect() { f.emit(domain.ConnEvent{Kind: domain.ConnDisconnected, ConnID: 1}) }

// inject delivers a runtime-initiated envelope.
func (f *fakeRuntime) inject(env domain.Envelope) {
	f.emit(domain.ConnEvent{Kind: domain.ConnEnvelope, ConnID: 1, Envelope: &env})
}

func (f *fakeRuntime) sentOfType(t domain.PayloadType) []domain.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Envelope
	for _, env := range f.sent {
		if env.Payload.PayloadType() == t {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeRuntime) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// bootAs answers boot requests with metadata named after the plugin directory
// and acknowledges everything else, except directories listed in silent.
func bootAs(functions map[string][]string, silent ...string) responder {
	quiet := make(map[string]bool, len(silent))
	for _, s := range silent {
		quiet[s] = true
	}
	return func(env domain.Envelope) (domain.Payload, bool) {
		switch p := env.Payload.(type) {
		case domain.BootRequest:
			name := filepath.Base(p.Directory)
			if quiet[name] {
				return nil, false
			}
			return domain.BootResponse{BootMetadata: domain.BootMetadata{
				Name:              name,
				Version:           "1.0.0",
				TemplateFunctions: functions[name],
			}}, true
		case domain.TerminateRequest:
			return domain.TerminateResponse{}, true
		case domain.CallTemplateFunctionRequest:
			v := env.PluginName + ":" + p.Name + ":" + p.Args["value"]
			return domain.CallTemplateFunctionResponse{Value: &v}, true
		case domain.GetThemesRequest:
			return domain.GetThemesResponse{Themes: []domain.Theme{{ID: env.PluginName + "-dark", Dark: true}}}, true
		default:
			return domain.EmptyResponse{}, true
		}
	}
}

type testBridge struct {
	rt      *fakeRuntime
	router  *router.Router
	bus     *eventbus.Bus
	handles *Handles
}

// startBridge runs a router over a fake runtime and waits for it to connect.
func startBridge(t *testing.T, respond responder) *testBridge {
	t.Helper()
	rt := newFakeRuntime(respond)
	bus := eventbus.New(testLogger())
	r := router.New(rt, bus, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		bus.Close()
	})

	rt.connect()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := r.WaitConnected(waitCtx); err != nil {
		t.Fatalf("router never connected: %v", err)
	}

	hs := NewHandles(HandlesConfig{
		Caller:           r,
		Sender:           rt,
		BootTimeout:      200 * time.Millisecond,
		TerminateTimeout: 200 * time.Millisecond,
		Bus:              bus,
		Logger:           testLogger(),
	})
	r.OnDisconnect(hs.DetachAll)
	return &testBridge{rt: rt, router: r, bus: bus, handles: hs}
}

func testPlugin(dir string) domain.Plugin {
	return domain.Plugin{ID: "id-" + filepath.Base(dir), Directory: dir, Enabled: true}
}
