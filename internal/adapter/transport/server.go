package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"plugbridge/internal/domain"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 16 << 20 // import payloads can be large
	eventBuffer         = 256
)

var _ domain.Transport = (*Server)(nil)

// conn is one accepted runtime connection.
type conn struct {
	id     uint64
	ws     *websocket.Conn
	cancel context.CancelFunc

	writeMu sync.Mutex // one frame at a time

	mu     sync.Mutex // guards closed and ordering of emitted events
	closed bool
}

// Server is the loopback WebSocket endpoint the plugin runtime dials.
//
// Only one connection is active at a time. A newly accepted connection takes
// over as the send target and the previous one is disconnected, so a restarted
// runtime can reconnect without restarting the host.
type Server struct {
	addr         string
	logger       *slog.Logger
	writeTimeout time.Duration

	httpSrv   *http.Server
	boundAddr string
	nextID    atomic.Uint64
	events    chan domain.ConnEvent
	stopCh    chan struct{}
	stopOnce  sync.Once

	mu      sync.Mutex
	active  *conn
	stopped bool
	wg      sync.WaitGroup
}

// NewServer creates a transport server that will listen on addr.
func NewServer(addr string, logger *slog.Logger) *Server {
	return &Server{
		addr:         addr,
		logger:       logger,
		writeTimeout: defaultWriteTimeout,
		events:       make(chan domain.ConnEvent, eventBuffer),
		stopCh:       make(chan struct{}),
	}
}

// Start binds the listener and serves in the background. A bind failure is
// returned immediately. The server stops when ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return domain.NewSubSystemError("transport", "Server.Start", domain.ErrBindFailed,
			fmt.Sprintf("%s: %v", s.addr, err))
	}
	s.boundAddr = listener.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.logger.Info("transport listening", "addr", s.boundAddr)

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("transport serve failed", "error", err)
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			s.Stop(context.Background())
		case <-s.stopCh:
		}
	}()
	return nil
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

// Events returns the ordered receive stream. It is closed after Stop.
func (s *Server) Events() <-chan domain.ConnEvent { return s.events }

// Connected reports whether a runtime connection is currently attached.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Send writes env to the active connection. It fails with ErrDisconnected when
// nothing is attached or the write does not complete within the write timeout.
func (s *Server) Send(ctx context.Context, env domain.Envelope) error {
	s.mu.Lock()
	c := s.active
	s.mu.Unlock()
	if c == nil {
		return domain.NewSubSystemError("transport", "Server.Send", domain.ErrDisconnected, "no runtime connection")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: encode envelope %s: %w", env.ID, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	err = c.ws.Write(writeCtx, websocket.MessageText, data)
	c.writeMu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.NewSubSystemError("transport", "Server.Send", domain.ErrDisconnected, err.Error())
	}
	return nil
}

// Stop closes every connection, shuts the listener down and closes Events.
// Stop is idempotent.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		active := s.active
		s.active = nil
		s.mu.Unlock()

		close(s.stopCh)
		if active != nil {
			s.disconnect(active, websocket.StatusGoingAway, "host shutting down")
		}

		if s.httpSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = s.httpSrv.Shutdown(shutdownCtx)
			cancel()
		}

		s.wg.Wait()
		close(s.events)
		s.logger.Info("transport stopped")
	})
	return err
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(defaultReadLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{id: s.nextID.Add(1), ws: ws, cancel: cancel}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		ws.Close(websocket.StatusGoingAway, "host shutting down")
		return
	}
	s.wg.Add(1)
	prev := s.active
	s.active = c
	s.mu.Unlock()
	defer s.wg.Done()

	// The previous connection's Disconnected is emitted before this one's
	// Connected, so consumers never see two live connections.
	if prev != nil {
		s.logger.Warn("runtime reconnected, replacing previous connection",
			"old_conn_id", prev.id, "conn_id", c.id)
		s.disconnect(prev, websocket.StatusGoingAway, "replaced by new connection")
	}

	c.mu.Lock()
	s.emit(domain.ConnEvent{Kind: domain.ConnConnected, ConnID: c.id})
	c.mu.Unlock()
	s.logger.Info("runtime connected", "conn_id", c.id, "remote", r.RemoteAddr)

	s.readLoop(connCtx, c)

	s.mu.Lock()
	if s.active == c {
		s.active = nil
	}
	s.mu.Unlock()
	s.disconnect(c, websocket.StatusNormalClosure, "")
}

func (s *Server) readLoop(ctx context.Context, c *conn) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
				s.logger.Debug("runtime connection read ended", "conn_id", c.id, "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			s.logger.Warn("dropping non-text frame", "conn_id", c.id, "type", typ.String())
			continue
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			decodeErr := domain.NewSubSystemError("transport", "Server.read", domain.ErrFrameDecode, err.Error())
			s.logger.Warn("dropping malformed frame", "conn_id", c.id, "error", decodeErr, "bytes", len(data))
			continue
		}

		c.mu.Lock()
		if !c.closed {
			s.emit(domain.ConnEvent{Kind: domain.ConnEnvelope, ConnID: c.id, Envelope: &env})
		}
		c.mu.Unlock()
	}
}

// disconnect closes c and emits its Disconnected event exactly once.
func (s *Server) disconnect(c *conn, code websocket.StatusCode, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	s.emit(domain.ConnEvent{Kind: domain.ConnDisconnected, ConnID: c.id})
	c.mu.Unlock()
	s.logger.Info("runtime disconnected", "conn_id", c.id)

	// The close handshake waits on the peer; don't hold up the caller.
	go func() {
		c.ws.Close(code, reason)
		c.cancel()
	}()
}

// emit hands ev to the consumer. After Stop it only delivers while there is
// buffer room, so a departed consumer cannot wedge connection goroutines.
func (s *Server) emit(ev domain.ConnEvent) {
	select {
	case s.events <- ev:
		return
	case <-s.stopCh:
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Debug("dropping transport event after stop", "kind", ev.Kind.String(), "conn_id", ev.ConnID)
	}
}
