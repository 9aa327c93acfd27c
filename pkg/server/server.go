package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/rattlesnake/gateway/pkg/config"
	"github.com/rattlesnake/gateway/pkg/id"
	"github.com/rattlesnake/gateway/pkg/logger"
	"github.com/rattlesnake/gateway/pkg/proto"
	"github.com/rattlesnake/gateway/pkg/response"
	"github.com/rattlesnake/gateway/pkg/telemetry"
)

// Handler triages a single request
type Handler interface {
	Handle(ctx context.Context, request *proto.Request) *proto.Response
}

// Metrics provides the values served on /metrics
type Metrics interface {
	Snapshot(ctx context.Context) (telemetry.Snapshot, error)
}

// Server exposes a Handler over websockets on /ws, a liveness probe on
// /health and, when set, metrics on /metrics
type Server struct {
	handler    Handler
	metrics    Metrics
	cfg        *config.Server
	marshal    response.Marshaler
	upgrader   websocket.Upgrader
	httpServer *http.Server

	mu    sync.Mutex
	ctx   context.Context
	conns map[*websocket.Conn]struct{}
}

// New creates a Server. Call Start to begin listening.
func New(handler Handler, cfg *config.Server) *Server {
	return &Server{
		handler: handler,
		cfg:     cfg,
		marshal: json.Marshal,
		upgrader: websocket.Upgrader{
			// Clients are workers, not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Start begins listening on addr ("host:0" picks a free port) and returns the
// address actually bound. ctx is handed to every request the server handles.
func (s *Server) Start(ctx context.Context, addr string) (string, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebsocket)
	mux.HandleFunc("/metrics", s.handleMetrics)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen: %w", err)
	}

	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.httpServer = &http.Server{Handler: mux}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped: error=%q", err.Error())
		}
	}()

	logger.Info("listening: addr=%q", ln.Addr().String())

	return ln.Addr().String(), nil
}

// Stop closes the listener and every open websocket connection
func (s *Server) Stop() {
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.conns {
		_ = conn.Close()
	}

	clear(s.conns)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, "OK")
}

// SetMetrics sets where /metrics reads from. Call it before Start.
func (s *Server) SetMetrics(m Metrics) {
	s.metrics = m
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not configured", http.StatusNotFound)
		return
	}

	snapshot, err := s.metrics.Snapshot(r.Context())
	if err != nil {
		logger.Error("could not serve metrics: %v", err)
		http.Error(w, "could not collect metrics", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		logger.Warning("could not write metrics: error=%q", err.Error())
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		logger.Warning("websocket upgrade failed: remote=%q error=%q", r.RemoteAddr, err.Error())
		return
	}

	connID := id.ID()
	ctx := s.track(conn)
	defer s.untrack(conn)

	if s.cfg != nil && s.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}

	logger.Info("connection opened: id=%q remote=%q", connID, r.RemoteAddr)
	s.serve(ctx, connID, conn)
	logger.Info("connection closed: id=%q", connID)
}

// serve reads, handles and answers messages one at a time until the
// connection goes away
func (s *Server) serve(ctx context.Context, connID string, conn *websocket.Conn) {
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warning("connection read failed: id=%q error=%q", connID, err.Error())
			}

			return
		}

		if messageType != websocket.TextMessage {
			logger.Debug("ignoring non-text message: id=%q type=%d", connID, messageType)
			continue
		}

		if err := conn.WriteMessage(websocket.TextMessage, s.reply(ctx, connID, message)); err != nil {
			logger.Warning("connection write failed: id=%q error=%q", connID, err.Error())
			return
		}
	}
}

// reply turns one inbound message into the outbound payload
func (s *Server) reply(ctx context.Context, connID string, message []byte) []byte {
	var request proto.Request

	if err := json.Unmarshal(message, &request); err != nil {
		logger.Warning("%v: id=%q", response.NewError(response.ProtocolError, err), connID)
		return response.ErrorPayload(proto.InvalidRequestFormat)
	}

	return response.Encode(s.marshal, s.handler.Handle(ctx, &request))
}

func (s *Server) track(conn *websocket.Conn) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conns[conn] = struct{}{}

	if s.ctx == nil {
		return context.Background()
	}

	return s.ctx
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()

	_ = conn.Close()
}
