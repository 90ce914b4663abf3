package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 5 * time.Second

// WSServer relays bus events to websocket clients as JSON text frames.
type WSServer struct {
	addr     string
	listener net.Listener
	server   *http.Server
	bus      *Bus
	sub      *Subscription

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewWSServer creates a server that will listen on addr (":0" picks a port).
func NewWSServer(bus *Bus, addr string, logger *slog.Logger) *WSServer {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WSServer{
		addr:    addr,
		bus:     bus,
		clients: make(map[*websocket.Conn]bool),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With("component", "events_ws"),
	}
}

// Start begins serving /ws and /health and relaying events.
func (s *WSServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.sub = s.bus.Subscribe(256)

	s.wg.Add(1)
	go s.relayLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("event server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("event server error", "error", err)
		}
	}()

	return nil
}

// Stop closes every client and shuts the server down.
func (s *WSServer) Stop() error {
	s.cancel()
	if s.sub != nil {
		s.sub.Close()
	}

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("event server shutdown: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Info("event server stopped")
	return nil
}

func (s *WSServer) relayLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case e, ok := <-s.sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Warn("failed to marshal event", "type", e.Type, "error", err)
				continue
			}
			s.send(data)
		}
	}
}

func (s *WSServer) send(data []byte) {
	s.clientsMu.RLock()
	clients := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		clients = append(clients, conn)
	}
	s.clientsMu.RUnlock()

	for _, conn := range clients {
		ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			s.logger.Debug("failed to send to client", "error", err)
			s.removeClient(conn)
		}
	}
}

func (s *WSServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Debug("client connected", "clients", count)

	// Clients never send; reading only detects disconnects.
	go s.readLoop(conn)
}

func (s *WSServer) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *WSServer) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[conn]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug("client disconnected", "clients", count)
}

func (s *WSServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// Addr returns the listening address once started.
func (s *WSServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *WSServer) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
