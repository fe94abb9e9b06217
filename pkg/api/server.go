// Package api implements the relay service: a per-room message mailbox
// behind a small HTTP surface, with an optional WebSocket push stream.
// It stores everything in memory; the relay is a rendezvous point, not a
// persistent queue.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/televisita/telecall/pkg/logger"
	"github.com/televisita/telecall/pkg/signal"
)

const (
	// Per-sender message budget. One negotiation produces a handful of
	// messages plus a candidate burst; 10/s with burst 20 is generous.
	senderRate  = 10
	senderBurst = 20

	cleanupInterval = 10 * time.Second
)

// Server provides the relay HTTP API backed by the in-memory room store.
type Server struct {
	store      *roomStore
	logger     *logger.Logger
	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a relay server.
func NewServer(log *logger.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		store:  newRoomStore(),
		logger: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The relay fronts browser clients on other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		limiters: make(map[string]*rate.Limiter),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handler returns the routed HTTP handler (exported for tests).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/join", s.handleJoin)
	mux.HandleFunc("/api/leave", s.handleLeave)
	mux.HandleFunc("/api/message", s.handleMessage)
	mux.HandleFunc("/api/poll", s.handlePoll)
	mux.HandleFunc("/api/room", s.handleRoomInfo)
	mux.HandleFunc("/api/ping", s.handlePing)
	mux.HandleFunc("/api/ws", s.handleWS)

	return withCORS(mux)
}

// Start starts the HTTP server and the inactive-user cleanup loop.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	s.wg.Add(1)
	go s.cleanupLoop()

	s.logger.Info("relay server listening", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("relay server: %w", err)
	case <-ctx.Done():
		return s.Stop()
	}
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	s.cancel()
	s.wg.Wait()

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	s.logger.Info("relay server stopped")
	return nil
}

func (s *Server) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if n := s.store.Cleanup(); n > 0 {
				s.logger.Info("evicted inactive users", "count", n)
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"service": "telecall-relay",
	})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req signal.JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RoomID == "" || req.UserID == "" || req.UserType == "" {
		writeError(w, http.StatusBadRequest, "missing required fields: roomId, userId, userType")
		return
	}

	peers, err := s.store.Join(req.RoomID, req.UserID, req.UserType)
	if err != nil {
		if errors.Is(err, ErrRoomFull) {
			writeError(w, http.StatusConflict, "room full")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("user joined room",
		"user_id", req.UserID,
		"room_id", req.RoomID,
		"user_type", req.UserType)

	writeJSON(w, http.StatusOK, signal.JoinResponse{
		Success: true,
		RoomState: signal.RoomState{
			RoomID: req.RoomID,
			Users:  peers,
		},
	})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req signal.LeaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RoomID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "missing required fields: roomId, userId")
		return
	}

	if err := s.store.Leave(req.RoomID, req.UserID); err != nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}

	s.logger.Info("user left room", "user_id", req.UserID, "room_id", req.RoomID)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var msg signal.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msg.RoomID == "" || msg.From == "" || msg.Type == "" {
		writeError(w, http.StatusBadRequest, "missing required fields: roomId, from, type")
		return
	}

	if !s.senderLimiter(msg.From).Allow() {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	messageID, err := s.store.Append(msg.RoomID, msg)
	if err != nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}

	s.logger.DebugSignal("message stored",
		"type", msg.Type,
		"from", msg.From,
		"room_id", msg.RoomID,
		"timestamp", msg.Timestamp)

	writeJSON(w, http.StatusOK, signal.SendResponse{Success: true, MessageID: messageID})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}

	roomID := r.URL.Query().Get("roomId")
	userID := r.URL.Query().Get("userId")
	if roomID == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "missing required params: roomId, userId")
		return
	}
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)

	msgs := s.store.Poll(roomID, userID, since)
	writeJSON(w, http.StatusOK, signal.PollResponse{
		Messages:  msgs,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleRoomInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}

	roomID := r.URL.Query().Get("roomId")
	if roomID == "" {
		writeError(w, http.StatusBadRequest, "missing required param: roomId")
		return
	}
	writeJSON(w, http.StatusOK, s.store.Info(roomID))
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req signal.PingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "missing required field: userId")
		return
	}

	s.store.Ping(req.UserID)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"timestamp": time.Now().UnixMilli(),
	})
}

// handleWS upgrades to a push stream: every message appended to the room is
// written to the socket, replacing the poll loop for this subscriber.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	userID := r.URL.Query().Get("userId")
	if roomID == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "missing required params: roomId, userId")
		return
	}

	ch, cancel, err := s.store.Subscribe(roomID, userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "room not found: join before subscribing")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.logger.Info("push stream open", "user_id", userID, "room_id", roomID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer conn.Close()

		// Reader goroutine: only to detect the peer closing.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-closed:
				return
			case msg := <-ch:
				s.store.Ping(userID)
				if err := conn.WriteJSON(msg); err != nil {
					s.logger.DebugSignal("push stream write failed", "user_id", userID, "error", err)
					return
				}
			}
		}
	}()
}

func (s *Server) senderLimiter(userID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	lim, ok := s.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(senderRate), senderBurst)
		s.limiters[userID] = lim
	}
	return lim
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, signal.ErrorResponse{Error: msg})
}
