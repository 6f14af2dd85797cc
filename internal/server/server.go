package server

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

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/sheerbytes/resched/internal/fetch"
	"github.com/sheerbytes/resched/internal/hostprops"
	"github.com/sheerbytes/resched/internal/ioloop"
	"github.com/sheerbytes/resched/internal/renderers"
	"github.com/sheerbytes/resched/internal/scheduler"
	"github.com/sheerbytes/resched/pkg/protocol"
)

const (
	writeTimeout   = 10 * time.Second
	pingInterval   = 30 * time.Second
	cleanupTimeout = 5 * time.Second
)

// Config holds per-connection limits.
type Config struct {
	MaxMessageBytes int64
	IdleTimeout     time.Duration
	// MessageRate is the sustained inbound message rate per connection; zero
	// disables limiting.
	MessageRate  float64
	MessageBurst int
	FetchTimeout time.Duration
}

// Server exposes the scheduler to renderers over WebSocket. Every scheduler
// access goes through the loop.
type Server struct {
	loop   *ioloop.Loop
	sched  *scheduler.ResourceScheduler
	loader *fetch.Loader
	hosts  *hostprops.Store
	hub    *renderers.Hub
	cfg    Config
	logger *slog.Logger

	upgrader websocket.Upgrader
	fetches  sync.WaitGroup
}

func New(loop *ioloop.Loop, sched *scheduler.ResourceScheduler, loader *fetch.Loader, hosts *hostprops.Store, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MessageBurst < 1 {
		cfg.MessageBurst = 1
	}
	return &Server{
		loop:   loop,
		sched:  sched,
		loader: loader,
		hosts:  hosts,
		hub:    renderers.NewHub(),
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Renderers are local processes, not browsers
			},
		},
	}
}

// Handler returns the HTTP handler serving /health, /stats and /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Wait blocks until every fetch started by a renderer has finished.
func (s *Server) Wait() {
	s.fetches.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Scheduler scheduler.Stats    `json:"scheduler"`
	Hosts     []hostprops.Record `json:"hosts"`
	Renderers int                `json:"renderers"`
	Dropped   int64              `json:"dropped_messages"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var resp StatsResponse
	if err := s.loop.Call(r.Context(), func() { resp.Scheduler = s.sched.Stats() }); err != nil {
		sendError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	resp.Hosts = s.hosts.Hosts()
	resp.Renderers = s.hub.Count()
	resp.Dropped = s.hub.Dropped()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode stats", "error", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	if s.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	var writeMu sync.Mutex
	if s.cfg.IdleTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
			return nil
		})
		conn.SetPingHandler(func(appData string) error {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
			writeMu.Lock()
			err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
			writeMu.Unlock()
			return err
		})
	}

	// Send function for this connection
	sendFunc := func(env protocol.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(env)
	}

	childID, removeRenderer := s.hub.Add(sendFunc)
	logger := s.logger.With("child_id", childID)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.dropRenderer(childID, logger)
		removeRenderer()
		logger.Info("renderer disconnected")
	}()

	if s.cfg.IdleTimeout > 0 {
		stopPing := make(chan struct{})
		defer close(stopPing)
		go func() {
			ticker := time.NewTicker(pingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stopPing:
					return
				case <-ticker.C:
					writeMu.Lock()
					_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
					writeMu.Unlock()
				}
			}
		}()
	}

	logger.Info("renderer connected", "remote", r.RemoteAddr)
	s.send(childID, protocol.TypeHello, protocol.Hello{ChildID: childID})

	limiter := rate.NewLimiter(rate.Limit(s.cfg.MessageRate), s.cfg.MessageBurst)
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				logger.Info("websocket idle timeout")
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				logger.Warn("message too large", "max", s.cfg.MaxMessageBytes)
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Error("websocket read error", "error", err)
			}
			return
		}
		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}

		// Only process text messages
		if messageType != websocket.TextMessage {
			continue
		}

		if s.cfg.MessageRate > 0 && !limiter.Allow() {
			logger.Warn("websocket message rate limit exceeded")
			s.sendError(childID, errorf(protocol.CodeRateLimited, "message rate limit exceeded"))
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			logger.Warn("invalid JSON envelope", "error", err)
			s.sendError(childID, errorf(protocol.CodeBadEnvelope, "invalid JSON: %v", err))
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			logger.Warn("invalid envelope", "error", err)
			s.sendError(childID, errorf(protocol.CodeBadEnvelope, "%v", err))
			continue
		}

		if perr := s.dispatch(ctx, childID, env, logger); perr != nil {
			logger.Debug("signal rejected", "type", env.Type, "code", perr.Code, "message", perr.Message)
			s.sendError(childID, perr)
		}
	}
}

// dropRenderer deletes every client the renderer still owns. Its fetches
// have already been canceled through the connection context.
func (s *Server) dropRenderer(childID int32, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	for _, routeID := range s.hub.Routes(childID) {
		id := scheduler.MakeClientID(childID, routeID)
		if _, err := s.loader.DeleteClient(ctx, id); err != nil {
			logger.Warn("failed to delete client", "client", id, "error", err)
		}
		s.hub.RemoveRoute(childID, routeID)
	}
}

func errorf(code, format string, args ...any) *protocol.Error {
	return &protocol.Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// send queues a server-originated message for the renderer.
func (s *Server) send(childID int32, msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, protocol.NewMsgID(), payload)
	if err != nil {
		s.logger.Error("failed to create envelope", "type", msgType, "error", err)
		return
	}
	env.From = "server"
	if !s.hub.SendTo(childID, env) {
		s.logger.Debug("renderer gone or backlogged", "child_id", childID, "type", msgType)
	}
}

func (s *Server) sendError(childID int32, perr *protocol.Error) {
	s.send(childID, protocol.TypeError, *perr)
}

func sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
