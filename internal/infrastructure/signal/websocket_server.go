package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/internal/core/services"
	httphandlers "callmesh/internal/handlers/http"
	"callmesh/internal/infrastructure/middleware"
	"callmesh/pkg/config"
	apperrors "callmesh/pkg/errors"
	"callmesh/pkg/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ServerConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	MaxMessageSize int64
	// AllowedOrigins lists accepted Origin hosts; "*" accepts any.
	AllowedOrigins []string
}

func ServerConfigFrom(cfg *config.Config) ServerConfig {
	return ServerConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendBuffer:     cfg.Signal.SendBuffer,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}
}

// InboundMessage is what clients write on the socket.
type InboundMessage struct {
	Type         string              `json:"type"`
	SessionID    domain.SessionID    `json:"sessionId,omitempty"`
	SessionToken domain.SessionToken `json:"sessionToken,omitempty"`
	ToUserID     domain.UserID       `json:"toUserId,omitempty"`
	Payload      json.RawMessage     `json:"payload,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type WebSocketServer struct {
	auth     services.AuthService
	calls    ports.CallService
	relay    ports.SignalingRelay
	presence ports.PresenceRegistry
	gate     *middleware.ConnectionGate
	limiter  func() *rate.Limiter

	cfg      ServerConfig
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*connection
	wg    sync.WaitGroup

	logger *zap.SugaredLogger
}

func NewWebSocketServer(
	auth services.AuthService,
	calls ports.CallService,
	relay ports.SignalingRelay,
	presence ports.PresenceRegistry,
	gate *middleware.ConnectionGate,
	limiter func() *rate.Limiter,
	cfg ServerConfig,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if limiter == nil {
		limiter = func() *rate.Limiter { return nil }
	}
	s := &WebSocketServer{
		auth:     auth,
		calls:    calls,
		relay:    relay,
		presence: presence,
		gate:     gate,
		limiter:  limiter,
		cfg:      cfg,
		conns:    make(map[string]*connection),
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin || allowed == u.Host {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) authenticate(r *http.Request) (*services.Claims, error) {
	token := r.URL.Query().Get("access_token")
	if token == "" {
		var ok bool
		if token, ok = middleware.BearerToken(r.Header.Get("Authorization")); !ok {
			return nil, services.ErrInvalidToken
		}
	}
	return s.auth.ValidateToken(token)
}

// HandleWebSocket authenticates the caller, upgrades the connection and
// serves it until the client goes away.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	release, ok := s.gate.Acquire()
	if !ok {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	defer release()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "user_id", claims.UserID, "error", err)
		return
	}

	conn := newConnection(uuid.NewString(), claims.UserID, ws, s.limiter(), s.cfg, s.logger)
	s.track(conn)
	defer s.untrack(conn)

	s.presence.Register(conn)
	defer s.presence.Unregister(conn)

	s.logger.Infow("client connected", "conn_id", conn.id, "user_id", conn.userID)

	done := make(chan struct{})
	go conn.writePump(done)

	s.readPump(r.Context(), conn)

	conn.close()
	<-done
	s.logger.Infow("client disconnected", "conn_id", conn.id, "user_id", conn.userID)
}

func (s *WebSocketServer) track(conn *connection) {
	s.wg.Add(1)
	s.mu.Lock()
	s.conns[conn.id] = conn
	s.mu.Unlock()
}

func (s *WebSocketServer) untrack(conn *connection) {
	s.mu.Lock()
	delete(s.conns, conn.id)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *WebSocketServer) readPump(ctx context.Context, conn *connection) {
	ws := conn.ws
	if s.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageSize)
	}
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				conn.logger.Infow("websocket read failed", "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if !conn.allow() {
			s.sendError(conn, "", string(apperrors.ErrCodeRateLimit), "message rate exceeded")
			continue
		}

		var msg InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(conn, "", string(apperrors.ErrCodeInvalidInput), "malformed message")
			continue
		}
		s.handleMessage(ctx, conn, &msg)
	}
}

func (s *WebSocketServer) handleMessage(ctx context.Context, conn *connection, msg *InboundMessage) {
	ctx, span := tracing.TraceSignalMessage(ctx, msg.Type, string(msg.SessionID), string(conn.userID))
	defer span.End()

	switch t := domain.EventType(msg.Type); {
	case msg.Type == "subscribe":
		s.handleSubscribe(ctx, conn, msg.SessionID)
	case msg.Type == "unsubscribe":
		s.presence.UnsubscribeEndpoint(msg.SessionID, conn)
	case msg.Type == "ping":
		s.reply(conn, domain.EventPong, msg.SessionID, nil)
	case t.IsSignal():
		_, err := s.relay.Relay(ctx, &domain.Signal{
			Type:         t,
			SessionID:    msg.SessionID,
			FromUserID:   conn.userID,
			SessionToken: msg.SessionToken,
			ToUserID:     msg.ToUserID,
			Payload:      msg.Payload,
		})
		if err != nil {
			tracing.RecordError(ctx, err)
			conn.logger.Warnw("signal relay failed", "type", t, "session_id", msg.SessionID, "error", err)
		}
	default:
		s.sendError(conn, msg.SessionID, string(apperrors.ErrCodeInvalidInput), "unknown message type")
	}
}

func (s *WebSocketServer) handleSubscribe(ctx context.Context, conn *connection, sessionID domain.SessionID) {
	session, err := s.calls.Subscribe(ctx, sessionID, conn.userID)
	if err != nil {
		appErr := httphandlers.FromDomain(err)
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			conn.logger.Warnw("subscribe failed", "session_id", sessionID, "error", err)
		}
		s.sendError(conn, sessionID, string(appErr.Code), appErr.Message)
		return
	}

	s.presence.Subscribe(sessionID, conn)
	s.reply(conn, domain.EventSessionState, sessionID, services.NewSessionStatePayload(session))
}

func (s *WebSocketServer) reply(conn *connection, t domain.EventType, sessionID domain.SessionID, payload interface{}) {
	event, err := domain.NewEvent(t, sessionID, "", payload)
	if err != nil {
		conn.logger.Errorw("failed to build event", "type", t, "error", err)
		return
	}
	if !conn.Send(event) {
		conn.logger.Debugw("reply dropped", "type", t)
	}
}

func (s *WebSocketServer) sendError(conn *connection, sessionID domain.SessionID, code, message string) {
	s.reply(conn, domain.EventError, sessionID, ErrorPayload{Code: code, Message: message})
}

// Connections returns the number of live sockets on this instance.
func (s *WebSocketServer) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Shutdown asks every client to go away and waits for their handlers to
// return or ctx to expire.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
