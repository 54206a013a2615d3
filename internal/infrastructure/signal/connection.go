package signal

import (
	"sync"
	"time"

	"callmesh/internal/core/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// connection is one authenticated websocket client. It implements
// ports.Endpoint; all writes go through the send queue so a single goroutine
// owns the socket's write side.
type connection struct {
	id      string
	userID  domain.UserID
	ws      *websocket.Conn
	limiter *rate.Limiter
	cfg     ServerConfig
	logger  *zap.SugaredLogger

	mu     sync.RWMutex
	send   chan *domain.Event
	closed bool
}

func newConnection(id string, userID domain.UserID, ws *websocket.Conn, limiter *rate.Limiter, cfg ServerConfig, logger *zap.SugaredLogger) *connection {
	return &connection{
		id:      id,
		userID:  userID,
		ws:      ws,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.With("conn_id", id, "user_id", userID),
		send:    make(chan *domain.Event, cfg.SendBuffer),
	}
}

func (c *connection) ID() string            { return c.id }
func (c *connection) UserID() domain.UserID { return c.userID }

// Send queues the event without blocking. It reports false when the queue
// is full or the connection is closing.
func (c *connection) Send(event *domain.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

// close stops the write pump once it drained the queue. Safe to call twice.
func (c *connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *connection) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

func (c *connection) writePump(done chan<- struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		close(done)
	}()

	for {
		select {
		case event, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
				return
			}
			if err := c.ws.WriteJSON(event); err != nil {
				c.logger.Debugw("websocket write failed", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debugw("websocket ping failed", "error", err)
				return
			}
		}
	}
}
