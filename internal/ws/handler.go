package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"wardrelay/internal/core"
	"wardrelay/internal/metrics"
	"wardrelay/internal/protocol"
	"wardrelay/internal/relay"
)

const (
	writeTimeout        = 5 * time.Second
	defaultReadLimit    = 1 << 20
	defaultPingInterval = 30 * time.Second
)

// Options tunes per-connection transport limits.
type Options struct {
	ReadLimit    int64
	PingInterval time.Duration
}

// Handler owns the websocket transport. Each connection gets one reader
// goroutine that feeds the router and, once authenticated, one writer
// goroutine draining the session's outbound queue.
type Handler struct {
	router       *relay.Router
	metrics      *metrics.Metrics
	upgrader     websocket.Upgrader
	readLimit    int64
	pingInterval time.Duration
}

// NewHandler creates a websocket handler feeding router. m may be nil.
func NewHandler(router *relay.Router, m *metrics.Metrics, opts Options) *Handler {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	return &Handler{
		router:  router,
		metrics: m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		readLimit:    opts.ReadLimit,
		pingInterval: opts.PingInterval,
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.metrics.Connection()
	h.serveConn(c.Request().Context(), conn)
	return nil
}

func (h *Handler) serveConn(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	rc := relay.NewConn(conn.RemoteAddr().String())
	// Runs before conn.Close so peers hear about the departure first.
	defer h.router.Disconnect(rc)

	pongWait := 2 * h.pingInterval
	conn.SetReadLimit(h.readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(conn, done)

	var writerOnce sync.Once
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read ended", "remote", rc.Remote, "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.metrics.Malformed()
			slog.Warn("malformed event dropped", "remote", rc.Remote, "err", err)
			continue
		}
		h.dispatch(ctx, rc, env)

		if s := rc.Session(); s != nil {
			writerOnce.Do(func() { go h.writeLoop(conn, s) })
		}
	}
}

// dispatch confines a handler panic to the event that caused it.
func (h *Handler) dispatch(ctx context.Context, rc *relay.Conn, env protocol.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("event handler panic", "remote", rc.Remote, "type", env.Type, "panic", rec, "stack", string(debug.Stack()))
		}
	}()
	h.router.Handle(ctx, rc, env)
}

// writeLoop is the connection's only data writer. It exits when the session
// closes or a write fails; a failed write closes the socket so the reader
// notices too.
func (h *Handler) writeLoop(conn *websocket.Conn, s *core.Session) {
	for out := range s.Outbound() {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(out); err != nil {
			slog.Debug("websocket write failed", "user_id", s.ID(), "err", err)
			_ = conn.Close()
			return
		}
	}
}

func (h *Handler) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
