package websocket

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"goa.design/montage/runtime/session"
	"goa.design/montage/runtime/telemetry"
	"goa.design/montage/runtime/wire"
)

type (
	// Handler upgrades observer connections and bridges them to the hub.
	// Mount it at GET /sessions/{id}/ws.
	Handler struct {
		hub          *session.Hub
		upgrader     websocket.Upgrader
		writeTimeout time.Duration
		pongWindow   time.Duration
		cmdRate      rate.Limit
		cmdBurst     int
		logger       telemetry.Logger
	}

	// HandlerOption configures a Handler.
	HandlerOption func(*Handler)
)

// WithWriteTimeout sets the per-write deadline. Default 10s.
func WithWriteTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) { h.writeTimeout = d }
}

// WithPongWindow sets how long a peer may go without answering a probe
// before the hub drops it. Default 60s.
func WithPongWindow(d time.Duration) HandlerOption {
	return func(h *Handler) { h.pongWindow = d }
}

// WithCommandRate bounds inbound commands per connection. Default 10/s with
// a burst of 20.
func WithCommandRate(r rate.Limit, burst int) HandlerOption {
	return func(h *Handler) {
		h.cmdRate = r
		h.cmdBurst = burst
	}
}

// WithLogger sets the diagnostic logger. Defaults to a no-op logger.
func WithLogger(logger telemetry.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

// WithCheckOrigin overrides the upgrader's origin check. The default accepts
// same-origin requests only.
func WithCheckOrigin(check func(*http.Request) bool) HandlerOption {
	return func(h *Handler) { h.upgrader.CheckOrigin = check }
}

// NewHandler constructs a Handler over the hub.
func NewHandler(hub *session.Hub, opts ...HandlerOption) *Handler {
	h := &Handler{
		hub:          hub,
		upgrader:     websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		writeTimeout: 10 * time.Second,
		pongWindow:   60 * time.Second,
		cmdRate:      rate.Limit(10),
		cmdBurst:     20,
		logger:       telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionIDFromPath(r.URL.Path)
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusNotFound)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	conn := newConn(ws, h.writeTimeout, h.pongWindow)
	subID, err := h.hub.Subscribe(ctx, sessionID, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return
	}
	defer h.hub.Unsubscribe(ctx, sessionID, subID)

	h.readLoop(ctx, ws, conn, sessionID)
}

// readLoop consumes inbound commands until the peer disconnects. Command
// failures are reported on this connection only; they never disturb peers.
func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, conn *Conn, sessionID string) {
	limiter := rate.NewLimiter(h.cmdRate, h.cmdBurst)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if !limiter.Allow() {
			h.sendError(ctx, conn, sessionID, "command rate exceeded")
			continue
		}
		cmd, err := wire.DecodeCommand(data)
		if err != nil {
			h.sendError(ctx, conn, sessionID, err.Error())
			continue
		}
		if err := h.dispatch(ctx, conn, sessionID, cmd); err != nil {
			h.sendError(ctx, conn, sessionID, err.Error())
		}
	}
}

// dispatch routes one decoded command to the hub. Action executions block for
// the lifetime of the generation tool, so they run on their own goroutine:
// the read loop must keep pumping to deliver cancel commands and to let
// gorilla process pong frames, or the pinger would drop the approving
// observer mid-execution. Their failures are reported asynchronously on this
// connection.
func (h *Handler) dispatch(ctx context.Context, conn *Conn, sessionID string, cmd wire.Command) error {
	switch cmd.Type {
	case wire.CommandSendMessage:
		return h.hub.SendMessage(ctx, sessionID, cmd.Text, cmd.Attachments)
	case wire.CommandContinue:
		return h.hub.Continue(ctx, sessionID, cmd.Text)
	case wire.CommandExecuteAction:
		go func() {
			if _, err := h.hub.ExecuteAction(ctx, sessionID, cmd.InstanceID, cmd.FinalParams); err != nil {
				h.sendError(ctx, conn, sessionID, err.Error())
			}
		}()
		return nil
	case wire.CommandRetryAction:
		go func() {
			if _, err := h.hub.RetryAction(ctx, sessionID, cmd.InstanceID); err != nil {
				h.sendError(ctx, conn, sessionID, err.Error())
			}
		}()
		return nil
	case wire.CommandCancel:
		return h.hub.Cancel(ctx, sessionID)
	default:
		return nil
	}
}

func (h *Handler) sendError(ctx context.Context, conn *Conn, sessionID, msg string) {
	err := conn.Send(ctx, wire.Event{
		Type:      wire.EventError,
		SessionID: sessionID,
		At:        time.Now().UTC(),
		Payload:   wire.ErrorPayload{Message: msg},
	})
	if err != nil {
		h.logger.Debug(ctx, "failed to report command error", "session_id", sessionID, "error", err)
	}
}

// sessionIDFromPath extracts the id from /sessions/{id}/ws.
func sessionIDFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[0] != "sessions" || parts[2] != "ws" {
		return ""
	}
	return parts[1]
}
