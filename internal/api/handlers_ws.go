package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iammorganparry/clive/apps/conductor/internal/relay"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxFrame   = 4096
)

// Subscription frames sent by relay clients.
const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
)

type wsFrame struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId"`
}

// RelayHandler serves the realtime relay over websockets.
type RelayHandler struct {
	relay    *relay.Relay
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewRelayHandler(rl *relay.Relay, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		relay:  rl,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local tool; same policy as the CORS middleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Serve handles GET /ws
func (h *RelayHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client := h.relay.Connect()
	defer h.relay.Disconnect(client)
	h.logger.Debug("relay client connected", "client_id", client.ID)

	done := make(chan struct{})
	go h.readLoop(conn, client, done)
	h.writeLoop(conn, client, done)

	h.logger.Debug("relay client disconnected", "client_id", client.ID)
}

// readLoop applies subscription frames until the connection fails. It is
// the only reader of conn.
func (h *RelayHandler) readLoop(conn *websocket.Conn, client *relay.Client, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(wsMaxFrame)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("relay client read failed", "client_id", client.ID, "error", err)
			}
			return
		}
		if frame.SessionID == "" {
			continue
		}
		switch frame.Action {
		case actionSubscribe:
			client.Join(frame.SessionID)
		case actionUnsubscribe:
			client.Leave(frame.SessionID)
		default:
			h.logger.Debug("unknown relay frame", "client_id", client.ID, "action", frame.Action)
		}
	}
}

// writeLoop forwards relay envelopes and keeps the connection alive. It is
// the only writer of conn.
func (h *RelayHandler) writeLoop(conn *websocket.Conn, client *relay.Client, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-client.C():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				// Relay shut down.
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
