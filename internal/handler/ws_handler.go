package handler

import (
	"context"
	"net/http"

	"github.com/averyjennings/claw-stream-vision/internal/config"
	"github.com/averyjennings/claw-stream-vision/internal/hub"
	"github.com/averyjennings/claw-stream-vision/pkg/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type WSHandler struct {
	hub      *hub.Hub
	wsCfg    config.WebSocketConfig
	upgrader websocket.Upgrader
}

func NewWSHandler(h *hub.Hub, wsCfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		hub:   h,
		wsCfg: wsCfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket upgrades the request and hands the connection to the hub.
// A connection is anonymous until it sends register.
func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	reqLog := log.Ctx(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		reqLog.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(uuid.New().String(), conn, h.wsCfg)

	// The request context ends when this handler returns; the connection
	// outlives it, so only the logger is carried over.
	connLog := reqLog.With().Str(log.FieldConnID, client.ID()).Logger()
	ctx := log.WithLogger(context.Background(), connLog)
	connLog.Info().Msg("client connected")

	go client.WritePump()
	go client.ReadPump(
		func(msg []byte) { h.hub.HandleInbound(ctx, client, msg) },
		func() { h.hub.Touch(client) },
		func() {
			h.hub.Deregister(ctx, client)
			connLog.Info().Msg("client disconnected")
		},
	)
}

// RegisterRoutes mounts the websocket endpoint on /ws and on / for upgrade
// requests. Everything else on / goes to fallback.
func (h *WSHandler) RegisterRoutes(mux *http.ServeMux, fallback http.Handler) {
	ws := log.HTTPMiddleware(log.L())(http.HandlerFunc(h.HandleWebSocket))

	mux.Handle("/ws", ws)
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			ws.ServeHTTP(w, r)
			return
		}
		fallback.ServeHTTP(w, r)
	}))
}
