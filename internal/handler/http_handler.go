package handler

import (
	"net/http"
	"strconv"

	"github.com/averyjennings/claw-stream-vision/internal/chatroom"
	"github.com/averyjennings/claw-stream-vision/internal/domain"
	"github.com/averyjennings/claw-stream-vision/pkg/response"
	"github.com/gin-gonic/gin"
)

const defaultChatLimit = 20

// StateSource is the read side of the hub.
type StateSource interface {
	SnapshotState() domain.StreamState
	RecentChat(n int) []domain.ChatEvent
	CurrentFrame() *domain.FrameSnapshot
}

// ChatStatus reports the room connection state. It may be nil.
type ChatStatus interface {
	State() chatroom.State
}

// HTTPHandler serves read-only projections of the hub for pollers.
type HTTPHandler struct {
	state   StateSource
	chat    ChatStatus
	metrics http.Handler
	maxChat int
}

func NewHTTPHandler(state StateSource, chat ChatStatus, metrics http.Handler, maxChat int) *HTTPHandler {
	if maxChat <= 0 {
		maxChat = 100
	}
	return &HTTPHandler{
		state:   state,
		chat:    chat,
		metrics: metrics,
		maxChat: maxChat,
	}
}

func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.HealthCheck)
	r.GET("/state", h.GetState)
	r.GET("/frame", h.GetFrame)
	r.GET("/chat", h.GetChat)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}
}

type healthResponse struct {
	Status       string `json:"status"`
	IsLive       bool   `json:"isLive"`
	Participants int    `json:"participants"`
	Chat         string `json:"chat,omitempty"`
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	s := h.state.SnapshotState()
	resp := healthResponse{
		Status:       "ok",
		IsLive:       s.IsLive,
		Participants: len(s.Participants),
	}
	if h.chat != nil {
		resp.Chat = h.chat.State().String()
	}
	response.JSON(c, resp)
}

func (h *HTTPHandler) GetState(c *gin.Context) {
	response.JSON(c, h.state.SnapshotState())
}

func (h *HTTPHandler) GetFrame(c *gin.Context) {
	frame := h.state.CurrentFrame()
	if frame == nil {
		response.NotFound(c, "no frame captured yet")
		return
	}
	response.JSON(c, frame)
}

func (h *HTTPHandler) GetChat(c *gin.Context) {
	limit := defaultChatLimit
	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		limit = parsed
		if limit > h.maxChat {
			limit = h.maxChat
		}
	}
	response.JSON(c, h.state.RecentChat(limit))
}
