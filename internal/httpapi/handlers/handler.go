package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/ai-chatroom/internal/ai"
	"github.com/suPer8Hu/ai-chatroom/internal/chat"
	"github.com/suPer8Hu/ai-chatroom/internal/common"
	"github.com/suPer8Hu/ai-chatroom/internal/config"
	"github.com/suPer8Hu/ai-chatroom/internal/engine"
	"github.com/suPer8Hu/ai-chatroom/internal/events"
	"github.com/suPer8Hu/ai-chatroom/internal/filestore"
	"github.com/suPer8Hu/ai-chatroom/internal/httpapi/middleware"
)

type Handler struct {
	Cfg    config.Config
	Engine *engine.Service
	Hub    *events.Hub
	Logger *slog.Logger
}

func NewHandler(cfg config.Config, eng *engine.Service, hub *events.Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Cfg:    cfg,
		Engine: eng,
		Hub:    hub,
		Logger: logger.With(slog.String("component", "http")),
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func caller(c *gin.Context) engine.Caller {
	return engine.Caller{Privileged: middleware.IsAdmin(c)}
}

// fail maps engine errors onto the response envelope.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chat.ErrInvalidInput), errors.Is(err, filestore.ErrInvalidInput):
		common.Fail(c, http.StatusBadRequest, 10002, err.Error())
	case errors.Is(err, filestore.ErrEmptyUpload):
		common.Fail(c, http.StatusBadRequest, 10003, "empty upload")
	case errors.Is(err, ai.ErrUnknownProvider):
		common.Fail(c, http.StatusBadRequest, 10004, "unknown provider")
	case errors.Is(err, ai.ErrInvalidConfig):
		common.Fail(c, http.StatusBadRequest, 10005, err.Error())
	case errors.Is(err, engine.ErrForbidden):
		common.Fail(c, http.StatusForbidden, 40301, "forbidden")
	case errors.Is(err, chat.ErrRoomNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "room not found")
	case errors.Is(err, filestore.ErrNotFound), errors.Is(err, filestore.ErrInvalidName):
		common.Fail(c, http.StatusNotFound, 40402, "file not found")
	default:
		h.Logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("request_id", c.GetString(middleware.RequestIDKey)),
			slog.String("error", err.Error()),
		)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
