package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/suPer8Hu/ai-chatroom/internal/engine"
	"github.com/suPer8Hu/ai-chatroom/internal/events"
)

// errorEvent is sent to a single client when one of its frames fails.
const errorEvent events.Name = "error"

func (h *Handler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originAllowed(h.Cfg.CORSOrigins),
	}
}

func originAllowed(list string) func(*http.Request) bool {
	allowed := make(map[string]struct{})
	for _, o := range strings.Split(list, ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowed[o] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		if _, wildcard := allowed["*"]; wildcard {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

// ServeWS upgrades the connection and serves chat frames until it closes.
func (h *Handler) ServeWS(c *gin.Context) {
	conn, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := events.NewClient(c.Request.Context(), conn)
	h.Hub.Register(client)
	h.Logger.Debug("client connected", slog.String("client", client.ID))

	go func() {
		if err := client.WritePump(); err != nil {
			h.Logger.Debug("write pump ended", slog.String("client", client.ID), slog.String("error", err.Error()))
		}
	}()
	client.ReadPump(h.Logger, h.handleFrame)

	if room, user := client.Member(); room != "" {
		if _, err := h.Engine.Leave(room, user); err != nil {
			h.Logger.Warn("leave on disconnect failed", slog.String("room", room), slog.String("error", err.Error()))
		}
	}
	h.Hub.Unregister(client)
	h.Logger.Debug("client disconnected", slog.String("client", client.ID))
}

func (h *Handler) handleFrame(client *events.Client, in events.Inbound) {
	switch in.Type {
	case "join":
		h.join(client, in)
	case "leave":
		room, user := client.Member()
		if room == "" {
			return
		}
		if _, err := h.Engine.Leave(room, user); err != nil {
			h.sendError(client, err.Error())
			return
		}
		h.Hub.Unsubscribe(client, room)
		client.SetMember("", "")
	case "send_message":
		h.send(client, in)
	case "get_room_history":
		room := strings.TrimSpace(in.Room)
		if room == "" {
			room = client.Room()
		}
		page, err := h.Engine.QueryHistory(room, in.Filter)
		if err != nil {
			h.sendError(client, err.Error())
			return
		}
		client.SendJSON(events.Event{Name: events.HistoryResponse, Room: room, Data: page})
	default:
		h.sendError(client, "unknown message type: "+in.Type)
	}
}

func (h *Handler) join(client *events.Client, in events.Inbound) {
	room, user := strings.TrimSpace(in.Room), strings.TrimSpace(in.Username)
	if room == "" || user == "" {
		h.sendError(client, "room and username are required")
		return
	}
	if prevRoom, prevUser := client.Member(); prevRoom != "" && (prevRoom != room || prevUser != user) {
		if _, err := h.Engine.Leave(prevRoom, prevUser); err != nil {
			h.Logger.Warn("leave before rejoin failed", slog.String("room", prevRoom), slog.String("error", err.Error()))
		}
	}

	// subscribe first so the joiner sees its own notice
	h.Hub.Subscribe(client, room)
	client.SetMember(room, user)
	if _, err := h.Engine.Join(room, user); err != nil {
		h.Hub.Unsubscribe(client, room)
		client.SetMember("", "")
		h.sendError(client, err.Error())
		return
	}

	page, err := h.Engine.QueryHistory(room, "all")
	if err == nil {
		client.SendJSON(events.Event{Name: events.HistoryResponse, Room: room, Data: page})
	}
}

func (h *Handler) send(client *events.Client, in events.Inbound) {
	room, user := client.Member()
	if room == "" {
		h.sendError(client, "join a room first")
		return
	}
	text := engine.SanitizeText(in.Message)
	if text == "" {
		return
	}
	_, err := h.Engine.PostUserMessage(engine.PostRequest{
		Room:          room,
		User:          user,
		Text:          text,
		AIRequested:   in.AIEnabled,
		AssistantName: in.AIName,
	})
	if err != nil {
		h.sendError(client, err.Error())
	}
}

func (h *Handler) sendError(client *events.Client, msg string) {
	client.SendJSON(events.Event{Name: errorEvent, Data: gin.H{"message": msg}})
}
