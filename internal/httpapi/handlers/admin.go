package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/ai-chatroom/internal/ai"
	"github.com/suPer8Hu/ai-chatroom/internal/common"
	"github.com/suPer8Hu/ai-chatroom/internal/engine"
)

func (h *Handler) AdminStats(c *gin.Context) {
	stats, err := h.Engine.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, stats)
}

func (h *Handler) AdminRooms(c *gin.Context) {
	rooms, err := h.Engine.Rooms(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"rooms": rooms})
}

func (h *Handler) AdminRoomDetail(c *gin.Context) {
	room, err := h.Engine.RoomDetail(c.Request.Context(), c.Param("room"))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, room)
}

func (h *Handler) AdminDeleteRoom(c *gin.Context) {
	room := c.Param("room")
	files, err := h.Engine.DeleteRoom(c.Request.Context(), caller(c), room)
	if err != nil {
		h.fail(c, err)
		return
	}
	if files == nil {
		files = []string{}
	}
	common.OK(c, gin.H{"room": room, "files": files})
}

func (h *Handler) AdminFiles(c *gin.Context) {
	files, err := h.Engine.Files(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"files": files})
}

func (h *Handler) AdminDeleteFile(c *gin.Context) {
	name := c.Param("name")
	if err := h.Engine.DeleteObject(c.Request.Context(), caller(c), name); err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"filename": name})
}

func (h *Handler) AdminCleanupOrphans(c *gin.Context) {
	removed, err := h.Engine.SweepOrphans(c.Request.Context(), caller(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	if removed == nil {
		removed = []string{}
	}
	common.OK(c, gin.H{"removed": removed, "count": len(removed)})
}

func (h *Handler) AdminProviderConfigs(c *gin.Context) {
	common.OK(c, h.Engine.ProviderConfigs())
}

func (h *Handler) AdminUpdateProviderConfig(c *gin.Context) {
	var patch ai.ConfigPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	dropMaskedKey(&patch)
	cfg, err := h.Engine.SetProviderConfig(c.Request.Context(), caller(c), c.Param("variant"), patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, cfg)
}

type setProviderReq struct {
	Provider string `json:"provider" binding:"required"`
}

func (h *Handler) AdminSetProvider(c *gin.Context) {
	var req setProviderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if err := h.Engine.SetActiveProvider(c.Request.Context(), caller(c), req.Provider); err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"provider": strings.ToLower(strings.TrimSpace(req.Provider))})
}

// AdminTestProvider lists models; a body, if present, is tried unsaved.
func (h *Handler) AdminTestProvider(c *gin.Context) {
	var patch *ai.ConfigPatch
	var body ai.ConfigPatch
	if err := c.ShouldBindJSON(&body); err == nil {
		dropMaskedKey(&body)
		patch = &body
	} else if !errors.Is(err, io.EOF) {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	models, err := h.Engine.ProbeProvider(c.Request.Context(), caller(c), c.Param("variant"), patch)
	if err != nil {
		if isRequestError(err) {
			h.fail(c, err)
			return
		}
		common.Fail(c, http.StatusBadGateway, 50201, ai.Describe(err))
		return
	}
	if models == nil {
		models = []string{}
	}
	common.OK(c, gin.H{"success": true, "models": models})
}

// dropMaskedKey ignores an api_key echoed back in its redacted form.
func dropMaskedKey(p *ai.ConfigPatch) {
	if p.APIKey != nil && strings.HasPrefix(*p.APIKey, "****") {
		p.APIKey = nil
	}
}

// isRequestError separates caller mistakes from backend failures.
func isRequestError(err error) bool {
	return errors.Is(err, engine.ErrForbidden) ||
		errors.Is(err, ai.ErrUnknownProvider) ||
		errors.Is(err, ai.ErrInvalidConfig)
}
