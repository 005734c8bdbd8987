package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/ai-chatroom/internal/common"
)

// Upload accepts multipart fields file, room and username. The dedup key is
// always the sha256 of the received bytes; an optional hash field must match it.
func (h *Handler) Upload(c *gin.Context) {
	if h.Cfg.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.Cfg.MaxUploadBytes)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			common.Fail(c, http.StatusRequestEntityTooLarge, 41301, "file too large")
			return
		}
		common.Fail(c, http.StatusBadRequest, 10002, "file required")
		return
	}
	room := strings.TrimSpace(c.PostForm("room"))
	user := strings.TrimSpace(c.PostForm("username"))
	if room == "" || user == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "room and username required")
		return
	}

	f, err := fh.Open()
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, "unreadable upload")
		return
	}
	defer f.Close()

	hash, err := hashContent(f)
	if err != nil {
		h.fail(c, err)
		return
	}
	if claimed := strings.TrimSpace(c.PostForm("hash")); claimed != "" && !strings.EqualFold(claimed, hash) {
		common.Fail(c, http.StatusBadRequest, 10002, "hash does not match content")
		return
	}

	up, err := h.Engine.UploadObject(c.Request.Context(), room, user, fh.Filename, hash, f)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, up)
}

// hashContent digests r and rewinds it.
func hashContent(r io.ReadSeeker) (string, error) {
	sum := sha256.New()
	if _, err := io.Copy(sum, r); err != nil {
		return "", fmt.Errorf("hash upload: %w", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind upload: %w", err)
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// Download streams a stored object by its stored name.
func (h *Handler) Download(c *gin.Context) {
	name := c.Param("name")
	rc, obj, err := h.Engine.Open(c.Request.Context(), name)
	if err != nil {
		h.fail(c, err)
		return
	}
	defer rc.Close()

	ctype := mime.TypeByExtension(filepath.Ext(name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	disposition := mime.FormatMediaType("inline", map[string]string{"filename": displayName(name)})
	c.DataFromReader(http.StatusOK, obj.Size, ctype, rc, map[string]string{
		"Content-Disposition": disposition,
	})
}

// displayName strips the millisecond prefix from a stored name.
func displayName(stored string) string {
	if i := strings.IndexByte(stored, '_'); i > 0 {
		return stored[i+1:]
	}
	return stored
}
