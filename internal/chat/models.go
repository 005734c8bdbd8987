package chat

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

type Kind string

const (
	KindSystem Kind = "system"
	KindUser   Kind = "user"
	KindFile   Kind = "file"
	KindAI     Kind = "ai"
)

// SystemAuthor is the display name carried by join/leave notices.
const SystemAuthor = "系统"

type MediaCategory string

const (
	MediaImage      MediaCategory = "image"
	MediaVideo      MediaCategory = "video"
	MediaAudio      MediaCategory = "audio"
	MediaPDF        MediaCategory = "pdf"
	MediaText       MediaCategory = "text"
	MediaArchive    MediaCategory = "archive"
	MediaWord       MediaCategory = "word"
	MediaExcel      MediaCategory = "excel"
	MediaPowerPoint MediaCategory = "powerpoint"
	MediaOther      MediaCategory = "other"
)

var extCategories = map[string]MediaCategory{
	"png": MediaImage, "jpg": MediaImage, "jpeg": MediaImage, "gif": MediaImage,
	"bmp": MediaImage, "webp": MediaImage, "svg": MediaImage,
	"mp4": MediaVideo, "avi": MediaVideo, "mkv": MediaVideo, "mov": MediaVideo,
	"wmv": MediaVideo, "flv": MediaVideo, "webm": MediaVideo,
	"mp3": MediaAudio, "wav": MediaAudio, "ogg": MediaAudio, "flac": MediaAudio,
	"aac": MediaAudio, "m4a": MediaAudio,
	"pdf": MediaPDF,
	"txt": MediaText, "md": MediaText, "log": MediaText,
	"zip": MediaArchive, "rar": MediaArchive, "7z": MediaArchive, "tar": MediaArchive, "gz": MediaArchive,
	"doc": MediaWord, "docx": MediaWord,
	"xls": MediaExcel, "xlsx": MediaExcel,
	"ppt": MediaPowerPoint, "pptx": MediaPowerPoint,
}

// CategoryOf classifies a file by its extension.
func CategoryOf(filename string) MediaCategory {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if c, ok := extCategories[ext]; ok {
		return c
	}
	return MediaOther
}

// FileRef is the payload of a file message.
type FileRef struct {
	DisplayName string        `json:"filename"`
	StoredName  string        `json:"unique_filename"`
	Size        int64         `json:"size_bytes"`
	SizeText    string        `json:"size"`
	DownloadURL string        `json:"download_url"`
	Category    MediaCategory `json:"file_type"`
	Cached      bool          `json:"is_cached"`
}

type LinkPreview struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	SiteName    string `json:"site_name,omitempty"`
}

// Message is a tagged union keyed by Kind. File is set only for KindFile,
// Preview only ever for KindUser.
type Message struct {
	ID        string       `json:"message_id"`
	Kind      Kind         `json:"type"`
	Author    string       `json:"username"`
	Body      string       `json:"message"`
	Timestamp time.Time    `json:"timestamp"`
	File      *FileRef     `json:"file_info,omitempty"`
	Preview   *LinkPreview `json:"link_preview"`
}

var ErrInvalidMessage = errors.New("invalid message")

// MessageID builds the room_author_millis identifier. Two messages from the
// same author in the same room and millisecond share an ID.
func MessageID(room, author string, t time.Time) string {
	return fmt.Sprintf("%s_%s_%d", room, author, t.UnixMilli())
}

func NewSystemMessage(room, text string, now time.Time) Message {
	return Message{
		ID:        MessageID(room, SystemAuthor, now),
		Kind:      KindSystem,
		Author:    SystemAuthor,
		Body:      text,
		Timestamp: now,
	}
}

func NewUserMessage(room, author, text string, now time.Time) Message {
	return Message{
		ID:        MessageID(room, author, now),
		Kind:      KindUser,
		Author:    author,
		Body:      text,
		Timestamp: now,
	}
}

func NewFileMessage(room, author string, ref FileRef, now time.Time) Message {
	body := "发送了文件: " + ref.DisplayName
	if ref.Cached {
		body += " (已缓存)"
	}
	return Message{
		ID:        MessageID(room, author, now),
		Kind:      KindFile,
		Author:    author,
		Body:      body,
		Timestamp: now,
		File:      &ref,
	}
}

// NewAIMessage wraps an assembled relay response; id is the relay's message id.
func NewAIMessage(id, assistant, text string, now time.Time) Message {
	return Message{
		ID:        id,
		Kind:      KindAI,
		Author:    assistant,
		Body:      text,
		Timestamp: now,
	}
}

// Validate checks the per-kind payload rules.
func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidMessage)
	}
	switch m.Kind {
	case KindSystem, KindAI:
		if m.File != nil || m.Preview != nil {
			return fmt.Errorf("%w: %s message carries attachments", ErrInvalidMessage, m.Kind)
		}
	case KindUser:
		if m.File != nil {
			return fmt.Errorf("%w: user message carries a file", ErrInvalidMessage)
		}
	case KindFile:
		if m.File == nil || m.File.StoredName == "" {
			return fmt.Errorf("%w: file message without stored object", ErrInvalidMessage)
		}
		if m.Preview != nil {
			return fmt.Errorf("%w: file message carries a preview", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	}
	return nil
}

// HasFile reports whether the message carries a FileRef.
func (m Message) HasFile() bool { return m.File != nil }

// Filter selects a subsequence of a room log.
type Filter string

const (
	FilterAll   Filter = "all"
	FilterVideo Filter = "video"
	FilterImage Filter = "image"
	FilterFile  Filter = "file"
)

// ParseFilter defaults an empty filter to FilterAll.
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FilterAll, nil
	case FilterAll, FilterVideo, FilterImage, FilterFile:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown filter %q", ErrInvalidInput, s)
	}
}

func (f Filter) match(m Message) bool {
	switch f {
	case FilterAll:
		return true
	case FilterFile:
		return m.File != nil
	case FilterVideo:
		return m.File != nil && m.File.Category == MediaVideo
	case FilterImage:
		return m.File != nil && m.File.Category == MediaImage
	}
	return false
}
