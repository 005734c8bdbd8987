package chat

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidInput rejects missing or oversized room and user keys before
	// any state is touched.
	ErrInvalidInput = errors.New("invalid input")
	ErrRoomNotFound = errors.New("room not found")
)

// MaxKeyLen bounds room and user keys in bytes. Room keys become snapshot
// primary keys, which are limited to this size.
const MaxKeyLen = 191

func validKey(k string) bool {
	return strings.TrimSpace(k) != "" && len(k) <= MaxKeyLen
}
