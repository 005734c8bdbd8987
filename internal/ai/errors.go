package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	ErrTimeout         = errors.New("ai backend timed out")
	ErrUnknownProvider = errors.New("unknown ai provider")
	ErrDisabled        = errors.New("ai provider disabled")
	ErrRelayInFlight   = errors.New("relay already running for message")
	ErrInvalidConfig   = errors.New("invalid provider config")
)

// StatusError is a non-2xx answer from a backend.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Cause is the category reported to clients when a relay fails.
type Cause string

const (
	CauseTimeout           Cause = "timeout"
	CauseConnectionRefused Cause = "connection-refused"
	CauseHTTPStatus        Cause = "http-status"
	CauseUnknown           Cause = "unknown"
)

func Classify(err error) Cause {
	if err == nil {
		return CauseUnknown
	}
	var se *StatusError
	if errors.As(err, &se) {
		return CauseHTTPStatus
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return CauseTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CauseTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return CauseConnectionRefused
	}
	var oe *net.OpError
	if errors.As(err, &oe) && oe.Op == "dial" {
		return CauseConnectionRefused
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CauseConnectionRefused
	}
	return CauseUnknown
}

// Describe renders err as the text shown in the chat window.
func Describe(err error) string {
	switch Classify(err) {
	case CauseTimeout:
		return "AI响应超时，请检查后台服务是否正常"
	case CauseConnectionRefused:
		return "无法连接到AI服务，请检查配置"
	case CauseHTTPStatus:
		var se *StatusError
		errors.As(err, &se)
		return fmt.Sprintf("AI响应失败: HTTP %d", se.StatusCode)
	default:
		return "AI响应失败: " + err.Error()
	}
}
