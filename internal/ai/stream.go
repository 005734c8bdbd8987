package ai

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Delta is one increment from a streaming backend. Either field may be empty.
type Delta struct {
	Content   string
	Reasoning string
}

// StreamProvider turns one chat request into a stream of deltas.
// It returns immediately with two channels; both are closed when streaming
// ends, and at most one error is sent.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan Delta, <-chan error)
}

// ModelLister is implemented by providers that can enumerate their models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

const (
	scanInitialBuf = 64 * 1024
	scanMaxBuf     = 2 * 1024 * 1024
)

// idleWatchdog cancels a request when the backend goes quiet for longer
// than timeout, either before headers arrive or between stream lines.
type idleWatchdog struct {
	timer   *time.Timer
	timeout time.Duration
	fired   atomic.Bool
}

func newIdleWatchdog(timeout time.Duration, cancel context.CancelFunc) *idleWatchdog {
	w := &idleWatchdog{timeout: timeout}
	w.timer = time.AfterFunc(timeout, func() {
		w.fired.Store(true)
		cancel()
	})
	return w
}

func (w *idleWatchdog) touch() { w.timer.Reset(w.timeout) }

func (w *idleWatchdog) stop() { w.timer.Stop() }

// wrap converts the cancellation the watchdog caused into ErrTimeout.
func (w *idleWatchdog) wrap(err error) error {
	if err != nil && w.fired.Load() {
		return fmt.Errorf("%w: no data for %s", ErrTimeout, w.timeout)
	}
	return err
}
