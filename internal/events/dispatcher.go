package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// backlog length at which a warning is logged, and every multiple of it
	DefaultQueueSize = 1024
	deliverTimeout   = 5 * time.Second
)

var eventBacklog = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "chatroom_event_backlog",
	Help: "Events published but not yet handed to the sinks",
})

// Dispatcher fans events out to its sinks in publish order. A failing sink
// is logged and skipped; it never holds up the others. Publish only appends
// to an in-memory backlog, so a slow sink delays delivery but never the
// publisher.
type Dispatcher struct {
	mu      sync.Mutex
	pending []Event
	stopped bool
	wake    chan struct{}

	warnAt int
	sinks  []Sink
	logger *slog.Logger
	done   chan struct{}
}

func NewDispatcher(warnAt int, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if warnAt <= 0 {
		warnAt = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		wake:   make(chan struct{}, 1),
		warnAt: warnAt,
		sinks:  sinks,
		logger: logger.With(slog.String("component", "dispatcher")),
		done:   make(chan struct{}),
	}
}

// Publish appends e to the backlog. After Run has returned, events are dropped.
func (d *Dispatcher) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.pending = append(d.pending, e)
	n := len(d.pending)
	d.mu.Unlock()

	eventBacklog.Set(float64(n))
	if n%d.warnAt == 0 {
		d.logger.Warn("event backlog growing", slog.Int("pending", n))
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of events not yet handed to the sinks.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Run delivers events until ctx is cancelled, then drains the backlog.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-d.wake:
			d.drain()
		case <-ctx.Done():
			d.mu.Lock()
			d.stopped = true
			d.mu.Unlock()
			d.drain()
			return
		}
	}
}

// Done is closed once Run has drained and returned.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()
		batch := d.pending
		d.pending = nil
		d.mu.Unlock()
		if len(batch) == 0 {
			eventBacklog.Set(0)
			return
		}
		for _, e := range batch {
			d.deliver(e)
		}
	}
}

func (d *Dispatcher) deliver(e Event) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		err := s.Deliver(ctx, e)
		cancel()
		if err != nil {
			d.logger.Warn("event delivery failed",
				slog.String("event", string(e.Name)),
				slog.String("room", e.Room),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Recorder is a Publisher that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(n Name) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Name == n {
			out = append(out, e)
		}
	}
	return out
}
