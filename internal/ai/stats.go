package ai

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	aiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatroom_ai_requests_total",
			Help: "AI relay invocations by provider",
		},
		[]string{"provider"},
	)
	aiRequestsSucceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatroom_ai_requests_succeeded_total",
			Help: "AI relay invocations that streamed to completion",
		},
		[]string{"provider"},
	)
	aiRequestsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatroom_ai_requests_failed_total",
			Help: "AI relay invocations that ended in an error event",
		},
		[]string{"provider", "cause"},
	)
	relayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatroom_ai_relay_duration_seconds",
			Help:    "Wall time of one AI relay from start to terminal event",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"provider", "outcome"},
	)
)

// Stats counts relay attempts and completions.
type Stats struct {
	mu      sync.Mutex
	total   int64
	success int64
}

type StatsSnapshot struct {
	Total       int64   `json:"ai_requests_total"`
	Success     int64   `json:"ai_requests_success"`
	SuccessRate float64 `json:"ai_success_rate"`
}

func NewStats() *Stats { return &Stats{} }

func (s *Stats) begin(v Variant) {
	s.mu.Lock()
	s.total++
	s.mu.Unlock()
	aiRequestsTotal.WithLabelValues(string(v)).Inc()
}

func (s *Stats) succeed(v Variant, d time.Duration) {
	s.mu.Lock()
	s.success++
	s.mu.Unlock()
	aiRequestsSucceeded.WithLabelValues(string(v)).Inc()
	relayDuration.WithLabelValues(string(v), "success").Observe(d.Seconds())
}

func (s *Stats) fail(v Variant, cause Cause, d time.Duration) {
	aiRequestsFailed.WithLabelValues(string(v), string(cause)).Inc()
	relayDuration.WithLabelValues(string(v), "error").Observe(d.Seconds())
}

// Snapshot returns the counters and the success rate as a percentage.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := StatsSnapshot{Total: s.total, Success: s.success}
	if s.total > 0 {
		out.SuccessRate = float64(int64(float64(s.success)/float64(s.total)*10000)) / 100
	}
	return out
}
