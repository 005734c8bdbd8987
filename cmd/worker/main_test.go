package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/suPer8Hu/ai-chatroom/internal/events"
	"github.com/suPer8Hu/ai-chatroom/internal/httpapi/middleware"
	"github.com/suPer8Hu/ai-chatroom/internal/store/rabbitmq"
)

func TestWorkerConcurrency(t *testing.T) {
	for in, want := range map[int]int{0: 2, -3: 2, 8: 8, 500: maxConcurrency} {
		if got := workerConcurrency(in); got != want {
			t.Fatalf("workerConcurrency(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestRefresher(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")[len("Bearer "):]
		if _, err := middleware.ParseAdminToken("s3cret", raw); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"code":40101,"message":"unauthorized","data":null}`)
			return
		}
		if r.URL.Path != "/admin/stats" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"code":40400,"message":"route not found","data":null}`)
			return
		}
		calls.Add(1)
		_, _ = io.WriteString(w, `{"code":0,"message":"ok","data":{"total_rooms":1}}`)
	}))
	defer srv.Close()

	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	r := newRefresher(srv.URL+"/", "s3cret", slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.now = func() time.Time { return now }
	ctx := context.Background()

	if err := r.handle(ctx, rabbitmq.AdminMessage{Kind: events.AdminStats}); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	// a burst within the window is collapsed
	if err := r.handle(ctx, rabbitmq.AdminMessage{Kind: events.AdminStats}); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one call, got %d", calls.Load())
	}
	now = now.Add(2 * time.Second)
	_ = r.handle(ctx, rabbitmq.AdminMessage{Kind: events.AdminStats})
	if calls.Load() != 2 {
		t.Fatalf("expected a second call after the window, got %d", calls.Load())
	}

	if err := r.handle(ctx, rabbitmq.AdminMessage{Kind: events.AdminFiles}); err == nil {
		t.Fatalf("expected error for a failing view")
	}
	if err := r.handle(ctx, rabbitmq.AdminMessage{Kind: "bogus"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}

	bad := newRefresher(srv.URL, "wrong", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := bad.handle(ctx, rabbitmq.AdminMessage{Kind: events.AdminStats}); err == nil {
		t.Fatalf("expected error for rejected token")
	}
}
