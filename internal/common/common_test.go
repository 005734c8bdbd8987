package common

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestNewULID_Sorted(t *testing.T) {
	prev := ""
	for i := 0; i < 100; i++ {
		id, err := NewULID()
		if err != nil {
			t.Fatalf("new ulid: %v", err)
		}
		if len(id) != 26 {
			t.Fatalf("unexpected ulid %q", id)
		}
		if id <= prev {
			t.Fatalf("ulids not increasing: %q after %q", id, prev)
		}
		prev = id
	}
}

func TestEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ok", func(c *gin.Context) { OK(c, gin.H{"n": 1}) })
	r.GET("/fail", func(c *gin.Context) { Fail(c, http.StatusBadRequest, 10001, "invalid json") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	var got Response
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.Code != http.StatusOK || got.Code != 0 || got.Message != "ok" {
		t.Fatalf("unexpected ok response: %d %+v", w.Code, got)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fail", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode fail body %q: %v", w.Body.String(), err)
	}
	if got.Code != 10001 || got.Data != nil {
		t.Fatalf("unexpected fail response: %+v", got)
	}
}
