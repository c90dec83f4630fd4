package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLimiterAllowsWithinBurst(t *testing.T) {
	l := New(1, 3, nil)
	for i := 0; i < 3; i++ {
		if !l.Allow("a") {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
}

func TestLimiterRejectsBeyondBurst(t *testing.T) {
	l := New(1, 2, nil)
	l.Allow("a")
	l.Allow("a")
	if l.Allow("a") {
		t.Fatal("third immediate request should be rejected")
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l := New(1, 1, nil)
	if !l.Allow("a") {
		t.Fatal("first request for key a should be allowed")
	}
	if !l.Allow("b") {
		t.Fatal("key b should have its own independent bucket")
	}
	if l.BucketCount() != 2 {
		t.Fatalf("BucketCount() = %d, want 2", l.BucketCount())
	}
}

func TestHandlerReturns429WhenExhausted(t *testing.T) {
	l := New(1, 1, nil)
	handler := l.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec1.Code)
	}

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec2.Code)
	}
}
