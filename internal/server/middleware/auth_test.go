package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func authedServer(key string) http.Handler {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return Auth(key)(ok)
}

func TestAuthAcceptsEitherHeader(t *testing.T) {
	h := authedServer("s3cret")

	for _, set := range []func(*http.Request){
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer s3cret") },
		func(r *http.Request) { r.Header.Set("authorization", "bearer s3cret") },
		func(r *http.Request) { r.Header.Set("X-API-Key", "s3cret") },
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		set(req)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("status = %d, want 200 (%v)", rr.Code, req.Header)
		}
	}
}

func TestAuthRejectsBadOrMissingKey(t *testing.T) {
	h := authedServer("s3cret")

	for _, set := range []func(*http.Request){
		func(r *http.Request) {},
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer wrong") },
		func(r *http.Request) { r.Header.Set("Authorization", "s3cret") },
		func(r *http.Request) { r.Header.Set("X-API-Key", "wrong") },
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		set(req)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401 (%v)", rr.Code, req.Header)
		}
	}
}

func TestAuthDisabledWithoutKey(t *testing.T) {
	h := authedServer("")

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}
