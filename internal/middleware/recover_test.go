package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRecoverReturns500(t *testing.T) {
	h := RequestID(Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "INTERNAL_ERROR") {
		t.Fatalf("expected error envelope, got %s", w.Body.String())
	}
}

func TestRequestIDReplacesUnusableHeader(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for _, bad := range []string{strings.Repeat("a", 65), "has space", "tab\tid"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", bad)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		if _, err := uuid.Parse(w.Header().Get("X-Request-ID")); err != nil {
			t.Fatalf("%q: expected a generated uuid, got %q", bad, w.Header().Get("X-Request-ID"))
		}
	}
}
