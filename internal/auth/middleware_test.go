package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeGate bool

func (g fakeGate) IsUnlocked() bool { return bool(g) }

func TestAuthRequired(t *testing.T) {
	s, _ := NewJWTSigner("vaultkeeper", time.Minute)
	tok, _, _ := s.IssueToken(Subject)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, found := FromContext(r.Context()); !found {
			t.Error("claims missing from context")
		}
		w.WriteHeader(http.StatusOK)
	})

	cases := []struct {
		name   string
		header string
		gate   fakeGate
		want   int
	}{
		{"missing", "", true, http.StatusUnauthorized},
		{"not bearer", "Basic abc", true, http.StatusUnauthorized},
		{"bad token", "Bearer nope", true, http.StatusUnauthorized},
		{"locked", "Bearer " + tok, false, http.StatusForbidden},
		{"ok", "Bearer " + tok, true, http.StatusOK},
	}
	for _, c := range cases {
		h := AuthRequired(s, c.gate)(ok)
		req := httptest.NewRequest(http.MethodGet, "/checkauth", nil)
		if c.header != "" {
			req.Header.Set("Authorization", c.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != c.want {
			t.Errorf("%s: status %d, want %d", c.name, rec.Code, c.want)
		}
	}
}
