package auth

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "coord")

	token, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	if len(token) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(token))
	}

	path, err := Save(dir, token)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected 0600, got %v", info.Mode().Perm())
	}

	got, err := Load(dir)
	if err != nil || got != token {
		t.Errorf("Load = %q, %v; want %q", got, err, token)
	}

	empty, err := Load(t.TempDir())
	if err != nil || empty != "" {
		t.Errorf("Missing credential should load as empty, got %q, %v", empty, err)
	}
}

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := Middleware("s3cret", "/health")(ok)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"no header", "/locks", "", http.StatusUnauthorized},
		{"wrong token", "/locks", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "/locks", "Basic s3cret", http.StatusUnauthorized},
		{"valid", "/locks", "Bearer s3cret", http.StatusNoContent},
		{"open path", "/health", "", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestMiddleware_Disabled(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	w := httptest.NewRecorder()
	Middleware("")(ok).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/locks", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("Empty credential should disable auth, got %d", w.Code)
	}
}
