// Package auth manages the shared service credential that guards the
// daemon's HTTP API.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// CredentialFile is the file name the credential is stored under.
const CredentialFile = "credential"

// GenerateToken returns a random 32-byte hex token.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Save writes token to dir/credential readable only by the owner.
func Save(dir, token string) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	path := filepath.Join(dir, CredentialFile)
	if err := os.WriteFile(path, []byte(token+"\n"), 0600); err != nil {
		return "", err
	}
	return path, nil
}

// Load reads the credential from dir. A missing file yields "".
func Load(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, CredentialFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Valid compares a presented bearer header against credential in constant
// time.
func Valid(header, credential string) bool {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(credential)) == 1
}

// Middleware rejects requests without the bearer credential. An empty
// credential disables the check. Paths in open pass through.
func Middleware(credential string, open ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if credential == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range open {
				if r.URL.Path == p {
					next.ServeHTTP(w, r)
					return
				}
			}
			if !Valid(r.Header.Get("Authorization"), credential) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="coord"`)
				http.Error(w, `{"error":"missing or invalid credential","kind":"policy_denied"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
