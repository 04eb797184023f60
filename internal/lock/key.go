package lock

import (
	"strings"

	coorderr "github.com/fentz26/agent-coordinator/internal/errors"
)

// LogicalPrefixes are the recognized namespaces for non-file locks.
var LogicalPrefixes = []string{"api:", "db:", "event:", "flag:", "env:", "contract:", "feature:"}

// ValidateKey checks key against the lock key grammar: a logical prefix
// followed by non-blank content, or a relative path. It returns the trimmed
// key on success.
func ValidateKey(key string) (string, error) {
	k := strings.TrimSpace(key)
	if k == "" {
		return "", coorderr.E(coorderr.KindInvalidKey, "validate key", "lock key is empty")
	}

	for _, prefix := range LogicalPrefixes {
		if strings.HasPrefix(k, prefix) {
			if strings.TrimSpace(k[len(prefix):]) == "" {
				return "", coorderr.E(coorderr.KindInvalidKey, "validate key", "logical key %q has no content after prefix", k)
			}
			return k, nil
		}
	}

	if strings.HasPrefix(k, "/") {
		return "", coorderr.E(coorderr.KindInvalidKey, "validate key", "path %q must be relative to the repository", k)
	}
	return k, nil
}
