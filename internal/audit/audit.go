// Package audit writes the append-only audit trail of attempted mutations.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/agent-coordinator/internal/models"
	"github.com/fentz26/agent-coordinator/internal/store"
)

// Record describes one attempted mutation.
type Record struct {
	Operation string
	Actor     string
	Target    string
	Inputs    any
	Decision  string
	Outcome   string
	Reason    string
}

// Writer writes audit entries for state-mutating calls.
type Writer struct {
	store store.Store
}

// NewWriter creates a new audit writer.
func NewWriter(s store.Store) *Writer {
	return &Writer{store: s}
}

// Write snapshots the inputs and appends an entry.
func (w *Writer) Write(ctx context.Context, r Record) (*models.AuditEntry, error) {
	payload, hash := snapshot(r.Inputs)
	return w.store.WriteAudit(ctx, models.AuditEntry{
		Operation:  r.Operation,
		Actor:      r.Actor,
		Target:     r.Target,
		Payload:    payload,
		InputsHash: hash,
		Decision:   r.Decision,
		Outcome:    r.Outcome,
		Reason:     r.Reason,
	})
}

// List returns audit entries matching f, newest first.
func (w *Writer) List(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, error) {
	return w.store.ListAudit(ctx, f)
}

// snapshot encodes the inputs and hashes the encoding so an entry can be
// matched against a replayed request.
func snapshot(inputs any) (json.RawMessage, string) {
	data, err := json.Marshal(inputs)
	if err != nil {
		return nil, "hash_error"
	}
	hash := sha256.Sum256(data)
	return data, hex.EncodeToString(hash[:])
}

// HashInputs returns the hash recorded for inputs.
func HashInputs(inputs any) string {
	_, h := snapshot(inputs)
	return h
}
