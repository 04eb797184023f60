package errors

import (
	"fmt"
	"testing"
	"time"

	"github.com/fentz26/agent-coordinator/internal/models"
)

func TestIsMatchesByKind(t *testing.T) {
	err := E(KindConflict, "acquire_lock", "key %s held", "db:users")
	if !Is(err, ErrConflict) {
		t.Errorf("expected %v to match ErrConflict", err)
	}
	if Is(err, ErrNotFound) {
		t.Errorf("did not expect %v to match ErrNotFound", err)
	}

	wrapped := fmt.Errorf("service: %w", err)
	if !Is(wrapped, ErrConflict) {
		t.Error("expected wrapped error to match ErrConflict")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	conflict := &models.LockConflict{Key: "src/main.go", Holder: "agent-1", ExpiresAt: time.Now()}
	err := Wrap(KindConflict, "acquire_lock", conflict)

	var got *models.LockConflict
	if !As(err, &got) {
		t.Fatal("expected LockConflict in chain")
	}
	if got.Holder != "agent-1" {
		t.Errorf("expected holder agent-1, got %s", got.Holder)
	}
	if Wrap(KindInternal, "x", nil) != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"typed", E(KindNotFound, "get_task", "missing"), KindNotFound},
		{"wrapped", fmt.Errorf("outer: %w", E(KindAlreadyTerminal, "complete_task", "done")), KindAlreadyTerminal},
		{"foreign", New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(Wrap(KindStoreUnavailable, "ping", New("connection refused"))) {
		t.Error("store unavailable should be retryable")
	}
	for _, k := range []Kind{KindConflict, KindPolicyDenied, KindAlreadyTerminal, KindInvalidKey} {
		if IsRetryable(E(k, "op", "x")) {
			t.Errorf("%s should not be retryable", k)
		}
	}
	if IsRetryable(nil) {
		t.Error("nil should not be retryable")
	}
}

func TestErrorString(t *testing.T) {
	err := &Error{Kind: KindPolicyDenied, Op: "acquire_lock", Message: "rule deny-db"}
	if got := err.Error(); got != "acquire_lock: rule deny-db" {
		t.Errorf("unexpected message %q", got)
	}
	bare := &Error{Kind: KindNotFound}
	if got := bare.Error(); got != "not_found" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestParseKind(t *testing.T) {
	for k := KindInternal; k <= KindConfig; k++ {
		got, ok := ParseKind(k.String())
		if !ok || got != k {
			t.Errorf("ParseKind(%q) = %v, %v", k.String(), got, ok)
		}
	}
	if _, ok := ParseKind("nope"); ok {
		t.Error("unknown name should not parse")
	}
}
