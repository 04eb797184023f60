package memory

import (
	"context"
	"testing"

	coorderr "github.com/fentz26/agent-coordinator/internal/errors"
	"github.com/fentz26/agent-coordinator/internal/models"
	"github.com/fentz26/agent-coordinator/internal/store"
)

func TestRememberRecall(t *testing.T) {
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer st.Close()
	svc := NewService(st)
	ctx := context.Background()

	m, err := svc.Remember(ctx, models.Memory{AgentName: "builder", Content: "flaky test in store package"})
	if err != nil {
		t.Fatalf("Remember failed: %v", err)
	}
	if m.Kind != models.MemoryEpisodic {
		t.Errorf("Expected default kind episodic, got %s", m.Kind)
	}

	if _, err := svc.Remember(ctx, models.Memory{AgentName: "builder", Kind: "semantic", Content: "x"}); !coorderr.Is(err, coorderr.ErrInvalid) {
		t.Errorf("Expected invalid kind, got %v", err)
	}
	if _, err := svc.Remember(ctx, models.Memory{AgentName: "builder"}); !coorderr.Is(err, coorderr.ErrInvalid) {
		t.Errorf("Expected invalid for empty content, got %v", err)
	}

	items, err := svc.Recall(ctx, "flaky", 0)
	if err != nil {
		t.Fatalf("Recall failed: %v", err)
	}
	if len(items) != 1 || items[0].ID != m.ID {
		t.Errorf("Unexpected recall result: %+v", items)
	}
}
