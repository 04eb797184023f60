package handoff

import (
	"context"
	"testing"

	coorderr "github.com/fentz26/agent-coordinator/internal/errors"
	"github.com/fentz26/agent-coordinator/internal/models"
	"github.com/fentz26/agent-coordinator/internal/store"
)

func TestWriteAndLatest(t *testing.T) {
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer st.Close()
	svc := NewService(st)
	ctx := context.Background()

	h, err := svc.Write(ctx, models.Handoff{
		AgentName: "builder",
		Summary:   "migrated users table",
		NextSteps: []string{"backfill emails", "  ", "drop old column"},
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if len(h.NextSteps) != 2 {
		t.Errorf("Blank steps should be dropped, got %v", h.NextSteps)
	}

	svc.Write(ctx, models.Handoff{AgentName: "builder", Summary: "second session"})

	got, err := svc.Latest(ctx, "builder", 0)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if len(got) != 2 || got[0].Summary != "second session" {
		t.Errorf("Expected most recent first, got %+v", got)
	}
}

func TestWrite_Validation(t *testing.T) {
	st, _ := store.New(":memory:")
	defer st.Close()
	svc := NewService(st)

	for _, h := range []models.Handoff{
		{Summary: "no agent"},
		{AgentName: "builder", Summary: "   "},
	} {
		if _, err := svc.Write(context.Background(), h); !coorderr.Is(err, coorderr.ErrInvalid) {
			t.Errorf("Write(%+v) = %v, want invalid", h, err)
		}
	}
}
