// Package handoff persists session summaries so the next session of an
// agent can pick up where the last one stopped.
package handoff

import (
	"context"
	"strings"

	coorderr "github.com/fentz26/agent-coordinator/internal/errors"
	"github.com/fentz26/agent-coordinator/internal/models"
	"github.com/fentz26/agent-coordinator/internal/store"
)

// DefaultLimit is the number of handoffs Latest returns when asked for none.
const DefaultLimit = 5

// Service reads and writes handoffs.
type Service struct {
	store store.Store
}

// NewService creates a handoff service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Write appends a handoff. Blank next steps are dropped.
func (s *Service) Write(ctx context.Context, h models.Handoff) (*models.Handoff, error) {
	h.AgentName = strings.TrimSpace(h.AgentName)
	h.Summary = strings.TrimSpace(h.Summary)
	if h.AgentName == "" {
		return nil, coorderr.E(coorderr.KindInvalid, "write_handoff", "agent name is required")
	}
	if h.Summary == "" {
		return nil, coorderr.E(coorderr.KindInvalid, "write_handoff", "summary is required")
	}

	steps := make([]string, 0, len(h.NextSteps))
	for _, step := range h.NextSteps {
		if step = strings.TrimSpace(step); step != "" {
			steps = append(steps, step)
		}
	}
	h.NextSteps = steps
	return s.store.WriteHandoff(ctx, h)
}

// Latest returns up to limit handoffs for agentName, most recent first.
func (s *Service) Latest(ctx context.Context, agentName string, limit int) ([]models.Handoff, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return s.store.ReadHandoffs(ctx, strings.TrimSpace(agentName), limit)
}
