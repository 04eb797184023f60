// Package memory stores episodic and procedural knowledge written by agents.
package memory

import (
	"context"
	"strings"

	coorderr "github.com/fentz26/agent-coordinator/internal/errors"
	"github.com/fentz26/agent-coordinator/internal/models"
	"github.com/fentz26/agent-coordinator/internal/store"
)

// DefaultRecallLimit bounds Recall when the caller passes no limit.
const DefaultRecallLimit = 10

type Service struct {
	store store.Store
}

func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Remember stores m. Kind defaults to episodic.
func (s *Service) Remember(ctx context.Context, m models.Memory) (*models.Memory, error) {
	m.Content = strings.TrimSpace(m.Content)
	if m.Content == "" {
		return nil, coorderr.E(coorderr.KindInvalid, "remember", "content is required")
	}
	if strings.TrimSpace(m.AgentName) == "" {
		return nil, coorderr.E(coorderr.KindInvalid, "remember", "agent name is required")
	}
	switch m.Kind {
	case "":
		m.Kind = models.MemoryEpisodic
	case models.MemoryEpisodic, models.MemoryProcedural:
	default:
		return nil, coorderr.E(coorderr.KindInvalid, "remember", "unknown memory kind %q", m.Kind)
	}
	return s.store.Remember(ctx, m)
}

// Recall returns memories whose content contains query, newest first.
func (s *Service) Recall(ctx context.Context, query string, limit int) ([]models.Memory, error) {
	if limit <= 0 {
		limit = DefaultRecallLimit
	}
	return s.store.Recall(ctx, query, limit)
}
