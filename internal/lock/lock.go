// Package lock implements exclusive, TTL-bounded locks on file paths and
// logical keys. Exclusivity is enforced by the store's acquire_lock
// procedure; this layer validates input and applies the default TTL.
package lock

import (
	"context"
	"strings"
	"time"

	coorderr "github.com/fentz26/agent-coordinator/internal/errors"
	"github.com/fentz26/agent-coordinator/internal/models"
	"github.com/fentz26/agent-coordinator/internal/store"
	"github.com/rs/zerolog"
)

// Service is the lock service.
type Service struct {
	store      store.Store
	defaultTTL time.Duration
	log        zerolog.Logger
}

// NewService creates a lock service. defaultTTL must be positive.
func NewService(st store.Store, defaultTTL time.Duration, logger zerolog.Logger) (*Service, error) {
	if st == nil {
		return nil, coorderr.E(coorderr.KindConfig, "lock service", "store is required")
	}
	if defaultTTL <= 0 {
		return nil, coorderr.E(coorderr.KindConfig, "lock service", "default TTL must be positive, got %s", defaultTTL)
	}
	return &Service{
		store:      st,
		defaultTTL: defaultTTL,
		log:        logger.With().Str("component", "lock").Logger(),
	}, nil
}

// DefaultTTL returns the TTL used when a caller passes none.
func (s *Service) DefaultTTL() time.Duration {
	return s.defaultTTL
}

// Acquire takes key for holder. A non-positive ttl uses the default. The
// TTL is rounded up to whole minutes.
func (s *Service) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (*models.Lock, error) {
	k, err := ValidateKey(key)
	if err != nil {
		return nil, err
	}
	holder = strings.TrimSpace(holder)
	if holder == "" {
		return nil, coorderr.E(coorderr.KindInvalid, "acquire_lock", "holder is required")
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	ttl = time.Duration(store.TTLMinutes(ttl)) * time.Minute

	l, err := s.store.AcquireLock(ctx, k, holder, ttl)
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("key", k).Str("holder", holder).Time("expires_at", l.ExpiresAt).Msg("lock acquired")
	return l, nil
}

// Release drops holder's lock on key. It reports false, without error, when
// there is no active lock or it belongs to someone else.
func (s *Service) Release(ctx context.Context, key, holder string) (bool, error) {
	k, err := ValidateKey(key)
	if err != nil {
		return false, err
	}
	released, err := s.store.ReleaseLock(ctx, k, strings.TrimSpace(holder))
	if err != nil {
		return false, err
	}
	if released {
		s.log.Debug().Str("key", k).Str("holder", holder).Msg("lock released")
	}
	return released, nil
}

// Check lists active locks. Expired locks are never returned.
func (s *Service) Check(ctx context.Context) ([]models.Lock, error) {
	return s.store.ActiveLocks(ctx)
}
