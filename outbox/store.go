package outbox

import (
	"context"
	"sync"

	"github.com/ivankudzin/swipesync/domain"
)

// Store is the durable home of the pending-action queue. Replace swaps the
// whole queue in one atomic write: the engine serializes its mutations, so a
// whole-value swap is sufficient to avoid lost updates between triggers.
type Store interface {
	Load(ctx context.Context) ([]domain.PendingAction, error)
	Replace(ctx context.Context, actions []domain.PendingAction) error
}

// MemoryStore keeps the queue in process memory. Suited to tests and to
// shells that accept losing queued actions on kill.
type MemoryStore struct {
	mu      sync.Mutex
	actions []domain.PendingAction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) ([]domain.PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.PendingAction(nil), s.actions...), nil
}

func (s *MemoryStore) Replace(_ context.Context, actions []domain.PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append([]domain.PendingAction(nil), actions...)
	return nil
}
