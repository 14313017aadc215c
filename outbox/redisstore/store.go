package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ivankudzin/swipesync/domain"
)

const queuePrefix = "outbox:"

// Store keeps the pending queue under a single string key, swapped whole on
// every Replace. For shells that already run a Redis-backed cache.
type Store struct {
	client *goredis.Client
	key    string
}

func NewStore(client *goredis.Client, userID string) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("redisstore user id is empty")
	}
	return &Store{client: client, key: queuePrefix + userID}, nil
}

func (s *Store) Load(ctx context.Context) ([]domain.PendingAction, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load pending queue: %w", err)
	}

	var actions []domain.PendingAction
	if err := json.Unmarshal(data, &actions); err != nil {
		return nil, fmt.Errorf("decode pending queue: %w", err)
	}
	return actions, nil
}

func (s *Store) Replace(ctx context.Context, actions []domain.PendingAction) error {
	if len(actions) == 0 {
		if err := s.client.Del(ctx, s.key).Err(); err != nil {
			return fmt.Errorf("clear pending queue: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("encode pending queue: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("store pending queue: %w", err)
	}
	return nil
}
