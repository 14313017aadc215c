package boltstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ivankudzin/swipesync/domain"
)

var queueBucket = []byte("outbox")

// Store persists the pending queue in a device-local bbolt file, one key per
// user so switching accounts never mixes queues. Each Replace is a single
// transaction, so the whole queue swaps atomically.
type Store struct {
	db  *bolt.DB
	key []byte
}

func New(path, userID string) (*Store, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("boltstore user id is empty")
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening outbox database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, createErr := tx.CreateBucketIfNotExists(queueBucket)
		return createErr
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating outbox bucket: %w", err)
	}

	return &Store{db: db, key: []byte(userID)}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Load(_ context.Context) ([]domain.PendingAction, error) {
	var actions []domain.PendingAction
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(queueBucket).Get(s.key)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &actions)
	})
	if err != nil {
		return nil, fmt.Errorf("load pending queue: %w", err)
	}
	return actions, nil
}

func (s *Store) Replace(_ context.Context, actions []domain.PendingAction) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(queueBucket)
		if len(actions) == 0 {
			return bucket.Delete(s.key)
		}
		data, err := json.Marshal(actions)
		if err != nil {
			return err
		}
		return bucket.Put(s.key, data)
	})
}
