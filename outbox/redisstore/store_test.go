package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ivankudzin/swipesync/domain"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mini := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewStore(client, "u1")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, mini
}

func TestQueueRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	actions := []domain.PendingAction{
		{ID: "a1", TargetID: "u2", Kind: domain.ActionLike, CreatedAt: created},
		{ID: "a2", TargetID: "u3", Kind: domain.ActionPass, CreatedAt: created.Add(time.Second)},
	}

	if err := store.Replace(context.Background(), actions); err != nil {
		t.Fatalf("replace: %v", err)
	}

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 || loaded[0].ID != "a1" || loaded[1].Kind != domain.ActionPass {
		t.Fatalf("unexpected queue: %+v", loaded)
	}
}

func TestMissingKeyLoadsEmpty(t *testing.T) {
	store, _ := newTestStore(t)

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected empty queue: %+v", loaded)
	}
}

func TestEmptyReplaceDeletesKey(t *testing.T) {
	store, mini := newTestStore(t)
	actions := []domain.PendingAction{
		{ID: "a1", TargetID: "u2", Kind: domain.ActionLike, CreatedAt: time.Now().UTC()},
	}

	if err := store.Replace(context.Background(), actions); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if !mini.Exists("outbox:u1") {
		t.Fatalf("expected key to exist after replace")
	}

	if err := store.Replace(context.Background(), nil); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if mini.Exists("outbox:u1") {
		t.Fatalf("empty replace must delete the key")
	}
}

func TestNilClientRejected(t *testing.T) {
	if _, err := NewStore(nil, "u1"); err == nil {
		t.Fatalf("expected error for nil client")
	}
}
