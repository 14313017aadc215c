package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ivankudzin/swipesync/domain"
	"github.com/ivankudzin/swipesync/retry"
	"github.com/ivankudzin/swipesync/session"
)

func fastPolicies(maxAttempts int) Policies {
	p := retry.Policy{
		MaxAttempts:       maxAttempts,
		BaseDelay:         time.Millisecond,
		MaxDelay:          2 * time.Millisecond,
		PerAttemptTimeout: time.Second,
		JitterFactor:      0.25,
		Retryable:         IsRetryable,
	}
	return Policies{Bootstrap: p, FeedPage: p, RecordSwipe: p, UndoSwipe: p, RecordBatch: p}
}

func newTestClient(t *testing.T, handler http.Handler, policies Policies) (*Client, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	tokens := session.NewStaticSource()
	tokens.SetToken("test-token")

	client, err := NewClient(ts.URL, 2*time.Second, policies, Dependencies{
		Tokens: tokens,
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	return client, ts
}

func TestBootstrapDecodesSeed(t *testing.T) {
	var gotAuth, gotReqID string
	router := chi.NewRouter()
	router.Post("/rpc/init_swipe_bootstrap", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotReqID = r.Header.Get("X-Request-Id")

		var req bootstrapRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID != "u1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(bootstrapResponse{
			MyPhoto:   "me.jpg",
			MyPhotos:  []string{"me.jpg", "me2.jpg"},
			Location:  []float64{53.9, 27.56},
			SwipedIDs: []string{"u7", "u8"},
			Cursor:    "c-0",
			Preferences: domain.Preferences{
				AgeMin: 18, AgeMax: 30, RadiusKM: 50,
			},
		})
	})

	client, _ := newTestClient(t, router, fastPolicies(3))

	result, err := client.Bootstrap(context.Background(), "u1")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	if gotAuth != "Bearer test-token" {
		t.Fatalf("unexpected auth header: %q", gotAuth)
	}
	if gotReqID == "" {
		t.Fatalf("expected X-Request-Id header")
	}
	if result.Cursor != "c-0" {
		t.Fatalf("unexpected cursor: %q", result.Cursor)
	}
	if len(result.SwipedIDs) != 2 {
		t.Fatalf("unexpected swiped ids: %v", result.SwipedIDs)
	}
	if result.Location == nil || result.Location.Lat != 53.9 {
		t.Fatalf("unexpected location: %+v", result.Location)
	}
	if result.Preferences.AgeMax != 30 {
		t.Fatalf("unexpected preferences: %+v", result.Preferences)
	}
}

func TestGetPageDropsItemsWithoutID(t *testing.T) {
	router := chi.NewRouter()
	router.Post("/rpc/get_feed", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(feedResponse{
			Items: []feedItemPayload{
				{ID: "u2", DisplayName: "Ann"},
				{ID: "  ", DisplayName: "ghost"},
				{ID: "u3", DisplayName: "Kate"},
			},
			NextCursor: "c-1",
		})
	})

	client, _ := newTestClient(t, router, fastPolicies(3))

	page, err := client.GetPage(context.Background(), "u1", domain.Preferences{AgeMin: 18, AgeMax: 30}, "", 20)
	if err != nil {
		t.Fatalf("get page: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected invalid items to be dropped: got %d", len(page.Items))
	}
	if page.NextCursor != "c-1" {
		t.Fatalf("unexpected cursor: %q", page.NextCursor)
	}
}

func TestRecordSwipeConflictIsSuccess(t *testing.T) {
	var calls atomic.Int32
	router := chi.NewRouter()
	router.Post("/rpc/handle_swipe_atomic", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(apiError{Code: "duplicate_swipe", Message: "already swiped"})
	})

	client, _ := newTestClient(t, router, fastPolicies(3))

	result, err := client.RecordSwipe(context.Background(), "u1", "u2", true, "")
	if err != nil {
		t.Fatalf("conflict must be treated as success, got %v", err)
	}
	if !result.AlreadyApplied {
		t.Fatalf("expected AlreadyApplied on conflict")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("conflict must not be retried: got %d calls", got)
	}
}

func TestRecordSwipeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	router := chi.NewRouter()
	router.Post("/rpc/handle_swipe_atomic", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(swipeResponse{CreatedMatch: true, Me: "u1", Other: "u2"})
	})

	client, _ := newTestClient(t, router, fastPolicies(5))

	result, err := client.RecordSwipe(context.Background(), "u1", "u2", true, "")
	if err != nil {
		t.Fatalf("record swipe: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("unexpected call count: got %d want %d", got, 3)
	}
	if !result.MatchCreated || result.MeID != "u1" || result.OtherID != "u2" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestAuthErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	router := chi.NewRouter()
	router.Post("/rpc/handle_swipe_atomic", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	client, _ := newTestClient(t, router, fastPolicies(5))

	_, err := client.RecordSwipe(context.Background(), "u1", "u2", false, "")
	if err == nil {
		t.Fatalf("expected auth error")
	}
	if !IsAuthError(err) {
		t.Fatalf("expected auth classification, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatalf("auth errors must not be retryable")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("auth error must not be retried: got %d calls", got)
	}
}

func TestRetryExhaustionKeepsOriginalStatus(t *testing.T) {
	var calls atomic.Int32
	router := chi.NewRouter()
	router.Post("/rpc/get_feed", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	client, _ := newTestClient(t, router, fastPolicies(2))

	_, err := client.GetPage(context.Background(), "u1", domain.Preferences{AgeMin: 18, AgeMax: 30}, "", 10)
	if err == nil {
		t.Fatalf("expected error after exhaustion")
	}

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %T", err)
	}
	if reqErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("unexpected status: %d", reqErr.StatusCode)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("unexpected call count: got %d want %d", got, 2)
	}
}

func TestUndoSwipePastWindow(t *testing.T) {
	router := chi.NewRouter()
	router.Post("/rpc/undo_swipe", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	client, _ := newTestClient(t, router, fastPolicies(2))

	err := client.UndoSwipe(context.Background(), "u1", "u2")
	if !errors.Is(err, ErrUndoExpired) {
		t.Fatalf("expected ErrUndoExpired, got %v", err)
	}
}

func TestRecordSwipeBatchSendsAllItems(t *testing.T) {
	var got batchRequest
	router := chi.NewRouter()
	router.Post("/rpc/record_swipe_batch", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	client, _ := newTestClient(t, router, fastPolicies(2))

	items := []BatchItem{{TargetID: "u2", Liked: true}, {TargetID: "u3", Liked: false}}
	if err := client.RecordSwipeBatch(context.Background(), "u1", items); err != nil {
		t.Fatalf("record batch: %v", err)
	}
	if got.SwiperID != "u1" || len(got.Items) != 2 {
		t.Fatalf("unexpected wire payload: %+v", got)
	}
}

func TestMissingTokenFailsFast(t *testing.T) {
	var calls atomic.Int32
	router := chi.NewRouter()
	router.Post("/rpc/get_feed", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	client, err := NewClient(ts.URL, time.Second, fastPolicies(5), Dependencies{
		Tokens: session.NewStaticSource(),
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	_, err = client.GetPage(context.Background(), "u1", domain.Preferences{AgeMin: 18, AgeMax: 30}, "", 10)
	if !errors.Is(err, session.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if got := calls.Load(); got != 0 {
		t.Fatalf("no network call may happen without a session: got %d", got)
	}
}
