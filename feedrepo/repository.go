package feedrepo

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ivankudzin/swipesync/domain"
	"github.com/ivankudzin/swipesync/gateway"
)

var ErrValidation = errors.New("validation error")

// Gateway is the slice of the remote client the repository needs.
type Gateway interface {
	Bootstrap(ctx context.Context, userID string) (gateway.BootstrapResult, error)
	GetPage(ctx context.Context, userID string, prefs domain.Preferences, afterCursor string, limit int) (gateway.FeedPage, error)
	RecordSwipe(ctx context.Context, swiperID, targetID string, liked bool, note string) (gateway.SwipeResult, error)
	UndoSwipe(ctx context.Context, swiperID, targetID string) error
}

type Config struct {
	PageSize        int
	MaxPageSize     int
	DefaultAgeMin   int
	DefaultAgeMax   int
	RadiusDefaultKM int
	RadiusMaxKM     int
}

// Repository owns the pagination cursor and the exhaustion flag for one
// session. Both are monotonic: once exhausted, only a fresh Init (a new
// bootstrap, e.g. after a preference change) clears them.
type Repository struct {
	gw     Gateway
	userID string
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	cursor    string
	exhausted bool
	inflight  *topUpFlight
}

type topUpFlight struct {
	done  chan struct{}
	count int
	err   error
}

type InitResult struct {
	Bootstrap gateway.BootstrapResult
	Items     []domain.FeedItem
}

func NewRepository(userID string, gw Gateway, cfg Config, logger *zap.Logger) (*Repository, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrValidation
	}
	if gw == nil {
		return nil, errors.New("feed gateway is nil")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 50
	}
	if cfg.DefaultAgeMin <= 0 {
		cfg.DefaultAgeMin = 18
	}
	if cfg.DefaultAgeMax <= 0 {
		cfg.DefaultAgeMax = 30
	}
	if cfg.RadiusDefaultKM <= 0 {
		cfg.RadiusDefaultKM = 50
	}
	if cfg.RadiusMaxKM <= 0 {
		cfg.RadiusMaxKM = 200
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Repository{
		gw:     gw,
		userID: userID,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Init seeds the session: bootstrap, then the first page from the returned
// cursor. Resets cursor and exhaustion, which is the only way either is
// cleared once set.
func (r *Repository) Init(ctx context.Context, fallback domain.Preferences) (InitResult, error) {
	boot, err := r.gw.Bootstrap(ctx, r.userID)
	if err != nil {
		return InitResult{}, err
	}

	prefs := boot.Preferences
	if prefs.IsZero() {
		prefs = fallback
	}
	prefs = r.normalizePreferences(prefs)

	page, err := r.gw.GetPage(ctx, r.userID, prefs, boot.Cursor, r.cfg.PageSize)
	if err != nil {
		return InitResult{}, err
	}

	r.mu.Lock()
	r.cursor = page.NextCursor
	r.exhausted = page.Exhausted
	r.mu.Unlock()

	return InitResult{Bootstrap: boot, Items: page.Items}, nil
}

// TopUp fetches the next page and hands the new items to onItems for the
// caller to merge. Single-flight: a top-up racing another (scroll trigger and
// lifecycle resume firing together) joins the in-flight fetch instead of
// issuing a duplicate request. Returns 0 once exhausted.
func (r *Repository) TopUp(ctx context.Context, prefs domain.Preferences, limit int, onItems func([]domain.FeedItem)) (int, error) {
	if limit <= 0 {
		limit = r.cfg.PageSize
	}
	if limit > r.cfg.MaxPageSize {
		limit = r.cfg.MaxPageSize
	}

	r.mu.Lock()
	if r.exhausted {
		r.mu.Unlock()
		return 0, nil
	}
	if f := r.inflight; f != nil {
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-f.done:
			return f.count, f.err
		}
	}
	flight := &topUpFlight{done: make(chan struct{})}
	r.inflight = flight
	cursor := r.cursor
	r.mu.Unlock()

	page, err := r.gw.GetPage(ctx, r.userID, r.normalizePreferences(prefs), cursor, limit)

	r.mu.Lock()
	if err == nil {
		if page.NextCursor != "" {
			r.cursor = page.NextCursor
		}
		r.exhausted = page.Exhausted
		flight.count = len(page.Items)
	}
	flight.err = err
	r.inflight = nil
	r.mu.Unlock()

	if err == nil && onItems != nil && len(page.Items) > 0 {
		onItems(page.Items)
	}
	close(flight.done)

	if err != nil {
		return 0, err
	}
	return flight.count, nil
}

// Exhausted reports whether the server has signaled the end of the feed for
// the current query.
func (r *Repository) Exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exhausted
}

// Swipe is a direct passthrough; it never touches cursor state.
func (r *Repository) Swipe(ctx context.Context, targetID string, liked bool) (gateway.SwipeResult, error) {
	return r.gw.RecordSwipe(ctx, r.userID, targetID, liked, "")
}

// Undo is a direct passthrough.
func (r *Repository) Undo(ctx context.Context, targetID string) error {
	return r.gw.UndoSwipe(ctx, r.userID, targetID)
}

func (r *Repository) normalizePreferences(prefs domain.Preferences) domain.Preferences {
	if prefs.AgeMin <= 0 {
		prefs.AgeMin = r.cfg.DefaultAgeMin
	}
	if prefs.AgeMax <= 0 {
		prefs.AgeMax = r.cfg.DefaultAgeMax
	}
	if prefs.AgeMin > prefs.AgeMax {
		prefs.AgeMin, prefs.AgeMax = prefs.AgeMax, prefs.AgeMin
	}
	if prefs.RadiusKM <= 0 {
		prefs.RadiusKM = r.cfg.RadiusDefaultKM
	}
	if prefs.RadiusKM > r.cfg.RadiusMaxKM {
		prefs.RadiusKM = r.cfg.RadiusMaxKM
	}
	return prefs
}
