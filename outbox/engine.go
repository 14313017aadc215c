package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ivankudzin/swipesync/domain"
	"github.com/ivankudzin/swipesync/gateway"
)

var (
	ErrClosed         = errors.New("outbox engine is closed")
	ErrAlreadyHandled = errors.New("target already handled in this session")
	ErrNothingToUndo  = errors.New("nothing to undo")
	ErrNotUndoable    = errors.New("this action cannot be undone")
)

// UndoPolicy decides whether a super-like stays undoable. The product has
// shipped all three behaviors at different times, so it is configuration,
// not a constant.
type UndoPolicy string

const (
	UndoAlways      UndoPolicy = "always"
	UndoWithoutNote UndoPolicy = "without_note"
	UndoNever       UndoPolicy = "never"
)

func ParseUndoPolicy(input string) (UndoPolicy, error) {
	value := strings.ToLower(strings.TrimSpace(input))
	if value == "" {
		return UndoWithoutNote, nil
	}
	switch UndoPolicy(value) {
	case UndoAlways, UndoWithoutNote, UndoNever:
		return UndoPolicy(value), nil
	default:
		return "", fmt.Errorf("unknown undo policy %q", input)
	}
}

// Gateway is the slice of the remote client the engine needs.
type Gateway interface {
	RecordSwipe(ctx context.Context, swiperID, targetID string, liked bool, note string) (gateway.SwipeResult, error)
	UndoSwipe(ctx context.Context, swiperID, targetID string) error
	RecordSwipeBatch(ctx context.Context, swiperID string, items []gateway.BatchItem) error
}

type Config struct {
	MaxQueueLen   int
	SuperLikeUndo UndoPolicy
}

type Dependencies struct {
	Gateway Gateway
	Store   Store
	Logger  *zap.Logger
	// OnMatch is invoked when a confirmed swipe reports a mutual like.
	OnMatch func(domain.MatchEvent)
	// OnRestore reinserts the undo snapshot into the visible deck.
	OnRestore func(domain.FeedItem)
	// OnFlushed is the best-effort post-flush refresh hook.
	OnFlushed func(confirmed int)
}

// Engine owns the durable pending-action queue, the optimistic swipe flow,
// and the single-level undo protocol for one user session. Constructed and
// disposed explicitly by the session lifecycle; there are no package-level
// singletons.
type Engine struct {
	gw        Gateway
	store     Store
	logger    *zap.Logger
	cfg       Config
	userID    string
	onMatch   func(domain.MatchEvent)
	onRestore func(domain.FeedItem)
	onFlushed func(int)

	mu       sync.Mutex
	queue    []domain.PendingAction
	handled  map[string]struct{}
	swiped   map[string]struct{}
	inFlight map[string]struct{}
	undo     *domain.UndoSlot
	flushing *flushFlight
	evicted  int
	parked   int
	closed   bool

	now   func() time.Time
	newID func() string
	spawn func(func())
}

type flushFlight struct {
	done      chan struct{}
	confirmed int
	err       error
}

type Stats struct {
	Depth            int
	OldestPendingAge time.Duration
	Evicted          int
	Parked           int
}

func NewEngine(userID string, deps Dependencies, cfg Config) (*Engine, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.ErrValidation
	}
	if deps.Gateway == nil {
		return nil, errors.New("outbox gateway is nil")
	}
	if deps.Store == nil {
		return nil, errors.New("outbox store is nil")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.MaxQueueLen <= 0 {
		cfg.MaxQueueLen = 500
	}
	if cfg.SuperLikeUndo == "" {
		cfg.SuperLikeUndo = UndoWithoutNote
	}

	return &Engine{
		gw:        deps.Gateway,
		store:     deps.Store,
		logger:    deps.Logger,
		cfg:       cfg,
		userID:    userID,
		onMatch:   deps.OnMatch,
		onRestore: deps.OnRestore,
		onFlushed: deps.OnFlushed,
		handled:   make(map[string]struct{}),
		swiped:    make(map[string]struct{}),
		inFlight:  make(map[string]struct{}),
		now:       time.Now,
		newID:     uuid.NewString,
		spawn:     func(fn func()) { go fn() },
	}, nil
}

// Init reloads the durable queue, restoring pending actions that survived a
// process kill. Queued targets count as handled so a reloaded session cannot
// swipe them twice.
func (e *Engine) Init(ctx context.Context) error {
	actions, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load pending queue: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.queue = actions
	for _, action := range actions {
		e.handled[action.TargetID] = struct{}{}
	}
	return nil
}

// SeedSwiped merges the bootstrap's already-swiped ids into the local
// de-duplication set.
func (e *Engine) SeedSwiped(ids []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			e.swiped[trimmed] = struct{}{}
		}
	}
}

// FilterUnswiped drops items already swiped or pending, for merging freshly
// fetched pages into the deck.
func (e *Engine) FilterUnswiped(items []domain.FeedItem) []domain.FeedItem {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]domain.FeedItem, 0, len(items))
	for _, item := range items {
		if _, ok := e.swiped[item.ID]; ok {
			continue
		}
		if _, ok := e.handled[item.ID]; ok {
			continue
		}
		out = append(out, item)
	}
	return out
}

// Swipe records a like or pass: optimistic local effect, durable enqueue,
// immediate best-effort send. A repeat gesture on an already-handled target
// is rejected without side effects.
func (e *Engine) Swipe(ctx context.Context, item domain.FeedItem, liked bool) error {
	kind := domain.ActionPass
	if liked {
		kind = domain.ActionLike
	}
	return e.swipe(ctx, item, kind, "")
}

// SuperLikeWithNote records a super-like carrying an optional note. Whether
// the action remains undoable follows the configured policy.
func (e *Engine) SuperLikeWithNote(ctx context.Context, item domain.FeedItem, note string) error {
	return e.swipe(ctx, item, domain.ActionSuperLike, strings.TrimSpace(note))
}

func (e *Engine) swipe(ctx context.Context, item domain.FeedItem, kind domain.ActionKind, note string) error {
	if strings.TrimSpace(item.ID) == "" {
		return domain.ErrValidation
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if _, ok := e.handled[item.ID]; ok {
		e.mu.Unlock()
		return ErrAlreadyHandled
	}
	e.handled[item.ID] = struct{}{}
	prevUndo := e.undo
	e.undo = &domain.UndoSlot{
		TargetID: item.ID,
		Liked:    kind != domain.ActionPass,
		Snapshot: item.Clone(),
		Undoable: e.undoableFor(kind, note),
	}

	action := domain.PendingAction{
		ID:        e.newID(),
		TargetID:  item.ID,
		Kind:      kind,
		Note:      note,
		CreatedAt: e.now().UTC(),
	}
	if err := e.enqueueLocked(ctx, action); err != nil {
		delete(e.handled, item.ID)
		e.undo = prevUndo
		e.mu.Unlock()
		return fmt.Errorf("enqueue pending action: %w", err)
	}
	e.mu.Unlock()

	// Send failures are not surfaced: the action is durably queued and the
	// next flush trigger replays it.
	e.spawn(func() { e.trySendNow(action) })
	return nil
}

func (e *Engine) undoableFor(kind domain.ActionKind, note string) bool {
	if kind != domain.ActionSuperLike {
		return true
	}
	switch e.cfg.SuperLikeUndo {
	case UndoAlways:
		return true
	case UndoNever:
		return false
	default:
		return note == ""
	}
}

// Undo reverses the most recent swipe. Single-level: any newer swipe has
// already overwritten the slot. The caller can distinguish an empty slot
// (ErrNothingToUndo) from a final action (ErrNotUndoable).
func (e *Engine) Undo(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	slot := e.undo
	if slot == nil {
		e.mu.Unlock()
		return ErrNothingToUndo
	}
	if !slot.Undoable {
		e.mu.Unlock()
		return ErrNotUndoable
	}
	e.undo = nil
	delete(e.handled, slot.TargetID)
	delete(e.swiped, slot.TargetID)

	dequeued := false
	for i, action := range e.queue {
		if action.TargetID == slot.TargetID {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			dequeued = true
			break
		}
	}
	_, sending := e.inFlight[slot.TargetID]
	if dequeued {
		if err := e.persistLocked(ctx); err != nil {
			e.logger.Warn("persist queue after undo", zap.Error(err))
		}
	}
	e.mu.Unlock()

	if !dequeued || sending {
		// The swipe reached (or may be reaching) the server; ask it to
		// forget. The undo window is time-bounded, so a rejection is
		// logged, not retried.
		if err := e.gw.UndoSwipe(ctx, e.userID, slot.TargetID); err != nil {
			e.logger.Warn("remote undo failed",
				zap.String("target_id", slot.TargetID),
				zap.Error(err),
			)
		}
	}

	if e.onRestore != nil {
		e.onRestore(slot.Snapshot)
	}
	return nil
}

// Flush replays the queue in FIFO order, one action per send. Reentrant-safe:
// a flush racing another (connectivity-restored vs app-foreground) joins the
// in-flight cycle. Actions enqueued mid-flush wait for the next cycle.
func (e *Engine) Flush(ctx context.Context) (int, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrClosed
	}
	if f := e.flushing; f != nil {
		e.mu.Unlock()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-f.done:
			return f.confirmed, f.err
		}
	}
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return 0, nil
	}
	flight := &flushFlight{done: make(chan struct{})}
	e.flushing = flight
	snapshot := append([]domain.PendingAction(nil), e.queue...)
	e.mu.Unlock()

	confirmed := 0
	var firstErr error
	for _, action := range snapshot {
		if !e.beginSend(action) {
			// Either an immediate send for this target is still running,
			// or the action was undone after the snapshot was taken.
			continue
		}
		result, err := e.gw.RecordSwipe(ctx, e.userID, action.TargetID, action.Liked(), action.Note)
		e.releaseInFlight(action.TargetID)
		if err != nil {
			if isPermanentRejection(err) {
				e.park(ctx, action, err)
				continue
			}
			// Transport-level failure: this and all later actions keep
			// their queue positions for the next trigger.
			firstErr = err
			break
		}
		if e.confirm(ctx, action, result) {
			confirmed++
		}
	}

	if confirmed > 0 && e.onFlushed != nil {
		e.onFlushed(confirmed)
	}

	e.mu.Lock()
	flight.confirmed = confirmed
	flight.err = firstErr
	e.flushing = nil
	e.mu.Unlock()
	close(flight.done)

	return confirmed, firstErr
}

// FlushBatch is the cold-start catch-up path: likes and passes go through the
// batch endpoint (commutative, per-entry idempotent, tolerant of partial
// prior application); super-likes are sent individually so their note payload
// is not lost to the narrower batch contract.
func (e *Engine) FlushBatch(ctx context.Context) (int, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrClosed
	}
	if f := e.flushing; f != nil {
		e.mu.Unlock()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-f.done:
			return f.confirmed, f.err
		}
	}
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return 0, nil
	}
	flight := &flushFlight{done: make(chan struct{})}
	e.flushing = flight

	// Batchable targets go in flight while still under the lock, so an undo
	// racing the batch send sees them as sending and compensates remotely.
	var batchable []domain.PendingAction
	var individual []domain.PendingAction
	for _, action := range e.queue {
		if action.Kind == domain.ActionSuperLike {
			individual = append(individual, action)
			continue
		}
		if _, ok := e.inFlight[action.TargetID]; ok {
			continue
		}
		e.inFlight[action.TargetID] = struct{}{}
		batchable = append(batchable, action)
	}
	e.mu.Unlock()

	confirmed := 0
	var firstErr error

	if len(batchable) > 0 {
		items := make([]gateway.BatchItem, 0, len(batchable))
		for _, action := range batchable {
			items = append(items, gateway.BatchItem{TargetID: action.TargetID, Liked: action.Liked()})
		}
		err := e.gw.RecordSwipeBatch(ctx, e.userID, items)
		for _, action := range batchable {
			e.releaseInFlight(action.TargetID)
		}
		if err != nil {
			firstErr = err
		} else {
			for _, action := range batchable {
				if e.confirm(ctx, action, gateway.SwipeResult{}) {
					confirmed++
				}
			}
		}
	}

	if firstErr == nil {
		for _, action := range individual {
			if !e.beginSend(action) {
				continue
			}
			result, err := e.gw.RecordSwipe(ctx, e.userID, action.TargetID, action.Liked(), action.Note)
			e.releaseInFlight(action.TargetID)
			if err != nil {
				if isPermanentRejection(err) {
					e.park(ctx, action, err)
					continue
				}
				firstErr = err
				break
			}
			if e.confirm(ctx, action, result) {
				confirmed++
			}
		}
	}

	if confirmed > 0 && e.onFlushed != nil {
		e.onFlushed(confirmed)
	}

	e.mu.Lock()
	flight.confirmed = confirmed
	flight.err = firstErr
	e.flushing = nil
	e.mu.Unlock()
	close(flight.done)

	return confirmed, firstErr
}

// Run flushes on a fixed interval until ctx is done or the engine closes.
// Connectivity-restored and app-foreground triggers call Flush directly.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Flush(ctx); err != nil {
				if errors.Is(err, ErrClosed) {
					return
				}
				e.logger.Debug("periodic flush deferred", zap.Error(err))
			}
		}
	}
}

// Stats exposes queue depth and staleness for UI-level telemetry.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := Stats{
		Depth:   len(e.queue),
		Evicted: e.evicted,
		Parked:  e.parked,
	}
	if len(e.queue) > 0 {
		stats.OldestPendingAge = e.now().UTC().Sub(e.queue[0].CreatedAt)
	}
	return stats
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// trySendNow is the immediate best-effort send for a freshly enqueued action.
func (e *Engine) trySendNow(action domain.PendingAction) {
	if !e.beginSend(action) {
		return
	}
	defer e.releaseInFlight(action.TargetID)

	ctx := context.Background()
	result, err := e.gw.RecordSwipe(ctx, e.userID, action.TargetID, action.Liked(), action.Note)
	if err != nil {
		if isPermanentRejection(err) {
			e.park(ctx, action, err)
			return
		}
		e.logger.Debug("immediate send deferred to next flush",
			zap.String("target_id", action.TargetID),
			zap.Error(err),
		)
		return
	}
	e.confirm(ctx, action, result)
}

// confirm dequeues a remotely applied action and merges it into the swiped
// set. Returns false when the action is no longer queued (undone while the
// send was in flight), in which case nothing is surfaced.
func (e *Engine) confirm(ctx context.Context, action domain.PendingAction, result gateway.SwipeResult) bool {
	e.mu.Lock()
	removed := e.removeFromQueueLocked(action.ID)
	if !removed {
		e.mu.Unlock()
		return false
	}
	e.swiped[action.TargetID] = struct{}{}
	if e.undo != nil && e.undo.TargetID == action.TargetID && result.MatchCreated {
		e.undo.MatchID = result.OtherID
	}
	if err := e.persistLocked(ctx); err != nil {
		e.logger.Warn("persist queue after confirm", zap.Error(err))
	}
	now := e.now().UTC()
	e.mu.Unlock()

	if result.MatchCreated && e.onMatch != nil {
		e.onMatch(domain.MatchEvent{
			TargetID:  action.TargetID,
			MeID:      result.MeID,
			OtherID:   result.OtherID,
			CreatedAt: now,
		})
	}
	return true
}

// park drops an action the server permanently rejected. A duplicate-swipe
// conflict never reaches here: the gateway reports it as applied.
func (e *Engine) park(ctx context.Context, action domain.PendingAction, cause error) {
	e.mu.Lock()
	if e.removeFromQueueLocked(action.ID) {
		e.parked++
		if err := e.persistLocked(ctx); err != nil {
			e.logger.Warn("persist queue after park", zap.Error(err))
		}
	}
	e.mu.Unlock()

	e.logger.Warn("parking permanently rejected action",
		zap.String("target_id", action.TargetID),
		zap.String("kind", string(action.Kind)),
		zap.Error(cause),
	)
}

func (e *Engine) enqueueLocked(ctx context.Context, action domain.PendingAction) error {
	if err := action.Validate(); err != nil {
		return err
	}

	for len(e.queue) >= e.cfg.MaxQueueLen {
		idx := 0
		for i, queued := range e.queue {
			if queued.Kind == domain.ActionPass {
				idx = i
				break
			}
		}
		evicted := e.queue[idx]
		e.queue = append(e.queue[:idx], e.queue[idx+1:]...)
		e.evicted++
		e.logger.Warn("outbox full, evicting oldest action",
			zap.String("target_id", evicted.TargetID),
			zap.String("kind", string(evicted.Kind)),
		)
	}

	e.queue = append(e.queue, action)
	return e.persistLocked(ctx)
}

func (e *Engine) removeFromQueueLocked(actionID string) bool {
	for i, action := range e.queue {
		if action.ID == actionID {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (e *Engine) persistLocked(ctx context.Context) error {
	return e.store.Replace(ctx, append([]domain.PendingAction(nil), e.queue...))
}

// beginSend admits an action to the wire: it must still be queued (an undo
// between snapshot and send removes it) and its target must not already be in
// flight. Both checks happen under one lock so an undo landing after admission
// always observes the target as sending and compensates remotely.
func (e *Engine) beginSend(action domain.PendingAction) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	queued := false
	for _, queuedAction := range e.queue {
		if queuedAction.ID == action.ID {
			queued = true
			break
		}
	}
	if !queued {
		return false
	}
	if _, ok := e.inFlight[action.TargetID]; ok {
		return false
	}
	e.inFlight[action.TargetID] = struct{}{}
	return true
}

func (e *Engine) releaseInFlight(targetID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, targetID)
}

func isPermanentRejection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gateway.ErrTargetGone) || errors.Is(err, domain.ErrValidation) {
		return true
	}
	if gateway.IsAuthError(err) {
		// The session may come back; keep the action queued.
		return false
	}
	var reqErr *gateway.RequestError
	if errors.As(err, &reqErr) {
		return !reqErr.Retryable && reqErr.StatusCode >= 400
	}
	return false
}
