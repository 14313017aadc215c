package domain

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrValidation      = errors.New("validation error")
	ErrUnsupportedKind = errors.New("unsupported action kind")
)

// FeedItem is a candidate surfaced to the viewer. Immutable once built; a
// refreshed profile arrives as a new item with the same ID.
type FeedItem struct {
	ID            string     `json:"id"`
	DisplayName   string     `json:"display_name"`
	Age           int        `json:"age,omitempty"`
	Bio           string     `json:"bio,omitempty"`
	Photos        []string   `json:"photos,omitempty"`
	IsOnline      bool       `json:"is_online"`
	LastSeenAt    *time.Time `json:"last_seen_at,omitempty"`
	DistanceLabel string     `json:"distance_label,omitempty"`
	Interests     []string   `json:"interests,omitempty"`
}

// Clone returns a deep copy safe to retain as an undo snapshot after the
// original has been evicted from the session deck.
func (f FeedItem) Clone() FeedItem {
	out := f
	out.Photos = append([]string(nil), f.Photos...)
	out.Interests = append([]string(nil), f.Interests...)
	if f.LastSeenAt != nil {
		at := *f.LastSeenAt
		out.LastSeenAt = &at
	}
	return out
}

// Preferences is the local filter state translated into the remote query shape.
type Preferences struct {
	InterestedInGender string `json:"interested_in_gender,omitempty"`
	AgeMin             int    `json:"age_min"`
	AgeMax             int    `json:"age_max"`
	RadiusKM           int    `json:"radius_km"`
}

func (p Preferences) IsZero() bool {
	return p.InterestedInGender == "" && p.AgeMin == 0 && p.AgeMax == 0 && p.RadiusKM == 0
}

type ActionKind string

const (
	ActionLike      ActionKind = "LIKE"
	ActionPass      ActionKind = "PASS"
	ActionSuperLike ActionKind = "SUPERLIKE"
)

// ParseActionKind normalizes free-form action strings ("super_like", "pass")
// into a canonical kind.
func ParseActionKind(input string) (ActionKind, error) {
	value := strings.ToUpper(strings.TrimSpace(input))
	value = strings.ReplaceAll(value, "_", "")
	switch ActionKind(value) {
	case ActionLike, ActionPass, ActionSuperLike:
		return ActionKind(value), nil
	default:
		return "", ErrUnsupportedKind
	}
}

// PendingAction is a durable queued mutation awaiting remote confirmation.
// It is created at the moment of the optimistic local action and removed only
// after confirmed remote success or a permanent rejection.
type PendingAction struct {
	ID        string     `json:"id"`
	TargetID  string     `json:"target_id"`
	Kind      ActionKind `json:"kind"`
	Note      string     `json:"note,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func (a PendingAction) Validate() error {
	if strings.TrimSpace(a.ID) == "" || strings.TrimSpace(a.TargetID) == "" {
		return ErrValidation
	}
	switch a.Kind {
	case ActionLike, ActionPass, ActionSuperLike:
	default:
		return ErrUnsupportedKind
	}
	if a.Note != "" && a.Kind != ActionSuperLike {
		return ErrValidation
	}
	return nil
}

// Liked reports whether the action counts as a positive swipe on the wire.
func (a PendingAction) Liked() bool {
	return a.Kind == ActionLike || a.Kind == ActionSuperLike
}

// UndoSlot retains at most one completed swipe for single-level undo. A new
// swipe overwrites it; a successful undo consumes it.
type UndoSlot struct {
	TargetID string
	Liked    bool
	Snapshot FeedItem
	MatchID  string
	Undoable bool
}

// MatchEvent is surfaced when the remote reports a mutual like.
type MatchEvent struct {
	TargetID  string
	MeID      string
	OtherID   string
	CreatedAt time.Time
}
