package gateway

import (
	"strings"
	"time"

	"github.com/ivankudzin/swipesync/domain"
)

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// BootstrapResult is the one-time session seed.
type BootstrapResult struct {
	MyPhoto     string
	MyPhotos    []string
	Location    *GeoPoint
	Preferences domain.Preferences
	SwipedIDs   []string
	Cursor      string
}

// FeedPage is one forward step through the remote feed ordering. NextCursor
// is opaque: produced by the server, round-tripped verbatim, never parsed.
type FeedPage struct {
	Items      []domain.FeedItem
	Exhausted  bool
	NextCursor string
}

type SwipeResult struct {
	MatchCreated bool
	MeID         string
	OtherID      string
	// AlreadyApplied is set when the server rejected the swipe as a
	// duplicate; the caller treats this as confirmed success.
	AlreadyApplied bool
}

type BatchItem struct {
	TargetID string `json:"target_id"`
	Liked    bool   `json:"liked"`
}

// Wire shapes. Kept separate from domain types so the boundary validates
// every page before anything enters the session cache.

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type bootstrapRequest struct {
	UserID string `json:"user_id"`
}

type bootstrapResponse struct {
	MyPhoto     string             `json:"my_photo"`
	MyPhotos    []string           `json:"my_photos"`
	Location    []float64          `json:"location2,omitempty"`
	Preferences domain.Preferences `json:"preferences"`
	SwipedIDs   []string           `json:"swiped_ids"`
	Cursor      string             `json:"cursor,omitempty"`
}

type feedRequest struct {
	UserID      string             `json:"user_id"`
	Preferences domain.Preferences `json:"preferences"`
	AfterCursor string             `json:"after_cursor,omitempty"`
	Limit       int                `json:"limit"`
}

type feedItemPayload struct {
	ID            string     `json:"id"`
	DisplayName   string     `json:"display_name"`
	Age           int        `json:"age"`
	Bio           string     `json:"bio"`
	Photos        []string   `json:"photos"`
	IsOnline      bool       `json:"is_online"`
	LastSeenAt    *time.Time `json:"last_seen_at"`
	DistanceLabel string     `json:"distance_label"`
	Interests     []string   `json:"interests"`
}

type feedResponse struct {
	Items      []feedItemPayload `json:"items"`
	Exhausted  bool              `json:"exhausted"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type swipeRequest struct {
	SwiperID string `json:"swiper_id"`
	TargetID string `json:"target_id"`
	Liked    bool   `json:"liked"`
	Note     string `json:"note,omitempty"`
}

type swipeResponse struct {
	CreatedMatch bool   `json:"created_match"`
	Me           string `json:"me,omitempty"`
	Other        string `json:"other,omitempty"`
}

type undoRequest struct {
	SwiperID string `json:"swiper_id"`
	TargetID string `json:"target_id"`
}

type batchRequest struct {
	SwiperID string      `json:"swiper_id"`
	Items    []BatchItem `json:"items"`
}

func (p feedItemPayload) toDomain() (domain.FeedItem, bool) {
	id := strings.TrimSpace(p.ID)
	if id == "" {
		return domain.FeedItem{}, false
	}
	return domain.FeedItem{
		ID:            id,
		DisplayName:   p.DisplayName,
		Age:           p.Age,
		Bio:           p.Bio,
		Photos:        append([]string(nil), p.Photos...),
		IsOnline:      p.IsOnline,
		LastSeenAt:    p.LastSeenAt,
		DistanceLabel: p.DistanceLabel,
		Interests:     append([]string(nil), p.Interests...),
	}, true
}
