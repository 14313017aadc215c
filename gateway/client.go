package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ivankudzin/swipesync/config"
	"github.com/ivankudzin/swipesync/domain"
	"github.com/ivankudzin/swipesync/retry"
	"github.com/ivankudzin/swipesync/session"
)

const maxResponseBytes = 2 * 1024 * 1024

// Remote procedure names. The backing service exposes each as a POST target;
// everything behind them (matching, ranking, idempotency) is opaque here.
const (
	rpcBootstrap   = "/rpc/init_swipe_bootstrap"
	rpcGetFeed     = "/rpc/get_feed"
	rpcHandleSwipe = "/rpc/handle_swipe_atomic"
	rpcUndoSwipe   = "/rpc/undo_swipe"
	rpcSwipeBatch  = "/rpc/record_swipe_batch"
)

// Policies holds one retry policy per remote operation.
type Policies struct {
	Bootstrap   retry.Policy
	FeedPage    retry.Policy
	RecordSwipe retry.Policy
	UndoSwipe   retry.Policy
	RecordBatch retry.Policy
}

// PoliciesFromConfig maps config policy blocks onto executor policies, all
// classified by IsRetryable.
func PoliciesFromConfig(cfg config.RetryConfig) Policies {
	return Policies{
		Bootstrap:   policyFromConfig(cfg.Bootstrap),
		FeedPage:    policyFromConfig(cfg.FeedPage),
		RecordSwipe: policyFromConfig(cfg.RecordSwipe),
		UndoSwipe:   policyFromConfig(cfg.UndoSwipe),
		RecordBatch: policyFromConfig(cfg.RecordBatch),
	}
}

func policyFromConfig(p config.PolicyConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts:       p.MaxAttempts,
		BaseDelay:         p.BaseDelay,
		MaxDelay:          p.MaxDelay,
		PerAttemptTimeout: p.PerAttemptTimeout,
		JitterFactor:      p.JitterFactor,
		Retryable:         IsRetryable,
	}
}

// Client is the only component that talks to the network. Every operation
// runs through the retry executor under its own named policy.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     session.TokenSource
	exec       *retry.Executor
	policies   Policies
	logger     *zap.Logger
	newReqID   func() string
}

type Dependencies struct {
	Tokens   session.TokenSource
	Executor *retry.Executor
	Logger   *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, policies Policies, deps Dependencies) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("gateway base url is empty")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse gateway base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid gateway base url: %s", trimmed)
	}
	if deps.Tokens == nil {
		return nil, errors.New("gateway token source is nil")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if deps.Executor == nil {
		deps.Executor = retry.NewExecutor(deps.Logger)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	return &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: timeout},
		tokens:     deps.Tokens,
		exec:       deps.Executor,
		policies:   policies,
		logger:     deps.Logger,
		newReqID:   uuid.NewString,
	}, nil
}

func (c *Client) Bootstrap(ctx context.Context, userID string) (BootstrapResult, error) {
	if strings.TrimSpace(userID) == "" {
		return BootstrapResult{}, domain.ErrValidation
	}

	resp, err := retry.Do(ctx, c.exec, c.policies.Bootstrap, "bootstrap", func(ctx context.Context) (bootstrapResponse, error) {
		var out bootstrapResponse
		err := c.doJSON(ctx, "bootstrap", rpcBootstrap, bootstrapRequest{UserID: userID}, &out)
		return out, err
	})
	if err != nil {
		return BootstrapResult{}, err
	}

	result := BootstrapResult{
		MyPhoto:     resp.MyPhoto,
		MyPhotos:    append([]string(nil), resp.MyPhotos...),
		Preferences: resp.Preferences,
		SwipedIDs:   append([]string(nil), resp.SwipedIDs...),
		Cursor:      resp.Cursor,
	}
	if len(resp.Location) == 2 {
		result.Location = &GeoPoint{Lat: resp.Location[0], Lon: resp.Location[1]}
	}
	return result, nil
}

func (c *Client) GetPage(ctx context.Context, userID string, prefs domain.Preferences, afterCursor string, limit int) (FeedPage, error) {
	if strings.TrimSpace(userID) == "" || limit <= 0 {
		return FeedPage{}, domain.ErrValidation
	}

	resp, err := retry.Do(ctx, c.exec, c.policies.FeedPage, "feed_page", func(ctx context.Context) (feedResponse, error) {
		var out feedResponse
		err := c.doJSON(ctx, "feed page", rpcGetFeed, feedRequest{
			UserID:      userID,
			Preferences: prefs,
			AfterCursor: afterCursor,
			Limit:       limit,
		}, &out)
		return out, err
	})
	if err != nil {
		return FeedPage{}, err
	}

	items := make([]domain.FeedItem, 0, len(resp.Items))
	for _, payload := range resp.Items {
		item, ok := payload.toDomain()
		if !ok {
			c.logger.Warn("dropping feed item without id")
			continue
		}
		items = append(items, item)
	}

	return FeedPage{
		Items:      items,
		Exhausted:  resp.Exhausted,
		NextCursor: resp.NextCursor,
	}, nil
}

// RecordSwipe records one swipe. A duplicate-swipe conflict is reported as
// success with AlreadyApplied set: the server already holds the swipe and the
// pending action must not stay queued.
func (c *Client) RecordSwipe(ctx context.Context, swiperID, targetID string, liked bool, note string) (SwipeResult, error) {
	if strings.TrimSpace(swiperID) == "" || strings.TrimSpace(targetID) == "" || swiperID == targetID {
		return SwipeResult{}, domain.ErrValidation
	}

	resp, err := retry.Do(ctx, c.exec, c.policies.RecordSwipe, "record_swipe", func(ctx context.Context) (swipeResponse, error) {
		var out swipeResponse
		err := c.doJSON(ctx, "record swipe", rpcHandleSwipe, swipeRequest{
			SwiperID: swiperID,
			TargetID: targetID,
			Liked:    liked,
			Note:     note,
		}, &out)
		return out, err
	})
	if err != nil {
		if IsConflict(err) {
			return SwipeResult{AlreadyApplied: true}, nil
		}
		var reqErr *RequestError
		if errors.As(err, &reqErr) && reqErr.StatusCode == http.StatusNotFound {
			return SwipeResult{}, ErrTargetGone
		}
		return SwipeResult{}, err
	}

	return SwipeResult{
		MatchCreated: resp.CreatedMatch,
		MeID:         resp.Me,
		OtherID:      resp.Other,
	}, nil
}

// UndoSwipe is best-effort: a rejection means the undo window has passed,
// which callers log rather than retry.
func (c *Client) UndoSwipe(ctx context.Context, swiperID, targetID string) error {
	if strings.TrimSpace(swiperID) == "" || strings.TrimSpace(targetID) == "" {
		return domain.ErrValidation
	}

	_, err := retry.Do(ctx, c.exec, c.policies.UndoSwipe, "undo_swipe", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.doJSON(ctx, "undo swipe", rpcUndoSwipe, undoRequest{
			SwiperID: swiperID,
			TargetID: targetID,
		}, nil)
	})
	if err != nil {
		var reqErr *RequestError
		if errors.As(err, &reqErr) && (reqErr.StatusCode == http.StatusNotFound || reqErr.StatusCode == http.StatusGone) {
			return ErrUndoExpired
		}
		return err
	}
	return nil
}

// RecordSwipeBatch flushes accumulated actions after a connectivity gap. The
// batch contract is commutative and per-entry idempotent, so partial prior
// application is harmless.
func (c *Client) RecordSwipeBatch(ctx context.Context, swiperID string, items []BatchItem) error {
	if strings.TrimSpace(swiperID) == "" {
		return domain.ErrValidation
	}
	if len(items) == 0 {
		return nil
	}

	_, err := retry.Do(ctx, c.exec, c.policies.RecordBatch, "record_batch", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.doJSON(ctx, "record swipe batch", rpcSwipeBatch, batchRequest{
			SwiperID: swiperID,
			Items:    items,
		}, nil)
	})
	return err
}

func (c *Client) doJSON(ctx context.Context, op, path string, requestBody, responseBody any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(requestBody)
	if err != nil {
		return &RequestError{Op: op, Err: fmt.Errorf("marshal request body: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", c.newReqID())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RequestError{Op: op, Retryable: isRetryableNetworkError(err), Err: err}
	}
	defer resp.Body.Close()

	responseBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if readErr != nil {
		return &RequestError{Op: op, StatusCode: resp.StatusCode, Err: readErr}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reqErr := &RequestError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Retryable:  isRetryableStatus(resp.StatusCode),
		}
		var body apiError
		if json.Unmarshal(responseBytes, &body) == nil && body.Code != "" {
			reqErr.Code = body.Code
			reqErr.Err = errors.New(body.Message)
		} else if msg := strings.TrimSpace(string(responseBytes)); msg != "" {
			reqErr.Err = errors.New(msg)
		} else {
			reqErr.Err = errors.New(http.StatusText(resp.StatusCode))
		}
		return reqErr
	}

	if responseBody == nil || len(responseBytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(responseBytes, responseBody); err != nil {
		return &RequestError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}

	return nil
}
