package postcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PortNumber53/content-calendar/internal/models"
	"golang.org/x/time/rate"
)

var (
	ErrRemote         = errors.New("remote request failed")
	ErrNotFound       = errors.New("scheduled post not found")
	ErrNotCancellable = errors.New("scheduled post is not cancellable")
)

// RemoteError carries the status and body of a failed backend call. It matches ErrRemote,
// and ErrNotFound or ErrNotCancellable for 404 and 409 responses.
type RemoteError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: status=%d body=%s", e.Op, e.StatusCode, e.Body)
}

func (e *RemoteError) Unwrap() error { return ErrRemote }

func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrNotCancellable:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// Client talks JSON over HTTPS to the scheduling backend.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Limiter *rate.Limiter
	Logger  *log.Logger
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 15 * time.Second},
		Limiter: rate.NewLimiter(rate.Limit(5), 5),
		Logger:  log.Default(),
	}
}

func (c *Client) do(ctx context.Context, op, method, path string, out any) error {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrRemote, err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &RemoteError{Op: op, StatusCode: res.StatusCode, Body: strings.TrimSpace(truncate(string(body), 300))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

// ListScheduled fetches the user's posts scheduled inside w plus the scheduling badge limits.
func (c *Client) ListScheduled(ctx context.Context, userID string, w Window) (models.ScheduledPostsResponse, error) {
	var out models.ScheduledPostsResponse
	path := "/api/scheduled-posts/user/" + url.PathEscape(userID)
	q := url.Values{}
	if !w.From.IsZero() {
		q.Set("from", w.From.UTC().Format(time.RFC3339))
	}
	if !w.To.IsZero() {
		q.Set("to", w.To.UTC().Format(time.RFC3339))
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	err := c.do(ctx, "list_scheduled", http.MethodGet, path, &out)
	if out.Posts == nil {
		out.Posts = []models.ScheduledPost{}
	}
	return out, err
}

// GetScheduled looks one post up by id, whatever its scheduled time.
func (c *Client) GetScheduled(ctx context.Context, userID, scheduleID string) (models.ScheduledPost, error) {
	var out models.ScheduledPost
	path := "/api/scheduled-posts/" + url.PathEscape(scheduleID) + "/user/" + url.PathEscape(userID)
	if err := c.do(ctx, "get_scheduled", http.MethodGet, path, &out); err != nil {
		return models.ScheduledPost{}, err
	}
	return out, nil
}

// CancelScheduled asks the backend to cancel a post. The returned post carries the authoritative status.
func (c *Client) CancelScheduled(ctx context.Context, userID, scheduleID string) (models.ScheduledPost, error) {
	var out models.ScheduledPost
	path := "/api/scheduled-posts/" + url.PathEscape(scheduleID) + "/cancel/user/" + url.PathEscape(userID)
	if err := c.do(ctx, "cancel_scheduled", http.MethodPost, path, &out); err != nil {
		return models.ScheduledPost{}, err
	}
	if c.Logger != nil {
		c.Logger.Printf("[PostCache] cancelled scheduleId=%s userId=%s status=%s", scheduleID, userID, out.Status)
	}
	return out, nil
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
