package publishsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PortNumber53/content-calendar/internal/models"
	"golang.org/x/time/rate"
)

// UploaderChecker asks the uploader service for the state of one platform upload.
//
// GET {BaseURL}/v1/uploads/{scheduleId}/{platform}?account=...
// -> {"state": "pending|succeeded|failed", "postId": "...", "url": "...", "error": "..."}
type UploaderChecker struct {
	PlatformName string
	BaseURL      string
	Token        string
}

type uploadState struct {
	State  string `json:"state"`
	PostID string `json:"postId"`
	URL    string `json:"url"`
	Error  string `json:"error"`
}

func (c UploaderChecker) Platform() string { return c.PlatformName }

func (c UploaderChecker) Check(ctx context.Context, client *http.Client, limiter *rate.Limiter, post models.ScheduledPost, target models.PlatformTarget) (models.UploadResult, bool, error) {
	out := models.UploadResult{Platform: target.Platform}
	if strings.TrimSpace(c.BaseURL) == "" {
		return out, false, fmt.Errorf("uploader base url is empty")
	}
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return out, false, err
		}
	}

	u := strings.TrimRight(c.BaseURL, "/") + "/v1/uploads/" + url.PathEscape(post.ScheduleID) + "/" + url.PathEscape(target.Platform)
	if target.AccountName != nil && *target.AccountName != "" {
		u += "?account=" + url.QueryEscape(*target.AccountName)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return out, false, err
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	res, err := client.Do(req)
	if err != nil {
		return out, false, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode == http.StatusNotFound {
		// The uploader has not picked the target up yet.
		return out, false, nil
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return out, false, fmt.Errorf("uploader_non_2xx status=%d body=%s", res.StatusCode, truncate(string(body), 600))
	}

	var st uploadState
	if err := json.Unmarshal(body, &st); err != nil {
		return out, false, err
	}
	switch strings.ToLower(strings.TrimSpace(st.State)) {
	case "succeeded", "success", "published":
		out.Success = true
		out.PostID = optional(st.PostID)
		out.URL = optional(st.URL)
		return out, true, nil
	case "failed", "error":
		msg := st.Error
		if msg == "" {
			msg = "upload_failed"
		}
		out.Error = &msg
		return out, true, nil
	default:
		return out, false, nil
	}
}

// UploaderCheckers returns one checker per known platform, all backed by the same uploader service.
func UploaderCheckers(baseURL, token string) map[string]Checker {
	out := map[string]Checker{}
	for platform := range DefaultRateLimits() {
		out[platform] = UploaderChecker{PlatformName: platform, BaseURL: baseURL, Token: token}
	}
	return out
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
