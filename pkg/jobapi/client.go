// Package jobapi is a REST client for the job platform. Read endpoints are
// served through the shared response cache and mutations invalidate the
// cached reads they affect.
package jobapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-jobfeed/pkg/cache"
	"github.com/illmade-knight/go-jobfeed/pkg/credentials"
	"github.com/rs/zerolog"
)

// Cache lifetimes per resource.
const (
	JobsTTL            = 2 * time.Minute
	RecommendationsTTL = 5 * time.Minute
	ApplicationsTTL    = time.Minute
	DashboardTTL       = time.Minute
	UnreadCountTTL     = 30 * time.Second
)

// Invalidation patterns used after mutations.
const (
	ApplicationsPattern  = "^applications-"
	DashboardPattern     = "^dashboard-"
	NotificationsPattern = "^notifications-"
)

const maxErrorBody = 4 << 10

// ErrUnauthenticated is returned when no access token is available.
var ErrUnauthenticated = errors.New("jobapi: no access token")

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jobapi: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Config holds the REST endpoint settings.
type Config struct {
	// BaseURL is the API root, e.g. "https://jobs.example.com/api".
	BaseURL string
	// Timeout bounds each request. Defaults to 15s.
	Timeout time.Duration
}

// Client calls the job platform REST API.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	creds   credentials.Source
	cache   *cache.Service
	logger  zerolog.Logger
}

// NewClient creates a Client. Responses are cached in c.
func NewClient(cfg Config, creds credentials.Source, c *cache.Service, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("jobapi base URL is required")
	}
	if c == nil {
		return nil, errors.New("jobapi requires a cache service")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid jobapi base URL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: timeout},
		creds:   creds,
		cache:   c,
		logger:  logger.With().Str("component", "JobAPIClient").Logger(),
	}, nil
}

// ListJobs returns one page of open jobs.
func (c *Client) ListJobs(ctx context.Context, page, size int) (Page[Job], error) {
	key := fmt.Sprintf("jobs-list-p%d-%d", page, size)
	return cache.Fetch(ctx, c.cache, key, func(ctx context.Context) (Page[Job], error) {
		var out Page[Job]
		err := c.do(ctx, http.MethodGet, "/jobs", pageQuery(page, size), nil, &out)
		return out, err
	}, cache.WithTTL(JobsTTL))
}

// Recommendations returns up to limit jobs matched to the current user.
func (c *Client) Recommendations(ctx context.Context, limit int) ([]Recommendation, error) {
	key := cache.Key("jobs", "recommended", limit)
	return cache.Fetch(ctx, c.cache, key, func(ctx context.Context) ([]Recommendation, error) {
		var out []Recommendation
		q := url.Values{"limit": {strconv.Itoa(limit)}}
		err := c.do(ctx, http.MethodGet, "/jobs/recommended", q, nil, &out)
		return out, err
	}, cache.WithTTL(RecommendationsTTL))
}

// JobApplications returns one page of applications to a job, optionally
// filtered by status. StatusAll or "" lists every status.
func (c *Client) JobApplications(ctx context.Context, jobID int64, page, size int, status ApplicationStatus) (Page[Application], error) {
	status = normaliseStatus(status)
	key := cache.Key("applications", "job", jobID, page, size, status)
	return cache.Fetch(ctx, c.cache, key, func(ctx context.Context) (Page[Application], error) {
		var out Page[Application]
		err := c.do(ctx, http.MethodGet, "/applications/job/"+strconv.FormatInt(jobID, 10), statusQuery(page, size, status), nil, &out)
		return out, err
	}, cache.WithTTL(ApplicationsTTL))
}

// MyApplications returns one page of the current user's applications.
func (c *Client) MyApplications(ctx context.Context, page, size int, status ApplicationStatus) (Page[Application], error) {
	status = normaliseStatus(status)
	key := cache.Key("applications", "my", page, size, status)
	return cache.Fetch(ctx, c.cache, key, func(ctx context.Context) (Page[Application], error) {
		var out Page[Application]
		err := c.do(ctx, http.MethodGet, "/applications/my", statusQuery(page, size, status), nil, &out)
		return out, err
	}, cache.WithTTL(ApplicationsTTL))
}

// DashboardStats returns the activity summary for the current user.
func (c *Client) DashboardStats(ctx context.Context) (DashboardStats, error) {
	return cache.Fetch(ctx, c.cache, "dashboard-stats", func(ctx context.Context) (DashboardStats, error) {
		var out DashboardStats
		err := c.do(ctx, http.MethodGet, "/dashboard/stats", nil, nil, &out)
		return out, err
	}, cache.WithTTL(DashboardTTL))
}

// UnreadCount returns the number of unread notifications.
func (c *Client) UnreadCount(ctx context.Context) (int64, error) {
	return cache.Fetch(ctx, c.cache, "notifications-unread-count", func(ctx context.Context) (int64, error) {
		var out unreadCount
		err := c.do(ctx, http.MethodGet, "/notifications/unread-count", nil, nil, &out)
		return out.Count, err
	}, cache.WithTTL(UnreadCountTTL))
}

// Notifications returns one page of notifications. It is never cached so that
// the polling fallback always sees the server's current state.
func (c *Client) Notifications(ctx context.Context, page, size int, unreadOnly bool) (Page[Notification], error) {
	q := pageQuery(page, size)
	if unreadOnly {
		q.Set("unread", "true")
	}
	var out Page[Notification]
	err := c.do(ctx, http.MethodGet, "/notifications", q, nil, &out)
	return out, err
}

// UpdateApplicationStatus moves an application to status and invalidates
// cached application listings and dashboard stats.
func (c *Client) UpdateApplicationStatus(ctx context.Context, applicationID int64, status ApplicationStatus) (Application, error) {
	var out Application
	body := map[string]ApplicationStatus{"status": status}
	path := "/applications/" + strconv.FormatInt(applicationID, 10) + "/status"
	if err := c.do(ctx, http.MethodPatch, path, nil, body, &out); err != nil {
		return out, err
	}
	c.invalidate(ctx, ApplicationsPattern, DashboardPattern)
	return out, nil
}

// MarkNotificationRead marks one notification read.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPut, "/notifications/"+url.PathEscape(id)+"/read", nil, nil, nil); err != nil {
		return err
	}
	c.invalidate(ctx, NotificationsPattern)
	return nil
}

// MarkAllNotificationsRead marks every notification read.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPut, "/notifications/read-all", nil, nil, nil); err != nil {
		return err
	}
	c.invalidate(ctx, NotificationsPattern)
	return nil
}

func (c *Client) invalidate(ctx context.Context, patterns ...string) {
	for _, p := range patterns {
		if _, err := c.cache.Invalidate(ctx, p); err != nil {
			c.logger.Warn().Err(err).Str("pattern", p).Msg("Cache invalidation failed.")
		}
	}
}

// do sends one request and decodes a JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	token, ok := c.creds.AccessToken()
	if !ok {
		return ErrUnauthenticated
	}

	u := c.baseURL.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("Request failed.")
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

func pageQuery(page, size int) url.Values {
	return url.Values{
		"page": {strconv.Itoa(page)},
		"size": {strconv.Itoa(size)},
	}
}

func statusQuery(page, size int, status ApplicationStatus) url.Values {
	q := pageQuery(page, size)
	if status != StatusAll {
		q.Set("status", string(status))
	}
	return q
}

func normaliseStatus(s ApplicationStatus) ApplicationStatus {
	if s == "" {
		return StatusAll
	}
	return s
}
