package jobapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/illmade-knight/go-jobfeed/pkg/cache"
	"github.com/illmade-knight/go-jobfeed/pkg/credentials"
	"github.com/illmade-knight/go-jobfeed/pkg/jobapi"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI serves canned JSON per path and counts requests.
type fakeAPI struct {
	mu      sync.Mutex
	hits    map[string]int
	queries map[string]url.Values
	auth    []string
	unread  int64
}

func (f *fakeAPI) query(path string) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[path]
}

func (f *fakeAPI) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.hits[r.Method+" "+r.URL.Path]++
	f.queries[r.Method+" "+r.URL.Path] = r.URL.Query()
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	unread := f.unread
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.Method + " " + r.URL.Path {
	case "GET /api/jobs":
		_ = json.NewEncoder(w).Encode(jobapi.Page[jobapi.Job]{
			Content: []jobapi.Job{{ID: 1, Title: "Backend Engineer"}},
			Page:    0, Size: 20, TotalElements: 1, TotalPages: 1,
		})
	case "GET /api/jobs/recommended":
		_ = json.NewEncoder(w).Encode([]jobapi.Recommendation{{Job: jobapi.Job{ID: 2}, MatchScore: 0.9}})
	case "GET /api/applications/job/1":
		_ = json.NewEncoder(w).Encode(jobapi.Page[jobapi.Application]{Content: []jobapi.Application{{ID: 10, JobID: 1}}})
	case "GET /api/applications/my":
		_ = json.NewEncoder(w).Encode(jobapi.Page[jobapi.Application]{Content: []jobapi.Application{{ID: 11}}})
	case "GET /api/dashboard/stats":
		_ = json.NewEncoder(w).Encode(jobapi.DashboardStats{TotalApplications: 3})
	case "GET /api/notifications/unread-count":
		_ = json.NewEncoder(w).Encode(map[string]int64{"count": unread})
	case "GET /api/notifications":
		_ = json.NewEncoder(w).Encode(jobapi.Page[jobapi.Notification]{Content: []jobapi.Notification{{ID: "n1"}}})
	case "PATCH /api/applications/10/status":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(jobapi.Application{ID: 10, Status: jobapi.ApplicationStatus(body["status"])})
	case "PUT /api/notifications/n1/read", "PUT /api/notifications/read-all":
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func newTestAPI(t *testing.T, creds credentials.Source) (*jobapi.Client, *cache.Service, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{hits: map[string]int{}, queries: map[string]url.Values{}, unread: 4}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	svc := cache.NewService(zerolog.Nop())
	t.Cleanup(func() { _ = svc.Close() })
	client, err := jobapi.NewClient(jobapi.Config{BaseURL: srv.URL + "/api/"}, creds, svc, zerolog.Nop())
	require.NoError(t, err)
	return client, svc, api
}

func TestClient_CachedReads(t *testing.T) {
	ctx := context.Background()
	client, svc, api := newTestAPI(t, credentials.NewStatic("tok-1", "alice"))

	jobs, err := client.ListJobs(ctx, 0, 20)
	require.NoError(t, err)
	require.Len(t, jobs.Content, 1)
	_, err = client.ListJobs(ctx, 0, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, api.count("GET /api/jobs"), "second read is served from cache")

	recs, err := client.Recommendations(ctx, 5)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, recs[0].MatchScore, 0.001)

	_, err = client.JobApplications(ctx, 1, 0, 20, jobapi.StatusReviewing)
	require.NoError(t, err)
	_, err = client.MyApplications(ctx, 0, 10, "")
	require.NoError(t, err)
	stats, err := client.DashboardStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalApplications)
	count, err := client.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)

	for _, key := range []string{
		"jobs-list-p0-20",
		"jobs-recommended-5",
		"applications-job-1-0-20-REVIEWING",
		"applications-my-0-10-all",
		"dashboard-stats",
		"notifications-unread-count",
	} {
		_, _, ok := svc.Peek(key)
		assert.True(t, ok, "expected cache entry %s", key)
	}
	assert.Equal(t, "Bearer tok-1", api.auth[0])
	assert.Equal(t, "REVIEWING", api.query("GET /api/applications/job/1").Get("status"))
	assert.False(t, api.query("GET /api/applications/my").Has("status"), "the all filter sends no status")
	assert.Equal(t, "5", api.query("GET /api/jobs/recommended").Get("limit"))
}

func TestClient_NotificationsAreNotCached(t *testing.T) {
	ctx := context.Background()
	client, svc, api := newTestAPI(t, credentials.NewStatic("tok-1", "alice"))

	for i := 0; i < 2; i++ {
		page, err := client.Notifications(ctx, 0, 20, true)
		require.NoError(t, err)
		assert.Equal(t, "n1", page.Content[0].ID)
	}
	assert.Equal(t, 2, api.count("GET /api/notifications"))
	assert.Zero(t, svc.Len())
}

func TestClient_MutationsInvalidate(t *testing.T) {
	ctx := context.Background()
	client, svc, api := newTestAPI(t, credentials.NewStatic("tok-1", "alice"))

	_, err := client.MyApplications(ctx, 0, 10, jobapi.StatusAll)
	require.NoError(t, err)
	_, err = client.DashboardStats(ctx)
	require.NoError(t, err)
	_, err = client.UnreadCount(ctx)
	require.NoError(t, err)
	_, err = client.ListJobs(ctx, 0, 20)
	require.NoError(t, err)
	require.Equal(t, 4, svc.Len())

	app, err := client.UpdateApplicationStatus(ctx, 10, jobapi.StatusShortlisted)
	require.NoError(t, err)
	assert.Equal(t, jobapi.StatusShortlisted, app.Status)
	_, _, ok := svc.Peek("applications-my-0-10-all")
	assert.False(t, ok)
	_, _, ok = svc.Peek("dashboard-stats")
	assert.False(t, ok)
	_, _, ok = svc.Peek("jobs-list-p0-20")
	assert.True(t, ok, "unrelated entries survive")

	require.NoError(t, client.MarkNotificationRead(ctx, "n1"))
	_, _, ok = svc.Peek("notifications-unread-count")
	assert.False(t, ok)

	api.mu.Lock()
	api.unread = 0
	api.mu.Unlock()
	count, err := client.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, 2, api.count("GET /api/notifications/unread-count"))

	require.NoError(t, client.MarkAllNotificationsRead(ctx))
	assert.Equal(t, 1, svc.Len())
}

func TestClient_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("Missing token", func(t *testing.T) {
		client, svc, api := newTestAPI(t, credentials.NewStatic("", "alice"))
		_, err := client.DashboardStats(ctx)
		require.ErrorIs(t, err, jobapi.ErrUnauthenticated)
		assert.Zero(t, svc.Len())
		assert.Zero(t, api.count("GET /api/dashboard/stats"))
	})

	t.Run("Non-2xx status", func(t *testing.T) {
		client, _, _ := newTestAPI(t, credentials.NewStatic("tok-1", "alice"))
		err := client.MarkNotificationRead(ctx, "missing")
		var apiErr *jobapi.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	})

	t.Run("Failed mutation does not invalidate", func(t *testing.T) {
		client, svc, _ := newTestAPI(t, credentials.NewStatic("tok-1", "alice"))
		_, err := client.UnreadCount(ctx)
		require.NoError(t, err)
		require.Error(t, client.MarkNotificationRead(ctx, "missing"))
		assert.Equal(t, 1, svc.Len())
	})

	t.Run("Invalid config", func(t *testing.T) {
		_, err := jobapi.NewClient(jobapi.Config{}, credentials.NewStatic("t", "u"), cache.NewService(zerolog.Nop()), zerolog.Nop())
		assert.Error(t, err)
		_, err = jobapi.NewClient(jobapi.Config{BaseURL: "http://x"}, credentials.NewStatic("t", "u"), nil, zerolog.Nop())
		assert.Error(t, err)
	})
}
