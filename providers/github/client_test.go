package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geeknoid/cargo-rank/cache"
	"github.com/geeknoid/cargo-rank/models"
	"github.com/geeknoid/cargo-rank/providers"
	"github.com/geeknoid/cargo-rank/retry"
	"github.com/geeknoid/cargo-rank/throttle"
)

const repositoryResponse = `{"data": {"repository": {
	"stargazerCount": 120,
	"forkCount": 14,
	"watchers": {"totalCount": 9},
	"defaultBranchRef": {"name": "main"},
	"openIssues": {"totalCount": 2},
	"closedIssues": {"totalCount": 40},
	"openPullRequests": {"totalCount": 1},
	"closedPullRequests": {"totalCount": 77}
}}}`

const issuesPage1 = `[
	{"number": 3, "created_at": "2024-12-01T00:00:00Z"},
	{"number": 2, "created_at": "2024-11-01T00:00:00Z", "pull_request": {"url": "x"}}
]`

const issuesPage2 = `[
	{"number": 1, "created_at": "2024-10-01T00:00:00Z"},
	{"number": 0, "created_at": "2024-09-01T00:00:00Z", "closed_at": "2024-09-11T00:00:00Z", "state": "closed"}
]`

func newTestClient(t *testing.T, token string, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	store, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)
	rt := providers.NewRuntime(providers.RuntimeConfig{
		Cache:     cache.New(store, cache.Options{}),
		Throttles: throttle.NewRegistry(throttle.Config{MaxConcurrency: 2}),
		Policies: map[providers.Service]retry.Policy{
			providers.ServiceGitHub: {
				MaxRetries:      2,
				InitialInterval: time.Millisecond,
				MaxInterval:     time.Millisecond,
				DefaultPause:    10 * time.Millisecond,
				MaxPause:        time.Second,
			},
		},
	})

	client, err := NewClient(context.Background(), rt, Options{
		Token:      token,
		APIURL:     srv.URL,
		GraphQLURL: srv.URL + "/graphql",
	})
	require.NoError(t, err)
	return client
}

func issuesHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("state") != "all" || r.URL.Query().Get("since") == "" {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message": "expected state=all with since"}`))
		return
	}
	if r.URL.Query().Get("page") == "2" {
		_, _ = w.Write([]byte(issuesPage2))
		return
	}
	w.Header().Set("Link", `<https://api.github.com/repos/acme/widget/issues?page=2>; rel="next"`)
	_, _ = w.Write([]byte(issuesPage1))
}

func contributorsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Link", `<https://api.github.com/repos/acme/widget/contributors?page=2>; rel="next", <https://api.github.com/repos/acme/widget/contributors?page=17>; rel="last"`)
	_, _ = w.Write([]byte(`[{"login": "alice", "contributions": 10}]`))
}

func TestFetchActivityWithToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(repositoryResponse))
	})
	mux.HandleFunc("/repos/acme/widget/issues", issuesHandler)
	mux.HandleFunc("/repos/acme/widget/contributors", contributorsHandler)

	client := newTestClient(t, "secret", mux)

	repo := models.Repository{Host: "github.com", Owner: "acme", Name: "widget"}
	out := client.FetchActivity(context.Background(), repo)
	require.True(t, out.Found(), out.Describe())

	data := out.Value
	assert.Equal(t, int64(120), *data.Stars)
	assert.Equal(t, int64(14), *data.Forks)
	assert.Equal(t, int64(9), *data.Subscribers)
	assert.Equal(t, "main", data.DefaultBranch)
	assert.Equal(t, int64(40), *data.ClosedIssues)
	assert.Equal(t, int64(77), *data.ClosedPullRequests)
	assert.Equal(t, int64(17), *data.Contributors)
	assert.True(t, data.IncludesClosed)
	assert.Len(t, data.Issues, 3)
	assert.Len(t, data.PullRequests, 1)
	assert.Equal(t, time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC), data.PullRequests[0].CreatedAt.UTC())

	closed := data.Issues[2]
	require.NotNil(t, closed.ClosedAt)
	assert.Equal(t, time.Date(2024, 9, 11, 0, 0, 0, 0, time.UTC), closed.ClosedAt.UTC())

	again := client.FetchActivity(context.Background(), repo)
	assert.True(t, again.FromCache)
}

func TestFetchActivityWithoutToken(t *testing.T) {
	var searches atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widget", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"stargazers_count": 5, "forks_count": 1, "subscribers_count": 2, "default_branch": "trunk"}`))
	})
	mux.HandleFunc("/search/issues", func(w http.ResponseWriter, r *http.Request) {
		searches.Add(1)
		total := 8
		if r.URL.Query().Get("q") == "repo:acme/widget type:pr state:closed" {
			total = 3
		}
		_, _ = fmt.Fprintf(w, `{"total_count": %d, "items": []}`, total)
	})
	mux.HandleFunc("/repos/acme/widget/issues", issuesHandler)
	mux.HandleFunc("/repos/acme/widget/contributors", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message": "history too large"}`))
	})

	client := newTestClient(t, "", mux)

	out := client.FetchActivity(context.Background(), models.Repository{Host: "github.com", Owner: "acme", Name: "widget"})
	require.True(t, out.Found(), out.Describe())

	data := out.Value
	assert.Equal(t, int64(5), *data.Stars)
	assert.Equal(t, "trunk", data.DefaultBranch)
	assert.Equal(t, int64(8), *data.ClosedIssues)
	assert.Equal(t, int64(3), *data.ClosedPullRequests)
	assert.Nil(t, data.OpenIssues)
	assert.Nil(t, data.Contributors)
	assert.Len(t, data.Issues, 3)
	assert.Equal(t, int32(2), searches.Load())
}

func TestFetchActivityMissingRepository(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"data": {"repository": null}, "errors": [{"message": "Could not resolve to a Repository with the name 'acme/gone'."}]}`))
	})

	client := newTestClient(t, "secret", mux)
	repo := models.Repository{Host: "github.com", Owner: "acme", Name: "gone"}

	out := client.FetchActivity(context.Background(), repo)
	assert.Equal(t, providers.StatusNegative, out.Status)
	assert.Equal(t, cache.ReasonNotFound, out.Reason)

	out = client.FetchActivity(context.Background(), repo)
	assert.Equal(t, providers.StatusNegative, out.Status)
	assert.True(t, out.FromCache)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchActivityGraphQLRateLimit(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(repositoryResponse))
	})
	mux.HandleFunc("/repos/acme/widget/issues", issuesHandler)
	mux.HandleFunc("/repos/acme/widget/contributors", contributorsHandler)

	client := newTestClient(t, "secret", mux)

	out := client.FetchActivity(context.Background(), models.Repository{Host: "github.com", Owner: "acme", Name: "widget"})
	require.True(t, out.Found(), out.Describe())
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(120), *out.Value.Stars)
}

func TestRateLimitWaiterDoesNotSleep(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message": "You have exceeded a secondary rate limit", "documentation_url": "https://docs.github.com/rest/overview/rate-limits-for-the-rest-api#about-secondary-rate-limits"}`))
	}))
	defer srv.Close()

	throttler := throttle.New("github", throttle.Config{MaxConcurrency: 1})
	waiter, err := newRateLimitWaiter(srv.Client().Transport, throttler)
	require.NoError(t, err)

	roundTrip := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/repos/acme/widget/issues", nil)
		require.NoError(t, err)

		start := time.Now()
		resp, err := waiter.RoundTrip(req)
		require.NoError(t, err)
		_ = resp.Body.Close()

		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Less(t, time.Since(start), time.Second)
	}
	roundTrip()
	roundTrip()

	// the response is handed back once per request, never retried in the transport
	assert.Equal(t, int32(2), calls.Load())
	assert.Greater(t, time.Until(throttler.PausedUntil()), 50*time.Second)
}

func TestClassify(t *testing.T) {
	response := func(code int) *http.Response {
		return &http.Response{StatusCode: code, Header: http.Header{}, Request: &http.Request{}}
	}

	tests := []struct {
		name  string
		err   error
		class retry.Class
	}{
		{name: "nil", err: nil, class: retry.ClassNone},
		{name: "rate limit", err: &github.RateLimitError{Rate: github.Rate{Reset: github.Timestamp{Time: time.Now().Add(time.Minute)}}, Response: response(403)}, class: retry.ClassRateLimit},
		{name: "abuse", err: &github.AbuseRateLimitError{Response: response(403)}, class: retry.ClassRateLimit},
		{name: "not found", err: &github.ErrorResponse{Response: response(404)}, class: retry.ClassPermanent},
		{name: "forbidden", err: &github.ErrorResponse{Response: response(403)}, class: retry.ClassPermanent},
		{name: "too many", err: &github.ErrorResponse{Response: response(429)}, class: retry.ClassRateLimit},
		{name: "server", err: &github.ErrorResponse{Response: response(502)}, class: retry.ClassTransient},
		{name: "graphql missing", err: errors.New("Could not resolve to a Repository with the name 'a/b'."), class: retry.ClassPermanent},
		{name: "network", err: errors.New("connection reset"), class: retry.ClassTransient},
		{name: "canceled", err: context.Canceled, class: retry.ClassCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.class, retry.Classify(classify(tt.err)))
		})
	}
}
