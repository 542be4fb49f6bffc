package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofri/go-github-ratelimit/github_ratelimit"
	"github.com/google/go-github/v59/github"
	"github.com/rs/zerolog/log"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/geeknoid/cargo-rank/cache"
	"github.com/geeknoid/cargo-rank/models"
	"github.com/geeknoid/cargo-rank/providers"
	scm_domain "github.com/geeknoid/cargo-rank/providers/scm/domain"
	"github.com/geeknoid/cargo-rank/retry"
	"github.com/geeknoid/cargo-rank/throttle"
)

// maxIssuePages bounds the issue listing (100 items per page).
const maxIssuePages = 50

// issueLookback limits the listing to items updated within this window.
const issueLookback = 10 * 365 * 24 * time.Hour

type Options struct {
	Token  string
	Domain string
	// APIURL and GraphQLURL override the endpoints derived from Domain.
	APIURL     string
	GraphQLURL string
	Transport  http.RoundTripper
}

// Client reads repository activity from GitHub. Counters come from GraphQL
// when a token is available and from REST otherwise; issue and pull request
// ages always come from the REST issue listing.
type Client struct {
	rt            *providers.Runtime
	restClient    *github.Client
	graphQLClient *githubv4.Client
	domain        string
	token         string
	now           func() time.Time
}

func NewClient(ctx context.Context, rt *providers.Runtime, opts Options) (*Client, error) {
	domain := opts.Domain
	if domain == "" {
		domain = scm_domain.DefaultGitHubDomain
	}

	rateLimiter, err := newRateLimitWaiter(opts.Transport, rt.Throttler(providers.ServiceGitHub))
	if err != nil {
		return nil, err
	}

	restClient := github.NewClient(&http.Client{Transport: rateLimiter})
	if opts.Token != "" {
		restClient = restClient.WithAuthToken(opts.Token)
	}

	var httpClient *http.Client
	if opts.Token != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
		ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: newRetryTransport(opts.Transport)})
		httpClient = oauth2.NewClient(ctx, src)
	} else {
		httpClient = &http.Client{Transport: newRetryTransport(opts.Transport)}
	}

	var graphQLClient *githubv4.Client
	switch {
	case opts.APIURL != "":
		base, err := url.Parse(strings.TrimRight(opts.APIURL, "/") + "/")
		if err != nil {
			return nil, err
		}
		restClient.BaseURL = base
		graphQLClient = githubv4.NewEnterpriseClient(opts.GraphQLURL, httpClient)
	case domain == scm_domain.DefaultGitHubDomain:
		graphQLClient = githubv4.NewClient(httpClient)
	default:
		baseURL := fmt.Sprintf("https://%s/", domain)
		restClient, err = restClient.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, err
		}
		graphQLClient = githubv4.NewEnterpriseClient(baseURL+"api/graphql", httpClient)
	}

	return &Client{
		rt:            rt,
		restClient:    restClient,
		graphQLClient: graphQLClient,
		domain:        domain,
		token:         opts.Token,
		now:           time.Now,
	}, nil
}

// newRateLimitWaiter detects secondary rate limits and pauses the throttler
// without sleeping, so the 403 reaches the coordinator and the permit is
// released while waiting.
func newRateLimitWaiter(base http.RoundTripper, throttler *throttle.Throttler) (*github_ratelimit.SecondaryRateLimitWaiter, error) {
	return github_ratelimit.NewRateLimitWaiter(base,
		github_ratelimit.WithSingleSleepLimit(0, func(cb *github_ratelimit.CallbackContext) {
			if cb.SleepUntil != nil {
				throttler.Pause(time.Until(*cb.SleepUntil))
			}
		}),
	)
}

func (c *Client) Service() providers.Service {
	return providers.ServiceGitHub
}

func (c *Client) Domain() string {
	return c.domain
}

func (c *Client) FetchActivity(ctx context.Context, repo models.Repository) providers.Outcome[providers.HostingData] {
	key := cache.Key{Service: string(providers.ServiceGitHub), Resource: repo.String()}
	return providers.Fetch(ctx, c.rt, key, c.rt.TTL(providers.ServiceGitHub), func(ctx context.Context) (providers.HostingData, error) {
		return c.fetch(ctx, repo)
	})
}

func (c *Client) fetch(ctx context.Context, repo models.Repository) (providers.HostingData, error) {
	var data providers.HostingData
	var err error
	if c.token != "" {
		err = c.repositoryCounters(ctx, repo, &data)
	} else {
		err = c.restCounters(ctx, repo, &data)
	}
	if err != nil {
		return providers.HostingData{}, err
	}

	if err := c.spans(ctx, repo, &data); err != nil {
		return providers.HostingData{}, err
	}

	contributors, err := c.contributors(ctx, repo)
	if err != nil {
		return providers.HostingData{}, err
	}
	data.Contributors = contributors

	return data, nil
}

type repositoryQuery struct {
	Repository struct {
		StargazerCount int
		ForkCount      int
		Watchers       struct {
			TotalCount int
		}
		DefaultBranchRef struct {
			Name string
		}
		OpenIssues struct {
			TotalCount int
		} `graphql:"openIssues: issues(states: OPEN)"`
		ClosedIssues struct {
			TotalCount int
		} `graphql:"closedIssues: issues(states: CLOSED)"`
		OpenPullRequests struct {
			TotalCount int
		} `graphql:"openPullRequests: pullRequests(states: OPEN)"`
		ClosedPullRequests struct {
			TotalCount int
		} `graphql:"closedPullRequests: pullRequests(states: [CLOSED, MERGED])"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

func (c *Client) repositoryCounters(ctx context.Context, repo models.Repository, data *providers.HostingData) error {
	variables := map[string]interface{}{
		"owner": githubv4.String(repo.Owner),
		"name":  githubv4.String(repo.Name),
	}

	var query repositoryQuery
	err := c.call(ctx, "graphql "+repo.FullName(), func(ctx context.Context) error {
		return c.graphQLClient.Query(ctx, &query, variables)
	})
	if err != nil {
		return err
	}

	r := query.Repository
	data.Stars = count(r.StargazerCount)
	data.Forks = count(r.ForkCount)
	data.Subscribers = count(r.Watchers.TotalCount)
	data.DefaultBranch = r.DefaultBranchRef.Name
	data.OpenIssues = count(r.OpenIssues.TotalCount)
	data.ClosedIssues = count(r.ClosedIssues.TotalCount)
	data.OpenPullRequests = count(r.OpenPullRequests.TotalCount)
	data.ClosedPullRequests = count(r.ClosedPullRequests.TotalCount)
	return nil
}

func (c *Client) restCounters(ctx context.Context, repo models.Repository, data *providers.HostingData) error {
	var r *github.Repository
	err := c.call(ctx, "repos/"+repo.FullName(), func(ctx context.Context) error {
		var err error
		r, _, err = c.restClient.Repositories.Get(ctx, repo.Owner, repo.Name)
		return err
	})
	if err != nil {
		return err
	}

	data.Stars = count(r.GetStargazersCount())
	data.Forks = count(r.GetForksCount())
	data.Subscribers = count(r.GetSubscribersCount())
	data.DefaultBranch = r.GetDefaultBranch()

	closedIssues, err := c.searchCount(ctx, fmt.Sprintf("repo:%s type:issue state:closed", repo.FullName()))
	if err != nil {
		return err
	}
	closedPulls, err := c.searchCount(ctx, fmt.Sprintf("repo:%s type:pr state:closed", repo.FullName()))
	if err != nil {
		return err
	}
	data.ClosedIssues = closedIssues
	data.ClosedPullRequests = closedPulls
	return nil
}

// searchCount returns the number of search hits, or nil if search is refused.
func (c *Client) searchCount(ctx context.Context, q string) (*int64, error) {
	var result *github.IssuesSearchResult
	err := c.call(ctx, "search "+q, func(ctx context.Context) error {
		var err error
		result, _, err = c.restClient.Search.Issues(ctx, q, &github.SearchOptions{ListOptions: github.ListOptions{PerPage: 1}})
		return err
	})
	if err != nil {
		var perm *retry.PermanentError
		if errors.As(err, &perm) {
			log.Debug().Err(err).Str("query", q).Msg("github search unavailable")
			return nil, nil
		}
		return nil, err
	}
	return count(result.GetTotal()), nil
}

// spans lists open and closed issues and pull requests in a single pass;
// the REST issues endpoint returns both kinds.
func (c *Client) spans(ctx context.Context, repo models.Repository, data *providers.HostingData) error {
	opts := &github.IssueListByRepoOptions{
		State:       "all",
		Sort:        "created",
		Direction:   "desc",
		Since:       c.now().Add(-issueLookback),
		ListOptions: github.ListOptions{PerPage: 100},
	}

	data.IncludesClosed = true
	data.Issues = []providers.Span{}
	data.PullRequests = []providers.Span{}
	for page := 0; page < maxIssuePages; page++ {
		var issues []*github.Issue
		var resp *github.Response
		err := c.call(ctx, fmt.Sprintf("issues %s page %d", repo.FullName(), opts.Page), func(ctx context.Context) error {
			var err error
			issues, resp, err = c.restClient.Issues.ListByRepo(ctx, repo.Owner, repo.Name, opts)
			return err
		})
		if err != nil {
			return err
		}

		for _, issue := range issues {
			span := providers.Span{CreatedAt: issue.GetCreatedAt().Time}
			if issue.ClosedAt != nil {
				closed := issue.GetClosedAt().Time
				span.ClosedAt = &closed
			}
			if issue.IsPullRequest() {
				data.PullRequests = append(data.PullRequests, span)
			} else {
				data.Issues = append(data.Issues, span)
			}
		}

		if resp.NextPage == 0 {
			return nil
		}
		opts.Page = resp.NextPage
	}

	log.Debug().Str("repo", repo.String()).Int("pages", maxIssuePages).Msg("issue listing truncated")
	return nil
}

// contributors reads the count from the last page number of a one-per-page listing.
func (c *Client) contributors(ctx context.Context, repo models.Repository) (*int64, error) {
	var list []*github.Contributor
	var resp *github.Response
	err := c.call(ctx, "contributors "+repo.FullName(), func(ctx context.Context) error {
		var err error
		list, resp, err = c.restClient.Repositories.ListContributors(ctx, repo.Owner, repo.Name,
			&github.ListContributorsOptions{Anon: "true", ListOptions: github.ListOptions{PerPage: 1}})
		return err
	})
	if err != nil {
		var perm *retry.PermanentError
		if errors.As(err, &perm) {
			// very large histories are refused by the API
			log.Debug().Err(err).Str("repo", repo.String()).Msg("contributor count unavailable")
			return nil, nil
		}
		return nil, err
	}
	if resp != nil && resp.LastPage > 0 {
		return count(resp.LastPage), nil
	}
	return count(len(list)), nil
}

func (c *Client) call(ctx context.Context, resource string, fn func(ctx context.Context) error) error {
	return c.rt.Call(ctx, providers.ServiceGitHub, resource, func(ctx context.Context) error {
		return classify(fn(ctx))
	})
}

// classify maps go-github and githubv4 errors onto the retry taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var rl *retry.RateLimitError
	if errors.As(err, &rl) {
		return err
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return retry.RateLimited(time.Until(rateErr.Rate.Reset.Time), err)
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return retry.RateLimited(abuseErr.GetRetryAfter(), err)
	}

	var errorResponse *github.ErrorResponse
	if errors.As(err, &errorResponse) && errorResponse.Response != nil {
		code := errorResponse.Response.StatusCode
		switch {
		case code == http.StatusNotFound:
			return retry.NotFound("%v", err)
		case code == http.StatusTooManyRequests:
			after, _ := retry.RetryAfterFromHeader(errorResponse.Response.Header, time.Now())
			return retry.RateLimited(after, err)
		case code >= 500:
			return retry.Transient(err)
		default:
			return retry.Unsupported("%v", err)
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "Could not resolve to a Repository"):
		return retry.NotFound("%v", err)
	case strings.Contains(msg, "non-200 OK status code: 401"):
		return retry.Unsupported("%v", err)
	}
	return retry.Transient(err)
}

func count(n int) *int64 {
	v := int64(n)
	return &v
}
