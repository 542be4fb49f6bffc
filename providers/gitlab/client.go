package gitlab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	gitlab "gitlab.com/gitlab-org/api/client-go"
	"golang.org/x/time/rate"

	"github.com/geeknoid/cargo-rank/cache"
	"github.com/geeknoid/cargo-rank/models"
	"github.com/geeknoid/cargo-rank/providers"
	scm_domain "github.com/geeknoid/cargo-rank/providers/scm/domain"
	"github.com/geeknoid/cargo-rank/retry"
)

const maxIssuePages = 50

// issueLookback limits the listings to items updated within this window.
const issueLookback = 10 * 365 * 24 * time.Hour

type Options struct {
	Token  string
	Domain string
	// BaseURL overrides the API endpoint derived from Domain.
	BaseURL    string
	HTTPClient *http.Client
}

// Client reads project activity from a GitLab instance.
type Client struct {
	rt     *providers.Runtime
	client *gitlab.Client
	domain string
	now    func() time.Time
}

func NewClient(rt *providers.Runtime, opts Options) (*Client, error) {
	domain := opts.Domain
	if domain == "" {
		domain = scm_domain.DefaultGitLabDomain
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s", domain)
	}

	clientOpts := []gitlab.ClientOptionFunc{
		gitlab.WithBaseURL(baseURL),
		// pacing and retries belong to the gitlab throttler and coordinator
		gitlab.WithCustomRetryMax(0),
		gitlab.WithCustomLimiter(rate.NewLimiter(rate.Inf, 0)),
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, gitlab.WithHTTPClient(opts.HTTPClient))
	}

	gitlabClient, err := gitlab.NewClient(opts.Token, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gitlab client: %w", err)
	}
	return &Client{
		rt:     rt,
		client: gitlabClient,
		domain: domain,
		now:    time.Now,
	}, nil
}

func (c *Client) Service() providers.Service {
	return providers.ServiceGitLab
}

func (c *Client) Domain() string {
	return c.domain
}

func (c *Client) FetchActivity(ctx context.Context, repo models.Repository) providers.Outcome[providers.HostingData] {
	key := cache.Key{Service: string(providers.ServiceGitLab), Resource: repo.String()}
	return providers.Fetch(ctx, c.rt, key, c.rt.TTL(providers.ServiceGitLab), func(ctx context.Context) (providers.HostingData, error) {
		return c.fetch(ctx, repo)
	})
}

func (c *Client) fetch(ctx context.Context, repo models.Repository) (providers.HostingData, error) {
	pid := repo.FullName()

	var project *gitlab.Project
	err := c.call(ctx, "projects/"+pid, func(ctx context.Context) (*gitlab.Response, error) {
		var resp *gitlab.Response
		var err error
		project, resp, err = c.client.Projects.GetProject(pid, nil, gitlab.WithContext(ctx))
		return resp, err
	})
	if err != nil {
		return providers.HostingData{}, err
	}

	data := providers.HostingData{
		Stars:         ptr(int64(project.StarCount)),
		Forks:         ptr(int64(project.ForksCount)),
		DefaultBranch: project.DefaultBranch,
		Issues:        []providers.Span{},
		PullRequests:  []providers.Span{},
	}

	since := c.now().Add(-issueLookback)
	if err := c.issues(ctx, pid, since, &data); err != nil {
		return providers.HostingData{}, err
	}
	if err := c.mergeRequests(ctx, pid, since, &data); err != nil {
		return providers.HostingData{}, err
	}

	if data.ClosedIssues, err = c.closedIssueCount(ctx, pid); err != nil {
		return providers.HostingData{}, err
	}
	if data.ClosedPullRequests, err = c.closedMergeRequestCount(ctx, pid); err != nil {
		return providers.HostingData{}, err
	}
	if data.Contributors, err = c.contributorCount(ctx, pid); err != nil {
		return providers.HostingData{}, err
	}

	data.IncludesClosed = true
	data.OpenIssues = ptr(countOpen(data.Issues))
	data.OpenPullRequests = ptr(countOpen(data.PullRequests))
	return data, nil
}

// issues lists issues of every state updated since the given time.
func (c *Client) issues(ctx context.Context, pid string, since time.Time, data *providers.HostingData) error {
	opt := &gitlab.ListProjectIssuesOptions{
		ListOptions:  gitlab.ListOptions{PerPage: 100, Page: 1},
		UpdatedAfter: &since,
	}

	for range maxIssuePages {
		var issues []*gitlab.Issue
		var resp *gitlab.Response
		err := c.call(ctx, fmt.Sprintf("issues %s page %d", pid, opt.Page), func(ctx context.Context) (*gitlab.Response, error) {
			var err error
			issues, resp, err = c.client.Issues.ListProjectIssues(pid, opt, gitlab.WithContext(ctx))
			return resp, err
		})
		if err != nil {
			return err
		}

		for _, issue := range issues {
			data.Issues = append(data.Issues, span(issue.CreatedAt, issue.ClosedAt))
		}

		if resp.NextPage == 0 {
			return nil
		}
		opt.Page = resp.NextPage
	}

	log.Debug().Str("project", pid).Msg("issue listing truncated")
	return nil
}

// mergeRequests lists merge requests of every state updated since the given
// time. Merged requests count as resolved at their merge time.
func (c *Client) mergeRequests(ctx context.Context, pid string, since time.Time, data *providers.HostingData) error {
	opt := &gitlab.ListProjectMergeRequestsOptions{
		ListOptions:  gitlab.ListOptions{PerPage: 100, Page: 1},
		State:        gitlab.Ptr("all"),
		UpdatedAfter: &since,
	}

	for range maxIssuePages {
		var mrs []*gitlab.BasicMergeRequest
		var resp *gitlab.Response
		err := c.call(ctx, fmt.Sprintf("merge_requests %s page %d", pid, opt.Page), func(ctx context.Context) (*gitlab.Response, error) {
			var err error
			mrs, resp, err = c.client.MergeRequests.ListProjectMergeRequests(pid, opt, gitlab.WithContext(ctx))
			return resp, err
		})
		if err != nil {
			return err
		}

		for _, mr := range mrs {
			resolved := mr.ClosedAt
			if resolved == nil {
				resolved = mr.MergedAt
			}
			data.PullRequests = append(data.PullRequests, span(mr.CreatedAt, resolved))
		}

		if resp.NextPage == 0 {
			return nil
		}
		opt.Page = resp.NextPage
	}

	log.Debug().Str("project", pid).Msg("merge request listing truncated")
	return nil
}

// The counts below read X-Total from a one-item page. GitLab omits the
// header above 10k results, which leaves the count unknown.

func (c *Client) closedIssueCount(ctx context.Context, pid string) (*int64, error) {
	opt := &gitlab.ListProjectIssuesOptions{
		ListOptions: gitlab.ListOptions{PerPage: 1},
		State:       gitlab.Ptr("closed"),
	}
	return c.total(ctx, "closed issues "+pid, func(ctx context.Context) (*gitlab.Response, error) {
		_, resp, err := c.client.Issues.ListProjectIssues(pid, opt, gitlab.WithContext(ctx))
		return resp, err
	})
}

func (c *Client) closedMergeRequestCount(ctx context.Context, pid string) (*int64, error) {
	var total int64
	var known bool
	for _, state := range []string{"closed", "merged"} {
		opt := &gitlab.ListProjectMergeRequestsOptions{
			ListOptions: gitlab.ListOptions{PerPage: 1},
			State:       gitlab.Ptr(state),
		}
		n, err := c.total(ctx, state+" merge requests "+pid, func(ctx context.Context) (*gitlab.Response, error) {
			_, resp, err := c.client.MergeRequests.ListProjectMergeRequests(pid, opt, gitlab.WithContext(ctx))
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		if n == nil {
			return nil, nil
		}
		total += *n
		known = true
	}
	if !known {
		return nil, nil
	}
	return &total, nil
}

func (c *Client) contributorCount(ctx context.Context, pid string) (*int64, error) {
	opt := &gitlab.ListContributorsOptions{ListOptions: gitlab.ListOptions{PerPage: 1}}
	n, err := c.total(ctx, "contributors "+pid, func(ctx context.Context) (*gitlab.Response, error) {
		_, resp, err := c.client.Repositories.Contributors(pid, opt, gitlab.WithContext(ctx))
		return resp, err
	})
	var perm *retry.PermanentError
	if errors.As(err, &perm) {
		log.Debug().Err(err).Str("project", pid).Msg("contributor count unavailable")
		return nil, nil
	}
	return n, err
}

func (c *Client) total(ctx context.Context, resource string, fn func(ctx context.Context) (*gitlab.Response, error)) (*int64, error) {
	var header string
	err := c.call(ctx, resource, func(ctx context.Context) (*gitlab.Response, error) {
		resp, err := fn(ctx)
		if resp != nil {
			header = resp.Header.Get("X-Total")
		}
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	if header == "" {
		return nil, nil
	}
	var n int64
	if _, err := fmt.Sscan(header, &n); err != nil {
		return nil, nil
	}
	return &n, nil
}

func (c *Client) call(ctx context.Context, resource string, fn func(ctx context.Context) (*gitlab.Response, error)) error {
	return c.rt.Call(ctx, providers.ServiceGitLab, resource, func(ctx context.Context) error {
		resp, err := fn(ctx)
		return c.classify(resp, err)
	})
}

func (c *Client) classify(resp *gitlab.Response, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if resp != nil && resp.Response != nil {
		if classified := retry.FromStatus(resp.StatusCode, resp.Header, c.now(), "gitlab"); classified != nil {
			return fmt.Errorf("%w: %s", classified, strings.TrimSpace(err.Error()))
		}
	}
	return retry.Transient(err)
}

func span(created, closed *time.Time) providers.Span {
	s := providers.Span{ClosedAt: closed}
	if created != nil {
		s.CreatedAt = *created
	}
	return s
}

func countOpen(spans []providers.Span) int64 {
	var n int64
	for _, s := range spans {
		if s.ClosedAt == nil {
			n++
		}
	}
	return n
}

func ptr[T any](v T) *T {
	return &v
}
