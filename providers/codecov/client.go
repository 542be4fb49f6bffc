// Package codecov reads the coverage percentage off a repository's codecov.io badge.
package codecov

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/geeknoid/cargo-rank/cache"
	"github.com/geeknoid/cargo-rank/models"
	"github.com/geeknoid/cargo-rank/providers"
	"github.com/geeknoid/cargo-rank/providers/httpx"
	"github.com/geeknoid/cargo-rank/retry"
	scm_domain "github.com/geeknoid/cargo-rank/providers/scm/domain"
)

const DefaultBaseURL = "https://codecov.io"

var percent = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)

type Client struct {
	rt      *providers.Runtime
	http    *httpx.Client
	baseURL string
}

func NewClient(rt *providers.Runtime, httpClient *http.Client, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		rt:      rt,
		http:    httpx.NewClient(httpClient, nil),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (c *Client) Service() providers.Service {
	return providers.ServiceCodecov
}

func (c *Client) FetchCoverage(ctx context.Context, repo models.Repository) providers.Outcome[providers.CoverageData] {
	key := cache.Key{Service: string(providers.ServiceCodecov), Resource: repo.String()}
	return providers.Fetch(ctx, c.rt, key, c.rt.TTL(providers.ServiceCodecov), func(ctx context.Context) (providers.CoverageData, error) {
		return c.fetch(ctx, repo)
	})
}

func (c *Client) fetch(ctx context.Context, repo models.Repository) (providers.CoverageData, error) {
	var forge string
	switch repo.Host {
	case scm_domain.DefaultGitHubDomain:
		forge = "gh"
	case scm_domain.DefaultGitLabDomain:
		forge = "gl"
	default:
		return providers.CoverageData{}, retry.Unsupported("codecov does not track %s", repo.Host)
	}

	url := fmt.Sprintf("%s/%s/%s/%s/graph/badge.svg", c.baseURL, forge, repo.Owner, repo.Name)
	var body []byte
	err := c.rt.Call(ctx, providers.ServiceCodecov, "badge "+repo.String(), func(ctx context.Context) error {
		var err error
		body, _, err = c.http.Get(ctx, url, nil)
		return err
	})
	if err != nil {
		return providers.CoverageData{}, err
	}

	pct, err := ParseBadge(body)
	if err != nil {
		return providers.CoverageData{}, err
	}
	return providers.CoverageData{Percentage: pct}, nil
}

// ParseBadge extracts the percentage from a badge SVG. A badge reading
// "unknown" means codecov has no report for the repository.
func ParseBadge(svg []byte) (float64, error) {
	text := string(svg)
	if strings.Contains(text, ">unknown<") {
		return 0, retry.NotFound("no coverage report")
	}
	m := percent.FindStringSubmatch(text)
	if m == nil {
		return 0, retry.ParseError(fmt.Errorf("no percentage in coverage badge"))
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, retry.ParseError(err)
	}
	return pct, nil
}
