// Package scm builds the forge clients that serve repository activity, one
// per forge host.
package scm

import (
	"context"
	"fmt"
	"net/http"

	"github.com/geeknoid/cargo-rank/providers"
	"github.com/geeknoid/cargo-rank/providers/github"
	"github.com/geeknoid/cargo-rank/providers/gitlab"
	scm_domain "github.com/geeknoid/cargo-rank/providers/scm/domain"
)

const (
	GitHub string = "github"
	GitLab string = "gitlab"
)

// Forge describes one forge instance. An empty Domain means the public instance.
type Forge struct {
	Kind   string
	Domain scm_domain.ScmBaseDomain
	Token  string
}

// NewHostingProviders returns the activity providers keyed by host. The
// public github.com and gitlab.com instances are always present; forges add
// enterprise hosts or supply tokens for the public ones.
func NewHostingProviders(ctx context.Context, rt *providers.Runtime, transport http.RoundTripper, forges ...Forge) (map[string]providers.ActivityProvider, error) {
	tokens := map[string]string{}
	kinds := map[string]string{
		scm_domain.DefaultGitHubDomain: GitHub,
		scm_domain.DefaultGitLabDomain: GitLab,
	}
	for _, f := range forges {
		var domain string
		switch f.Kind {
		case GitHub:
			domain = f.Domain.Resolve(scm_domain.DefaultGitHubDomain)
		case GitLab:
			domain = f.Domain.Resolve(scm_domain.DefaultGitLabDomain)
		default:
			return nil, fmt.Errorf("unsupported provider type: %s", f.Kind)
		}
		kinds[domain] = f.Kind
		if f.Token != "" {
			tokens[domain] = f.Token
		}
	}

	hosting := make(map[string]providers.ActivityProvider, len(kinds))
	for domain, kind := range kinds {
		switch kind {
		case GitHub:
			client, err := github.NewClient(ctx, rt, github.Options{Token: tokens[domain], Domain: domain, Transport: transport})
			if err != nil {
				return nil, fmt.Errorf("github client for %s: %w", domain, err)
			}
			hosting[domain] = client
		case GitLab:
			var httpClient *http.Client
			if transport != nil {
				httpClient = &http.Client{Transport: transport}
			}
			client, err := gitlab.NewClient(rt, gitlab.Options{Token: tokens[domain], Domain: domain, HTTPClient: httpClient})
			if err != nil {
				return nil, fmt.Errorf("gitlab client for %s: %w", domain, err)
			}
			hosting[domain] = client
		}
	}
	return hosting, nil
}
