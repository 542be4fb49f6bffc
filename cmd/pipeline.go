package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/geeknoid/cargo-rank/analyze"
	"github.com/geeknoid/cargo-rank/cache"
	"github.com/geeknoid/cargo-rank/models"
	"github.com/geeknoid/cargo-rank/opa"
	"github.com/geeknoid/cargo-rank/providers"
	"github.com/geeknoid/cargo-rank/providers/codecov"
	"github.com/geeknoid/cargo-rank/providers/crates"
	"github.com/geeknoid/cargo-rank/providers/docsrs"
	"github.com/geeknoid/cargo-rank/providers/gitops"
	"github.com/geeknoid/cargo-rank/providers/osv"
	"github.com/geeknoid/cargo-rank/providers/scm"
	scm_domain "github.com/geeknoid/cargo-rank/providers/scm/domain"
	"github.com/geeknoid/cargo-rank/results"
	"github.com/geeknoid/cargo-rank/retry"
	"github.com/geeknoid/cargo-rank/risk"
	"github.com/geeknoid/cargo-rank/throttle"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type pipelineOptions struct {
	CacheDir     string
	IgnoreCached bool
	GitHubToken  string
	GitLabToken  string
	GitHubDomain scm_domain.ScmBaseDomain
	GitLabDomain scm_domain.ScmBaseDomain
	Progress     io.Writer
}

// pipeline owns everything one appraisal run shares: the cache, the per
// service throttlers and the analyzer built on top of them.
type pipeline struct {
	cache    *cache.Cache
	analyzer *analyze.Analyzer
}

func pipelineOptionsFromFlags() pipelineOptions {
	opts := pipelineOptions{
		CacheDir:     CacheDir,
		IgnoreCached: IgnoreCached,
		GitHubToken:  viper.GetString("github_token"),
		GitLabToken:  viper.GetString("gitlab_token"),
		GitHubDomain: GitHubDomain,
		GitLabDomain: GitLabDomain,
	}
	if Format == "pretty" && isTerminal(os.Stderr) {
		opts.Progress = os.Stderr
	}
	return opts
}

func newPipeline(ctx context.Context, cfg *models.Config, opts pipelineOptions) (*pipeline, error) {
	evaluator := opa.NewOpa()
	classifier, err := risk.NewClassifier(ctx, evaluator, cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dir, err := resolveCacheDir(opts.CacheDir, cfg)
	if err != nil {
		return nil, err
	}
	store, err := cache.OpenStore(cfg.CacheBackend, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache in %s: %w", dir, err)
	}
	c := cache.New(store, cache.Options{IgnoreCached: opts.IgnoreCached})
	log.Debug().Str("dir", dir).Str("backend", cfg.CacheBackend).Msg("Opened cache")

	tokens := map[providers.Service]string{
		providers.ServiceGitHub: opts.GitHubToken,
		providers.ServiceGitLab: opts.GitLabToken,
	}
	throttles := throttle.NewRegistry(throttle.Config{MaxConcurrency: 1})
	policies := make(map[providers.Service]retry.Policy, len(providers.AllServices))
	ttls := make(map[providers.Service]time.Duration, len(providers.AllServices))
	for _, service := range providers.AllServices {
		sc := cfg.Service(service.String())
		throttles.Register(service.String(), throttle.Config{
			MaxConcurrency:    sc.Limit(tokens[service] != ""),
			RequestsPerSecond: sc.RequestsPerSecond,
		})

		policy := retry.DefaultPolicy()
		policy.MaxRetries = sc.MaxRetries
		if sc.MaxPause > 0 {
			policy.MaxPause = sc.MaxPause
		}
		policies[service] = policy

		ttls[service] = cfg.CacheTTL
		if sc.TTL > 0 {
			ttls[service] = sc.TTL
		}
	}

	rt := providers.NewRuntime(providers.RuntimeConfig{
		Cache:       c,
		Throttles:   throttles,
		Policies:    policies,
		TTLs:        ttls,
		NegativeTTL: cfg.CacheTTL,
	})

	hosting, err := scm.NewHostingProviders(ctx, rt, nil,
		scm.Forge{Kind: scm.GitHub, Domain: opts.GitHubDomain, Token: opts.GitHubToken},
		scm.Forge{Kind: scm.GitLab, Domain: opts.GitLabDomain, Token: opts.GitLabToken},
	)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to create SCM clients: %w", err)
	}

	cloneTokens := map[string]string{}
	if opts.GitHubToken != "" {
		cloneTokens[opts.GitHubDomain.Resolve(scm_domain.DefaultGitHubDomain)] = opts.GitHubToken
	}
	if opts.GitLabToken != "" {
		cloneTokens[opts.GitLabDomain.Resolve(scm_domain.DefaultGitLabDomain)] = opts.GitLabToken
	}

	registry := &providers.Registry{
		Metadata:   crates.NewClient(rt, nil, ""),
		Hosting:    hosting,
		Advisories: osv.NewClient(rt, nil, ""),
		Docs:       docsrs.NewClient(rt, nil, ""),
		Coverage:   codecov.NewClient(rt, nil, ""),
		Codebase: gitops.NewClient(rt, gitops.Options{
			ReposDir: filepath.Join(dir, "repos"),
			Tokens:   cloneTokens,
		}),
	}

	analyzer := analyze.NewAnalyzer(registry, classifier, analyze.Options{
		MaxPackages: cfg.MaxPackages,
		Progress:    opts.Progress,
	})

	return &pipeline{cache: c, analyzer: analyzer}, nil
}

func (p *pipeline) Close() error {
	return p.cache.Close()
}

// runAppraisal appraises the targets, writes the report and the metrics
// file, and then applies the risk flags. An interrupted run still reports
// the crates it finished.
func runAppraisal(ctx context.Context, targets []analyze.Target, out io.Writer) error {
	p, err := newPipeline(ctx, config, pipelineOptionsFromFlags())
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close cache")
		}
	}()

	log.Debug().Int("crates", len(targets)).Msg("Starting appraisal")
	set, runErr := p.analyzer.Appraise(ctx, targets)
	if err := report(ctx, set, out); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("appraisal interrupted after %d of %d crates: %w", set.Len(), len(targets), runErr)
	}
	return checkRisk(set)
}

func report(ctx context.Context, set *results.Set, out io.Writer) error {
	if err := GetFormatter(out).Format(ctx, set); err != nil {
		return fmt.Errorf("failed to format results: %w", err)
	}
	return writeMetrics()
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
