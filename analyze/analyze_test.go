package analyze

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geeknoid/cargo-rank/cache"
	"github.com/geeknoid/cargo-rank/models"
	"github.com/geeknoid/cargo-rank/opa"
	"github.com/geeknoid/cargo-rank/providers"
	"github.com/geeknoid/cargo-rank/retry"
	"github.com/geeknoid/cargo-rank/risk"
	"github.com/geeknoid/cargo-rank/throttle"
)

var testNow = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func newRuntime(t *testing.T) *providers.Runtime {
	t.Helper()
	store, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return providers.NewRuntime(providers.RuntimeConfig{
		Cache:     cache.New(store, cache.Options{Now: func() time.Time { return testNow }}),
		Throttles: throttle.NewRegistry(throttle.Config{MaxConcurrency: 2}),
		Policies: map[providers.Service]retry.Policy{
			providers.ServiceGitHub: {MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxPause: time.Second},
		},
	})
}

type fakeMetadata struct {
	rt   *providers.Runtime
	data map[string]providers.RegistryData
}

func (f *fakeMetadata) Service() providers.Service { return providers.ServiceCrates }

func (f *fakeMetadata) FetchMetadata(ctx context.Context, pkg models.PackageIdentity) providers.Outcome[providers.RegistryData] {
	key := cache.Key{Service: "crates", Resource: pkg.Name(), Version: pkg.Version()}
	return providers.Fetch(ctx, f.rt, key, time.Hour, func(ctx context.Context) (providers.RegistryData, error) {
		d, ok := f.data[pkg.Name()]
		if !ok {
			return d, retry.NotFound("crate %s not found", pkg.Name())
		}
		return d, nil
	})
}

// fakeForge answers like a forge that rate limits its first request.
type fakeForge struct {
	rt        *providers.Runtime
	hint      time.Duration
	attempts  atomic.Int32
	openSpans int
}

func (f *fakeForge) Service() providers.Service { return providers.ServiceGitHub }

func (f *fakeForge) FetchActivity(ctx context.Context, repo models.Repository) providers.Outcome[providers.HostingData] {
	key := cache.Key{Service: "github", Resource: repo.String()}
	return providers.Fetch(ctx, f.rt, key, time.Hour, func(ctx context.Context) (providers.HostingData, error) {
		var data providers.HostingData
		err := f.rt.Call(ctx, providers.ServiceGitHub, repo.String(), func(ctx context.Context) error {
			if f.attempts.Add(1) == 1 && f.hint > 0 {
				return retry.RateLimited(f.hint, errors.New("secondary rate limit"))
			}
			stars := int64(42)
			data.Stars = &stars
			data.IncludesClosed = true
			for i := range f.openSpans {
				data.Issues = append(data.Issues, providers.Span{CreatedAt: daysAgo(testNow, i+1)})
			}
			closed := daysAgo(testNow, 1)
			data.PullRequests = []providers.Span{{CreatedAt: daysAgo(testNow, 9), ClosedAt: &closed}}
			return nil
		})
		return data, err
	})
}

type fakeAdvisories struct{}

func (fakeAdvisories) Service() providers.Service { return providers.ServiceOSV }

func (fakeAdvisories) FetchAdvisories(_ context.Context, pkg models.PackageIdentity) providers.Outcome[providers.AdvisoryData] {
	data := providers.AdvisoryData{Total: providers.AdvisoryCounts{High: 1, Unmaintained: 1}}
	if pkg.HasVersion() {
		data.Version = &providers.AdvisoryCounts{}
	}
	return providers.Outcome[providers.AdvisoryData]{Value: data, Status: providers.StatusFound}
}

type fakeDocs struct{}

func (fakeDocs) Service() providers.Service { return providers.ServiceDocsRs }

func (fakeDocs) FetchDocs(context.Context, models.PackageIdentity) providers.Outcome[providers.DocsData] {
	return providers.Outcome[providers.DocsData]{Status: providers.StatusNegative, Reason: cache.ReasonUnsupported}
}

type fakeCodebase struct {
	seen atomic.Value
}

func (*fakeCodebase) Service() providers.Service { return providers.ServiceGitops }

func (f *fakeCodebase) FetchCodebase(_ context.Context, pkg models.PackageIdentity, _ models.Repository) providers.Outcome[providers.CodebaseData] {
	f.seen.Store(pkg.String())
	return providers.Outcome[providers.CodebaseData]{
		Status: providers.StatusFound,
		Value: providers.CodebaseData{
			SourceFiles:  3,
			CodeLines:    120,
			TestLines:    40,
			UnsafeBlocks: 1,
			ClippyUsage:  true,
			Examples:     2,
			CommitTimes:  []int64{daysAgo(testNow, 2).Unix(), daysAgo(testNow, 200).Unix()},
			Contributors: 4,
		},
	}
}

func newClassifier(t *testing.T, cfg *models.Config) *risk.Classifier {
	t.Helper()
	classifier, err := risk.NewClassifier(context.Background(), opa.NewOpa(), cfg)
	require.NoError(t, err)
	return classifier
}

func evalConfig(exprs ...string) *models.Config {
	cfg := &models.Config{
		MediumRiskThreshold: models.DefaultMediumRiskThreshold,
		LowRiskThreshold:    models.DefaultLowRiskThreshold,
	}
	for _, e := range exprs {
		cfg.Eval = append(cfg.Eval, models.ScoredExpression{Expression: models.Expression{Name: e, Expression: e}})
	}
	return cfg
}

func widgetMetadata(rt *providers.Runtime) *fakeMetadata {
	return &fakeMetadata{rt: rt, data: map[string]providers.RegistryData{
		"widget": {
			Name:           "widget",
			Version:        "1.4.0",
			License:        "MIT",
			Repository:     "https://github.com/acme/widget",
			TotalDownloads: 1000,
			Yanked:         false,
			VersionCount:   12,
		},
		"lonely":    {Name: "lonely", Version: "0.1.0"},
		"elsewhere": {
			Name:       "elsewhere",
			Version:    "2.0.0",
			Repository: "https://codeberg.org/acme/elsewhere",
		},
	}}
}

func TestAppraiseRateLimitedForge(t *testing.T) {
	rt := newRuntime(t)
	hint := 40 * time.Millisecond
	forge := &fakeForge{rt: rt, hint: hint, openSpans: 5}
	registry := &providers.Registry{
		Metadata: widgetMetadata(rt),
		Hosting:  map[string]providers.ActivityProvider{"github.com": forge},
	}

	analyzer := NewAnalyzer(registry, newClassifier(t, evalConfig("activity.open_issues > 100")), Options{
		MaxPackages: 2,
		Now:         func() time.Time { return testNow },
	})

	pkg, err := models.ParsePackageIdentity("widget")
	require.NoError(t, err)

	start := time.Now()
	set, err := analyzer.Appraise(context.Background(), Targets(pkg))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), hint)
	assert.Equal(t, int32(2), forge.attempts.Load())

	require.Equal(t, 1, set.Len())
	entry := set.Entries[0]
	open, ok := entry.Metrics.Get(models.CategoryActivity, "open_issues")
	require.True(t, ok)
	assert.Equal(t, int64(5), open)
	assert.Empty(t, entry.Metrics.Unavailable)

	require.NotNil(t, entry.Score)
	assert.Equal(t, 0.0, entry.Score.Percentage)
	assert.Equal(t, models.TierHigh, entry.Score.Tier)
	assert.Equal(t, models.OutcomeFalse, entry.Score.Outcomes[0].Result)
}

func TestAppraiseMergesProviders(t *testing.T) {
	rt := newRuntime(t)
	codebase := &fakeCodebase{}
	registry := &providers.Registry{
		Metadata:   widgetMetadata(rt),
		Hosting:    map[string]providers.ActivityProvider{"github.com": &fakeForge{rt: rt, openSpans: 4}},
		Advisories: fakeAdvisories{},
		Docs:       fakeDocs{},
		Codebase:   codebase,
	}

	cfg := evalConfig(
		"community.repo_stars > 10",
		"activity.commits_last_90_days > 0",
		"documentation.public_api_coverage_percentage > 50",
		"code.transitive_dependencies < 10",
	)
	cfg.HighRiskIfAny = []models.Expression{{Name: "yanked", Expression: "stability.yanked"}}

	analyzer := NewAnalyzer(registry, newClassifier(t, cfg), Options{Now: func() time.Time { return testNow }})

	pkg, err := models.ParsePackageIdentity("widget")
	require.NoError(t, err)
	transitive := int64(3)

	set, err := analyzer.Appraise(context.Background(), []Target{{Package: pkg, Transitive: &transitive}})
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())
	entry := set.Entries[0]

	assert.Equal(t, "widget@1.4.0", entry.Package.String())
	assert.Equal(t, "widget@1.4.0", codebase.seen.Load())

	expected := map[models.Category]map[string]any{
		models.CategoryMetadata: {
			"name":       "widget",
			"version":    "1.4.0",
			"license":    "MIT",
			"repository": "https://github.com/acme/widget",
		},
		models.CategoryCommunity: {
			"repo_stars":        int64(42),
			"repo_contributors": int64(4),
		},
		models.CategoryActivity: {
			"open_issues":                      int64(4),
			"closed_pull_requests":             int64(1),
			"open_pull_requests":               int64(0),
			"p50_open_issue_age_days":          uint64(2),
			"p95_open_issue_age_days":          uint64(4),
			"avg_open_issue_age_days":          2.5,
			"avg_closed_pull_request_age_days": 8.0,
			"p50_closed_pull_request_age_days": uint64(8),
			"commit_count":                     int64(2),
			"commits_last_90_days":             int64(1),
			"commits_last_365_days":            int64(2),
			"last_commit_at":                   models.FormatTime(daysAgo(testNow, 2)),
		},
		models.CategoryAdvisories: {
			"total_high_severity_vulnerabilities":   int64(1),
			"total_unmaintained_warnings":           int64(1),
			"version_high_severity_vulnerabilities": int64(0),
		},
		models.CategoryCode: {
			"code_lines":              int64(120),
			"transitive_dependencies": int64(3),
		},
		models.CategoryTrust: {
			"unsafe_blocks": int64(1),
			"clippy_usage":  true,
		},
		models.CategoryDocumentation: {
			"standalone_examples": int64(2),
		},
	}
	for category, fields := range expected {
		for field, value := range fields {
			got, ok := entry.Metrics.Get(category, field)
			if assert.True(t, ok, "%s.%s", category, field) {
				assert.Equal(t, value, got, "%s.%s", category, field)
			}
		}
	}

	_, ok := entry.Metrics.Get(models.CategoryActivity, "avg_open_pull_request_age_days")
	assert.False(t, ok)
	_, ok = entry.Metrics.Get(models.CategoryDocumentation, "public_api_coverage_percentage")
	assert.False(t, ok)
	assert.Equal(t, map[string]string{"docsrs": "unsupported"}, entry.Metrics.Unavailable)

	require.NotNil(t, entry.Score)
	assert.Equal(t, 3.0, entry.Score.Granted)
	assert.Equal(t, 4.0, entry.Score.Total)
	assert.Equal(t, models.TierLow, entry.Score.Tier)
	assert.Empty(t, entry.Score.HighRiskTriggers())
	assert.Equal(t, models.OutcomeError, entry.Score.Outcomes[3].Result)
}

func TestAppraiseAnnotatesMissingData(t *testing.T) {
	rt := newRuntime(t)
	registry := &providers.Registry{
		Metadata:   widgetMetadata(rt),
		Hosting:    map[string]providers.ActivityProvider{"github.com": &fakeForge{rt: rt}},
		Advisories: fakeAdvisories{},
		Codebase:   &fakeCodebase{},
	}
	analyzer := NewAnalyzer(registry, nil, Options{MaxPackages: 3, Now: func() time.Time { return testNow }})

	var targets []Target
	for _, name := range []string{"missing", "lonely", "elsewhere"} {
		pkg, err := models.ParsePackageIdentity(name)
		require.NoError(t, err)
		targets = append(targets, Target{Package: pkg})
	}

	set, err := analyzer.Appraise(context.Background(), targets)
	require.NoError(t, err)
	require.Equal(t, 3, set.Len())

	assert.Equal(t, "missing", set.Entries[0].Package.String())
	assert.Equal(t, "not_found", set.Entries[0].Metrics.Unavailable["crates"])
	assert.NotContains(t, set.Entries[0].Metrics.Unavailable, "hosting")

	assert.Equal(t, "lonely@0.1.0", set.Entries[1].Package.String())
	assert.Equal(t, noRepository, set.Entries[1].Metrics.Unavailable["hosting"])
	_, ok := set.Entries[1].Metrics.Get(models.CategoryCode, "code_lines")
	assert.False(t, ok)

	assert.Equal(t, "unsupported host codeberg.org", set.Entries[2].Metrics.Unavailable["hosting"])
	_, ok = set.Entries[2].Metrics.Get(models.CategoryCode, "code_lines")
	assert.True(t, ok)

	for _, e := range set.Entries {
		assert.Nil(t, e.Score)
	}
}

func TestAppraiseCancelled(t *testing.T) {
	rt := newRuntime(t)
	registry := &providers.Registry{Metadata: widgetMetadata(rt)}
	analyzer := NewAnalyzer(registry, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pkg, err := models.ParsePackageIdentity("widget")
	require.NoError(t, err)

	set, err := analyzer.Appraise(ctx, Targets(pkg, pkg))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, set.Len())
}
