// Package analyze appraises crates: it fans out to every provider, merges
// what comes back into one metrics record per crate and scores the record.
package analyze

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/geeknoid/cargo-rank/models"
	"github.com/geeknoid/cargo-rank/providers"
	"github.com/geeknoid/cargo-rank/results"
	"github.com/geeknoid/cargo-rank/risk"
)

var (
	appraisalDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "cargo_rank",
			Subsystem: "analyze",
			Name:      "appraisal_duration_seconds",
			Help:      "Time spent appraising one crate, fetches included.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)
	tierCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cargo_rank",
			Subsystem: "analyze",
			Name:      "crates_total",
			Help:      "Appraised crates by risk tier.",
		},
		[]string{"tier"},
	)
	unavailableCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cargo_rank",
			Subsystem: "analyze",
			Name:      "unavailable_total",
			Help:      "Services that contributed nothing to a crate's record.",
		},
		[]string{"service"},
	)
)

// Formatter renders an appraised set.
type Formatter interface {
	Format(ctx context.Context, set *results.Set) error
}

// Target is one crate to appraise. Transitive is set when the crate came from
// a dependency graph.
type Target struct {
	Package    models.PackageIdentity
	Transitive *int64
}

func Targets(pkgs ...models.PackageIdentity) []Target {
	targets := make([]Target, 0, len(pkgs))
	for _, pkg := range pkgs {
		targets = append(targets, Target{Package: pkg})
	}
	return targets
}

type Options struct {
	// MaxPackages bounds how many crates are in flight at once.
	MaxPackages int
	// Progress receives the progress bar. Nil hides it.
	Progress io.Writer
	Now      func() time.Time
}

type Analyzer struct {
	registry   *providers.Registry
	classifier *risk.Classifier
	opts       Options
}

// NewAnalyzer builds an analyzer. A nil classifier leaves entries unscored.
func NewAnalyzer(registry *providers.Registry, classifier *risk.Classifier, opts Options) *Analyzer {
	if opts.MaxPackages < 1 {
		opts.MaxPackages = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Analyzer{
		registry:   registry,
		classifier: classifier,
		opts:       opts,
	}
}

// Appraise runs every target through the providers and the classifier. On
// cancellation it returns the entries finished so far alongside the error.
func (a *Analyzer) Appraise(ctx context.Context, targets []Target) (*results.Set, error) {
	set := results.NewSet(a.opts.Now())
	entries := make([]*results.Entry, len(targets))

	bar := a.newProgressBar(len(targets))
	defer func() { _ = bar.Finish() }()

	sem := semaphore.NewWeighted(int64(a.opts.MaxPackages))
	var g errgroup.Group

	var acquireErr error
	for i, target := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			acquireErr = fmt.Errorf("failed to acquire semaphore: %w", err)
			break
		}

		g.Go(func() error {
			defer sem.Release(1)
			entry := a.appraise(ctx, target)
			if ctx.Err() == nil {
				entries[i] = &entry
			}
			_ = bar.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	for _, e := range entries {
		if e != nil {
			set.Add(*e)
		}
	}

	if acquireErr != nil {
		return set, acquireErr
	}
	return set, ctx.Err()
}

func (a *Analyzer) newProgressBar(n int) *progressbar.ProgressBar {
	w := a.opts.Progress
	if w == nil {
		w = io.Discard
	}
	return progressbar.NewOptions(
		n,
		progressbar.OptionSetDescription("Appraising crates"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetVisibility(a.opts.Progress != nil),
		progressbar.OptionClearOnFinish(),
	)
}

// fetched holds the terminal outcome of every provider task of one crate.
// Each task writes only its own field.
type fetched struct {
	pkg      models.PackageIdentity
	repo     *models.Repository
	metadata *providers.Outcome[providers.RegistryData]

	hostingService providers.Service
	hosting        *providers.Outcome[providers.HostingData]
	advisories     *providers.Outcome[providers.AdvisoryData]
	docs           *providers.Outcome[providers.DocsData]
	coverage       *providers.Outcome[providers.CoverageData]
	codebase       *providers.Outcome[providers.CodebaseData]
}

func (a *Analyzer) appraise(ctx context.Context, target Target) results.Entry {
	start := time.Now()
	defer func() { appraisalDuration.Observe(time.Since(start).Seconds()) }()

	logger := log.With().Str("crate", target.Package.String()).Logger()
	logger.Debug().Msg("appraising")

	f := a.fetch(ctx, target.Package)
	record := models.NewMetricsRecord(f.pkg)
	a.merge(record, f, target)

	for service := range record.Unavailable {
		unavailableCounter.WithLabelValues(service).Inc()
	}

	entry := results.Entry{Package: f.pkg, Metrics: record}
	if a.classifier != nil {
		score := a.classifier.Classify(ctx, record.Namespace(a.opts.Now()))
		entry.Score = &score
		tierCounter.WithLabelValues(string(score.Tier)).Inc()
		logger.Debug().Str("tier", string(score.Tier)).Float64("percentage", score.Percentage).Msg("appraised")
	}
	return entry
}

// fetch runs one task per provider. Every task but the metadata one waits
// for the metadata task, which resolves the version and the repository. The
// wait stays inside this crate's group, so other crates are never held up.
func (a *Analyzer) fetch(ctx context.Context, pkg models.PackageIdentity) *fetched {
	f := &fetched{pkg: pkg}
	reg := a.registry
	metadataDone := make(chan struct{})

	var g errgroup.Group
	g.Go(func() error {
		defer close(metadataDone)
		if reg.Metadata == nil {
			return nil
		}
		outcome := reg.Metadata.FetchMetadata(ctx, pkg)
		f.metadata = &outcome
		if !outcome.Found() {
			return nil
		}

		if outcome.Value.Version != "" && !pkg.HasVersion() {
			f.pkg = pkg.WithVersion(outcome.Value.Version)
		}
		if outcome.Value.Repository != "" {
			repo, err := models.ParseRepositoryURL(outcome.Value.Repository)
			if err != nil {
				log.Debug().Err(err).Str("crate", pkg.String()).Msg("ignoring repository url")
			} else {
				f.repo = &repo
			}
		}
		return nil
	})

	afterMetadata := func(fn func()) {
		g.Go(func() error {
			select {
			case <-metadataDone:
			case <-ctx.Done():
				return nil
			}
			fn()
			return nil
		})
	}

	if reg.Advisories != nil {
		afterMetadata(func() {
			o := reg.Advisories.FetchAdvisories(ctx, f.pkg)
			f.advisories = &o
		})
	}
	if reg.Docs != nil {
		afterMetadata(func() {
			o := reg.Docs.FetchDocs(ctx, f.pkg)
			f.docs = &o
		})
	}
	afterMetadata(func() {
		if f.repo == nil {
			return
		}
		hosting, ok := reg.HostingFor(*f.repo)
		if !ok {
			return
		}
		f.hostingService = hosting.Service()
		o := hosting.FetchActivity(ctx, *f.repo)
		f.hosting = &o
	})
	if reg.Coverage != nil {
		afterMetadata(func() {
			if f.repo == nil {
				return
			}
			o := reg.Coverage.FetchCoverage(ctx, *f.repo)
			f.coverage = &o
		})
	}
	if reg.Codebase != nil {
		afterMetadata(func() {
			if f.repo == nil {
				return
			}
			o := reg.Codebase.FetchCodebase(ctx, f.pkg, *f.repo)
			f.codebase = &o
		})
	}

	_ = g.Wait()
	return f
}
