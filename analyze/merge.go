package analyze

import (
	"time"

	"github.com/geeknoid/cargo-rank/models"
	"github.com/geeknoid/cargo-rank/providers"
)

const (
	unavailableHosting = "hosting"
	noRepository       = "no repository url"
	notAttempted       = "not attempted"
)

// merge folds the outcomes into the record in a fixed order so that the
// output does not depend on which task finished first.
func (a *Analyzer) merge(record *models.MetricsRecord, f *fetched, target Target) {
	now := a.opts.Now()
	reg := a.registry

	if reg.Metadata != nil {
		if d, ok := found(record, providers.ServiceCrates, f.metadata); ok {
			mergeMetadata(record, d)
		}
	}

	switch {
	case f.repo == nil:
		if reg.Metadata != nil && f.metadata != nil && f.metadata.Found() {
			record.MarkUnavailable(unavailableHosting, noRepository)
		}
	case f.hostingService == "":
		record.MarkUnavailable(unavailableHosting, "unsupported host "+f.repo.Host)
	default:
		if d, ok := found(record, f.hostingService, f.hosting); ok {
			mergeHosting(record, d, now)
		}
	}

	if reg.Advisories != nil {
		if d, ok := found(record, reg.Advisories.Service(), f.advisories); ok {
			mergeAdvisories(record, d)
		}
	}

	if reg.Docs != nil {
		if d, ok := found(record, reg.Docs.Service(), f.docs); ok {
			mergeDocs(record, d)
		}
	}

	if reg.Coverage != nil && f.repo != nil {
		if d, ok := found(record, reg.Coverage.Service(), f.coverage); ok {
			record.Set(models.CategoryTrust, "code_coverage_percentage", d.Percentage)
		}
	}

	if reg.Codebase != nil && f.repo != nil {
		if d, ok := found(record, reg.Codebase.Service(), f.codebase); ok {
			mergeCodebase(record, d, now)
		}
	}

	record.Set(models.CategoryCode, "transitive_dependencies", target.Transitive)
}

// found reports whether an outcome carries a value, annotating the record
// with the reason when it does not.
func found[T any](record *models.MetricsRecord, service providers.Service, o *providers.Outcome[T]) (T, bool) {
	var zero T
	if o == nil {
		record.MarkUnavailable(service.String(), notAttempted)
		return zero, false
	}
	if !o.Found() {
		record.MarkUnavailable(service.String(), o.Describe())
		return zero, false
	}
	return o.Value, true
}

func mergeMetadata(record *models.MetricsRecord, d providers.RegistryData) {
	setString(record, models.CategoryMetadata, "name", d.Name)
	setString(record, models.CategoryMetadata, "version", d.Version)
	setString(record, models.CategoryMetadata, "description", d.Description)
	setString(record, models.CategoryMetadata, "license", d.License)
	setList(record, models.CategoryMetadata, "categories", d.Categories)
	setList(record, models.CategoryMetadata, "keywords", d.Keywords)
	setList(record, models.CategoryMetadata, "features", d.Features)
	setString(record, models.CategoryMetadata, "repository", d.Repository)
	setString(record, models.CategoryMetadata, "homepage", d.Homepage)
	setString(record, models.CategoryMetadata, "documentation", d.Documentation)
	setString(record, models.CategoryMetadata, "minimum_rust", d.MinimumRust)
	setString(record, models.CategoryMetadata, "rust_edition", d.RustEdition)
	record.Set(models.CategoryMetadata, "owners", d.Owners)

	record.Set(models.CategoryUsage, "total_downloads", d.TotalDownloads)
	record.Set(models.CategoryUsage, "total_downloads_last_90_days", d.RecentDownloads)
	record.Set(models.CategoryUsage, "version_downloads", d.VersionDownloads)
	record.Set(models.CategoryUsage, "version_downloads_last_90_days", d.VersionRecentDownloads)
	record.Set(models.CategoryUsage, "dependent_crates", d.DependentCrates)

	setTime(record, models.CategoryStability, "crate_created_at", d.CrateCreatedAt)
	setTime(record, models.CategoryStability, "crate_updated_at", d.CrateUpdatedAt)
	setTime(record, models.CategoryStability, "version_created_at", d.VersionCreatedAt)
	setTime(record, models.CategoryStability, "version_updated_at", d.VersionUpdatedAt)
	record.Set(models.CategoryStability, "yanked", d.Yanked)
	record.Set(models.CategoryStability, "versions_last_90_days", d.VersionsLast90Days)
	record.Set(models.CategoryStability, "version_count", d.VersionCount)
}

func mergeHosting(record *models.MetricsRecord, d providers.HostingData, now time.Time) {
	record.Set(models.CategoryCommunity, "repo_stars", d.Stars)
	record.Set(models.CategoryCommunity, "repo_forks", d.Forks)
	record.Set(models.CategoryCommunity, "repo_subscribers", d.Subscribers)
	record.Set(models.CategoryCommunity, "repo_contributors", d.Contributors)

	setSpanStats(record, "issue", "issues", computeSpanStats(d.Issues, now), d.OpenIssues, d.ClosedIssues, d.IncludesClosed)
	setSpanStats(record, "pull_request", "pull_requests", computeSpanStats(d.PullRequests, now), d.OpenPullRequests, d.ClosedPullRequests, d.IncludesClosed)
}

// setSpanStats writes the activity fields of one span kind. Counts reported
// by the forge win over counts derived from the listed spans, which may be
// truncated. A closed count is only derived when the listing carried closed
// items; otherwise it stays unknown.
func setSpanStats(record *models.MetricsRecord, singular, plural string, stats SpanStats, open, closed *int64, includesClosed bool) {
	if open == nil {
		open = &stats.Open
	}
	if closed == nil && includesClosed {
		closed = &stats.Closed
	}
	record.Set(models.CategoryActivity, "open_"+plural, open)
	record.Set(models.CategoryActivity, "closed_"+plural, closed)
	setAgeStats(record, "open_"+singular, stats.OpenAge)
	setAgeStats(record, "closed_"+singular, stats.ClosedAge)
}

func setAgeStats(record *models.MetricsRecord, prefix string, stats AgeStats) {
	record.Set(models.CategoryActivity, "avg_"+prefix+"_age_days", stats.Avg)
	record.Set(models.CategoryActivity, "p50_"+prefix+"_age_days", stats.P50)
	record.Set(models.CategoryActivity, "p75_"+prefix+"_age_days", stats.P75)
	record.Set(models.CategoryActivity, "p90_"+prefix+"_age_days", stats.P90)
	record.Set(models.CategoryActivity, "p95_"+prefix+"_age_days", stats.P95)
}

func mergeAdvisories(record *models.MetricsRecord, d providers.AdvisoryData) {
	setAdvisoryCounts(record, "total_", d.Total)
	if d.Version != nil {
		setAdvisoryCounts(record, "version_", *d.Version)
	}
}

func setAdvisoryCounts(record *models.MetricsRecord, prefix string, c providers.AdvisoryCounts) {
	record.Set(models.CategoryAdvisories, prefix+"low_severity_vulnerabilities", c.Low)
	record.Set(models.CategoryAdvisories, prefix+"medium_severity_vulnerabilities", c.Medium)
	record.Set(models.CategoryAdvisories, prefix+"high_severity_vulnerabilities", c.High)
	record.Set(models.CategoryAdvisories, prefix+"critical_severity_vulnerabilities", c.Critical)
	record.Set(models.CategoryAdvisories, prefix+"notice_warnings", c.Notice)
	record.Set(models.CategoryAdvisories, prefix+"unmaintained_warnings", c.Unmaintained)
	record.Set(models.CategoryAdvisories, prefix+"unsound_warnings", c.Unsound)
}

func mergeDocs(record *models.MetricsRecord, d providers.DocsData) {
	record.Set(models.CategoryDocumentation, "public_api_elements", d.PublicItems)
	record.Set(models.CategoryDocumentation, "undocumented_public_api_elements", d.UndocumentedItems)
	record.Set(models.CategoryDocumentation, "public_api_coverage_percentage", d.CoveragePercent)
	record.Set(models.CategoryDocumentation, "crate_level_docs_present", d.CrateLevelDocs)
	record.Set(models.CategoryDocumentation, "broken_links", d.BrokenLinks)
	record.Set(models.CategoryDocumentation, "examples_in_docs", d.ExamplesInDocs)
}

func mergeCodebase(record *models.MetricsRecord, d providers.CodebaseData, now time.Time) {
	record.Set(models.CategoryCode, "source_files", d.SourceFiles)
	record.Set(models.CategoryCode, "code_lines", d.CodeLines)
	record.Set(models.CategoryCode, "test_lines", d.TestLines)
	record.Set(models.CategoryCode, "comment_lines", d.CommentLines)

	record.Set(models.CategoryTrust, "unsafe_blocks", d.UnsafeBlocks)
	record.Set(models.CategoryTrust, "ci_workflows", d.CIWorkflows)
	record.Set(models.CategoryTrust, "miri_usage", d.MiriUsage)
	record.Set(models.CategoryTrust, "clippy_usage", d.ClippyUsage)

	record.Set(models.CategoryDocumentation, "standalone_examples", d.Examples)

	commits := computeCommitStats(d.CommitTimes, now)
	record.Set(models.CategoryActivity, "commit_count", commits.Count)
	record.Set(models.CategoryActivity, "commits_last_90_days", commits.Last90Days)
	record.Set(models.CategoryActivity, "commits_last_365_days", commits.Last365Days)
	record.Set(models.CategoryActivity, "last_commit_at", commits.LastCommitAt)

	// The forge's count is authoritative; the history only fills in for it.
	if _, ok := record.Get(models.CategoryCommunity, "repo_contributors"); !ok && d.Contributors > 0 {
		record.Set(models.CategoryCommunity, "repo_contributors", d.Contributors)
	}
}

func setString(record *models.MetricsRecord, category models.Category, field, value string) {
	if value != "" {
		record.Set(category, field, value)
	}
}

func setList(record *models.MetricsRecord, category models.Category, field string, values []string) {
	if values != nil {
		record.Set(category, field, values)
	}
}

func setTime(record *models.MetricsRecord, category models.Category, field string, t time.Time) {
	if !t.IsZero() {
		record.Set(category, field, t)
	}
}
