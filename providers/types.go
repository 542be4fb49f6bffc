package providers

import "time"

// RegistryData is what the package registry knows about one crate version.
type RegistryData struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Description   string   `json:"description,omitempty"`
	License       string   `json:"license,omitempty"`
	Categories    []string `json:"categories,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`
	Features      []string `json:"features,omitempty"`
	Repository    string   `json:"repository,omitempty"`
	Homepage      string   `json:"homepage,omitempty"`
	Documentation string   `json:"documentation,omitempty"`
	MinimumRust   string   `json:"minimum_rust,omitempty"`
	RustEdition   string   `json:"rust_edition,omitempty"`
	Owners        *int64   `json:"owners,omitempty"`

	TotalDownloads         int64  `json:"total_downloads"`
	RecentDownloads        *int64 `json:"recent_downloads,omitempty"`
	VersionDownloads       int64  `json:"version_downloads"`
	VersionRecentDownloads *int64 `json:"version_recent_downloads,omitempty"`
	DependentCrates        *int64 `json:"dependent_crates,omitempty"`

	CrateCreatedAt     time.Time `json:"crate_created_at"`
	CrateUpdatedAt     time.Time `json:"crate_updated_at"`
	VersionCreatedAt   time.Time `json:"version_created_at"`
	VersionUpdatedAt   time.Time `json:"version_updated_at"`
	Yanked             bool      `json:"yanked"`
	VersionCount       int64     `json:"version_count"`
	VersionsLast90Days int64     `json:"versions_last_90_days"`
}

// Span is the lifetime of an issue or pull request. ClosedAt is nil while open.
type Span struct {
	CreatedAt time.Time  `json:"c"`
	ClosedAt  *time.Time `json:"r,omitempty"`
}

// HostingData is what a forge reports about a repository. Issue and pull
// request counts are filled when the forge reports totals; otherwise they are
// derived from the spans. IncludesClosed is set when the listing returned
// closed items as well as open ones.
type HostingData struct {
	Stars              *int64 `json:"stars,omitempty"`
	Forks              *int64 `json:"forks,omitempty"`
	Subscribers        *int64 `json:"subscribers,omitempty"`
	Contributors       *int64 `json:"contributors,omitempty"`
	DefaultBranch      string `json:"default_branch,omitempty"`
	OpenIssues         *int64 `json:"open_issues,omitempty"`
	ClosedIssues       *int64 `json:"closed_issues,omitempty"`
	OpenPullRequests   *int64 `json:"open_pull_requests,omitempty"`
	ClosedPullRequests *int64 `json:"closed_pull_requests,omitempty"`
	IncludesClosed     bool   `json:"includes_closed,omitempty"`
	Issues             []Span `json:"issues"`
	PullRequests       []Span `json:"pull_requests"`
}

type AdvisoryCounts struct {
	Low          int64 `json:"low"`
	Medium       int64 `json:"medium"`
	High         int64 `json:"high"`
	Critical     int64 `json:"critical"`
	Notice       int64 `json:"notice"`
	Unmaintained int64 `json:"unmaintained"`
	Unsound      int64 `json:"unsound"`
}

// AdvisoryData counts advisories for the crate as a whole and for the selected version.
type AdvisoryData struct {
	Total   AdvisoryCounts  `json:"total"`
	Version *AdvisoryCounts `json:"version,omitempty"`
}

type DocsData struct {
	PublicItems       int64   `json:"public_items"`
	UndocumentedItems int64   `json:"undocumented_items"`
	CoveragePercent   float64 `json:"coverage_percent"`
	CrateLevelDocs    bool    `json:"crate_level_docs"`
	BrokenLinks       int64   `json:"broken_links"`
	ExamplesInDocs    int64   `json:"examples_in_docs"`
}

type CoverageData struct {
	Percentage float64 `json:"percentage"`
}

// CodebaseData summarizes a local checkout. CommitTimes holds the unix time of
// every commit reachable from HEAD.
type CodebaseData struct {
	SourceFiles  int64   `json:"source_files"`
	CodeLines    int64   `json:"code_lines"`
	TestLines    int64   `json:"test_lines"`
	CommentLines int64   `json:"comment_lines"`
	UnsafeBlocks int64   `json:"unsafe_blocks"`
	Examples     int64   `json:"examples"`
	CIWorkflows  int64   `json:"ci_workflows"`
	MiriUsage    bool    `json:"miri_usage"`
	ClippyUsage  bool    `json:"clippy_usage"`
	CommitTimes  []int64 `json:"commit_times"`
	Contributors int64   `json:"contributors"`
}
