package providers

import (
	"context"

	"github.com/geeknoid/cargo-rank/models"
)

// Service identifies one external data source.
type Service string

const (
	ServiceCrates  Service = "crates"
	ServiceGitHub  Service = "github"
	ServiceGitLab  Service = "gitlab"
	ServiceOSV     Service = "osv"
	ServiceDocsRs  Service = "docsrs"
	ServiceCodecov Service = "codecov"
	ServiceGitops  Service = "gitops"
)

// AllServices lists every service in merge order.
var AllServices = []Service{
	ServiceCrates,
	ServiceGitHub,
	ServiceGitLab,
	ServiceOSV,
	ServiceDocsRs,
	ServiceCodecov,
	ServiceGitops,
}

func (s Service) String() string {
	return string(s)
}

// MetadataProvider resolves a package against the registry.
type MetadataProvider interface {
	Service() Service
	FetchMetadata(ctx context.Context, pkg models.PackageIdentity) Outcome[RegistryData]
}

// ActivityProvider reads repository counters and issue history from a forge.
type ActivityProvider interface {
	Service() Service
	FetchActivity(ctx context.Context, repo models.Repository) Outcome[HostingData]
}

type AdvisoryProvider interface {
	Service() Service
	FetchAdvisories(ctx context.Context, pkg models.PackageIdentity) Outcome[AdvisoryData]
}

type DocsProvider interface {
	Service() Service
	FetchDocs(ctx context.Context, pkg models.PackageIdentity) Outcome[DocsData]
}

type CoverageProvider interface {
	Service() Service
	FetchCoverage(ctx context.Context, repo models.Repository) Outcome[CoverageData]
}

// CodebaseProvider inspects the crate's sources in a local checkout of repo.
type CodebaseProvider interface {
	Service() Service
	FetchCodebase(ctx context.Context, pkg models.PackageIdentity, repo models.Repository) Outcome[CodebaseData]
}

// Registry maps capabilities to the clients that serve them. Nil fields are
// capabilities that are not configured for this run.
type Registry struct {
	Metadata   MetadataProvider
	Hosting    map[string]ActivityProvider
	Advisories AdvisoryProvider
	Docs       DocsProvider
	Coverage   CoverageProvider
	Codebase   CodebaseProvider
}

// HostingFor returns the forge client serving repo's host.
func (r *Registry) HostingFor(repo models.Repository) (ActivityProvider, bool) {
	if r.Hosting == nil {
		return nil, false
	}
	p, ok := r.Hosting[repo.Host]
	return p, ok
}
