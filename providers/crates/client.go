package crates

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/rs/zerolog/log"

	"github.com/geeknoid/cargo-rank/cache"
	"github.com/geeknoid/cargo-rank/models"
	"github.com/geeknoid/cargo-rank/providers"
	"github.com/geeknoid/cargo-rank/providers/httpx"
	"github.com/geeknoid/cargo-rank/retry"
)

const DefaultBaseURL = "https://crates.io/api/v1"

const recentWindow = 90 * 24 * time.Hour

// Client reads crate metadata from the crates.io API.
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
	return providers.ServiceCrates
}

func (c *Client) FetchMetadata(ctx context.Context, pkg models.PackageIdentity) providers.Outcome[providers.RegistryData] {
	key := cache.Key{Service: string(providers.ServiceCrates), Resource: pkg.Name(), Version: pkg.Version()}
	return providers.Fetch(ctx, c.rt, key, c.rt.TTL(providers.ServiceCrates), func(ctx context.Context) (providers.RegistryData, error) {
		return c.fetch(ctx, pkg)
	})
}

type crateResponse struct {
	Crate struct {
		Name             string    `json:"name"`
		Description      string    `json:"description"`
		Homepage         string    `json:"homepage"`
		Documentation    string    `json:"documentation"`
		Repository       string    `json:"repository"`
		Downloads        int64     `json:"downloads"`
		RecentDownloads  *int64    `json:"recent_downloads"`
		CreatedAt        time.Time `json:"created_at"`
		UpdatedAt        time.Time `json:"updated_at"`
		MaxStableVersion string    `json:"max_stable_version"`
		MaxVersion       string    `json:"max_version"`
	} `json:"crate"`
	Versions []versionInfo `json:"versions"`
	Keywords []struct {
		Keyword string `json:"keyword"`
	} `json:"keywords"`
	Categories []struct {
		Category string `json:"category"`
	} `json:"categories"`
}

type versionInfo struct {
	ID          int64               `json:"id"`
	Num         string              `json:"num"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	Downloads   int64               `json:"downloads"`
	Yanked      bool                `json:"yanked"`
	License     string              `json:"license"`
	Features    map[string][]string `json:"features"`
	RustVersion string              `json:"rust_version"`
	Edition     string              `json:"edition"`
}

type reverseDependenciesResponse struct {
	Meta struct {
		Total int64 `json:"total"`
	} `json:"meta"`
}

type ownersResponse struct {
	Users []struct {
		Login string `json:"login"`
	} `json:"users"`
}

type downloadsResponse struct {
	VersionDownloads []struct {
		Version   int64  `json:"version"`
		Downloads int64  `json:"downloads"`
		Date      string `json:"date"`
	} `json:"version_downloads"`
}

func (c *Client) fetch(ctx context.Context, pkg models.PackageIdentity) (providers.RegistryData, error) {
	name := url.PathEscape(pkg.Name())

	var crate crateResponse
	if err := c.get(ctx, "/crates/"+name, &crate); err != nil {
		return providers.RegistryData{}, err
	}

	selected, err := selectVersion(crate, pkg.Version())
	if err != nil {
		return providers.RegistryData{}, err
	}

	now := c.rt.Now()
	data := providers.RegistryData{
		Name:             crate.Crate.Name,
		Version:          selected.Num,
		Description:      crate.Crate.Description,
		License:          selected.License,
		Repository:       crate.Crate.Repository,
		Homepage:         crate.Crate.Homepage,
		Documentation:    crate.Crate.Documentation,
		MinimumRust:      selected.RustVersion,
		RustEdition:      selected.Edition,
		TotalDownloads:   crate.Crate.Downloads,
		RecentDownloads:  crate.Crate.RecentDownloads,
		VersionDownloads: selected.Downloads,
		CrateCreatedAt:   crate.Crate.CreatedAt,
		CrateUpdatedAt:   crate.Crate.UpdatedAt,
		VersionCreatedAt: selected.CreatedAt,
		VersionUpdatedAt: selected.UpdatedAt,
		Yanked:           selected.Yanked,
		VersionCount:     int64(len(crate.Versions)),
	}
	for _, k := range crate.Keywords {
		data.Keywords = append(data.Keywords, k.Keyword)
	}
	for _, cat := range crate.Categories {
		data.Categories = append(data.Categories, cat.Category)
	}
	for feature := range selected.Features {
		data.Features = append(data.Features, feature)
	}
	sort.Strings(data.Features)
	for _, v := range crate.Versions {
		if now.Sub(v.CreatedAt) <= recentWindow {
			data.VersionsLast90Days++
		}
	}

	var rdeps reverseDependenciesResponse
	if found, err := c.optionalFound(ctx, "/crates/"+name+"/reverse_dependencies?per_page=1", &rdeps); err != nil {
		return providers.RegistryData{}, err
	} else if found {
		total := rdeps.Meta.Total
		data.DependentCrates = &total
	}

	var owners ownersResponse
	if found, err := c.optionalFound(ctx, "/crates/"+name+"/owners", &owners); err != nil {
		return providers.RegistryData{}, err
	} else if found {
		n := int64(len(owners.Users))
		data.Owners = &n
	}

	var downloads downloadsResponse
	if found, err := c.optionalFound(ctx, "/crates/"+name+"/downloads", &downloads); err != nil {
		return providers.RegistryData{}, err
	} else if found {
		var recent int64
		for _, d := range downloads.VersionDownloads {
			if d.Version != selected.ID {
				continue
			}
			day, err := time.Parse(time.DateOnly, d.Date)
			if err == nil && now.Sub(day) <= recentWindow {
				recent += d.Downloads
			}
		}
		data.VersionRecentDownloads = &recent
	}

	return data, nil
}

// selectVersion picks the requested version, or the highest stable one.
func selectVersion(crate crateResponse, requested string) (versionInfo, error) {
	if len(crate.Versions) == 0 {
		return versionInfo{}, retry.NotFound("crate %s has no published versions", crate.Crate.Name)
	}

	target := requested
	if target == "" {
		target = crate.Crate.MaxStableVersion
	}
	if target == "" {
		target = crate.Crate.MaxVersion
	}
	if target != "" {
		for _, v := range crate.Versions {
			if v.Num == target {
				return v, nil
			}
		}
		if requested != "" {
			return versionInfo{}, retry.NotFound("crate %s has no version %s", crate.Crate.Name, requested)
		}
	}

	return highestVersion(crate.Versions), nil
}

func highestVersion(versions []versionInfo) versionInfo {
	best := versions[0]
	var bestVer *version.Version
	for _, v := range versions {
		parsed, err := version.NewVersion(v.Num)
		if err != nil {
			continue
		}
		if bestVer == nil || parsed.GreaterThan(bestVer) {
			best, bestVer = v, parsed
		}
	}
	return best
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	return c.rt.Call(ctx, providers.ServiceCrates, path, func(ctx context.Context) error {
		return c.http.GetJSON(ctx, c.baseURL+path, v)
	})
}

// optionalFound fetches a secondary resource. Permanent failures report false
// and leave v untouched.
func (c *Client) optionalFound(ctx context.Context, path string, v any) (bool, error) {
	err := c.get(ctx, path, v)
	if err == nil {
		return true, nil
	}
	var perm *retry.PermanentError
	if errors.As(err, &perm) {
		log.Debug().Err(err).Str("path", path).Msg("optional crates.io resource unavailable")
		return false, nil
	}
	return false, fmt.Errorf("crates.io %s: %w", path, err)
}
