// Package osv counts RustSec advisories for a crate through the OSV query API.
package osv

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/quay/claircore/toolkit/types/cvss"
	"github.com/rs/zerolog/log"

	"github.com/geeknoid/cargo-rank/cache"
	"github.com/geeknoid/cargo-rank/models"
	"github.com/geeknoid/cargo-rank/providers"
	"github.com/geeknoid/cargo-rank/providers/httpx"
)

const (
	DefaultBaseURL = "https://api.osv.dev/v1"
	Ecosystem      = "crates.io"
)

// maxPages bounds page_token following; OSV pages hold up to 1000 entries.
const maxPages = 20

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
	return providers.ServiceOSV
}

func (c *Client) FetchAdvisories(ctx context.Context, id models.PackageIdentity) providers.Outcome[providers.AdvisoryData] {
	key := cache.Key{Service: string(providers.ServiceOSV), Resource: id.Name(), Version: id.Version()}
	return providers.Fetch(ctx, c.rt, key, c.rt.TTL(providers.ServiceOSV), func(ctx context.Context) (providers.AdvisoryData, error) {
		return c.fetch(ctx, id)
	})
}

func (c *Client) fetch(ctx context.Context, id models.PackageIdentity) (providers.AdvisoryData, error) {
	all, err := c.query(ctx, id.Name(), "")
	if err != nil {
		return providers.AdvisoryData{}, err
	}

	data := providers.AdvisoryData{Total: tally(all)}
	if id.HasVersion() {
		affecting, err := c.query(ctx, id.Name(), id.Version())
		if err != nil {
			return providers.AdvisoryData{}, err
		}
		counts := tally(affecting)
		data.Version = &counts
	}
	return data, nil
}

type queryRequest struct {
	Package   queryPackage `json:"package"`
	Version   string       `json:"version,omitempty"`
	PageToken string       `json:"page_token,omitempty"`
}

type queryPackage struct {
	Name      string `json:"name"`
	Ecosystem string `json:"ecosystem"`
}

type queryResponse struct {
	Vulns         []advisory `json:"vulns"`
	NextPageToken string     `json:"next_page_token"`
}

// query returns every advisory for the crate, or only those affecting
// version when it is set.
func (c *Client) query(ctx context.Context, name, version string) ([]advisory, error) {
	req := queryRequest{
		Package: queryPackage{Name: name, Ecosystem: Ecosystem},
		Version: version,
	}

	var out []advisory
	for range maxPages {
		var resp queryResponse
		err := c.rt.Call(ctx, providers.ServiceOSV, "query "+name+"@"+version, func(ctx context.Context) error {
			return c.http.PostJSON(ctx, c.baseURL+"/query", req, &resp)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, resp.Vulns...)
		if resp.NextPageToken == "" {
			return out, nil
		}
		req.PageToken = resp.NextPageToken
	}

	log.Debug().Str("crate", name).Msg("advisory listing truncated")
	return out, nil
}

type advisory struct {
	ID        string          `json:"id"`
	Withdrawn string          `json:"withdrawn"`
	Severity  []severity      `json:"severity"`
	Affected  []affected      `json:"affected"`
	Database  json.RawMessage `json:"database_specific"`
}

type severity struct {
	Type  string `json:"type"`
	Score string `json:"score"`
}

type affected struct {
	Database json.RawMessage `json:"database_specific"`
}

type rustsecDatabase struct {
	Informational string `json:"informational"`
	CVSS          string `json:"cvss"`
}

// tally sorts advisories into warning and severity buckets. Informational
// advisories only count as warnings; others count by CVSS rating and are
// skipped when no vector is present.
func tally(advisories []advisory) providers.AdvisoryCounts {
	var counts providers.AdvisoryCounts
	seen := make(map[string]struct{}, len(advisories))
	for _, a := range advisories {
		if a.Withdrawn != "" {
			continue
		}
		if _, dup := seen[a.ID]; dup {
			continue
		}
		seen[a.ID] = struct{}{}

		db := a.rustsec()
		switch strings.ToLower(db.Informational) {
		case "notice":
			counts.Notice++
			continue
		case "unmaintained":
			counts.Unmaintained++
			continue
		case "unsound":
			counts.Unsound++
			continue
		case "":
		default:
			continue
		}

		switch a.qualitative(db) {
		case cvss.Low:
			counts.Low++
		case cvss.Medium:
			counts.Medium++
		case cvss.High:
			counts.High++
		case cvss.Critical:
			counts.Critical++
		}
	}
	return counts
}

// rustsec merges the RustSec fields from the top-level and per-package
// database_specific objects.
func (a advisory) rustsec() rustsecDatabase {
	var db rustsecDatabase
	_ = json.Unmarshal(a.Database, &db)
	for _, aff := range a.Affected {
		var inner rustsecDatabase
		if err := json.Unmarshal(aff.Database, &inner); err != nil {
			continue
		}
		if db.Informational == "" {
			db.Informational = inner.Informational
		}
		if db.CVSS == "" {
			db.CVSS = inner.CVSS
		}
	}
	return db
}

// qualitative rates the advisory by its strongest vector. Zero means unrated.
func (a advisory) qualitative(db rustsecDatabase) cvss.Qualitative {
	vectors := make([]string, 0, len(a.Severity)+1)
	for _, s := range a.Severity {
		vectors = append(vectors, s.Score)
	}
	if db.CVSS != "" {
		vectors = append(vectors, db.CVSS)
	}

	var best cvss.Qualitative
	for _, vec := range vectors {
		var q cvss.Qualitative
		switch {
		case strings.HasPrefix(vec, "CVSS:4"):
			v, err := cvss.ParseV4(vec)
			if err != nil {
				log.Debug().Err(err).Str("advisory", a.ID).Msg("unparseable cvss vector")
				continue
			}
			q = cvss.QualitativeScore[cvss.V4Metric](&v)
		case strings.HasPrefix(vec, "CVSS:3"):
			v, err := cvss.ParseV3(vec)
			if err != nil {
				log.Debug().Err(err).Str("advisory", a.ID).Msg("unparseable cvss vector")
				continue
			}
			q = cvss.QualitativeScore[cvss.V3Metric](&v)
		default:
			continue
		}
		if q > best {
			best = q
		}
	}
	return best
}
