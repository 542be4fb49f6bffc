package codecov

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geeknoid/cargo-rank/cache"
	"github.com/geeknoid/cargo-rank/models"
	"github.com/geeknoid/cargo-rank/providers"
	"github.com/geeknoid/cargo-rank/retry"
	"github.com/geeknoid/cargo-rank/throttle"
)

const badge = `<svg xmlns="http://www.w3.org/2000/svg" width="112" height="20">
<g fill="#fff"><text x="31.5" y="14">codecov</text><text x="86" y="14">87.25%</text></g></svg>`

const unknownBadge = `<svg><g><text>codecov</text><text x="86" y="14">unknown</text></g></svg>`

func TestParseBadge(t *testing.T) {
	tests := []struct {
		name   string
		svg    string
		pct    float64
		reason cache.Reason
	}{
		{name: "fractional", svg: badge, pct: 87.25},
		{name: "integer", svg: `<text>100%</text>`, pct: 100},
		{name: "unknown", svg: unknownBadge, reason: cache.ReasonNotFound},
		{name: "garbage", svg: `<svg/>`, reason: cache.ReasonParseError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pct, err := ParseBadge([]byte(tt.svg))
			if tt.reason != "" {
				var perm *retry.PermanentError
				require.ErrorAs(t, err, &perm)
				assert.Equal(t, tt.reason, perm.Reason)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.pct, pct, 0.001)
		})
	}
}

func TestFetchCoverage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gh/acme/widget/graph/badge.svg", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(badge))
	})
	mux.HandleFunc("/gl/acme/widget/graph/badge.svg", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(unknownBadge))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	store, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)
	rt := providers.NewRuntime(providers.RuntimeConfig{
		Cache:     cache.New(store, cache.Options{}),
		Throttles: throttle.NewRegistry(throttle.Config{MaxConcurrency: 1}),
	})
	client := NewClient(rt, srv.Client(), srv.URL)

	out := client.FetchCoverage(context.Background(), models.Repository{Host: "github.com", Owner: "acme", Name: "widget"})
	require.True(t, out.Found(), out.Describe())
	assert.InDelta(t, 87.25, out.Value.Percentage, 0.001)

	out = client.FetchCoverage(context.Background(), models.Repository{Host: "gitlab.com", Owner: "acme", Name: "widget"})
	assert.Equal(t, providers.StatusNegative, out.Status)

	out = client.FetchCoverage(context.Background(), models.Repository{Host: "git.example.com", Owner: "acme", Name: "widget"})
	assert.Equal(t, providers.StatusNegative, out.Status)
	assert.Equal(t, cache.ReasonUnsupported, out.Reason)
}
