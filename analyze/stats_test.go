package analyze

import (
	"testing"
	"time"

	"github.com/geeknoid/cargo-rank/models"
	"github.com/geeknoid/cargo-rank/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Unix(0, 0).UTC()

func daysAgo(now time.Time, days int) time.Time {
	return now.Add(-time.Duration(days) * 24 * time.Hour)
}

func TestPercentile(t *testing.T) {
	cases := []struct {
		data     []uint64
		p        float64
		expected uint64
	}{
		{data: []uint64{1, 2, 3, 4, 5}, p: 0.50, expected: 3},
		{data: []uint64{1, 2, 3, 4, 5}, p: 0.75, expected: 4},
		{data: []uint64{1, 2, 3, 4, 5}, p: 0.90, expected: 5},
		{data: []uint64{1, 2, 3, 4, 5}, p: 0.95, expected: 5},
		{data: []uint64{7}, p: 0.50, expected: 7},
		{data: []uint64{7}, p: 0.0, expected: 7},
		{data: []uint64{1, 2, 3, 4}, p: 0.50, expected: 2},
		{data: []uint64{1, 2, 3, 4}, p: 1.0, expected: 4},
	}

	for _, c := range cases {
		v := percentile(c.data, c.p)
		require.NotNil(t, v)
		assert.Equal(t, c.expected, *v, "p%v of %v", c.p, c.data)
	}

	assert.Nil(t, percentile(nil, 0.5))
}

func TestAgeDays(t *testing.T) {
	now := epoch.Add(10 * 24 * time.Hour)

	cases := []struct {
		name     string
		created  time.Time
		now      time.Time
		expected uint64
	}{
		{name: "ten days", created: epoch, now: now, expected: 10},
		{name: "partial day rounds down", created: epoch.Add(12 * time.Hour), now: now, expected: 9},
		{name: "pre epoch clamps to epoch", created: time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC), now: now, expected: 10},
		{name: "created after now", created: now.Add(time.Hour), now: now, expected: 0},
		{name: "now before epoch", created: time.Date(1950, 1, 1, 0, 0, 0, 0, time.UTC), now: time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC), expected: 0},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expected, ageDays(c.created, c.now))
		})
	}
}

func TestComputeSpanStats(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	resolved := func(created, closed int) providers.Span {
		c := daysAgo(now, closed)
		return providers.Span{CreatedAt: daysAgo(now, created), ClosedAt: &c}
	}

	spans := []providers.Span{
		{CreatedAt: daysAgo(now, 5)},
		{CreatedAt: daysAgo(now, 1)},
		resolved(40, 30),
		{CreatedAt: daysAgo(now, 3)},
		resolved(12, 10),
		{CreatedAt: daysAgo(now, 2)},
		resolved(7, 1),
		{CreatedAt: daysAgo(now, 4)},
	}

	stats := computeSpanStats(spans, now)
	assert.Equal(t, int64(5), stats.Open)
	assert.Equal(t, int64(3), stats.Closed)

	require.NotNil(t, stats.OpenAge.Avg)
	assert.InDelta(t, 3.0, *stats.OpenAge.Avg, 0.0001)
	assert.Equal(t, uint64(3), *stats.OpenAge.P50)
	assert.Equal(t, uint64(4), *stats.OpenAge.P75)
	assert.Equal(t, uint64(5), *stats.OpenAge.P90)
	assert.Equal(t, uint64(5), *stats.OpenAge.P95)

	// resolution times are 10, 2 and 6 days
	require.NotNil(t, stats.ClosedAge.Avg)
	assert.InDelta(t, 6.0, *stats.ClosedAge.Avg, 0.0001)
	assert.Equal(t, uint64(6), *stats.ClosedAge.P50)
	assert.Equal(t, uint64(10), *stats.ClosedAge.P75)
	assert.Equal(t, uint64(10), *stats.ClosedAge.P95)
}

func TestComputeSpanStatsNothingOpen(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	closed := daysAgo(now, 1)

	stats := computeSpanStats([]providers.Span{{CreatedAt: daysAgo(now, 9), ClosedAt: &closed}}, now)
	assert.Equal(t, int64(0), stats.Open)
	assert.Equal(t, int64(1), stats.Closed)
	assert.Nil(t, stats.OpenAge.Avg)
	assert.Nil(t, stats.OpenAge.P50)
	require.NotNil(t, stats.ClosedAge.P50)
	assert.Equal(t, uint64(8), *stats.ClosedAge.P50)
}

func TestComputeSpanStatsClosedBeforeCreated(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	closed := daysAgo(now, 5)

	stats := computeSpanStats([]providers.Span{{CreatedAt: daysAgo(now, 2), ClosedAt: &closed}}, now)
	require.NotNil(t, stats.ClosedAge.Avg)
	assert.Equal(t, 0.0, *stats.ClosedAge.Avg)
	assert.Equal(t, uint64(0), *stats.ClosedAge.P95)
}

func TestMergeHostingClosedCounts(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	closed := daysAgo(now, 2)
	forgeTotal := int64(40)

	tests := []struct {
		name          string
		data          providers.HostingData
		closedIssues  any
		closedPresent bool
	}{
		{
			name:          "open only listing leaves closed count unknown",
			data:          providers.HostingData{Issues: []providers.Span{{CreatedAt: daysAgo(now, 3)}}},
			closedPresent: false,
		},
		{
			name: "listing with closed items derives the count",
			data: providers.HostingData{
				IncludesClosed: true,
				Issues:         []providers.Span{{CreatedAt: daysAgo(now, 3)}, {CreatedAt: daysAgo(now, 6), ClosedAt: &closed}},
			},
			closedIssues:  int64(1),
			closedPresent: true,
		},
		{
			name: "forge total wins",
			data: providers.HostingData{
				IncludesClosed: true,
				ClosedIssues:   &forgeTotal,
				Issues:         []providers.Span{{CreatedAt: daysAgo(now, 6), ClosedAt: &closed}},
			},
			closedIssues:  int64(40),
			closedPresent: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := models.NewMetricsRecord(models.PackageIdentity{})
			mergeHosting(record, tt.data, now)

			got, ok := record.Get(models.CategoryActivity, "closed_issues")
			assert.Equal(t, tt.closedPresent, ok)
			if tt.closedPresent {
				assert.Equal(t, tt.closedIssues, got)
			}
			_, ok = record.Get(models.CategoryActivity, "open_issues")
			assert.True(t, ok)
		})
	}
}

func TestMergeHostingClosedAges(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	closed := daysAgo(now, 2)
	record := models.NewMetricsRecord(models.PackageIdentity{})

	mergeHosting(record, providers.HostingData{
		IncludesClosed: true,
		Issues:         []providers.Span{{CreatedAt: daysAgo(now, 3)}},
		PullRequests:   []providers.Span{{CreatedAt: daysAgo(now, 6), ClosedAt: &closed}},
	}, now)

	expected := map[string]any{
		"avg_open_issue_age_days":          3.0,
		"p90_open_issue_age_days":          uint64(3),
		"avg_closed_pull_request_age_days": 4.0,
		"p50_closed_pull_request_age_days": uint64(4),
		"p95_closed_pull_request_age_days": uint64(4),
	}
	for field, value := range expected {
		got, ok := record.Get(models.CategoryActivity, field)
		if assert.True(t, ok, field) {
			assert.Equal(t, value, got, field)
		}
	}

	for _, field := range []string{"avg_closed_issue_age_days", "p50_open_pull_request_age_days"} {
		_, ok := record.Get(models.CategoryActivity, field)
		assert.False(t, ok, field)
	}
}

func TestComputeCommitStats(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	times := []int64{
		daysAgo(now, 400).Unix(),
		daysAgo(now, 10).Unix(),
		daysAgo(now, 100).Unix(),
		daysAgo(now, 2).Unix(),
	}

	stats := computeCommitStats(times, now)
	assert.Equal(t, int64(4), stats.Count)
	assert.Equal(t, int64(2), stats.Last90Days)
	assert.Equal(t, int64(3), stats.Last365Days)
	require.NotNil(t, stats.LastCommitAt)
	assert.Equal(t, daysAgo(now, 2), *stats.LastCommitAt)

	empty := computeCommitStats(nil, now)
	assert.Equal(t, int64(0), empty.Count)
	assert.Nil(t, empty.LastCommitAt)
}
