package analyze

import (
	"math"
	"slices"
	"time"

	"github.com/geeknoid/cargo-rank/providers"
)

const secondsPerDay = 24 * 60 * 60

// AgeStats summarizes a set of durations in whole days. All fields are nil
// when the set is empty.
type AgeStats struct {
	Avg *float64
	P50 *uint64
	P75 *uint64
	P90 *uint64
	P95 *uint64
}

// SpanStats summarizes issue or pull request lifetimes. OpenAge is measured
// up to now and ClosedAge from creation to resolution.
type SpanStats struct {
	Open      int64
	Closed    int64
	OpenAge   AgeStats
	ClosedAge AgeStats
}

// computeSpanStats makes one pass over spans, splitting them into open ages
// and resolution times.
func computeSpanStats(spans []providers.Span, now time.Time) SpanStats {
	var stats SpanStats
	open := make([]uint64, 0, len(spans))
	var closed []uint64

	for _, s := range spans {
		if s.ClosedAt != nil {
			stats.Closed++
			closed = append(closed, ageDays(s.CreatedAt, *s.ClosedAt))
			continue
		}
		stats.Open++
		open = append(open, ageDays(s.CreatedAt, now))
	}

	stats.OpenAge = computeAgeStats(open)
	stats.ClosedAge = computeAgeStats(closed)
	return stats
}

// computeAgeStats sorts days in place.
func computeAgeStats(days []uint64) AgeStats {
	if len(days) == 0 {
		return AgeStats{}
	}

	var sum uint64
	for _, d := range days {
		sum += d
	}
	avg := float64(sum) / float64(len(days))

	slices.Sort(days)
	return AgeStats{
		Avg: &avg,
		P50: percentile(days, 0.50),
		P75: percentile(days, 0.75),
		P90: percentile(days, 0.90),
		P95: percentile(days, 0.95),
	}
}

// percentile picks the nearest-rank value from ascending data.
func percentile(sorted []uint64, p float64) *uint64 {
	n := len(sorted)
	if n == 0 {
		return nil
	}
	idx := int(math.Ceil(p*float64(n))) - 1
	idx = max(0, min(idx, n-1))
	v := sorted[idx]
	return &v
}

// ageDays is the whole number of days from created to end. Pre-epoch
// timestamps count from the epoch and an end before created is zero days.
func ageDays(created, until time.Time) uint64 {
	start := max(created.Unix(), 0)
	end := max(until.Unix(), 0)
	d := end - start
	if d < 0 {
		return 0
	}
	return uint64(d) / secondsPerDay
}

type commitStats struct {
	Count        int64
	Last90Days   int64
	Last365Days  int64
	LastCommitAt *time.Time
}

func computeCommitStats(commitTimes []int64, now time.Time) commitStats {
	stats := commitStats{Count: int64(len(commitTimes))}
	cutoff90 := now.Add(-90 * 24 * time.Hour).Unix()
	cutoff365 := now.Add(-365 * 24 * time.Hour).Unix()

	var last int64
	for i, ts := range commitTimes {
		if ts >= cutoff90 {
			stats.Last90Days++
		}
		if ts >= cutoff365 {
			stats.Last365Days++
		}
		if i == 0 || ts > last {
			last = ts
		}
	}
	if len(commitTimes) > 0 {
		t := time.Unix(max(last, 0), 0).UTC()
		stats.LastCommitAt = &t
	}
	return stats
}
