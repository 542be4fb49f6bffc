package results

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/geeknoid/cargo-rank/models"
)

// Entry is the appraisal of one package.
type Entry struct {
	Package models.PackageIdentity
	Metrics *models.MetricsRecord
	Score   *models.RiskScore
}

func (e Entry) MarshalJSON() ([]byte, error) {
	out := struct {
		Name        string                             `json:"name"`
		Version     string                             `json:"version,omitempty"`
		Purl        string                             `json:"purl"`
		Metrics     map[models.Category]map[string]any `json:"metrics"`
		Unavailable map[string]string                  `json:"unavailable,omitempty"`
		Score       *models.RiskScore                  `json:"score,omitempty"`
	}{
		Name:    e.Package.Name(),
		Version: e.Package.Version(),
		Purl:    e.Package.Purl().String(),
		Score:   e.Score,
	}
	if e.Metrics != nil {
		out.Metrics = e.Metrics.Fields
		out.Unavailable = e.Metrics.Unavailable
	}
	return json.Marshal(out)
}

// Tier is the risk tier of the entry, or empty when it was not scored.
func (e Entry) Tier() models.Tier {
	if e.Score == nil {
		return ""
	}
	return e.Score.Tier
}

// Set holds one entry per appraised package.
type Set struct {
	GeneratedAt time.Time `json:"generated_at"`
	Entries     []Entry   `json:"crates"`
}

func NewSet(now time.Time) *Set {
	return &Set{GeneratedAt: now.UTC()}
}

func (s *Set) Add(e Entry) {
	s.Entries = append(s.Entries, e)
}

func (s *Set) Len() int {
	return len(s.Entries)
}

// Sort orders entries by name, then version.
func (s *Set) Sort() {
	sort.SliceStable(s.Entries, func(i, j int) bool {
		a, b := s.Entries[i].Package, s.Entries[j].Package
		if a.Name() != b.Name() {
			return a.Name() < b.Name()
		}
		return a.Version() < b.Version()
	})
}

// Tiers counts the entries per risk tier.
func (s *Set) Tiers() map[models.Tier]int {
	counts := make(map[models.Tier]int)
	for _, e := range s.Entries {
		if tier := e.Tier(); tier != "" {
			counts[tier]++
		}
	}
	return counts
}

// HighRisk reports whether any entry landed in the high tier.
func (s *Set) HighRisk() bool {
	return s.Tiers()[models.TierHigh] > 0
}
