package models

import (
	"maps"
	"sort"
	"time"
)

type Category string

const (
	CategoryMetadata      Category = "metadata"
	CategoryUsage         Category = "usage"
	CategoryStability     Category = "stability"
	CategoryCommunity     Category = "community"
	CategoryActivity      Category = "activity"
	CategoryDocumentation Category = "documentation"
	CategoryAdvisories    Category = "advisories"
	CategoryCode          Category = "code"
	CategoryTrust         Category = "trust"
)

// Categories lists every metric category in report order.
var Categories = []Category{
	CategoryMetadata,
	CategoryUsage,
	CategoryStability,
	CategoryCommunity,
	CategoryActivity,
	CategoryDocumentation,
	CategoryAdvisories,
	CategoryCode,
	CategoryTrust,
}

// NowField is the top-level namespace entry holding the evaluation time.
const NowField = "now"

// MetricsRecord holds every metric collected for one package.
// Absent fields are unknown, not zero.
type MetricsRecord struct {
	Package     PackageIdentity             `json:"-"`
	Fields      map[Category]map[string]any `json:"fields"`
	Unavailable map[string]string           `json:"unavailable,omitempty"`
}

func NewMetricsRecord(pkg PackageIdentity) *MetricsRecord {
	return &MetricsRecord{
		Package: pkg,
		Fields:  make(map[Category]map[string]any),
	}
}

// Set stores a field value. Nil values and nil pointers are ignored so that
// optional provider data stays absent.
func (m *MetricsRecord) Set(category Category, field string, value any) {
	value = deref(value)
	if value == nil {
		return
	}
	fields, ok := m.Fields[category]
	if !ok {
		fields = make(map[string]any)
		m.Fields[category] = fields
	}
	fields[field] = value
}

func (m *MetricsRecord) Get(category Category, field string) (any, bool) {
	v, ok := m.Fields[category][field]
	return v, ok
}

// MarkUnavailable records why a service contributed nothing to this record.
func (m *MetricsRecord) MarkUnavailable(service, reason string) {
	if m.Unavailable == nil {
		m.Unavailable = make(map[string]string)
	}
	m.Unavailable[service] = reason
}

// FieldNames returns the populated field names of a category, sorted.
func (m *MetricsRecord) FieldNames(category Category) []string {
	names := make([]string, 0, len(m.Fields[category]))
	for name := range m.Fields[category] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Namespace builds the structure expressions are evaluated against:
// category -> field -> value, every category present, plus the evaluation time.
func (m *MetricsRecord) Namespace(now time.Time) map[string]any {
	ns := make(map[string]any, len(Categories)+1)
	for _, c := range Categories {
		fields := make(map[string]any, len(m.Fields[c]))
		maps.Copy(fields, m.Fields[c])
		ns[string(c)] = fields
	}
	ns[NowField] = FormatTime(now)
	return ns
}

// FormatTime renders timestamps the way they are stored in a record.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func deref(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case *string:
		if t == nil {
			return nil
		}
		return *t
	case *int:
		if t == nil {
			return nil
		}
		return *t
	case *int64:
		if t == nil {
			return nil
		}
		return *t
	case *uint64:
		if t == nil {
			return nil
		}
		return *t
	case *float64:
		if t == nil {
			return nil
		}
		return *t
	case *bool:
		if t == nil {
			return nil
		}
		return *t
	case *time.Time:
		if t == nil {
			return nil
		}
		return FormatTime(*t)
	case time.Time:
		return FormatTime(t)
	}
	return v
}
