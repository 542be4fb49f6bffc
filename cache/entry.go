package cache

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// Key addresses one cached resource of one service.
type Key struct {
	Service  string
	Resource string
	// Version scopes the entry to one package version. Empty means unversioned.
	Version string
}

// String is the storage key. Each part is escaped so that separators inside
// a part cannot make two keys collide.
func (k Key) String() string {
	s := url.QueryEscape(k.Service) + "/" + url.QueryEscape(k.Resource)
	if k.Version == "" {
		return s
	}
	return s + "@" + url.QueryEscape(k.Version)
}

// Reason classifies a negative entry.
type Reason string

const (
	ReasonNotFound    Reason = "not_found"
	ReasonUnsupported Reason = "unsupported"
	ReasonParseError  Reason = "parse_error"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonNotFound, ReasonUnsupported, ReasonParseError:
		return true
	}
	return false
}

// Negative records that a resource is known to be absent or unusable.
type Negative struct {
	Reason Reason `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// Entry is what gets persisted for a key: a positive payload or a negative marker.
// A zero ExpiresAt means the entry never expires.
type Entry struct {
	Value     json.RawMessage `json:"value,omitempty"`
	Negative  *Negative       `json:"negative,omitempty"`
	WrittenAt time.Time       `json:"written_at"`
	ExpiresAt time.Time       `json:"expires_at,omitzero"`
}

func (e *Entry) Permanent() bool {
	return e.ExpiresAt.IsZero()
}

// Expired reports whether the entry is stale at now. Entries written in the
// future (clock skew) are considered fresh.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

func (e *Entry) validate() error {
	if e.Negative != nil {
		if !e.Negative.Reason.Valid() {
			return fmt.Errorf("unknown negative reason %q", e.Negative.Reason)
		}
		return nil
	}
	if len(e.Value) == 0 {
		return fmt.Errorf("entry has neither value nor negative marker")
	}
	if !json.Valid(e.Value) {
		return fmt.Errorf("entry value is not valid json")
	}
	return nil
}

// PositiveEntry builds an entry holding v, expiring after ttl (0 = permanent).
func PositiveEntry(v any, now time.Time, ttl time.Duration) (Entry, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to encode cache value: %w", err)
	}
	return Entry{Value: data, WrittenAt: now, ExpiresAt: expiry(now, ttl)}, nil
}

// NegativeEntry builds a negative entry, expiring after ttl (0 = permanent).
func NegativeEntry(reason Reason, detail string, now time.Time, ttl time.Duration) Entry {
	return Entry{
		Negative:  &Negative{Reason: reason, Detail: detail},
		WrittenAt: now,
		ExpiresAt: expiry(now, ttl),
	}
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

type Status int

const (
	Miss Status = iota
	Hit
	NegativeHit
)

func (s Status) String() string {
	switch s {
	case Hit:
		return "hit"
	case NegativeHit:
		return "negative_hit"
	default:
		return "miss"
	}
}

// Lookup is the result of Cache.Get.
type Lookup struct {
	Status Status
	Entry  Entry
}

// Decode unmarshals the payload of a Hit into v.
func (l Lookup) Decode(v any) error {
	if l.Status != Hit {
		return fmt.Errorf("cannot decode a %s", l.Status)
	}
	return json.Unmarshal(l.Entry.Value, v)
}

func (l Lookup) Reason() Reason {
	if l.Entry.Negative == nil {
		return ""
	}
	return l.Entry.Negative.Reason
}
