package models

import (
	"fmt"
	"net/url"
	"strings"
)

// Repository is a source repository hosted on a known forge.
type Repository struct {
	Host  string `json:"host"`
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// ParseRepositoryURL extracts host/owner/name from the repository field of a crate.
// Deep links such as https://github.com/o/r/tree/main/sub are reduced to the repository root.
func ParseRepositoryURL(raw string) (Repository, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Repository{}, fmt.Errorf("empty repository url")
	}
	if strings.HasPrefix(raw, "git@") {
		raw = "ssh://" + strings.Replace(strings.TrimPrefix(raw, "git@"), ":", "/", 1)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Repository{}, fmt.Errorf("invalid repository url %q: %w", raw, err)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Repository{}, fmt.Errorf("repository url %q has no owner/name", raw)
	}

	return Repository{
		Host:  strings.ToLower(u.Hostname()),
		Owner: parts[0],
		Name:  strings.TrimSuffix(parts[1], ".git"),
	}, nil
}

func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

func (r Repository) CloneURL() string {
	return fmt.Sprintf("https://%s/%s/%s.git", r.Host, r.Owner, r.Name)
}

func (r Repository) String() string {
	return r.Host + "/" + r.FullName()
}
