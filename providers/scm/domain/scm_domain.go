package scm_domain

import "strings"

// ScmBaseDomain is the host of a self-hosted forge instance, as given on the
// command line. It matches the lowercase hosts of parsed repository URLs.
type ScmBaseDomain string

const DefaultGitHubDomain string = "github.com"
const DefaultGitLabDomain string = "gitlab.com"

var schemePrefixes = []string{"https://", "http://"}

func (d *ScmBaseDomain) Set(value string) error {
	value = strings.ToLower(strings.TrimSpace(value))
	for _, prefix := range schemePrefixes {
		value = strings.TrimPrefix(value, prefix)
	}
	value = strings.TrimRight(value, "/")

	*d = ScmBaseDomain(value)
	return nil
}

func (d *ScmBaseDomain) String() string {
	if d == nil {
		return ""
	}
	return string(*d)
}

func (d *ScmBaseDomain) Type() string {
	return "string"
}

// Resolve returns the domain, or fallback when none was set.
func (d *ScmBaseDomain) Resolve(fallback string) string {
	if d == nil || *d == "" {
		return fallback
	}
	return string(*d)
}
