package models

import (
	"fmt"
	"strings"
)

// PackageIdentity names a crate and, optionally, one of its versions.
// The zero value is not valid; use NewPackageIdentity or ParsePackageIdentity.
type PackageIdentity struct {
	name    string
	version string
}

func NewPackageIdentity(name, version string) (PackageIdentity, error) {
	name = strings.TrimSpace(name)
	version = strings.TrimSpace(version)
	if name == "" {
		return PackageIdentity{}, fmt.Errorf("package name is empty")
	}
	if strings.ContainsAny(name, " /@") {
		return PackageIdentity{}, fmt.Errorf("invalid package name %q", name)
	}
	return PackageIdentity{name: name, version: version}, nil
}

// ParsePackageIdentity accepts "name", "name@version" and "pkg:cargo/name@version".
func ParsePackageIdentity(s string) (PackageIdentity, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "pkg:") {
		purl, err := NewPurl(s)
		if err != nil {
			return PackageIdentity{}, fmt.Errorf("invalid purl %q: %w", s, err)
		}
		if purl.Type != PurlTypeCargo {
			return PackageIdentity{}, fmt.Errorf("unsupported purl type %q", purl.Type)
		}
		return NewPackageIdentity(purl.Name, purl.Version)
	}

	name, version, _ := strings.Cut(s, "@")
	return NewPackageIdentity(name, version)
}

func (p PackageIdentity) Name() string {
	return p.name
}

func (p PackageIdentity) Version() string {
	return p.version
}

func (p PackageIdentity) HasVersion() bool {
	return p.version != ""
}

// WithVersion returns a copy of p pinned to version.
func (p PackageIdentity) WithVersion(version string) PackageIdentity {
	return PackageIdentity{name: p.name, version: version}
}

func (p PackageIdentity) Purl() Purl {
	return PurlFromCrate(p.name, p.version)
}

func (p PackageIdentity) String() string {
	if p.version == "" {
		return p.name
	}
	return p.name + "@" + p.version
}
