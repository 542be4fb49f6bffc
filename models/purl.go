package models

import (
	"fmt"
	"strings"

	"github.com/package-url/packageurl-go"
)

var PurlTypeCargo = packageurl.TypeCargo

type Purl struct {
	packageurl.PackageURL
}

func NewPurl(purl string) (Purl, error) {
	p, err := packageurl.FromString(purl)
	if err != nil {
		return Purl{}, err
	}

	return Purl{PackageURL: p}, nil
}

func PurlFromCrate(name, version string) Purl {
	return Purl{PackageURL: *packageurl.NewPackageURL(PurlTypeCargo, "", name, version, nil, "")}
}

// Normalize folds crate names the way crates.io does: case-insensitive, '-' and '_' equivalent.
func (p *Purl) Normalize() {
	if p.Type == PurlTypeCargo {
		p.Name = strings.ReplaceAll(strings.ToLower(p.Name), "_", "-")
	}
}

func (p *Purl) Link() string {
	if p.Type != PurlTypeCargo {
		return ""
	}
	if p.Version != "" {
		return fmt.Sprintf("https://crates.io/crates/%s/%s", p.Name, p.Version)
	}
	return fmt.Sprintf("https://crates.io/crates/%s", p.Name)
}
