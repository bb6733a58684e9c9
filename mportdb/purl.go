package mportdb

import (
	"github.com/package-url/packageurl-go"
)

// PurlURI derives the canonical Package URL for an installed package.
func PurlURI(p *PackageMeta, arch string) string {
	qualifiers := packageurl.QualifiersFromMap(map[string]string{
		"arch":   arch,
		"distro": "midnightbsd-" + p.OSRelease,
	})
	return packageurl.NewPackageURL(
		packageurl.TypeGeneric, "", p.Name, p.Version, qualifiers, "",
	).ToString()
}
