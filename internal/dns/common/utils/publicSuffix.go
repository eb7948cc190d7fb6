package utils

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

// IsPublicSuffix reports whether name is itself a public suffix such as
// "com" or "co.uk". A wildcard over a public suffix captures every domain
// registered under it. Unlisted single-label TLDs ("lan", "home") only hit
// the list's default rule and are not reported.
func IsPublicSuffix(name string) bool {
	name = CanonicalDNSName(name)
	if name == "" {
		return false
	}
	suffix, icann := publicsuffix.PublicSuffix(name)
	if suffix != name {
		return false
	}
	return icann || strings.Contains(suffix, ".")
}
