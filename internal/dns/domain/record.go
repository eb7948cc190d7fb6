package domain

import (
	"errors"
	"strings"

	"github.com/haukened/rr-dnsproxy/internal/dns/common/utils"
)

// WildcardPrefix marks a pattern that matches names ending in the rest of the pattern.
const WildcardPrefix = "*."

// ErrEmptyPattern is returned when a record pattern is empty after canonicalization.
var ErrEmptyPattern = errors.New("record pattern must not be empty")

// DomainRecord associates a literal domain name or a "*.suffix" wildcard
// with an IPv4 address.
type DomainRecord struct {
	Pattern string
	Address Address
}

// NewDomainRecord canonicalizes pattern and builds a DomainRecord.
// No validation of domain syntax is performed beyond rejecting an empty
// pattern and a bare "*." wildcard.
func NewDomainRecord(pattern string, addr Address) (DomainRecord, error) {
	p := utils.CanonicalDNSName(pattern)
	if p == "" || p == "*" || p == WildcardPrefix {
		return DomainRecord{}, ErrEmptyPattern
	}
	return DomainRecord{Pattern: p, Address: addr}, nil
}

// ParseDomainRecord builds a record from its administrative string form.
func ParseDomainRecord(pattern, address string) (DomainRecord, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return DomainRecord{}, err
	}
	return NewDomainRecord(pattern, addr)
}

// IsWildcard reports whether the record pattern has the "*.suffix" form.
func (r DomainRecord) IsWildcard() bool {
	return IsWildcardPattern(r.Pattern)
}

// Suffix returns the part of a wildcard pattern after "*.", or "" for
// literal patterns.
func (r DomainRecord) Suffix() string {
	if !r.IsWildcard() {
		return ""
	}
	return r.Pattern[len(WildcardPrefix):]
}

// MatchesWildcard reports whether name is covered by the wildcard record.
// The name must be strictly longer than the suffix and end with it; the
// bare suffix itself is not covered.
func (r DomainRecord) MatchesWildcard(name string) bool {
	if !r.IsWildcard() {
		return false
	}
	return WildcardMatch(r.Suffix(), name)
}

// IsWildcardPattern reports whether pattern starts with "*.".
func IsWildcardPattern(pattern string) bool {
	return strings.HasPrefix(pattern, WildcardPrefix)
}

// WildcardMatch is the suffix test behind wildcard records.
func WildcardMatch(suffix, name string) bool {
	return len(name) > len(suffix) && strings.HasSuffix(name, suffix)
}
