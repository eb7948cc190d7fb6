package domain

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// ErrInvalidAddress is returned when a record address is not a dotted-quad IPv4 literal.
var ErrInvalidAddress = errors.New("invalid IPv4 address")

// Address is an IPv4 address stored as four octets in dotted left-to-right
// order: octet 0 is the first number of "10.0.0.5". Octets are written to
// the wire in this same order.
type Address [4]byte

// ParseAddress parses a dotted-quad IPv4 literal. IPv4-mapped IPv6 forms
// are rejected; only plain dotted decimal is accepted.
func ParseAddress(s string) (Address, error) {
	ip, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	if !ip.Is4() {
		return Address{}, fmt.Errorf("%w: %q is not IPv4", ErrInvalidAddress, s)
	}
	return Address(ip.As4()), nil
}

// MustParseAddress is ParseAddress that panics on error. Intended for tests
// and constant tables.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String returns the dotted-quad form.
func (a Address) String() string {
	return netip.AddrFrom4(a).String()
}

// Addr returns the address as a netip.Addr.
func (a Address) Addr() netip.Addr {
	return netip.AddrFrom4(a)
}
