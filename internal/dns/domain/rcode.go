package domain

import "fmt"

// RCode represents a DNS response code indicating the result of a query.
type RCode uint8

const (
	RCodeNoError  RCode = 0
	RCodeNXDomain RCode = 3
)

// rcodeMask selects the RCODE bits of the header flags.
const rcodeMask uint16 = 0x000F

// RCodeFromFlags extracts the response code from header flags.
func RCodeFromFlags(flags uint16) RCode {
	return RCode(flags & rcodeMask)
}

// String returns the textual representation of the RCode.
func (r RCode) String() string {
	switch r {
	case RCodeNoError:
		return "NOERROR"
	case RCodeNXDomain:
		return "NXDOMAIN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", r)
	}
}
