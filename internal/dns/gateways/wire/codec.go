package wire

import "github.com/haukened/rr-dnsproxy/internal/dns/domain"

// MessageCodec parses and synthesizes the raw DNS messages handled by the proxy.
// Callers guarantee buffers are at least domain.HeaderLen bytes long before
// calling ParseName or TransactionID.
type MessageCodec interface {
	// TransactionID returns the big-endian id in the first two bytes.
	TransactionID(msg []byte) uint16

	// ParseName decodes the question name from the bytes following the header.
	ParseName(afterHeader []byte) string

	// BuildAnswer synthesizes an authoritative single A-record answer to req.
	BuildAnswer(req []byte, addr domain.Address) ([]byte, error)

	// BuildNXDomain synthesizes an authoritative NXDOMAIN answer to req.
	BuildNXDomain(req []byte) ([]byte, error)

	// RewriteID overwrites the id of msg in place.
	RewriteID(msg []byte, id uint16)

	// RCode returns the response code carried in the flags of msg.
	RCode(msg []byte) domain.RCode
}
