package proxy

import (
	"net/netip"
	"time"

	"github.com/haukened/rr-dnsproxy/internal/dns/domain"
)

// RecordStore answers local lookups.
type RecordStore interface {
	Lookup(name string) (domain.Address, bool)
	AddString(pattern, address string) error
	Len() int
}

// PendingTable correlates forwarded ids with the clients that asked.
type PendingTable interface {
	Register(originalID uint16, client netip.AddrPort, now time.Time) uint16
	Resolve(id uint16) (domain.PendingQuery, bool)
	Unregister(id uint16)
	EvictExpired(now time.Time, ttl time.Duration) int
	Len() int
	// CapacityEvictions counts entries dropped because the table was full.
	CapacityEvictions() uint64
}

// Sender performs the datagram writes the core requests. Both calls are
// synchronous; a returned error means the datagram was not sent.
type Sender interface {
	SendToClient(msg []byte, to netip.AddrPort) error
	SendToUpstream(msg []byte, to netip.AddrPort) error
}

// DatagramHandler receives inbound datagrams from the transport. The
// transport hands over ownership of buf.
type DatagramHandler interface {
	OnClientDatagram(buf []byte, from netip.AddrPort)
	OnUpstreamDatagram(buf []byte, from netip.AddrPort)
}
