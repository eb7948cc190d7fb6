package domain

import (
	"net/netip"
	"time"
)

// DefaultPendingTTL is how long a forwarded query waits for an upstream reply.
const DefaultPendingTTL = 5000 * time.Millisecond

// PendingQuery remembers who asked a forwarded question and under which id,
// so the upstream reply can be routed back.
type PendingQuery struct {
	Client     netip.AddrPort
	OriginalID uint16
	CreatedAt  time.Time
}

// Age returns how long the query has been pending at now.
func (p PendingQuery) Age(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt)
}

// Expired reports whether the query has been pending strictly longer than ttl.
func (p PendingQuery) Expired(now time.Time, ttl time.Duration) bool {
	return p.Age(now) > ttl
}
