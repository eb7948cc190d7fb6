// Package pending tracks forwarded queries awaiting an upstream reply,
// keyed by the transaction id the proxy put on the wire.
package pending

import (
	"fmt"
	"math/rand/v2"
	"net/netip"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haukened/rr-dnsproxy/internal/dns/common/log"
	"github.com/haukened/rr-dnsproxy/internal/dns/domain"
	"github.com/haukened/rr-dnsproxy/internal/dns/services/proxy"
)

const (
	// DefaultCapacity bounds the table independently of the TTL.
	DefaultCapacity = 4096

	// maxDraws is how many ids Register tries before accepting a collision.
	maxDraws = 16
)

// IDSource yields candidate forwarded transaction ids.
type IDSource interface {
	Uint16() uint16
}

type randSource struct{}

func (randSource) Uint16() uint16 { return uint16(rand.Uint32()) }

// RandomIDs returns the default IDSource backed by math/rand/v2.
func RandomIDs() IDSource { return randSource{} }

// Options configures a Table.
type Options struct {
	// Capacity is the hard entry limit; the oldest entry is dropped to make room.
	Capacity int
	IDs      IDSource
	Logger   log.Logger
}

// Table is the pending query table. It is not safe for concurrent use;
// the proxy loop owns it.
type Table struct {
	entries  *lru.Cache[uint16, domain.PendingQuery]
	capacity int
	ids      IDSource
	logger   log.Logger

	capacityEvictions uint64
}

// New returns an empty Table.
func New(opts Options) (*Table, error) {
	if opts.Capacity == 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.IDs == nil {
		opts.IDs = RandomIDs()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	cache, err := lru.New[uint16, domain.PendingQuery](opts.Capacity)
	if err != nil {
		return nil, fmt.Errorf("pending table: %w", err)
	}
	return &Table{
		entries:  cache,
		capacity: opts.Capacity,
		ids:      opts.IDs,
		logger:   opts.Logger,
	}, nil
}

// Register records a query forwarded on behalf of client and returns the
// id to put on the wire. The id is re-drawn while it is already pending
// or equals originalID.
func (t *Table) Register(originalID uint16, client netip.AddrPort, now time.Time) uint16 {
	var id uint16
	for i := 0; i < maxDraws; i++ {
		id = t.ids.Uint16()
		if id != originalID && !t.entries.Contains(id) {
			break
		}
	}
	if prev, ok := t.entries.Peek(id); ok {
		t.logger.Warn(map[string]any{
			"id":     id,
			"client": prev.Client.String(),
		}, "Pending id collision, replacing older entry")
	}

	if !t.entries.Contains(id) && t.entries.Len() >= t.capacity {
		if oldID, old, ok := t.entries.RemoveOldest(); ok {
			t.capacityEvictions++
			t.logger.Warn(map[string]any{
				"id":     oldID,
				"client": old.Client.String(),
				"age":    old.Age(now).String(),
			}, "Pending table full, dropping oldest query")
		}
	}

	t.entries.Add(id, domain.PendingQuery{
		Client:     client,
		OriginalID: originalID,
		CreatedAt:  now,
	})
	return id
}

// Resolve removes and returns the entry for id.
func (t *Table) Resolve(id uint16) (domain.PendingQuery, bool) {
	q, ok := t.entries.Peek(id)
	if !ok {
		return domain.PendingQuery{}, false
	}
	t.entries.Remove(id)
	return q, true
}

// Unregister drops id without resolving it.
func (t *Table) Unregister(id uint16) {
	t.entries.Remove(id)
}

// EvictExpired removes every entry pending strictly longer than ttl and
// returns how many were removed.
func (t *Table) EvictExpired(now time.Time, ttl time.Duration) int {
	removed := 0
	for _, id := range t.entries.Keys() {
		q, ok := t.entries.Peek(id)
		if !ok || !q.Expired(now, ttl) {
			continue
		}
		t.entries.Remove(id)
		removed++
		t.logger.Debug(map[string]any{
			"id":     id,
			"client": q.Client.String(),
			"age":    q.Age(now).String(),
		}, "Pending query expired")
	}
	return removed
}

func (t *Table) Len() int {
	return t.entries.Len()
}

// CapacityEvictions reports how many entries were dropped to make room.
func (t *Table) CapacityEvictions() uint64 {
	return t.capacityEvictions
}

var _ proxy.PendingTable = (*Table)(nil)
