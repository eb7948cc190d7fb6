// Package proxy implements the query-handling core of the forwarder and
// the event loop that serializes every call into it.
package proxy

import (
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/tevino/abool"

	"github.com/haukened/rr-dnsproxy/internal/dns/common/clock"
	"github.com/haukened/rr-dnsproxy/internal/dns/common/log"
	"github.com/haukened/rr-dnsproxy/internal/dns/domain"
	"github.com/haukened/rr-dnsproxy/internal/dns/gateways/wire"
)

// Core answers client queries from local records, forwards misses to the
// upstream resolver and routes replies back.
//
// Handle*, Tick and AddRecord must be called from one goroutine at a time;
// the Loop provides that. Counters and flags may be read from anywhere.
type Core struct {
	codec    wire.MessageCodec
	records  RecordStore
	pending  PendingTable
	sender   Sender
	clock    clock.Clock
	logger   log.Logger
	upstream netip.AddrPort
	ttl      time.Duration

	queries       atomic.Uint64
	forwarded     atomic.Uint64
	answeredLocal atomic.Uint64
	nxdomain      atomic.Uint64
	resolved      atomic.Uint64
	expired       atomic.Uint64
	dropped       atomic.Uint64
	sendFailures  atomic.Uint64
	recordCount   atomic.Int64
	pendingCount  atomic.Int64
	overflows     atomic.Uint64
	lastQuery     atomic.Pointer[string]

	running *abool.AtomicBool
	failed  *abool.AtomicBool
	failErr atomic.Pointer[error]
}

// Options configures a Core. Upstream is the zero AddrPort when forwarding
// is disabled.
type Options struct {
	Codec      wire.MessageCodec
	Records    RecordStore
	Pending    PendingTable
	Sender     Sender
	Clock      clock.Clock
	Logger     log.Logger
	Upstream   netip.AddrPort
	PendingTTL time.Duration
}

// Stats is a point-in-time snapshot of the core's counters.
type Stats struct {
	Queries          uint64
	Forwarded        uint64
	AnsweredLocal    uint64
	NXDomain         uint64
	Resolved         uint64
	Expired          uint64
	Dropped          uint64
	SendFailures     uint64
	Records          int
	Pending          int
	// PendingOverflows counts forwarded queries dropped from a full pending table.
	PendingOverflows uint64
	LastQuery        string
	Running          bool
	HasUpstream      bool
	Failed           bool
}

// New builds a Core.
func New(opts Options) *Core {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = domain.DefaultPendingTTL
	}
	c := &Core{
		codec:    opts.Codec,
		records:  opts.Records,
		pending:  opts.Pending,
		sender:   opts.Sender,
		clock:    opts.Clock,
		logger:   opts.Logger,
		upstream: opts.Upstream,
		ttl:      opts.PendingTTL,
		running:  abool.New(),
		failed:   abool.New(),
	}
	c.recordCount.Store(int64(opts.Records.Len()))
	return c
}

// HandleClientDatagram processes one query from client. buf may be
// rewritten in place and sent onwards.
func (c *Core) HandleClientDatagram(buf []byte, client netip.AddrPort) domain.QueryState {
	if len(buf) < domain.HeaderLen {
		c.dropped.Add(1)
		c.logger.Debug(map[string]any{
			"client": client.String(),
			"len":    len(buf),
		}, "Dropping short client datagram")
		return domain.StateDropped
	}

	id := c.codec.TransactionID(buf)
	name := c.codec.ParseName(buf[domain.HeaderLen:])
	c.queries.Add(1)
	c.lastQuery.Store(&name)

	if addr, ok := c.records.Lookup(name); ok {
		resp, err := c.codec.BuildAnswer(buf, addr)
		if err != nil {
			c.dropped.Add(1)
			c.logger.Warn(map[string]any{"name": name, "error": err.Error()}, "Failed to build answer")
			return domain.StateDropped
		}
		if !c.send(c.sender.SendToClient, resp, client, name) {
			return domain.StateFailed
		}
		c.answeredLocal.Add(1)
		c.logger.Debug(map[string]any{
			"id":      id,
			"name":    name,
			"address": addr.String(),
			"client":  client.String(),
		}, "Answered from local records")
		return domain.StateAnsweredLocal
	}

	if c.HasUpstream() {
		return c.forwardQuery(buf, client, id, name)
	}

	resp, err := c.codec.BuildNXDomain(buf)
	if err != nil {
		c.dropped.Add(1)
		c.logger.Warn(map[string]any{"name": name, "error": err.Error()}, "Failed to build NXDOMAIN")
		return domain.StateDropped
	}
	if !c.send(c.sender.SendToClient, resp, client, name) {
		return domain.StateFailed
	}
	c.nxdomain.Add(1)
	c.logger.Debug(map[string]any{
		"id":     id,
		"name":   name,
		"client": client.String(),
		"rcode":  domain.RCodeNXDomain.String(),
	}, "Answered NXDOMAIN")
	return domain.StateAnsweredNXDomain
}

// forwardQuery registers the query, rewrites its id and sends it upstream.
// The pending entry is rolled back if the send fails; there is no retry.
func (c *Core) forwardQuery(buf []byte, client netip.AddrPort, originalID uint16, name string) domain.QueryState {
	newID := c.pending.Register(originalID, client, c.clock.Now())
	c.overflows.Store(c.pending.CapacityEvictions())
	c.codec.RewriteID(buf, newID)

	if !c.send(c.sender.SendToUpstream, buf, c.upstream, name) {
		c.pending.Unregister(newID)
		c.pendingCount.Store(int64(c.pending.Len()))
		return domain.StateFailed
	}
	c.pendingCount.Store(int64(c.pending.Len()))
	c.forwarded.Add(1)
	c.logger.Debug(map[string]any{
		"id":          originalID,
		"forward_id":  newID,
		"name":        name,
		"client":      client.String(),
		"upstream":    c.upstream.String(),
		"pending_len": c.pending.Len(),
	}, "Forwarded query")
	return domain.StateForwarded
}

// HandleUpstreamDatagram routes an upstream reply back to the client that
// asked. Replies whose id is not pending are dropped without counting.
func (c *Core) HandleUpstreamDatagram(buf []byte, from netip.AddrPort) domain.QueryState {
	if len(buf) < domain.HeaderLen {
		c.dropped.Add(1)
		c.logger.Debug(map[string]any{
			"from": from.String(),
			"len":  len(buf),
		}, "Dropping short upstream datagram")
		return domain.StateDropped
	}

	id := c.codec.TransactionID(buf)
	q, ok := c.pending.Resolve(id)
	if !ok {
		c.logger.Debug(map[string]any{
			"forward_id": id,
			"from":       from.String(),
		}, "No pending query for upstream reply")
		return domain.StateDropped
	}
	c.pendingCount.Store(int64(c.pending.Len()))

	c.codec.RewriteID(buf, q.OriginalID)
	if !c.send(c.sender.SendToClient, buf, q.Client, "") {
		return domain.StateFailed
	}
	c.resolved.Add(1)
	c.logger.Debug(map[string]any{
		"id":         q.OriginalID,
		"forward_id": id,
		"client":     q.Client.String(),
		"rcode":      c.codec.RCode(buf).String(),
		"latency":    q.Age(c.clock.Now()).String(),
	}, "Relayed upstream reply")
	return domain.StateResolved
}

// Tick evicts pending queries older than the TTL and returns how many
// were removed.
func (c *Core) Tick(now time.Time) int {
	n := c.pending.EvictExpired(now, c.ttl)
	if n > 0 {
		c.expired.Add(uint64(n))
		c.logger.Debug(map[string]any{"evicted": n}, "Expired pending queries")
	}
	c.pendingCount.Store(int64(c.pending.Len()))
	return n
}

// AddRecord stores a local record. Call before the loop starts.
func (c *Core) AddRecord(pattern, address string) error {
	if err := c.records.AddString(pattern, address); err != nil {
		return err
	}
	c.recordCount.Store(int64(c.records.Len()))
	return nil
}

// CountDropped records a datagram discarded before reaching the core.
func (c *Core) CountDropped() {
	c.dropped.Add(1)
}

func (c *Core) send(fn func([]byte, netip.AddrPort) error, msg []byte, to netip.AddrPort, name string) bool {
	if err := fn(msg, to); err != nil {
		c.sendFailures.Add(1)
		c.logger.Warn(map[string]any{
			"to":    to.String(),
			"name":  name,
			"error": err.Error(),
		}, "Send failed")
		return false
	}
	return true
}

// MarkRunning flags the inbound listener as active.
func (c *Core) MarkRunning() { c.running.Set() }

// MarkStopped clears the running flag.
func (c *Core) MarkStopped() { c.running.UnSet() }

// MarkFailed records a setup failure. A failed core never runs again.
func (c *Core) MarkFailed(err error) {
	c.failErr.Store(&err)
	c.failed.Set()
	c.running.UnSet()
	c.logger.Error(map[string]any{"error": err.Error()}, "Proxy setup failed")
}

func (c *Core) QueryCount() uint64     { return c.queries.Load() }
func (c *Core) ForwardedCount() uint64 { return c.forwarded.Load() }
func (c *Core) RecordCount() int       { return int(c.recordCount.Load()) }
func (c *Core) IsRunning() bool        { return c.running.IsSet() }
func (c *Core) HasUpstream() bool      { return c.upstream.IsValid() }
func (c *Core) Failed() bool           { return c.failed.IsSet() }

// LastQuery returns the most recently parsed query name.
func (c *Core) LastQuery() string {
	if p := c.lastQuery.Load(); p != nil {
		return *p
	}
	return ""
}

// FailureReason returns the error passed to MarkFailed, if any.
func (c *Core) FailureReason() error {
	if p := c.failErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Stats returns a snapshot of every counter.
func (c *Core) Stats() Stats {
	return Stats{
		Queries:          c.queries.Load(),
		Forwarded:        c.forwarded.Load(),
		AnsweredLocal:    c.answeredLocal.Load(),
		NXDomain:         c.nxdomain.Load(),
		Resolved:         c.resolved.Load(),
		Expired:          c.expired.Load(),
		Dropped:          c.dropped.Load(),
		SendFailures:     c.sendFailures.Load(),
		Records:          c.RecordCount(),
		Pending:          int(c.pendingCount.Load()),
		PendingOverflows: c.overflows.Load(),
		LastQuery:        c.LastQuery(),
		Running:          c.IsRunning(),
		HasUpstream:      c.HasUpstream(),
		Failed:           c.Failed(),
	}
}

