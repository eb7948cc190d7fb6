package proxy_test

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-dnsproxy/internal/dns/common/clock"
	"github.com/haukened/rr-dnsproxy/internal/dns/common/log"
	"github.com/haukened/rr-dnsproxy/internal/dns/domain"
	"github.com/haukened/rr-dnsproxy/internal/dns/gateways/wire"
	"github.com/haukened/rr-dnsproxy/internal/dns/repos/pending"
	"github.com/haukened/rr-dnsproxy/internal/dns/repos/records"
	"github.com/haukened/rr-dnsproxy/internal/dns/services/proxy"
)

type MockSender struct {
	mock.Mock
}

func (m *MockSender) SendToClient(msg []byte, to netip.AddrPort) error {
	args := m.Called(msg, to)
	return args.Error(0)
}

func (m *MockSender) SendToUpstream(msg []byte, to netip.AddrPort) error {
	args := m.Called(msg, to)
	return args.Error(0)
}

// sent returns the message passed on the nth call to method.
func (m *MockSender) sent(t *testing.T, method string, n int) []byte {
	t.Helper()
	i := 0
	for _, c := range m.Calls {
		if c.Method != method {
			continue
		}
		if i == n {
			return c.Arguments.Get(0).([]byte)
		}
		i++
	}
	t.Fatalf("no call %d to %s", n, method)
	return nil
}

type fixedIDs struct {
	ids  []uint16
	next int
}

func (f *fixedIDs) Uint16() uint16 {
	id := f.ids[f.next%len(f.ids)]
	f.next++
	return id
}

var (
	t0       = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	client   = netip.MustParseAddrPort("192.168.1.50:40000")
	upstream = netip.MustParseAddrPort("192.168.1.1:53")
)

type fixture struct {
	core    *proxy.Core
	sender  *MockSender
	pending *pending.Table
	records *records.Store
	clock   *clock.MockClock
}

func newFixture(t *testing.T, up netip.AddrPort, ids ...uint16) *fixture {
	t.Helper()
	popts := pending.Options{}
	if len(ids) > 0 {
		popts.IDs = &fixedIDs{ids: ids}
	}
	tbl, err := pending.New(popts)
	require.NoError(t, err)

	f := &fixture{
		sender:  &MockSender{},
		pending: tbl,
		records: records.New(records.Options{}),
		clock:   clock.NewMockClock(t0),
	}
	f.core = proxy.New(proxy.Options{
		Codec:    wire.NewUDPCodec(log.NewNoopLogger()),
		Records:  f.records,
		Pending:  f.pending,
		Sender:   f.sender,
		Clock:    f.clock,
		Logger:   log.NewNoopLogger(),
		Upstream: up,
	})
	return f
}

func packQuery(t *testing.T, id uint16, name string) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.Id = id
	b, err := m.Pack()
	require.NoError(t, err)
	return b
}

func unpack(t *testing.T, b []byte) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	require.NoError(t, m.Unpack(b))
	return m
}

func TestCore_ExactMatch(t *testing.T) {
	f := newFixture(t, netip.AddrPort{})
	require.NoError(t, f.core.AddRecord("a.example", "10.0.0.5"))
	f.sender.On("SendToClient", mock.Anything, client).Return(nil)

	state := f.core.HandleClientDatagram(packQuery(t, 0x1234, "a.example"), client)
	assert.Equal(t, domain.StateAnsweredLocal, state)

	resp := unpack(t, f.sender.sent(t, "SendToClient", 0))
	assert.Equal(t, uint16(0x1234), resp.Id)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", a.A.String())
	assert.Equal(t, uint32(60), a.Hdr.Ttl)

	assert.Equal(t, uint64(1), f.core.QueryCount())
	assert.Equal(t, "a.example", f.core.LastQuery())
	assert.Equal(t, uint64(1), f.core.Stats().AnsweredLocal)
	f.sender.AssertNotCalled(t, "SendToUpstream", mock.Anything, mock.Anything)
}

func TestCore_WildcardStrictSuffix(t *testing.T) {
	f := newFixture(t, netip.AddrPort{})
	require.NoError(t, f.core.AddRecord("*.example.com", "10.0.0.9"))
	f.sender.On("SendToClient", mock.Anything, client).Return(nil)

	state := f.core.HandleClientDatagram(packQuery(t, 1, "foo.example.com"), client)
	assert.Equal(t, domain.StateAnsweredLocal, state)
	resp := unpack(t, f.sender.sent(t, "SendToClient", 0))
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "10.0.0.9", resp.Answer[0].(*dns.A).A.String())

	state = f.core.HandleClientDatagram(packQuery(t, 2, "example.com"), client)
	assert.Equal(t, domain.StateAnsweredNXDomain, state)
	resp = unpack(t, f.sender.sent(t, "SendToClient", 1))
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
}

func TestCore_WildcardBareSuffixForwards(t *testing.T) {
	f := newFixture(t, upstream, 0x4242)
	require.NoError(t, f.core.AddRecord("*.example.com", "10.0.0.9"))
	f.sender.On("SendToUpstream", mock.Anything, upstream).Return(nil)

	state := f.core.HandleClientDatagram(packQuery(t, 2, "example.com"), client)
	assert.Equal(t, domain.StateForwarded, state)
}

func TestCore_NXDomainWithoutUpstream(t *testing.T) {
	f := newFixture(t, netip.AddrPort{})
	f.sender.On("SendToClient", mock.Anything, client).Return(nil)

	q := packQuery(t, 0xABCD, "nothing.test")
	question := append([]byte(nil), q[domain.HeaderLen:]...)

	state := f.core.HandleClientDatagram(q, client)
	assert.Equal(t, domain.StateAnsweredNXDomain, state)

	raw := f.sender.sent(t, "SendToClient", 0)
	resp := unpack(t, raw)
	assert.Equal(t, uint16(0xABCD), resp.Id)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
	assert.Empty(t, resp.Answer)
	assert.Equal(t, question, raw[domain.HeaderLen:])

	assert.False(t, f.core.HasUpstream())
	assert.Equal(t, uint64(1), f.core.Stats().NXDomain)
}

func TestCore_ForwardRewritesID(t *testing.T) {
	f := newFixture(t, upstream, 0x1234, 0xBEEF)
	f.sender.On("SendToUpstream", mock.Anything, upstream).Return(nil)

	state := f.core.HandleClientDatagram(packQuery(t, 0x1234, "remote.example"), client)
	assert.Equal(t, domain.StateForwarded, state)

	out := f.sender.sent(t, "SendToUpstream", 0)
	assert.Equal(t, []byte{0xBE, 0xEF}, out[:2])
	assert.Equal(t, "remote.example.", unpack(t, out).Question[0].Name)

	assert.Equal(t, 1, f.pending.Len())
	entry, ok := f.pending.Resolve(0xBEEF)
	require.True(t, ok)
	assert.Equal(t, uint16(0x1234), entry.OriginalID)
	assert.Equal(t, client, entry.Client)
	assert.Equal(t, t0, entry.CreatedAt)

	assert.Equal(t, uint64(1), f.core.ForwardedCount())
	assert.Equal(t, uint64(1), f.core.QueryCount())
	f.sender.AssertNotCalled(t, "SendToClient", mock.Anything, mock.Anything)
}

func TestCore_RoundTrip(t *testing.T) {
	f := newFixture(t, upstream, 0x0777)
	f.sender.On("SendToUpstream", mock.Anything, upstream).Return(nil)
	f.sender.On("SendToClient", mock.Anything, client).Return(nil)

	f.core.HandleClientDatagram(packQuery(t, 0x1111, "remote.example"), client)

	reply := new(dns.Msg)
	reply.SetQuestion("remote.example.", dns.TypeA)
	reply.Id = 0x0777
	reply.Response = true
	reply.Answer = append(reply.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: "remote.example.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   []byte{93, 184, 216, 34},
	})
	raw, err := reply.Pack()
	require.NoError(t, err)

	state := f.core.HandleUpstreamDatagram(append([]byte(nil), raw...), upstream)
	assert.Equal(t, domain.StateResolved, state)

	got := unpack(t, f.sender.sent(t, "SendToClient", 0))
	assert.Equal(t, uint16(0x1111), got.Id)
	require.Len(t, got.Answer, 1)
	assert.Equal(t, uint32(300), got.Answer[0].Header().Ttl, "upstream reply relayed unchanged")
	assert.Equal(t, 0, f.pending.Len())

	// second copy of the same reply is dropped
	state = f.core.HandleUpstreamDatagram(append([]byte(nil), raw...), upstream)
	assert.Equal(t, domain.StateDropped, state)
	f.sender.AssertNumberOfCalls(t, "SendToClient", 1)
	assert.Equal(t, uint64(1), f.core.Stats().Resolved)
}

func TestCore_EvictionAndLateReply(t *testing.T) {
	f := newFixture(t, upstream, 0x0999)
	f.sender.On("SendToUpstream", mock.Anything, upstream).Return(nil)

	f.core.HandleClientDatagram(packQuery(t, 0x2222, "slow.example"), client)
	require.Equal(t, 1, f.pending.Len())

	assert.Equal(t, 0, f.core.Tick(t0.Add(4999*time.Millisecond)))
	assert.Equal(t, 1, f.pending.Len())

	assert.Equal(t, 1, f.core.Tick(t0.Add(5001*time.Millisecond)))
	assert.Equal(t, 0, f.pending.Len())

	before := f.core.Stats()
	assert.Equal(t, uint64(1), before.Expired)
	assert.Equal(t, 0, before.Pending)

	late := packQuery(t, 0x0999, "slow.example")
	state := f.core.HandleUpstreamDatagram(late, upstream)
	assert.Equal(t, domain.StateDropped, state)
	f.sender.AssertNotCalled(t, "SendToClient", mock.Anything, mock.Anything)

	after := f.core.Stats()
	assert.Equal(t, before, after, "late reply changes no counter")
}

func TestCore_ForwardSendFailureRollsBack(t *testing.T) {
	f := newFixture(t, upstream, 0x0555)
	f.sender.On("SendToUpstream", mock.Anything, upstream).Return(errors.New("network unreachable"))

	state := f.core.HandleClientDatagram(packQuery(t, 0x3333, "remote.example"), client)
	assert.Equal(t, domain.StateFailed, state)
	assert.Equal(t, 0, f.pending.Len())
	assert.Equal(t, uint64(0), f.core.ForwardedCount())
	assert.Equal(t, uint64(1), f.core.QueryCount())
	assert.Equal(t, uint64(1), f.core.Stats().SendFailures)
}

func TestCore_ClientSendFailure(t *testing.T) {
	f := newFixture(t, netip.AddrPort{})
	require.NoError(t, f.core.AddRecord("a.example", "10.0.0.5"))
	f.sender.On("SendToClient", mock.Anything, client).Return(errors.New("boom"))

	assert.Equal(t, domain.StateFailed, f.core.HandleClientDatagram(packQuery(t, 1, "a.example"), client))
	assert.Equal(t, domain.StateFailed, f.core.HandleClientDatagram(packQuery(t, 2, "b.example"), client))

	st := f.core.Stats()
	assert.Equal(t, uint64(2), st.SendFailures)
	assert.Equal(t, uint64(0), st.AnsweredLocal)
	assert.Equal(t, uint64(0), st.NXDomain)
}

func TestCore_ShortDatagrams(t *testing.T) {
	f := newFixture(t, upstream)

	assert.Equal(t, domain.StateDropped, f.core.HandleClientDatagram(make([]byte, 11), client))
	assert.Equal(t, domain.StateDropped, f.core.HandleUpstreamDatagram([]byte{1, 2, 3}, upstream))
	assert.Equal(t, domain.StateDropped, f.core.HandleClientDatagram(nil, client))

	st := f.core.Stats()
	assert.Equal(t, uint64(0), st.Queries)
	assert.Equal(t, uint64(3), st.Dropped)
	f.sender.AssertNotCalled(t, "SendToClient", mock.Anything, mock.Anything)
	f.sender.AssertNotCalled(t, "SendToUpstream", mock.Anything, mock.Anything)
}

func TestCore_HeaderOnlyQuery(t *testing.T) {
	f := newFixture(t, netip.AddrPort{})
	f.sender.On("SendToClient", mock.Anything, client).Return(nil)

	q := make([]byte, domain.HeaderLen)
	q[0], q[1] = 0x00, 0x07
	assert.Equal(t, domain.StateAnsweredNXDomain, f.core.HandleClientDatagram(q, client))
	assert.Equal(t, "", f.core.LastQuery())
}

func TestCore_AddRecordReplaces(t *testing.T) {
	f := newFixture(t, netip.AddrPort{})
	f.sender.On("SendToClient", mock.Anything, client).Return(nil)

	require.NoError(t, f.core.AddRecord("host.lan", "10.0.0.1"))
	require.NoError(t, f.core.AddRecord("host.lan", "10.0.0.2"))
	assert.Equal(t, 1, f.core.RecordCount())

	f.core.HandleClientDatagram(packQuery(t, 1, "host.lan"), client)
	resp := unpack(t, f.sender.sent(t, "SendToClient", 0))
	assert.Equal(t, "10.0.0.2", resp.Answer[0].(*dns.A).A.String())

	assert.Error(t, f.core.AddRecord("bad.lan", "not-an-ip"))
	assert.Equal(t, 1, f.core.RecordCount())
}

func TestCore_RecordCountFromStore(t *testing.T) {
	store := records.New(records.Options{})
	require.NoError(t, store.AddString("a.lan", "10.0.0.1"))
	require.NoError(t, store.AddString("*.b.lan", "10.0.0.2"))

	tbl, err := pending.New(pending.Options{})
	require.NoError(t, err)
	c := proxy.New(proxy.Options{
		Codec:   wire.NewUDPCodec(nil),
		Records: store,
		Pending: tbl,
		Sender:  &MockSender{},
	})
	assert.Equal(t, 2, c.RecordCount())
}

func TestCore_Lifecycle(t *testing.T) {
	f := newFixture(t, upstream)
	assert.False(t, f.core.IsRunning())
	assert.True(t, f.core.HasUpstream())

	f.core.MarkRunning()
	assert.True(t, f.core.IsRunning())
	f.core.MarkStopped()
	assert.False(t, f.core.IsRunning())

	f.core.MarkRunning()
	bindErr := errors.New("address already in use")
	f.core.MarkFailed(bindErr)
	assert.False(t, f.core.IsRunning())
	assert.True(t, f.core.Failed())
	assert.ErrorIs(t, f.core.FailureReason(), bindErr)

	st := f.core.Stats()
	assert.True(t, st.Failed)
	assert.False(t, st.Running)
	assert.True(t, st.HasUpstream)
}

func TestCore_NoFailureReason(t *testing.T) {
	f := newFixture(t, netip.AddrPort{})
	assert.NoError(t, f.core.FailureReason())
	assert.Equal(t, "", f.core.LastQuery())
}

// With random ids, queries forwarded within one pending window never
// share an id while their predecessors are still pending.
func TestCore_ForwardedIDsDoNotCollide(t *testing.T) {
	f := newFixture(t, upstream)
	f.sender.On("SendToUpstream", mock.Anything, upstream).Return(nil)

	const n = 2000
	seen := make(map[uint16]struct{}, n)
	for i := 0; i < n; i++ {
		q := packQuery(t, uint16(i), "remote.example")
		require.Equal(t, domain.StateForwarded, f.core.HandleClientDatagram(q, client))
		id := uint16(q[0])<<8 | uint16(q[1])
		_, dup := seen[id]
		require.False(t, dup, "forwarded id %#04x reused while pending", id)
		seen[id] = struct{}{}
		f.clock.Advance(time.Millisecond)
	}
	assert.Equal(t, n, f.pending.Len())
}

func TestCore_StatsReportPendingOverflows(t *testing.T) {
	tbl, err := pending.New(pending.Options{Capacity: 2, IDs: &fixedIDs{ids: []uint16{1, 2, 3, 4}}})
	require.NoError(t, err)
	sender := &MockSender{}
	sender.On("SendToUpstream", mock.Anything, upstream).Return(nil)
	core := proxy.New(proxy.Options{
		Codec:    wire.NewUDPCodec(log.NewNoopLogger()),
		Records:  records.New(records.Options{}),
		Pending:  tbl,
		Sender:   sender,
		Clock:    clock.NewMockClock(t0),
		Upstream: upstream,
	})

	for i := 0; i < 4; i++ {
		require.Equal(t, domain.StateForwarded, core.HandleClientDatagram(packQuery(t, uint16(0x100+i), "remote.example"), client))
	}

	st := core.Stats()
	assert.Equal(t, uint64(2), st.PendingOverflows)
	assert.Equal(t, 2, st.Pending)
	assert.Equal(t, uint64(4), st.Forwarded)

	_, ok := tbl.Resolve(1)
	assert.False(t, ok, "oldest entry was dropped")
	_, ok = tbl.Resolve(4)
	assert.True(t, ok)
}
