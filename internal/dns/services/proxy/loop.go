package proxy

import (
	"context"
	"net/netip"
	"time"

	"github.com/haukened/rr-dnsproxy/internal/dns/common/clock"
	"github.com/haukened/rr-dnsproxy/internal/dns/common/log"
)

const (
	DefaultTickInterval = 250 * time.Millisecond
	DefaultQueueSize    = 256
)

type eventKind uint8

const (
	clientEvent eventKind = iota
	upstreamEvent
)

type event struct {
	kind eventKind
	buf  []byte
	from netip.AddrPort
}

// LoopOptions configures a Loop.
type LoopOptions struct {
	TickInterval time.Duration
	QueueSize    int
	Clock        clock.Clock
	Logger       log.Logger
}

// Loop funnels datagrams from the transport's reader goroutines and the
// eviction ticker into a single goroutine that owns the Core. A forwarded
// query is written upstream before the next event is read.
type Loop struct {
	core   *Core
	events chan event
	tick   time.Duration
	clock  clock.Clock
	logger log.Logger
}

// NewLoop returns a Loop driving core.
func NewLoop(core *Core, opts LoopOptions) *Loop {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &Loop{
		core:   core,
		events: make(chan event, opts.QueueSize),
		tick:   opts.TickInterval,
		clock:  opts.Clock,
		logger: opts.Logger,
	}
}

// OnClientDatagram queues a client query. It never blocks.
func (l *Loop) OnClientDatagram(buf []byte, from netip.AddrPort) {
	l.enqueue(event{kind: clientEvent, buf: buf, from: from})
}

// OnUpstreamDatagram queues an upstream reply. It never blocks.
func (l *Loop) OnUpstreamDatagram(buf []byte, from netip.AddrPort) {
	l.enqueue(event{kind: upstreamEvent, buf: buf, from: from})
}

// enqueue gates on Failed, not IsRunning: the transport delivers before
// MarkRunning is called.
func (l *Loop) enqueue(ev event) {
	if l.core.Failed() {
		return
	}
	select {
	case l.events <- ev:
	default:
		l.core.CountDropped()
		l.logger.Warn(map[string]any{
			"from":  ev.from.String(),
			"queue": cap(l.events),
		}, "Event queue full, dropping datagram")
	}
}

// Run processes events until ctx is cancelled. It must be called once.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-l.events:
			l.dispatch(ev)
		case <-ticker.C:
			l.core.Tick(l.clock.Now())
		}
	}
}

func (l *Loop) dispatch(ev event) {
	if l.core.Failed() {
		return
	}
	switch ev.kind {
	case clientEvent:
		l.core.HandleClientDatagram(ev.buf, ev.from)
	case upstreamEvent:
		l.core.HandleUpstreamDatagram(ev.buf, ev.from)
	}
}

var _ DatagramHandler = (*Loop)(nil)
