package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/haukened/rr-dnsproxy/internal/dns/common/log"
	"github.com/haukened/rr-dnsproxy/internal/dns/services/proxy"
)

const (
	// MaxDatagramSize is the classic DNS over UDP message limit (RFC 1035 4.2.1).
	// Client queries are read with this buffer.
	MaxDatagramSize = 512

	// MaxUpstreamDatagramSize fits any UDP payload. Replies to EDNS0 queries
	// exceed 512 bytes and are relayed whole.
	MaxUpstreamDatagramSize = 65535
)

// Options configures a UDPTransport.
type Options struct {
	// Addr is the client listen address, e.g. ":53".
	Addr string
	// Forwarding opens the upstream socket.
	Forwarding bool
	Logger     log.Logger
}

// UDPTransport implements ServerTransport over IPv4 UDP. Each socket has
// its own reader goroutine; every datagram is copied before it is handed
// to the handler, so the handler may keep and modify it.
type UDPTransport struct {
	addr       string
	forwarding bool
	logger     log.Logger

	client   *net.UDPConn
	upstream *net.UDPConn

	// Synchronization for graceful shutdown
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewUDPTransport creates a new UDP transport instance.
func NewUDPTransport(opts Options) *UDPTransport {
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &UDPTransport{
		addr:       opts.Addr,
		forwarding: opts.Forwarding,
		logger:     opts.Logger,
	}
}

// Start binds the client listener and, when forwarding, the upstream
// socket, then starts both read loops. A bind failure is returned and
// leaves no socket open.
func (t *UDPTransport) Start(ctx context.Context, handler proxy.DatagramHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("UDP transport already running")
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", t.addr)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %s: %w", t.addr, err)
	}

	client, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to bind UDP socket on %s: %w", t.addr, err)
	}

	var upstream *net.UDPConn
	if t.forwarding {
		upstream, err = net.ListenUDP("udp4", &net.UDPAddr{})
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to open upstream UDP socket: %w", err)
		}
	}

	t.client = client
	t.upstream = upstream
	t.stopCh = make(chan struct{})
	t.running = true

	fields := map[string]any{
		"transport": "udp",
		"address":   client.LocalAddr().String(),
	}
	if upstream != nil {
		fields["upstream_socket"] = upstream.LocalAddr().String()
	}
	t.logger.Info(fields, "DNS transport started")

	t.wg.Add(1)
	go t.readLoop(client, MaxDatagramSize, handler.OnClientDatagram)
	if upstream != nil {
		t.wg.Add(1)
		go t.readLoop(upstream, MaxUpstreamDatagramSize, handler.OnUpstreamDatagram)
	}

	stopCh := t.stopCh
	go func() {
		select {
		case <-ctx.Done():
			t.logger.Debug(nil, "UDP transport stopping due to context cancellation")
			_ = t.Stop()
		case <-stopCh:
		}
	}()

	return nil
}

// Stop closes both sockets and waits for the read loops to exit.
func (t *UDPTransport) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	close(t.stopCh)

	var closeErr error
	for _, c := range []*net.UDPConn{t.client, t.upstream} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			closeErr = err
			t.logger.Warn(map[string]any{
				"error": err.Error(),
			}, "Error closing UDP connection")
		}
	}
	t.mu.Unlock()

	t.wg.Wait()

	t.logger.Info(map[string]any{
		"transport": "udp",
		"address":   t.addr,
	}, "DNS transport stopped")

	return closeErr
}

// Address returns the bound client address while running, otherwise the
// configured one.
func (t *UDPTransport) Address() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.running && t.client != nil {
		return t.client.LocalAddr().String()
	}
	return t.addr
}

// SendToClient writes msg to a client from the listening socket.
func (t *UDPTransport) SendToClient(msg []byte, to netip.AddrPort) error {
	t.mu.RLock()
	conn := t.client
	t.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("client socket not open")
	}
	_, err := conn.WriteToUDPAddrPort(msg, to)
	return err
}

// SendToUpstream writes msg to the upstream resolver from the upstream socket.
func (t *UDPTransport) SendToUpstream(msg []byte, to netip.AddrPort) error {
	t.mu.RLock()
	conn := t.upstream
	t.mu.RUnlock()
	if conn == nil {
		return ErrNoUpstreamSocket
	}
	_, err := conn.WriteToUDPAddrPort(msg, to)
	return err
}

// readLoop reads datagrams of up to size bytes from conn until it is closed.
func (t *UDPTransport) readLoop(conn *net.UDPConn, size int, deliver func([]byte, netip.AddrPort)) {
	defer t.wg.Done()
	buffer := make([]byte, size)

	for {
		n, from, err := conn.ReadFromUDPAddrPort(buffer)
		if err != nil {
			t.mu.RLock()
			running := t.running
			t.mu.RUnlock()

			if !running {
				return // Normal shutdown
			}

			t.logger.Warn(map[string]any{
				"error": err.Error(),
			}, "Failed to read UDP packet")
			continue
		}

		packet := make([]byte, n)
		copy(packet, buffer[:n])
		deliver(packet, netip.AddrPortFrom(from.Addr().Unmap(), from.Port()))
	}
}

var _ ServerTransport = (*UDPTransport)(nil)
