// Package transport owns the proxy's UDP sockets: the listener clients
// query and the unbound socket used to talk to the upstream resolver.
package transport

import (
	"context"
	"errors"

	"github.com/haukened/rr-dnsproxy/internal/dns/services/proxy"
)

// ErrNoUpstreamSocket is returned by SendToUpstream when forwarding is disabled.
var ErrNoUpstreamSocket = errors.New("upstream socket not open")

// ServerTransport is implemented by transports that feed datagrams into
// the proxy and perform the sends it requests.
type ServerTransport interface {
	proxy.Sender

	// Start binds the sockets and begins delivering datagrams to handler.
	Start(ctx context.Context, handler proxy.DatagramHandler) error

	// Stop closes every socket. It is safe to call more than once.
	Stop() error

	// Address returns the address clients query.
	Address() string
}
