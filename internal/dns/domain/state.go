package domain

import "fmt"

// QueryState is the lifecycle position of a single query as it passes
// through the proxy.
//
//	Received -> AnsweredLocal | AnsweredNXDomain | Forwarded
//	Forwarded -> Resolved | Expired
//
// Dropped and Failed cover datagrams that never reach one of those states.
type QueryState uint8

const (
	StateReceived QueryState = iota
	StateAnsweredLocal
	StateAnsweredNXDomain
	StateForwarded
	StateResolved
	StateExpired
	StateDropped
	StateFailed
)

// String returns the textual representation of the QueryState.
func (s QueryState) String() string {
	switch s {
	case StateReceived:
		return "RECEIVED"
	case StateAnsweredLocal:
		return "ANSWERED_LOCAL"
	case StateAnsweredNXDomain:
		return "ANSWERED_NXDOMAIN"
	case StateForwarded:
		return "FORWARDED"
	case StateResolved:
		return "RESOLVED"
	case StateExpired:
		return "EXPIRED"
	case StateDropped:
		return "DROPPED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal reports whether no further transition can happen.
func (s QueryState) IsTerminal() bool {
	switch s {
	case StateAnsweredLocal, StateAnsweredNXDomain, StateResolved, StateExpired, StateDropped, StateFailed:
		return true
	default:
		return false
	}
}
