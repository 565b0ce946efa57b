package bufev

import "github.com/coretex-io/bufev/internal/reactor"

// EventBase is the reactor dispatch loop that drives every BufferedEvent,
// Listener, and SignalEvent bound to it. It is re-exported here so callers
// outside this module can construct and run one; the implementation lives
// in internal/reactor.
type EventBase = reactor.EventBase

// NewBase creates an EventBase and its underlying OS poller (epoll on
// linux, kqueue on darwin and the BSDs).
func NewBase() (*EventBase, error) {
	return reactor.New()
}
