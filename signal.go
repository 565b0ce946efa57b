package bufev

import (
	"os"
	"os/signal"

	"github.com/coretex-io/bufev/internal/reactor"
)

// SignalCB is invoked on the owning EventBase's Dispatch goroutine, never
// directly from the Go runtime's signal-delivery goroutine.
type SignalCB func(se *SignalEvent, sig os.Signal)

// SignalEvent is the evsignal analogue (SPEC_FULL.md §C.2): it relays OS
// signals onto an EventBase's Dispatch goroutine via Post, so a signal
// callback gets the same non-reentrancy guarantee as every other callback
// in this package.
type SignalEvent struct {
	base   *reactor.EventBase
	ch     chan os.Signal
	cb     SignalCB
	done   chan struct{}
	closed bool
}

// NewSignalEvent starts relaying sigs to cb via base.
func NewSignalEvent(base *reactor.EventBase, cb SignalCB, sigs ...os.Signal) *SignalEvent {
	se := &SignalEvent{
		base: base,
		ch:   make(chan os.Signal, 1),
		cb:   cb,
		done: make(chan struct{}),
	}
	signal.Notify(se.ch, sigs...)
	go se.relay()
	return se
}

func (se *SignalEvent) relay() {
	for {
		select {
		case sig, ok := <-se.ch:
			if !ok {
				return
			}
			se.base.Post(func() {
				if se.closed || se.cb == nil {
					return
				}
				se.cb(se, sig)
			})
		case <-se.done:
			return
		}
	}
}

// Close stops signal delivery. A signal already posted to the base but not
// yet run when Close is called does not reach the callback.
func (se *SignalEvent) Close() {
	if se.closed {
		return
	}
	se.closed = true
	signal.Stop(se.ch)
	close(se.done)
}
