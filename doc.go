// Package bufev implements a buffered event: a non-blocking fd coupled to
// an input and an output byte buffer, driven by readiness notifications
// from an internal/reactor.EventBase and exposing "data arrived"/"output
// drained"/"error" callbacks with watermark-based flow control.
//
// A BufferedEvent is single-threaded and cooperative: every method and
// every callback it invokes runs on the owning EventBase's Dispatch
// goroutine, and none of it is safe for concurrent use from multiple
// goroutines (the exceptions are EventBase.Post/Break/Shutdown, which exist
// precisely to marshal work onto that goroutine from elsewhere).
package bufev
