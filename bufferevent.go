package bufev

import (
	"errors"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/coretex-io/bufev/internal/reactor"
)

// ReadCB is invoked when input occupancy crosses the read low watermark.
type ReadCB func(be *BufferedEvent, arg interface{})

// WriteCB is invoked when output occupancy drops to the write low watermark.
type WriteCB func(be *BufferedEvent, arg interface{})

// ErrorCB is invoked on EOF, a fatal I/O error, or a direction timeout
// (spec.md §3.3, §6.1). flags always contains exactly one of FlagRead/
// FlagWrite and at least one of FlagEOF/FlagError/FlagTimeout.
type ErrorCB func(be *BufferedEvent, flags ErrorFlags, arg interface{})

// BufferedEvent is the core of the package: an fd coupled to an input and
// an output Buffer, driven by a read and a write IoEvent, with watermark-
// gated callbacks. See spec.md §3.2-§4 for the full state machine; this
// type is not safe for concurrent use (spec.md §5).
type BufferedEvent struct {
	fd int

	input, output Buffer

	readEv, writeEv *reactor.IOEvent

	readTimeout, writeTimeout time.Duration
	wmRead, wmWrite           Watermark

	enabled Direction

	readCB  ReadCB
	writeCB WriteCB
	errorCB ErrorCB
	arg     interface{}

	base *reactor.EventBase

	pressure bool
	closed   bool
}

// New allocates a BufferedEvent over fd, which must already be in
// non-blocking mode (spec.md §6.2). errorCB is required. Initial state:
// buffers empty, enabled = {Write}, no timeouts, no watermarks.
func New(fd int, readCB ReadCB, writeCB WriteCB, errorCB ErrorCB, arg interface{}) (*BufferedEvent, error) {
	if errorCB == nil {
		return nil, errors.New("bufev: error callback is required")
	}
	be := &BufferedEvent{
		fd:      fd,
		readCB:  readCB,
		writeCB: writeCB,
		errorCB: errorCB,
		arg:     arg,
		enabled: Write,
	}
	be.readEv = reactor.NewIOEvent(fd, reactor.Read, be.onReadable)
	be.writeEv = reactor.NewIOEvent(fd, reactor.Write, be.onWritable)
	return be, nil
}

// Free deregisters both events and releases both buffers. The fd is left
// open; the caller must not use be again afterward.
func (be *BufferedEvent) Free() {
	if be.closed {
		return
	}
	be.readEv.Del()
	be.writeEv.Del()
	if be.pressure {
		be.input.SetOccupancyHook(nil)
		be.pressure = false
	}
	be.input = Buffer{}
	be.output = Buffer{}
	be.closed = true
}

// SetCB atomically replaces the callback quad.
func (be *BufferedEvent) SetCB(readCB ReadCB, writeCB WriteCB, errorCB ErrorCB, arg interface{}) error {
	if be.closed {
		return ErrClosed
	}
	if errorCB == nil {
		return errors.New("bufev: error callback is required")
	}
	be.readCB, be.writeCB, be.errorCB, be.arg = readCB, writeCB, errorCB, arg
	return nil
}

// SetFD deregisters both events, rebinds them to fd, and updates the fd
// BufferedEvent reads/writes through. Directions are not automatically
// re-enabled (spec.md §4.1's set_fd, §9's open question: this matches the
// source and may surprise callers, so it is documented rather than changed).
func (be *BufferedEvent) SetFD(fd int) error {
	if be.closed {
		return ErrClosed
	}
	be.readEv.Del()
	be.writeEv.Del()
	if be.pressure {
		be.input.SetOccupancyHook(nil)
		be.pressure = false
	}
	if err := be.readEv.Rebind(fd); err != nil {
		return err
	}
	if err := be.writeEv.Rebind(fd); err != nil {
		return err
	}
	be.fd = fd
	if be.base != nil {
		if err := be.readEv.Bind(be.base); err != nil {
			return err
		}
		if err := be.writeEv.Bind(be.base); err != nil {
			return err
		}
	}
	return nil
}

// BaseSet associates both events with base. Must be called before any
// operation that arms events on that base.
func (be *BufferedEvent) BaseSet(base *reactor.EventBase) error {
	if be.closed {
		return ErrClosed
	}
	if err := be.readEv.Bind(base); err != nil {
		return err
	}
	if err := be.writeEv.Bind(base); err != nil {
		return err
	}
	be.base = base
	return nil
}

// PrioritySet sets the same priority on both events.
func (be *BufferedEvent) PrioritySet(pri int) error {
	if be.closed {
		return ErrClosed
	}
	if err := be.readEv.SetPriority(pri); err != nil {
		return err
	}
	return be.writeEv.SetPriority(pri)
}

// Enable arms the requested directions. A direction that fails to arm is
// left out of enabled; the first failure stops processing further
// directions in dirs (spec.md §4.1).
func (be *BufferedEvent) Enable(dirs Direction) error {
	if be.closed {
		return ErrClosed
	}
	if be.base == nil {
		return ErrNoBase
	}
	if dirs.has(Read) {
		be.enabled |= Read
		if err := be.syncRead(); err != nil {
			be.enabled &^= Read
			return wrapArmErr("enable", Read, err)
		}
	}
	if dirs.has(Write) {
		be.enabled |= Write
		if err := be.syncWrite(); err != nil {
			be.enabled &^= Write
			return wrapArmErr("enable", Write, err)
		}
	}
	return nil
}

// Disable removes the requested directions from enabled and deregisters
// their events, cancelling any pending arm (including a pending timeout).
func (be *BufferedEvent) Disable(dirs Direction) error {
	if be.closed {
		return ErrClosed
	}
	if dirs.has(Read) {
		be.enabled &^= Read
		if err := be.readEv.Del(); err != nil {
			return wrapArmErr("disable", Read, err)
		}
		if be.pressure {
			be.input.SetOccupancyHook(nil)
			be.pressure = false
		}
	}
	if dirs.has(Write) {
		be.enabled &^= Write
		if err := be.writeEv.Del(); err != nil {
			return wrapArmErr("disable", Write, err)
		}
	}
	return nil
}

// SetTimeout updates the per-direction inactivity timeouts. A direction
// whose event is currently pending is re-armed immediately with the new
// timeout, preserving its other parameters.
func (be *BufferedEvent) SetTimeout(readTimeout, writeTimeout time.Duration) error {
	if be.closed {
		return ErrClosed
	}
	be.readTimeout = readTimeout
	be.writeTimeout = writeTimeout
	if be.readEv.Pending() {
		if err := be.readEv.Add(be.readTimeout); err != nil {
			return wrapArmErr("set_timeout", Read, err)
		}
	}
	if be.writeEv.Pending() {
		if err := be.writeEv.Add(be.writeTimeout); err != nil {
			return wrapArmErr("set_timeout", Write, err)
		}
	}
	return nil
}

// SetWatermark updates the watermark pairs for the requested directions,
// then re-evaluates read pressure immediately (spec.md §4.1's set_watermark
// simulates an occupancy-change on input so a watermark change that lifts
// pressure resumes reading without waiting for new data).
func (be *BufferedEvent) SetWatermark(dirs Direction, low, high int) error {
	if be.closed {
		return ErrClosed
	}
	if low > 0 && high > 0 && low > high {
		return ErrInvalidWatermark
	}
	if dirs.has(Read) {
		be.wmRead = Watermark{Low: low, High: high}
	}
	if dirs.has(Write) {
		be.wmWrite = Watermark{Low: low, High: high}
	}
	return be.reevaluateReadPressure()
}

// Write appends bytes to the output buffer and, if WRITE is enabled, arms
// the write event. Never blocks.
func (be *BufferedEvent) Write(p []byte) error {
	if be.closed {
		return ErrClosed
	}
	if len(p) == 0 {
		return nil
	}
	be.output.Append(p)
	if be.enabled.has(Write) {
		if err := be.writeEv.Add(be.writeTimeout); err != nil {
			return wrapArmErr("write", Write, err)
		}
	}
	return nil
}

// WriteBuffer appends src's contents to output and drains src by the
// written count. On failure src is left untouched.
func (be *BufferedEvent) WriteBuffer(src *Buffer) error {
	if be.closed {
		return ErrClosed
	}
	n := src.Len()
	if n == 0 {
		return nil
	}
	if err := be.Write(src.Bytes()); err != nil {
		return err
	}
	src.Drain(n)
	return nil
}

// Read copies up to len(dst) bytes from the head of the input buffer into
// dst, drains that many bytes, and returns the count copied.
func (be *BufferedEvent) Read(dst []byte) int {
	if be.closed {
		return 0
	}
	n := copy(dst, be.input.Bytes())
	be.input.Drain(n)
	return n
}

// InputLen returns the current input buffer occupancy.
func (be *BufferedEvent) InputLen() int { return be.input.Len() }

// OutputLen returns the current output buffer occupancy.
func (be *BufferedEvent) OutputLen() int { return be.output.Len() }

// syncRead registers/deregisters the read event to match invariant 1:
// registered iff Read is enabled and input is not in pressure.
func (be *BufferedEvent) syncRead() error {
	if be.enabled.has(Read) && !be.pressure {
		return be.readEv.Add(be.readTimeout)
	}
	return be.readEv.Del()
}

// syncWrite registers/deregisters the write event to match invariant 1:
// registered iff Write is enabled and output has pending bytes.
func (be *BufferedEvent) syncWrite() error {
	if be.enabled.has(Write) && be.output.Len() > 0 {
		return be.writeEv.Add(be.writeTimeout)
	}
	return be.writeEv.Del()
}

func (be *BufferedEvent) enterReadPressure() {
	be.readEv.Del()
	be.pressure = true
	be.input.SetOccupancyHook(be.onInputLenChange)
}

// onInputLenChange is the input-occupancy hook (spec.md §4.3): installed
// only while read pressure is active, it fires after every length change
// and releases pressure the first time the buffer drops back under the
// high watermark.
func (be *BufferedEvent) onInputLenChange(oldLen, newLen int) {
	if !be.pressure {
		return
	}
	if be.wmRead.High == 0 || newLen < be.wmRead.High {
		be.input.SetOccupancyHook(nil)
		be.pressure = false
		if be.enabled.has(Read) {
			be.readEv.Add(be.readTimeout)
		}
	}
}

// reevaluateReadPressure simulates an input occupancy-change so a
// set_watermark call that lowers or disables the high watermark resumes
// reading synchronously rather than waiting for the next readiness firing.
func (be *BufferedEvent) reevaluateReadPressure() error {
	if be.pressure {
		be.onInputLenChange(be.input.Len(), be.input.Len())
		return nil
	}
	if be.enabled.has(Read) && be.wmRead.High > 0 && be.input.Len() >= be.wmRead.High {
		be.enterReadPressure()
	}
	return nil
}

// onReadable is the internal read handler (spec.md §4.2), bound as the
// read IoEvent's callback.
func (be *BufferedEvent) onReadable(timedOut bool) {
	if timedOut {
		be.reportError(Read, FlagTimeout)
		return
	}

	budget := Unbounded
	if be.wmRead.High > 0 {
		budget = be.wmRead.High - be.input.Len()
		if budget <= 0 {
			be.enterReadPressure()
			return
		}
	}

	n, err := be.input.ReadFromFD(be.fd, budget)
	if n < 0 {
		if errno, ok := err.(syscall.Errno); ok && (errno == unix.EAGAIN || errno == unix.EINTR) {
			be.readEv.Add(be.readTimeout)
			return
		}
		be.reportError(Read, FlagError)
		return
	}
	if n == 0 {
		be.reportError(Read, FlagEOF)
		return
	}

	be.readEv.Add(be.readTimeout)

	length := be.input.Len()
	fire := true
	if be.wmRead.Low > 0 && length < be.wmRead.Low {
		fire = false
	}
	if be.wmRead.High > 0 && length >= be.wmRead.High {
		be.enterReadPressure()
	}
	if fire && be.readCB != nil {
		be.readCB(be, be.arg)
	}
}

// onWritable is the internal write handler (spec.md §4.4), bound as the
// write IoEvent's callback.
func (be *BufferedEvent) onWritable(timedOut bool) {
	if timedOut {
		be.reportError(Write, FlagTimeout)
		return
	}

	if be.output.Len() > 0 {
		n, err := be.output.WriteToFD(be.fd)
		if n < 0 {
			errno, ok := err.(syscall.Errno)
			if ok && (errno == unix.EAGAIN || errno == unix.EINTR || errno == unix.EINPROGRESS) {
				if be.output.Len() > 0 {
					be.writeEv.Add(be.writeTimeout)
				}
				return
			}
			be.reportError(Write, FlagError)
			return
		}
		if n == 0 {
			be.reportError(Write, FlagEOF)
			return
		}
	}

	if be.output.Len() > 0 {
		be.writeEv.Add(be.writeTimeout)
	}
	if be.output.Len() <= be.wmWrite.Low && be.writeCB != nil {
		be.writeCB(be, be.arg)
	}
}

// reportError deregisters the failing direction's event (spec.md §4.6: an
// error leaves the direction Armed-deregistered, no auto re-arm) and
// invokes errorCB last, after all bookkeeping, so the callback may freely
// disable/free/rebind be.
func (be *BufferedEvent) reportError(dir Direction, extra ErrorFlags) {
	if dir == Read {
		be.readEv.Del()
		if be.pressure {
			be.input.SetOccupancyHook(nil)
			be.pressure = false
		}
	} else {
		be.writeEv.Del()
	}

	dirFlag := FlagWrite
	if dir == Read {
		dirFlag = FlagRead
	}
	flags := dirFlag | extra

	if be.errorCB != nil {
		be.errorCB(be, flags, be.arg)
	}
}
