package bufev

import "golang.org/x/sys/unix"

// Unbounded is the read-budget sentinel passed to Buffer.ReadFromFD when no
// high watermark constrains how much to read: "let the buffer pick its own
// read size" (spec.md §4.2 step 2, §9's note on not encoding this as -1 in
// an unsigned type — here the budget is already a signed int, so -1 is an
// ordinary, unambiguous sentinel rather than an underflowed unsigned value).
const Unbounded = -1

// defaultReadChunk is the read size Buffer.ReadFromFD uses under Unbounded.
// Grounded on socket515-gaio/watcher.go's own internal swap buffer, whose
// size is caller-configurable there (NewWatcherSize(bufsize)) but was not
// itself given a retrievable default constant in this pack; 4096 is the
// conventional single-syscall socket read chunk.
const defaultReadChunk = 4096

// occupancyHook is invoked after Buffer's length changes, with the length
// immediately before and immediately after the mutation (spec.md §4.5). At
// most one hook is installed at a time (spec.md §3.3 invariant 2).
type occupancyHook func(oldLen, newLen int)

// Buffer is a byte queue with head-drain semantics and direct fd I/O
// helpers, spec.md §4.5's Buffer collaborator.
type Buffer struct {
	buf  []byte
	off  int
	hook occupancyHook
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int { return len(b.buf) - b.off }

// Bytes returns a read-only view of the head region. The slice is only
// valid until the next mutating call on b.
func (b *Buffer) Bytes() []byte { return b.buf[b.off:] }

// SetOccupancyHook installs fn as the single occupancy hook, replacing any
// previously installed hook. Passing nil clears it.
func (b *Buffer) SetOccupancyHook(fn func(oldLen, newLen int)) {
	b.hook = fn
}

func (b *Buffer) fire(oldLen int) {
	if b.hook != nil {
		b.hook(oldLen, b.Len())
	}
}

// Append adds p to the tail of the buffer.
func (b *Buffer) Append(p []byte) {
	old := b.Len()
	b.buf = append(b.buf, p...)
	b.fire(old)
}

// Drain removes the first n bytes (n is clamped to Len()).
func (b *Buffer) Drain(n int) {
	if n <= 0 {
		return
	}
	old := b.Len()
	if n >= old {
		b.buf = b.buf[:0]
		b.off = 0
		b.fire(old)
		return
	}
	b.off += n
	b.compact()
	b.fire(old)
}

// compact reclaims the drained prefix once it dominates the backing array,
// so a long-lived buffer that is mostly drain-then-append doesn't grow
// without bound.
func (b *Buffer) compact() {
	if b.off == 0 {
		return
	}
	if b.off < len(b.buf)/2 && cap(b.buf) < 64*1024 {
		return
	}
	n := copy(b.buf, b.buf[b.off:])
	b.buf = b.buf[:n]
	b.off = 0
}

// ReadFromFD performs one non-blocking read from fd, appending up to max
// bytes (or defaultReadChunk bytes if max == Unbounded). A max that is
// neither Unbounded nor positive fails with EINVAL rather than being
// treated as the sentinel. Return convention mirrors the OS read: n > 0
// bytes read, n == 0 means EOF, n < 0 with err set means the read failed
// or must be rescheduled (spec.md §4.5, §6.2).
func (b *Buffer) ReadFromFD(fd int, max int) (n int, err error) {
	size := max
	if size == Unbounded {
		size = defaultReadChunk
	} else if size <= 0 {
		return -1, unix.EINVAL
	}

	old := b.Len()
	tailStart := len(b.buf)
	b.buf = append(b.buf, make([]byte, size)...)

	nr, er := unix.Read(fd, b.buf[tailStart:tailStart+size])
	if er != nil {
		b.buf = b.buf[:tailStart]
		return -1, er
	}
	b.buf = b.buf[:tailStart+nr]
	if nr == 0 {
		return 0, nil
	}
	b.fire(old)
	return nr, nil
}

// WriteToFD performs one non-blocking write from the head of the buffer,
// draining exactly the bytes accepted by the OS on success. Return
// convention mirrors the OS write (spec.md §4.5, §6.2).
func (b *Buffer) WriteToFD(fd int) (n int, err error) {
	if b.Len() == 0 {
		return 0, nil
	}
	nw, ew := unix.Write(fd, b.Bytes())
	if ew != nil {
		return -1, ew
	}
	if nw == 0 {
		return 0, nil
	}
	b.Drain(nw)
	return nw, nil
}
