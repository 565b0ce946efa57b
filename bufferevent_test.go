package bufev

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/coretex-io/bufev/internal/reactor"
)

// testPair dials a real loopback TCP connection and dup's the server side
// so BufferedEvent can drive it directly through the reactor, the same
// shape aio_test.go's echoServer/TestEcho uses (real net.Listen/net.Dial,
// not a faked poller), per SPEC_FULL.md §A.4.
type testPair struct {
	base *reactor.EventBase
	fd   int
	peer net.Conn
	ln   net.Listener
	srv  net.Conn
}

func newTestPair(t *testing.T) *testPair {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	peer, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	var srv net.Conn
	select {
	case srv = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("accept timed out")
	}

	rc, ok := srv.(syscallConner)
	require.True(t, ok)
	fd, err := DupFD(rc)
	require.NoError(t, err)

	base, err := reactor.New()
	require.NoError(t, err)
	go base.Dispatch()

	return &testPair{base: base, fd: fd, peer: peer, ln: ln, srv: srv}
}

func (p *testPair) close() {
	p.base.Break()
	p.base.Close()
	unix.Close(p.fd)
	p.srv.Close()
	p.peer.Close()
	p.ln.Close()
}

// doSync runs fn on the EventBase's own dispatch goroutine and waits for
// it to finish, since BufferedEvent is not safe to touch from any other
// goroutine (spec.md §5).
func doSync(base *reactor.EventBase, fn func()) {
	done := make(chan struct{})
	base.Post(func() {
		fn()
		close(done)
	})
	<-done
}

func TestEchoRoundTrip(t *testing.T) {
	p := newTestPair(t)
	defer p.close()

	readFired := make(chan struct{}, 1)

	var be *BufferedEvent
	doSync(p.base, func() {
		var err error
		be, err = New(p.fd, func(be *BufferedEvent, arg interface{}) {
			readFired <- struct{}{}
		}, nil, func(be *BufferedEvent, flags ErrorFlags, arg interface{}) {
			t.Errorf("unexpected error callback: %s", flags)
		}, nil)
		require.NoError(t, err)
		require.NoError(t, be.BaseSet(p.base))
		require.NoError(t, be.Enable(Read|Write))
		require.NoError(t, be.Write([]byte("hello")))
	})

	buf := make([]byte, 5)
	_, err := p.peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	_, err = p.peer.Write(buf)
	require.NoError(t, err)

	select {
	case <-readFired:
	case <-time.After(2 * time.Second):
		t.Fatal("read callback never fired")
	}

	doSync(p.base, func() {
		assert.Equal(t, 5, be.InputLen())
		out := make([]byte, 5)
		n := be.Read(out)
		assert.Equal(t, 5, n)
		assert.Equal(t, "hello", string(out))
		be.Free()
	})
}

func TestReadHighWatermarkPause(t *testing.T) {
	p := newTestPair(t)
	defer p.close()

	var readCount int32
	readLens := make(chan int, 4)

	var be *BufferedEvent
	doSync(p.base, func() {
		var err error
		be, err = New(p.fd, func(be *BufferedEvent, arg interface{}) {
			atomic.AddInt32(&readCount, 1)
			readLens <- be.InputLen()
		}, nil, func(be *BufferedEvent, flags ErrorFlags, arg interface{}) {}, nil)
		require.NoError(t, err)
		require.NoError(t, be.BaseSet(p.base))
		require.NoError(t, be.SetWatermark(Read, 0, 4))
		require.NoError(t, be.Enable(Read))
	})

	_, err := p.peer.Write([]byte("abcdef"))
	require.NoError(t, err)

	var firstLen int
	select {
	case firstLen = <-readLens:
		// budget is capped at the high watermark, so a single read syscall
		// cannot pull in more than wmRead.High bytes even though the peer
		// wrote more than that in one send.
		assert.Equal(t, 4, firstLen)
	case <-time.After(2 * time.Second):
		t.Fatal("read callback never fired")
	}

	select {
	case <-readLens:
		t.Fatal("read callback fired a second time while in pressure")
	case <-time.After(200 * time.Millisecond):
	}

	doSync(p.base, func() {
		assert.Equal(t, int32(1), atomic.LoadInt32(&readCount))
		assert.False(t, be.readEv.Pending())
		assert.True(t, be.pressure)

		out := make([]byte, firstLen)
		n := be.Read(out)
		assert.Equal(t, firstLen, n)

		assert.False(t, be.pressure)
		assert.True(t, be.readEv.Pending())

		be.Free()
	})
}

func TestWriteDrainCallback(t *testing.T) {
	p := newTestPair(t)
	defer p.close()

	writeFired := make(chan struct{}, 1)
	drainErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 100)
		_, err := readFull(p.peer, buf)
		drainErr <- err
	}()

	var be *BufferedEvent
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	doSync(p.base, func() {
		var err error
		be, err = New(p.fd, nil, func(be *BufferedEvent, arg interface{}) {
			writeFired <- struct{}{}
		}, func(be *BufferedEvent, flags ErrorFlags, arg interface{}) {}, nil)
		require.NoError(t, err)
		require.NoError(t, be.BaseSet(p.base))
		require.NoError(t, be.SetWatermark(Write, 0, 0))
		require.NoError(t, be.Enable(Write))
		require.NoError(t, be.Write(payload))
	})

	require.NoError(t, <-drainErr)

	select {
	case <-writeFired:
	case <-time.After(2 * time.Second):
		t.Fatal("write callback never fired")
	}

	doSync(p.base, func() {
		assert.Equal(t, 0, be.OutputLen())
		be.Free()
	})
}

func TestEOFOnRead(t *testing.T) {
	p := newTestPair(t)
	defer p.close()

	errFired := make(chan ErrorFlags, 1)

	var be *BufferedEvent
	doSync(p.base, func() {
		var err error
		be, err = New(p.fd, nil, nil, func(be *BufferedEvent, flags ErrorFlags, arg interface{}) {
			errFired <- flags
		}, nil)
		require.NoError(t, err)
		require.NoError(t, be.BaseSet(p.base))
		require.NoError(t, be.Enable(Read))
	})

	tc, ok := p.peer.(*net.TCPConn)
	require.True(t, ok)
	require.NoError(t, tc.CloseWrite())

	select {
	case flags := <-errFired:
		assert.Equal(t, FlagRead|FlagEOF, flags)
	case <-time.After(2 * time.Second):
		t.Fatal("error callback never fired")
	}

	doSync(p.base, func() {
		be.Free()
	})
}

func TestReadTimeout(t *testing.T) {
	p := newTestPair(t)
	defer p.close()

	errFired := make(chan ErrorFlags, 1)

	var be *BufferedEvent
	doSync(p.base, func() {
		var err error
		be, err = New(p.fd, nil, nil, func(be *BufferedEvent, flags ErrorFlags, arg interface{}) {
			errFired <- flags
		}, nil)
		require.NoError(t, err)
		require.NoError(t, be.BaseSet(p.base))
		require.NoError(t, be.SetTimeout(300*time.Millisecond, 0))
		require.NoError(t, be.Enable(Read))
	})

	select {
	case flags := <-errFired:
		assert.Equal(t, FlagRead|FlagTimeout, flags)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout callback never fired")
	}

	doSync(p.base, func() {
		assert.False(t, be.readEv.Pending())
		be.Free()
	})
}

func TestSetWatermarkResumesReading(t *testing.T) {
	p := newTestPair(t)
	defer p.close()

	readLens := make(chan int, 4)

	var be *BufferedEvent
	doSync(p.base, func() {
		var err error
		be, err = New(p.fd, func(be *BufferedEvent, arg interface{}) {
			readLens <- be.InputLen()
		}, nil, func(be *BufferedEvent, flags ErrorFlags, arg interface{}) {}, nil)
		require.NoError(t, err)
		require.NoError(t, be.BaseSet(p.base))
		require.NoError(t, be.SetWatermark(Read, 0, 4))
		require.NoError(t, be.Enable(Read))
	})

	_, err := p.peer.Write([]byte("abcdef"))
	require.NoError(t, err)

	select {
	case <-readLens:
	case <-time.After(2 * time.Second):
		t.Fatal("read callback never fired")
	}

	doSync(p.base, func() {
		require.True(t, be.pressure)
		require.NoError(t, be.SetWatermark(Read, 0, 1024))
		assert.False(t, be.pressure)
		assert.True(t, be.readEv.Pending())
		be.Free()
	})
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
