package bufev

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestBufferAppendDrain(t *testing.T) {
	var b Buffer
	b.Append([]byte("hello"))
	assert.Equal(t, 5, b.Len())
	assert.Equal(t, "hello", string(b.Bytes()))

	b.Append([]byte(" world"))
	assert.Equal(t, 11, b.Len())
	assert.Equal(t, "hello world", string(b.Bytes()))

	b.Drain(6)
	assert.Equal(t, 5, b.Len())
	assert.Equal(t, "world", string(b.Bytes()))

	b.Drain(100)
	assert.Equal(t, 0, b.Len())
}

func TestBufferOccupancyHook(t *testing.T) {
	var b Buffer
	type change struct{ old, new int }
	var changes []change
	b.SetOccupancyHook(func(old, new int) {
		changes = append(changes, change{old, new})
	})

	b.Append([]byte("abc"))
	b.Drain(1)
	require.Len(t, changes, 2)
	assert.Equal(t, change{0, 3}, changes[0])
	assert.Equal(t, change{3, 2}, changes[1])

	b.SetOccupancyHook(nil)
	b.Append([]byte("more"))
	assert.Len(t, changes, 2)
}

func TestBufferReadWriteFD(t *testing.T) {
	a, c := socketpair(t)
	defer a.Close()
	defer c.Close()

	afd, err := DupFD(a.(syscallConner))
	require.NoError(t, err)
	defer unix.Close(afd)

	var out Buffer
	out.Append([]byte("payload"))
	n, err := out.WriteToFD(afd)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, 0, out.Len())

	buf := make([]byte, 7)
	_, err = readFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf))

	_, err = c.Write([]byte("reply!!"))
	require.NoError(t, err)

	var in Buffer
	// give the kernel a moment to deliver; ReadFromFD is a single
	// non-blocking attempt so a flaky empty read would surface as EAGAIN.
	for i := 0; i < 50 && in.Len() == 0; i++ {
		nr, err := in.ReadFromFD(afd, Unbounded)
		if nr > 0 {
			break
		}
		if err == nil && nr == 0 {
			t.Fatal("unexpected EOF")
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, "reply!!", string(in.Bytes()))
}

func socketpair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	a := <-accepted
	return a, c
}
