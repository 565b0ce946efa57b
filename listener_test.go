package bufev

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coretex-io/bufev/internal/reactor"
)

func TestListenerAccept(t *testing.T) {
	base, err := reactor.New()
	require.NoError(t, err)
	defer base.Close()
	go base.Dispatch()
	defer base.Break()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	accepted := make(chan net.Conn, 1)
	l, err := NewListener(base, ln, func(l *Listener, conn net.Conn) {
		accepted <- conn
	}, func(l *Listener, err error) {
		t.Errorf("unexpected listener error: %v", err)
	}, true)
	require.NoError(t, err)
	defer l.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	select {
	case conn := <-accepted:
		defer conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("listener never accepted")
	}
}
