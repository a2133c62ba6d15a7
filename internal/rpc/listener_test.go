package rpc

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"faoutd/internal/reactor"
	"faoutd/internal/registry"
)

func startTestListener(t *testing.T, reg Registry) (*Listener, net.Addr) {
	t.Helper()
	r := reactor.New()
	go r.Run()
	t.Cleanup(r.Stop)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	l := NewListener(r, ln, NewDispatcher(reg), nil)
	go l.Run(r.Context())
	t.Cleanup(func() { l.Close() })

	return l, ln.Addr()
}

func TestListenerRoundTripsDevicelist(t *testing.T) {
	reg := &fakeRegistry{list: []registry.DeviceInfo{{Serial: "SER1", Name: "board-a"}}}
	_, addr := startTestListener(t, reg)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	req, err := Encode([]interface{}{"devicelist"})
	require.NoError(t, err)
	_, err = conn.Write(req)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	dec := NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		frames, err := dec.Feed(buf[:n])
		require.NoError(t, err)
		if len(frames) > 0 {
			require.NoError(t, frames[0].Err)
			// fxamacker/cbor decodes non-negative integers into interface{}
			// as uint64, not the int8 ReplyOK is declared as.
			require.Equal(t, uint64(ReplyOK), frames[0].Msg[0])
			break
		}
	}
}
