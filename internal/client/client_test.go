package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sowback/sowback/internal/config"
	"github.com/sowback/sowback/internal/logging"
	"github.com/sowback/sowback/internal/proto"
	"github.com/sowback/sowback/internal/secure"
	"github.com/sowback/sowback/internal/server"
	"github.com/sowback/sowback/internal/testutil"
)

const testToken = "t"

func startServer(t *testing.T, listenAddr string) *server.Server {
	t.Helper()
	s := server.New(server.Config{
		ListenAddr: listenAddr,
		BindHost:   "127.0.0.1",
		Token:      testToken,
	}, logging.Discard())
	go s.Run(context.Background())
	t.Cleanup(s.Close)
	testutil.Eventually(t, 5*time.Second, "server to bind", func() bool {
		return s.Addr() != nil
	})
	return s
}

func startClient(t *testing.T, serverAddr string, services ...string) context.CancelFunc {
	t.Helper()
	svcs, err := config.ParseServices(services)
	require.NoError(t, err)
	cl, err := New(Config{
		Servers:           []string{serverAddr},
		Token:             testToken,
		Services:          svcs,
		ReconnectInterval: 100 * time.Millisecond,
		HeartbeatInterval: time.Second,
	}, logging.Discard())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go cl.Run(ctx)
	t.Cleanup(cancel)
	return cancel
}

// startBanner runs a local service that greets with one byte and closes.
func startBanner(t *testing.T, b byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Write([]byte{b})
			c.Close()
		}
	}()
	return ln.Addr().String()
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return uint16(port)
}

func readBanner(t *testing.T, port uint16) byte {
	t.Helper()
	var got byte
	testutil.Eventually(t, 5*time.Second, fmt.Sprintf("banner on port %d", port), func() bool {
		c, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
		if err != nil {
			return false
		}
		defer c.Close()
		c.SetReadDeadline(time.Now().Add(time.Second))
		buf := make([]byte, 1)
		if _, err := io.ReadFull(c, buf); err != nil {
			return false
		}
		got = buf[0]
		return true
	})
	return got
}

// Two services on one client must be dispatched by proxy id, not by
// position.
func TestMultiServiceDispatch(t *testing.T) {
	s := startServer(t, "127.0.0.1:0")
	addrA := startBanner(t, 'A')
	addrB := startBanner(t, 'B')
	portA := freePort(t)
	portB := freePort(t)

	startClient(t, s.Addr().String(),
		fmt.Sprintf("%s:%d", addrA, portA),
		fmt.Sprintf("%s:%d", addrB, portB),
	)

	require.Equal(t, byte('A'), readBanner(t, portA))
	require.Equal(t, byte('B'), readBanner(t, portB))
}

func TestReconnectAfterServerRestart(t *testing.T) {
	controlPort := freePort(t)
	controlAddr := fmt.Sprintf("127.0.0.1:%d", controlPort)
	addr := startBanner(t, 'X')
	port := freePort(t)

	// the client starts first and retries until a server shows up
	startClient(t, controlAddr, fmt.Sprintf("%s:%d", addr, port))
	time.Sleep(300 * time.Millisecond)

	s1 := startServer(t, controlAddr)
	require.Equal(t, byte('X'), readBanner(t, port))

	// take the server down and bring up a fresh one on the same address;
	// the client must re-register its whole service set
	s1.Close()
	testutil.Eventually(t, 5*time.Second, "control address to free up", func() bool {
		ln, err := net.Listen("tcp", controlAddr)
		if err != nil {
			return false
		}
		ln.Close()
		return true
	})
	startServer(t, controlAddr)
	require.Equal(t, byte('X'), readBanner(t, port))
}

func TestLocalDialFailureClosesPublicConn(t *testing.T) {
	s := startServer(t, "127.0.0.1:0")
	deadLocal := freePort(t) // nothing listens here
	port := freePort(t)

	startClient(t, s.Addr().String(), fmt.Sprintf("127.0.0.1:%d:%d", deadLocal, port))

	// the proxy port accepts, then the server closes it once the client
	// reports the local dial failure
	var conn net.Conn
	testutil.Eventually(t, 5*time.Second, "proxy port to accept", func() bool {
		c, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
		if err != nil {
			return false
		}
		conn = c
		return true
	})
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	require.Error(t, err)
}

// fakeServer speaks the server's half of the protocol by hand.
type fakeServer struct {
	t  *testing.T
	ln net.Listener
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return &fakeServer{t: t, ln: ln}
}

func (f *fakeServer) addr() string {
	return f.ln.Addr().String()
}

func (f *fakeServer) accept() (net.Conn, *proto.FrameBuffer) {
	f.t.Helper()
	conn, err := f.ln.Accept()
	require.NoError(f.t, err)
	f.t.Cleanup(func() { conn.Close() })
	return conn, &proto.FrameBuffer{}
}

func recvMsg(t *testing.T, conn net.Conn, fb *proto.FrameBuffer) proto.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 4096)
	for {
		m, ok, err := fb.TryNext()
		require.NoError(t, err)
		if ok {
			return m
		}
		n, err := conn.Read(buf)
		if n > 0 {
			fb.Feed(buf[:n])
			continue
		}
		require.NoError(t, err)
	}
}

func TestUnknownProxyIDRejected(t *testing.T) {
	f := newFakeServer(t)
	startClient(t, f.addr(), "127.0.0.1:1:1")

	conn, fb := f.accept()

	auth, ok := recvMsg(t, conn, fb).(proto.Auth)
	require.True(t, ok)
	require.Equal(t, secure.SaltedHash([]byte(testToken)), auth.EncToken)

	key, err := secure.DeriveSessionKey(testToken, auth.ClientID)
	require.NoError(t, err)
	_, err = conn.Write(proto.Encode(proto.AuthResponse{Success: true, SessionKey: key}))
	require.NoError(t, err)

	// the client republishes its service; accept it under some proxy id
	_, ok = recvMsg(t, conn, fb).(proto.ProxyConfig)
	require.True(t, ok)
	_, err = conn.Write(proto.Encode(proto.ProxyConfigResponse{Success: true, ProxyID: proto.String("known")}))
	require.NoError(t, err)

	// a NewConnection for a proxy id the client never saw must be refused
	_, err = conn.Write(proto.Encode(proto.NewConnection{ProxyID: "bogus", ConnectionID: "c-1"}))
	require.NoError(t, err)

	for {
		m := recvMsg(t, conn, fb)
		if resp, ok := m.(proto.ConnectionResponse); ok {
			require.Equal(t, "c-1", resp.ConnectionID)
			require.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			return
		}
		// skip heartbeats
		_, isHB := m.(proto.Heartbeat)
		require.True(t, isHB, "unexpected message %T", m)
	}
}
