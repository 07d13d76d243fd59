// Package client implements the private half of the tunnel: outbound
// control connections to one or more servers, service registration, and the
// local stream engine that bridges tunnel streams onto local sockets.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/inconshreveable/log15"
	"github.com/jpillora/backoff"
	"golang.org/x/net/proxy"

	"github.com/sowback/sowback/internal/config"
	"github.com/sowback/sowback/internal/proto"
	"github.com/sowback/sowback/internal/secure"
)

const (
	handshakeTimeout = 30 * time.Second
	localDialTimeout = 10 * time.Second

	readBufferSize = 4096

	outboundQueueLen = 1024
	streamQueueLen   = 1024
)

// Config carries the resolved client settings.
type Config struct {
	// Announced to servers in Auth. Not unique, may be empty.
	Name              string
	Servers           []string
	Token             string
	Services          []config.Service
	ReconnectInterval time.Duration
	HeartbeatInterval time.Duration
	// Optional socks5:// URL; when set, server connections are dialed
	// through it.
	Proxy string
}

// Client maintains one supervised tunnel per configured server. The id is
// minted once per process and shared across all of them.
type Client struct {
	cfg  Config
	id   string
	dial proxy.Dialer
	log  log.Logger
}

func New(cfg Config, logger log.Logger) (*Client, error) {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	dial, err := newDialer(cfg.Proxy)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	return &Client{
		cfg:  cfg,
		id:   id,
		dial: dial,
		log:  logger.New("obj", "client", "id", id),
	}, nil
}

// ID returns the client id sent in Auth frames.
func (c *Client) ID() string {
	return c.id
}

func newDialer(proxyURL string) (proxy.Dialer, error) {
	direct := &net.Dialer{Timeout: handshakeTimeout}
	if proxyURL == "" {
		return direct, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("proxy url: %w", err)
	}
	d, err := proxy.FromURL(u, direct)
	if err != nil {
		return nil, fmt.Errorf("proxy url: %w", err)
	}
	return d, nil
}

// Run blocks, supervising one tunnel per server until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	if len(c.cfg.Servers) == 0 {
		return errors.New("no servers configured")
	}
	c.log.Info("client started", "servers", c.cfg.Servers, "services", len(c.cfg.Services))

	var wg sync.WaitGroup
	for _, addr := range c.cfg.Servers {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			c.supervise(ctx, addr)
		}(addr)
	}
	wg.Wait()
	return ctx.Err()
}

// supervise runs the connect-auth-register-serve sequence for one server,
// forever, pausing reconnect_interval between attempts. Min == Max keeps
// the retry cadence flat; there is no exponential growth.
func (c *Client) supervise(ctx context.Context, addr string) {
	l := c.log.New("server", addr)
	b := &backoff.Backoff{
		Min:    c.cfg.ReconnectInterval,
		Max:    c.cfg.ReconnectInterval,
		Factor: 1,
	}
	for {
		l.Info("connecting")
		err := c.runSession(ctx, addr, l)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.Error("session ended", "err", err)
		} else {
			l.Info("session closed")
		}
		d := b.Duration()
		l.Info("reconnecting", "wait", d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return
		}
	}
}

// session is the state of one established tunnel.
type session struct {
	addr string
	conn net.Conn
	out  chan proto.Message
	done chan struct{}
	once sync.Once
	log  log.Logger

	sessionKey []byte
	serverName string

	mu      sync.Mutex
	pending []config.Service          // registrations awaiting a response, FIFO
	proxies map[string]config.Service // proxy id -> service
	locals  map[string]*localStream   // connection id -> local stream
}

// localStream is one tunnel stream bridged onto a local service socket.
// The stream is registered (and its queue starts buffering server chunks)
// before the local dial completes, because the server pumps Data without
// waiting for ConnectionResponse.
type localStream struct {
	in   chan []byte
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	sock net.Conn
}

func (sess *session) close() {
	sess.once.Do(func() {
		close(sess.done)
		sess.conn.Close()
	})
}

func (ls *localStream) close() {
	ls.once.Do(func() {
		close(ls.done)
		ls.mu.Lock()
		sock := ls.sock
		ls.mu.Unlock()
		if sock != nil {
			sock.Close()
		}
	})
}

// setSock attaches the dialed socket. false means the stream was already
// closed and the caller owns the socket.
func (ls *localStream) setSock(sock net.Conn) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	select {
	case <-ls.done:
		return false
	default:
		ls.sock = sock
		return true
	}
}

func (sess *session) sendControl(m proto.Message) bool {
	select {
	case sess.out <- m:
		return true
	case <-sess.done:
		return false
	}
}

func (sess *session) sendData(m proto.Data) bool {
	select {
	case sess.out <- m:
		return true
	case <-sess.done:
		return false
	default:
		return false
	}
}

// runSession performs one full tunnel lifetime against addr.
func (c *Client) runSession(ctx context.Context, addr string, l log.Logger) error {
	conn, err := c.dial.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	var fb proto.FrameBuffer
	sess, err := c.handshake(conn, addr, l, &fb)
	if err != nil {
		conn.Close()
		return err
	}
	defer sess.close()
	if sess.serverName != "" {
		sess.log.Info("authenticated", "server_name", sess.serverName)
	} else {
		sess.log.Info("authenticated")
	}

	// the session dies with the context
	go func() {
		select {
		case <-ctx.Done():
			sess.close()
		case <-sess.done:
		}
	}()

	// republish the full service set; responses pair up FIFO
	sess.mu.Lock()
	sess.pending = append(sess.pending, c.cfg.Services...)
	sess.mu.Unlock()
	for _, svc := range c.cfg.Services {
		if _, err := conn.Write(proto.Encode(proto.ProxyConfig{
			LocalIP:    svc.LocalIP,
			LocalPort:  svc.LocalPort,
			RemotePort: svc.RemotePort,
		})); err != nil {
			return fmt.Errorf("register service %s: %w", svc.Name, err)
		}
		sess.log.Info("registered service", "service", svc.Name)
	}

	go sess.writer()
	go sess.heartbeatLoop(c.cfg.HeartbeatInterval)

	err = c.reader(sess, &fb)

	// unblock every local stream before returning to the supervisor
	sess.close()
	sess.mu.Lock()
	locals := make([]*localStream, 0, len(sess.locals))
	for _, ls := range sess.locals {
		locals = append(locals, ls)
	}
	sess.locals = map[string]*localStream{}
	sess.mu.Unlock()
	for _, ls := range locals {
		ls.close()
	}
	return err
}

// handshake sends Auth and waits for a usable AuthResponse under the
// protocol deadline.
func (c *Client) handshake(conn net.Conn, addr string, l log.Logger, fb *proto.FrameBuffer) (*session, error) {
	var name *string
	if c.cfg.Name != "" {
		name = proto.String(c.cfg.Name)
	}
	auth := proto.Auth{
		EncToken: secure.SaltedHash([]byte(c.cfg.Token)),
		ClientID: c.id,
		Name:     name,
	}
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	if _, err := conn.Write(proto.Encode(auth)); err != nil {
		return nil, fmt.Errorf("write auth: %w", err)
	}

	msg, err := readFrame(conn, fb)
	if err != nil {
		return nil, fmt.Errorf("read auth response: %w", err)
	}
	resp, ok := msg.(proto.AuthResponse)
	if !ok {
		return nil, fmt.Errorf("expected AUTH_RESPONSE, got %s", msg.Type())
	}
	if !resp.Success {
		reason := "unknown error"
		if resp.Error != nil {
			reason = *resp.Error
		}
		return nil, fmt.Errorf("authentication failed: %s", reason)
	}
	if len(resp.SessionKey) != secure.SessionKeyLen {
		return nil, errors.New("authentication succeeded without a session key")
	}
	conn.SetDeadline(time.Time{})

	sess := &session{
		addr:       addr,
		conn:       conn,
		out:        make(chan proto.Message, outboundQueueLen),
		done:       make(chan struct{}),
		sessionKey: resp.SessionKey,
		proxies:    make(map[string]config.Service),
		locals:     make(map[string]*localStream),
		log:        l,
	}
	if resp.Name != nil {
		sess.serverName = *resp.Name
	}
	return sess, nil
}

func (sess *session) writer() {
	for {
		select {
		case m := <-sess.out:
			if _, err := sess.conn.Write(proto.Encode(m)); err != nil {
				sess.log.Error("tunnel write failed", "err", err)
				sess.close()
				return
			}
		case <-sess.done:
			return
		}
	}
}

func (sess *session) heartbeatLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			sess.sendControl(proto.Heartbeat{Timestamp: uint64(time.Now().Unix())})
		case <-sess.done:
			return
		}
	}
}

// reader pumps frames off the tunnel and dispatches them until the
// connection dies.
func (c *Client) reader(sess *session, fb *proto.FrameBuffer) error {
	drain := func() error {
		for {
			msg, ok, err := fb.TryNext()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if err := c.handleMessage(sess, msg); err != nil {
				return err
			}
		}
	}

	buf := make([]byte, readBufferSize)
	for {
		// the handshake may have left complete frames behind
		if err := drain(); err != nil {
			return err
		}
		n, err := sess.conn.Read(buf)
		if n > 0 {
			fb.Feed(buf[:n])
		}
		if err != nil {
			// frames delivered alongside the error still count
			if derr := drain(); derr != nil {
				return derr
			}
			select {
			case <-sess.done:
				return nil
			default:
				return err
			}
		}
	}
}

func (c *Client) handleMessage(sess *session, msg proto.Message) error {
	switch m := msg.(type) {
	case proto.Data:
		sess.deliver(m)
	case proto.NewConnection:
		// register the stream before the dial so Data frames the server
		// sends ahead of our ConnectionResponse buffer instead of dropping
		ls := &localStream{
			in:   make(chan []byte, streamQueueLen),
			done: make(chan struct{}),
		}
		sess.mu.Lock()
		sess.locals[m.ConnectionID] = ls
		sess.mu.Unlock()
		go c.openLocal(sess, m, ls)
	case proto.ProxyConfigResponse:
		sess.handleConfigResponse(m)
	case proto.HeartbeatResponse:
		sess.log.Debug("heartbeat response", "ts", m.Timestamp)
	case proto.CloseConnection:
		sess.mu.Lock()
		ls := sess.locals[m.ConnectionID]
		sess.mu.Unlock()
		// a nil chunk makes the writer flush what is already queued, then
		// close; a full queue closes the stream at once
		if ls != nil {
			select {
			case ls.in <- nil:
			default:
				sess.removeLocal(m.ConnectionID)
			}
		}
	case proto.Error:
		sess.log.Warn("server error", "msg", m.Message)
	default:
		return fmt.Errorf("unexpected %s message on established session", msg.Type())
	}
	return nil
}

// handleConfigResponse pairs a ProxyConfigResponse with the oldest pending
// registration and learns the proxy id -> service mapping.
func (sess *session) handleConfigResponse(m proto.ProxyConfigResponse) {
	sess.mu.Lock()
	var svc *config.Service
	if len(sess.pending) > 0 {
		s := sess.pending[0]
		sess.pending = sess.pending[1:]
		svc = &s
	}
	if m.Success && m.ProxyID != nil && svc != nil {
		sess.proxies[*m.ProxyID] = *svc
	}
	sess.mu.Unlock()

	name := "?"
	if svc != nil {
		name = svc.Name
	}
	if m.Success {
		id := ""
		if m.ProxyID != nil {
			id = *m.ProxyID
		}
		sess.log.Info("service accepted", "service", name, "proxy", id)
	} else {
		reason := "unknown error"
		if m.Error != nil {
			reason = *m.Error
		}
		sess.log.Error("service rejected", "service", name, "err", reason)
	}
}

// deliver hands a Data chunk to its local stream. Queue overflow kills that
// stream rather than buffering without bound.
func (sess *session) deliver(m proto.Data) {
	sess.mu.Lock()
	ls := sess.locals[m.ConnectionID]
	sess.mu.Unlock()
	if ls == nil {
		sess.log.Debug("data for unknown connection", "conn", m.ConnectionID)
		return
	}
	select {
	case ls.in <- m.Data:
	case <-ls.done:
	default:
		sess.log.Warn("local queue overflow, dropping stream", "conn", m.ConnectionID)
		sess.removeLocal(m.ConnectionID)
		sess.sendControl(proto.CloseConnection{ConnectionID: m.ConnectionID})
	}
}

// openLocal resolves a NewConnection to its service, dials the local
// socket, reports the outcome and runs the local stream engine.
func (c *Client) openLocal(sess *session, m proto.NewConnection, ls *localStream) {
	l := sess.log.New("proxy", m.ProxyID, "conn", m.ConnectionID)

	sess.mu.Lock()
	svc, ok := sess.proxies[m.ProxyID]
	sess.mu.Unlock()
	if !ok {
		l.Warn("connection for unknown proxy id")
		sess.removeLocal(m.ConnectionID)
		sess.sendControl(proto.ConnectionResponse{
			ConnectionID: m.ConnectionID,
			Error:        proto.String(fmt.Sprintf("unknown proxy id %s", m.ProxyID)),
		})
		return
	}

	sock, err := net.DialTimeout("tcp", svc.LocalAddr(), localDialTimeout)
	if err != nil {
		l.Error("local dial failed", "addr", svc.LocalAddr(), "err", err)
		sess.removeLocal(m.ConnectionID)
		sess.sendControl(proto.ConnectionResponse{
			ConnectionID: m.ConnectionID,
			Error:        proto.String(fmt.Sprintf("Failed to connect to local service: %v", err)),
		})
		return
	}
	if !ls.setSock(sock) {
		// the stream was torn down while we were dialing
		sock.Close()
		return
	}
	l.Debug("local service connected", "addr", svc.LocalAddr())

	sess.sendControl(proto.ConnectionResponse{ConnectionID: m.ConnectionID, Success: true})

	sess.runStream(ls, m.ConnectionID)
}

// runStream is the client side stream engine, the mirror image of the
// server's: local socket reads become Data frames, tunnel chunks become
// local writes.
func (sess *session) runStream(ls *localStream, connID string) {
	go func() {
		for {
			select {
			case p := <-ls.in:
				if p == nil {
					sess.removeLocal(connID)
					return
				}
				if _, err := ls.sock.Write(p); err != nil {
					sess.log.Debug("local write failed", "conn", connID, "err", err)
					sess.removeLocal(connID)
					return
				}
			case <-ls.done:
				return
			}
		}
	}()

	buf := make([]byte, readBufferSize)
	for {
		n, err := ls.sock.Read(buf)
		if n > 0 {
			p := make([]byte, n)
			copy(p, buf[:n])
			if !sess.sendData(proto.Data{ConnectionID: connID, Data: p}) {
				sess.log.Warn("tunnel queue overflow, dropping stream", "conn", connID)
				break
			}
		}
		if err != nil {
			break
		}
	}

	sess.removeLocal(connID)
	sess.sendControl(proto.CloseConnection{ConnectionID: connID})
}

// removeLocal drops one local stream. Safe to call any number of times.
func (sess *session) removeLocal(connID string) {
	sess.mu.Lock()
	ls := sess.locals[connID]
	delete(sess.locals, connID)
	sess.mu.Unlock()
	if ls != nil {
		ls.close()
	}
}

// readFrame reads exactly one frame, leaving any excess bytes in fb.
func readFrame(conn net.Conn, fb *proto.FrameBuffer) (proto.Message, error) {
	buf := make([]byte, readBufferSize)
	for {
		msg, ok, err := fb.TryNext()
		if err != nil {
			return nil, err
		}
		if ok {
			return msg, nil
		}
		n, err := conn.Read(buf)
		if n > 0 {
			fb.Feed(buf[:n])
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}
