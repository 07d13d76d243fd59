// Package server implements the public half of the tunnel: the control
// listener clients authenticate against, the per-client proxy listeners,
// and the forwarding of public connections into client tunnels.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/inconshreveable/log15"

	"github.com/sowback/sowback/internal/proto"
	"github.com/sowback/sowback/internal/secure"
)

const (
	// how long a client has to produce its Auth frame, and how long it may
	// take to accept our AuthResponse
	handshakeTimeout = 30 * time.Second

	readBufferSize = 4096

	// bound on queued outbound messages per client tunnel
	outboundQueueLen = 1024
	// bound on queued inbound chunks per public connection
	connQueueLen = 1024
)

// Config carries the resolved server settings.
type Config struct {
	// Announced to clients in AuthResponse. Not unique, may be empty.
	Name       string
	ListenAddr string
	BindHost   string
	Token      string
	MaxClients int
}

// Server owns the three registries: authenticated client sessions, bound
// proxy ports and active public connections. All three are guarded by mu;
// no I/O happens under the lock.
type Server struct {
	cfg      Config
	encToken []byte
	log      log.Logger

	mu      sync.RWMutex
	clients map[string]*clientSession
	ports   map[uint16]*proxyListener
	conns   map[string]*activeConn

	ln        net.Listener
	closeOnce sync.Once
	closed    chan struct{}
}

// clientSession is one authenticated control tunnel. Everything the server
// sends to the client funnels through out, drained by a single writer
// goroutine so control messages stay ordered.
type clientSession struct {
	id         string
	name       string
	sessionKey []byte
	out        chan proto.Message
	done       chan struct{}
	once       sync.Once
	log        log.Logger

	mu      sync.Mutex
	proxies map[string]proxyInfo
}

type proxyInfo struct {
	localIP    string
	localPort  uint16
	remotePort uint16
}

// proxyListener is a public TCP listener owned by exactly one client.
type proxyListener struct {
	ln       net.Listener
	clientID string
	proxyID  string
	cancel   chan struct{}
	once     sync.Once
}

// activeConn is one accepted public connection. The stream engine's writer
// drains in; done stops both halves.
type activeConn struct {
	clientID string
	sock     net.Conn
	in       chan []byte
	done     chan struct{}
	once     sync.Once
}

func (cs *clientSession) close() {
	cs.once.Do(func() { close(cs.done) })
}

func (pl *proxyListener) stop() {
	pl.once.Do(func() {
		close(pl.cancel)
		pl.ln.Close()
	})
}

func (ac *activeConn) close() {
	ac.once.Do(func() {
		close(ac.done)
		ac.sock.Close()
	})
}

// sendControl enqueues a control message, waiting for queue space. It gives
// up when the session dies.
func (cs *clientSession) sendControl(m proto.Message) bool {
	select {
	case cs.out <- m:
		return true
	case <-cs.done:
		return false
	}
}

// sendData enqueues a Data message without blocking. false means the
// session died or the queue is full; either way the caller must stop the
// stream.
func (cs *clientSession) sendData(m proto.Data) bool {
	select {
	case cs.out <- m:
		return true
	case <-cs.done:
		return false
	default:
		return false
	}
}

func New(cfg Config, logger log.Logger) *Server {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 100
	}
	return &Server{
		cfg:      cfg,
		encToken: secure.SaltedHash([]byte(cfg.Token)),
		log:      logger.New("obj", "server"),
		clients:  make(map[string]*clientSession),
		ports:    make(map[uint16]*proxyListener),
		conns:    make(map[string]*activeConn),
		closed:   make(chan struct{}),
	}
}

// Run binds the control listener and serves until ctx is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("bind control listener: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("server ready", "listen", s.cfg.ListenAddr, "bind", s.cfg.BindHost)

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.closed:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept control connection: %w", err)
		}
		go s.handleControl(conn)
	}
}

// Addr returns the control listener address, or nil before Run has bound
// it.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops the control listener and tears down every session.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.RLock()
		ln := s.ln
		s.mu.RUnlock()
		if ln != nil {
			ln.Close()
		}
		s.mu.RLock()
		ids := make([]string, 0, len(s.clients))
		for id := range s.clients {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
		for _, id := range ids {
			s.teardown(id)
		}
	})
}

// handleControl runs one control connection from Auth to teardown.
func (s *Server) handleControl(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	s.log.Debug("new control connection", "remote", remote)

	// one frame buffer for the whole connection so nothing a pipelining
	// client sends right behind its Auth frame is lost
	var fb proto.FrameBuffer
	cs, err := s.handshake(conn, &fb)
	if err != nil {
		conn.Close()
		s.log.Warn("handshake failed", "remote", remote, "err", err)
		return
	}
	cs.log.Info("client authenticated", "remote", remote)

	go s.sessionWriter(cs, conn)
	err = s.sessionReader(cs, conn, &fb)

	s.teardown(cs.id)
	conn.Close()
	if err != nil {
		cs.log.Info("client disconnected", "err", err)
	} else {
		cs.log.Info("client disconnected")
	}
}

var (
	// the exact strings travel in AuthResponse.Error, so they are fixed
	errInvalidToken = errors.New("Invalid token")
	errServerFull   = errors.New("server is full")
	errDuplicateID  = errors.New("client id already registered")
)

// handshake reads the Auth frame, verifies the token, registers the session
// and answers with AuthResponse. Registration happens before the success
// response so a duplicate client id never has a live window.
func (s *Server) handshake(conn net.Conn, fb *proto.FrameBuffer) (*clientSession, error) {
	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, err
	}
	msg, err := readFrame(conn, fb)
	if err != nil {
		return nil, fmt.Errorf("read auth frame: %w", err)
	}
	auth, ok := msg.(proto.Auth)
	if !ok {
		return nil, fmt.Errorf("expected AUTH, got %s", msg.Type())
	}

	var serverName *string
	if s.cfg.Name != "" {
		serverName = proto.String(s.cfg.Name)
	}
	refuse := func(cause error) error {
		resp := proto.AuthResponse{Name: serverName, Error: proto.String(cause.Error())}
		conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
		conn.Write(proto.Encode(resp))
		return cause
	}

	if !bytes.Equal(auth.EncToken, s.encToken) {
		return nil, refuse(errInvalidToken)
	}

	key, err := secure.DeriveSessionKey(s.cfg.Token, auth.ClientID)
	if err != nil {
		return nil, err
	}

	cs := &clientSession{
		id:         auth.ClientID,
		sessionKey: key,
		out:        make(chan proto.Message, outboundQueueLen),
		done:       make(chan struct{}),
		proxies:    make(map[string]proxyInfo),
		log:        s.log.New("obj", "session", "client", auth.ClientID),
	}
	if auth.Name != nil {
		cs.name = *auth.Name
		cs.log = cs.log.New("name", cs.name)
	}

	s.mu.Lock()
	switch {
	case len(s.clients) >= s.cfg.MaxClients:
		s.mu.Unlock()
		return nil, refuse(errServerFull)
	case s.clients[auth.ClientID] != nil:
		s.mu.Unlock()
		return nil, refuse(errDuplicateID)
	default:
		s.clients[auth.ClientID] = cs
		s.mu.Unlock()
	}

	resp := proto.AuthResponse{Success: true, SessionKey: key, Name: serverName}
	conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if _, err := conn.Write(proto.Encode(resp)); err != nil {
		s.teardown(cs.id)
		return nil, fmt.Errorf("write auth response: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})
	conn.SetReadDeadline(time.Time{})
	return cs, nil
}

// sessionWriter is the single goroutine allowed to write to this client's
// control socket.
func (s *Server) sessionWriter(cs *clientSession, conn net.Conn) {
	for {
		select {
		case m := <-cs.out:
			if _, err := conn.Write(proto.Encode(m)); err != nil {
				cs.log.Error("control write failed", "err", err)
				s.teardown(cs.id)
				return
			}
		case <-cs.done:
			// closing the socket also ends the reader, so a teardown started
			// elsewhere (Close) disconnects the client
			conn.Close()
			return
		}
	}
}

// sessionReader pumps frames off the control socket and dispatches them
// until EOF, error or protocol violation.
func (s *Server) sessionReader(cs *clientSession, conn net.Conn, fb *proto.FrameBuffer) error {
	drain := func() error {
		for {
			msg, ok, err := fb.TryNext()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if err := s.handleMessage(cs, msg); err != nil {
				return err
			}
		}
	}

	buf := make([]byte, readBufferSize)
	for {
		// handshake may have left complete frames behind
		if err := drain(); err != nil {
			return err
		}
		n, err := conn.Read(buf)
		if n > 0 {
			fb.Feed(buf[:n])
		}
		if err != nil {
			// frames delivered alongside the error still count
			if derr := drain(); derr != nil {
				return derr
			}
			select {
			case <-cs.done:
				return nil
			default:
				return err
			}
		}
	}
}

func (s *Server) handleMessage(cs *clientSession, msg proto.Message) error {
	switch m := msg.(type) {
	case proto.Data:
		s.handleData(cs, m)
	case proto.ProxyConfig:
		s.handleProxyConfig(cs, m)
	case proto.Heartbeat:
		cs.log.Debug("heartbeat", "ts", m.Timestamp)
		cs.sendControl(proto.HeartbeatResponse{Timestamp: m.Timestamp})
	case proto.ConnectionResponse:
		if !m.Success {
			reason := "unknown"
			if m.Error != nil {
				reason = *m.Error
			}
			cs.log.Warn("client rejected connection", "conn", m.ConnectionID, "err", reason)
			s.removeConn(m.ConnectionID)
		} else {
			cs.log.Debug("client accepted connection", "conn", m.ConnectionID)
		}
	case proto.CloseConnection:
		cs.log.Debug("close connection", "conn", m.ConnectionID)
		s.mu.RLock()
		ac := s.conns[m.ConnectionID]
		s.mu.RUnlock()
		// a nil chunk makes the writer flush what is already queued, then
		// close; a full queue closes the stream at once
		if ac != nil {
			select {
			case ac.in <- nil:
			default:
				s.removeConn(m.ConnectionID)
			}
		}
	case proto.Error:
		cs.log.Warn("client error", "msg", m.Message)
	default:
		return fmt.Errorf("unexpected %s message on established session", msg.Type())
	}
	return nil
}

// handleData forwards a chunk from the client into the matching public
// connection. Overflowing the connection's queue kills that stream rather
// than buffering without bound.
func (s *Server) handleData(cs *clientSession, m proto.Data) {
	s.mu.RLock()
	ac := s.conns[m.ConnectionID]
	s.mu.RUnlock()
	if ac == nil {
		cs.log.Debug("data for unknown connection", "conn", m.ConnectionID)
		return
	}
	select {
	case ac.in <- m.Data:
	case <-ac.done:
	default:
		cs.log.Warn("connection queue overflow, dropping stream", "conn", m.ConnectionID)
		s.removeConn(m.ConnectionID)
		cs.sendControl(proto.CloseConnection{ConnectionID: m.ConnectionID})
	}
}

// handleProxyConfig binds the requested remote port (or recognizes it as
// already ours) and answers the client.
func (s *Server) handleProxyConfig(cs *clientSession, m proto.ProxyConfig) {
	l := cs.log.New("service", fmt.Sprintf("%s:%d -> :%d", m.LocalIP, m.LocalPort, m.RemotePort))

	fail := func(reason string) {
		l.Warn("service registration refused", "err", reason)
		cs.sendControl(proto.ProxyConfigResponse{Error: proto.String(reason)})
	}

	s.mu.Lock()
	if existing := s.ports[m.RemotePort]; existing != nil {
		sameOwner := existing.clientID == cs.id
		proxyID := existing.proxyID
		s.mu.Unlock()
		if !sameOwner {
			fail(fmt.Sprintf("Port %d already in use by another client", m.RemotePort))
			return
		}
		// re-registration of a port we already own is idempotent: hand the
		// existing proxy id back, keep the one listener
		l.Info("service already registered", "proxy", proxyID)
		cs.sendControl(proto.ProxyConfigResponse{Success: true, ProxyID: proto.String(proxyID)})
		return
	}
	s.mu.Unlock()

	addr := net.JoinHostPort(s.cfg.BindHost, strconv.Itoa(int(m.RemotePort)))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fail(fmt.Sprintf("Failed to bind port %d: %v", m.RemotePort, err))
		return
	}

	proxyID := uuid.NewString()
	pl := &proxyListener{
		ln:       ln,
		clientID: cs.id,
		proxyID:  proxyID,
		cancel:   make(chan struct{}),
	}

	s.mu.Lock()
	if existing := s.ports[m.RemotePort]; existing != nil {
		// lost the race to another registration for the same port
		sameOwner := existing.clientID == cs.id
		existingID := existing.proxyID
		s.mu.Unlock()
		ln.Close()
		if !sameOwner {
			fail(fmt.Sprintf("Port %d already in use by another client", m.RemotePort))
			return
		}
		cs.sendControl(proto.ProxyConfigResponse{Success: true, ProxyID: proto.String(existingID)})
		return
	}
	if s.clients[cs.id] != cs {
		// session died while we were binding
		s.mu.Unlock()
		ln.Close()
		return
	}
	s.ports[m.RemotePort] = pl
	s.mu.Unlock()

	cs.mu.Lock()
	cs.proxies[proxyID] = proxyInfo{
		localIP:    m.LocalIP,
		localPort:  m.LocalPort,
		remotePort: m.RemotePort,
	}
	cs.mu.Unlock()

	go s.acceptLoop(pl, cs)

	l.Info("service registered", "proxy", proxyID, "addr", addr)
	cs.sendControl(proto.ProxyConfigResponse{Success: true, ProxyID: proto.String(proxyID)})
}

// acceptLoop accepts public connections on one proxy port until the owning
// session cancels it.
func (s *Server) acceptLoop(pl *proxyListener, cs *clientSession) {
	l := cs.log.New("proxy", pl.proxyID)
	for {
		sock, err := pl.ln.Accept()
		if err != nil {
			select {
			case <-pl.cancel:
			default:
				l.Error("proxy accept failed", "err", err)
			}
			return
		}

		s.mu.RLock()
		alive := s.clients[pl.clientID] == cs
		s.mu.RUnlock()
		if !alive {
			sock.Close()
			return
		}

		connID := uuid.NewString()
		l.Debug("inbound connection", "conn", connID, "remote", sock.RemoteAddr())

		// register before announcing so Data the client returns right away
		// finds the connection
		ac := &activeConn{
			clientID: cs.id,
			sock:     sock,
			in:       make(chan []byte, connQueueLen),
			done:     make(chan struct{}),
		}
		s.mu.Lock()
		s.conns[connID] = ac
		s.mu.Unlock()

		if !cs.sendControl(proto.NewConnection{ProxyID: pl.proxyID, ConnectionID: connID}) {
			s.removeConn(connID)
			return
		}

		go s.runStream(cs, ac, connID)
	}
}

// runStream is the server side stream engine for one public connection:
// reader pumps socket bytes into the tunnel, writer drains tunnel bytes
// into the socket, first one out tears the stream down.
func (s *Server) runStream(cs *clientSession, ac *activeConn, connID string) {
	sock := ac.sock

	// writer half
	go func() {
		for {
			select {
			case p := <-ac.in:
				if p == nil {
					s.removeConn(connID)
					return
				}
				if _, err := sock.Write(p); err != nil {
					cs.log.Debug("public write failed", "conn", connID, "err", err)
					s.removeConn(connID)
					return
				}
			case <-ac.done:
				return
			}
		}
	}()

	// reader half
	buf := make([]byte, readBufferSize)
	for {
		n, err := sock.Read(buf)
		if n > 0 {
			p := make([]byte, n)
			copy(p, buf[:n])
			if !cs.sendData(proto.Data{ConnectionID: connID, Data: p}) {
				cs.log.Warn("tunnel queue overflow, dropping stream", "conn", connID)
				break
			}
		}
		if err != nil {
			break
		}
	}

	s.removeConn(connID)
	cs.sendControl(proto.CloseConnection{ConnectionID: connID})
}

// removeConn drops one active connection. Safe to call any number of times
// from any goroutine.
func (s *Server) removeConn(connID string) {
	s.mu.Lock()
	ac := s.conns[connID]
	delete(s.conns, connID)
	s.mu.Unlock()
	if ac != nil {
		ac.close()
	}
}

// teardown cascades the removal of one client: session, its proxy
// listeners, its active connections. Idempotent; the reader and writer both
// call it and only the first does any work.
func (s *Server) teardown(clientID string) {
	s.mu.Lock()
	cs := s.clients[clientID]
	if cs == nil {
		s.mu.Unlock()
		return
	}
	delete(s.clients, clientID)

	var listeners []*proxyListener
	for port, pl := range s.ports {
		if pl.clientID == clientID {
			listeners = append(listeners, pl)
			delete(s.ports, port)
		}
	}
	var conns []*activeConn
	for id, ac := range s.conns {
		if ac.clientID == clientID {
			conns = append(conns, ac)
			delete(s.conns, id)
		}
	}
	s.mu.Unlock()

	cs.close()
	for _, pl := range listeners {
		pl.stop()
		cs.log.Info("released proxy port", "proxy", pl.proxyID, "addr", pl.ln.Addr())
	}
	for _, ac := range conns {
		ac.close()
	}
	cs.log.Debug("session cleaned up", "listeners", len(listeners), "conns", len(conns))
}

// readFrame reads exactly one frame, leaving any excess bytes in fb for
// the caller.
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
