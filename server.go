package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/relaykit/go-smtpd/log"
)

// ErrServerClosed is returned by Serve after Close or Shutdown.
var ErrServerClosed = errors.New("smtp: server closed")

// A SMTP server.
type Server struct {
	// TCP address to listen on.
	Addr string
	// The server TLS configuration. STARTTLS is only offered when set.
	TLSConfig *tls.Config

	Domain string
	// Software identification for the greeting.
	Ident string

	MaxClients     int
	MaxIdleSeconds int
	MaxLineLength  int

	// Protocol policy applied to every connection.
	Policy Config

	Debug io.Writer

	// The server backend.
	Backend Backend

	Observer Observer
	Log      *logrus.Logger

	listener net.Listener
	wg       sync.WaitGroup

	locker sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

// New creates a new SMTP server.
func NewServer(be Backend) *Server {
	return &Server{
		Backend: be,
		Ident:   "go-smtpd",
		Policy: Config{
			WithPipelining: true,
			WithChunking:   true,
			WithSMTPUTF8:   true,
		},
		conns: make(map[*Conn]struct{}),
	}
}

func (s *Server) logger() *logrus.Logger {
	if s.Log != nil {
		return s.Log
	}
	return log.Logger
}

func (s *Server) lineLength() int {
	if s.MaxLineLength > 0 {
		return s.MaxLineLength
	}
	return defaultLineLength
}

func (s *Server) hostname() string {
	if s.Domain != "" {
		return s.Domain
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "localhost"
}

func (s *Server) protocolConfig() Config {
	cfg := s.Policy
	cfg.WithStartTLS = cfg.WithStartTLS && s.TLSConfig != nil
	return cfg
}

// Serve accepts incoming connections on the Listener l.
func (s *Server) Serve(l net.Listener) error {
	s.locker.Lock()
	if s.closed {
		s.locker.Unlock()
		return ErrServerClosed
	}
	s.listener = l
	if s.conns == nil {
		s.conns = make(map[*Conn]struct{})
	}
	s.locker.Unlock()

	for {
		c, err := l.Accept()
		if err != nil {
			s.locker.Lock()
			closed := s.closed
			s.locker.Unlock()
			if closed {
				return ErrServerClosed
			}
			var neterr net.Error
			if errors.As(err, &neterr) && neterr.Timeout() {
				continue
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.handleConn(c); err != nil {
				s.logger().WithError(err).WithField("peer", c.RemoteAddr().String()).Warn("connection ended")
			}
		}()
	}
}

func (s *Server) handleConn(nc net.Conn) error {
	state := ConnectionState{
		ID:         uuid.NewString(),
		Hostname:   s.hostname(),
		LocalAddr:  nc.LocalAddr(),
		RemoteAddr: nc.RemoteAddr(),
	}
	c := newConn(nc, s, state)

	s.locker.Lock()
	full := s.MaxClients > 0 && len(s.conns) >= s.MaxClients
	if !full {
		s.conns[c] = struct{}{}
	}
	s.locker.Unlock()

	if full {
		c.log.Warn("too many clients, refusing connection")
		c.reply(421, state.Hostname+" too many connections, try again later")
		return c.Close()
	}

	if s.Observer != nil {
		s.Observer.Connected()
	}
	c.log.Info("connection accepted")

	var err error
	defer func() {
		c.Close()

		s.locker.Lock()
		delete(s.conns, c)
		s.locker.Unlock()

		if s.Observer != nil {
			s.Observer.Disconnected(err)
		}
		c.log.Info("connection closed")
	}()

	if tlsConn, ok := nc.(*tls.Conn); ok {
		if err = c.handshake(tlsConn); err != nil {
			return err
		}
		state = c.state
	}

	sess, err := s.Backend.NewSession(state)
	if err != nil {
		c.reply(421, "service not available")
		return err
	}
	if sess.Text == nil {
		sess.Text = NewServerText(s.Ident, state.Hostname, state.PeerAddress())
	}

	err = c.serve(context.Background(), sess)
	return err
}

// ListenAndServe listens on the TCP network address s.Addr and then calls Serve
// to handle requests on incoming connections.
//
// If s.Addr is blank, ":smtp" is used.
func (s *Server) ListenAndServe() error {
	addr := s.Addr
	if addr == "" {
		addr = ":smtp"
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	return s.Serve(l)
}

// ListenAndServeTLS listens on the TCP network address s.Addr and then calls
// Serve to handle requests on incoming TLS connections.
//
// If s.Addr is blank, ":smtps" is used.
func (s *Server) ListenAndServeTLS() error {
	addr := s.Addr
	if addr == "" {
		addr = ":smtps"
	}

	l, err := tls.Listen("tcp", addr, s.TLSConfig)
	if err != nil {
		return err
	}

	return s.Serve(l)
}

// Close stops the server and drops all connections.
func (s *Server) Close() error {
	s.locker.Lock()
	defer s.locker.Unlock()

	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	return err
}

// Shutdown stops accepting connections and waits for the open ones to
// finish, dropping them if ctx expires first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.locker.Lock()
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.locker.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		s.Close()
		<-done
		return ctx.Err()
	}
}

// ForEachConn iterates through all opened connections.
func (s *Server) ForEachConn(f func(*Conn)) {
	s.locker.Lock()
	defer s.locker.Unlock()
	for conn := range s.conns {
		f(conn)
	}
}
