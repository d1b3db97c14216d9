package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultLineLength = 4096
	maxChunkRead      = 64 * 1024
)

// Conn is the transport for one client connection. It feeds input units
// to a Protocol and implements Sender for its replies.
type Conn struct {
	conn   net.Conn
	server *Server
	state  ConnectionState
	proto  *Protocol
	log    *logrus.Entry

	r *bufio.Reader
	w *bufio.Writer

	expect      int64
	startTLS    bool
	shutdown    bool
	shutdownErr error

	locker sync.Mutex
	closed bool
}

func newConn(c net.Conn, s *Server, state ConnectionState) *Conn {
	sc := &Conn{
		server: s,
		conn:   c,
		state:  state,
		log: s.logger().WithFields(logrus.Fields{
			"session": state.ID,
			"peer":    state.PeerAddress(),
		}),
	}

	sc.init()
	return sc
}

func (c *Conn) init() {
	var r io.Reader = c.conn
	var w io.Writer = c.conn
	if c.server.Debug != nil {
		r = io.TeeReader(c.conn, c.server.Debug)
		w = io.MultiWriter(c.conn, c.server.Debug)
	}
	c.r = bufio.NewReaderSize(r, c.server.lineLength())
	c.w = bufio.NewWriter(w)
}

// State returns the connection description given to the backend.
func (c *Conn) State() ConnectionState {
	return c.state
}

// Protocol returns the dialogue engine, nil before the session starts.
func (c *Conn) Protocol() *Protocol {
	return c.proto
}

func (c *Conn) Send(reply string, flush bool) error {
	if c.server.Observer != nil && len(reply) >= 3 {
		if code, err := strconv.Atoi(reply[:3]); err == nil {
			c.server.Observer.Reply(code)
		}
	}
	if _, err := c.w.WriteString(reply); err != nil {
		return err
	}
	// Replies are only withheld while more pipelined input is waiting.
	if flush || c.r.Buffered() == 0 {
		return c.w.Flush()
	}
	return nil
}

func (c *Conn) Shutdown(err error) {
	c.shutdown = true
	c.shutdownErr = err
}

func (c *Conn) SecureNow() {
	c.startTLS = true
}

func (c *Conn) Expect(n int64) {
	c.expect = n
}

func (c *Conn) Close() error {
	c.locker.Lock()
	defer c.locker.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// IsTLS checks if this connection is encrypted.
func (c *Conn) IsTLS() bool {
	_, ok := c.conn.(*tls.Conn)
	return ok
}

func (c *Conn) setDeadline() {
	if c.server.MaxIdleSeconds > 0 {
		c.conn.SetDeadline(time.Now().Add(time.Duration(c.server.MaxIdleSeconds) * time.Second))
	}
}

// readUnit reads the next input unit: up to the announced number of raw
// bytes while a BDAT chunk is expected, otherwise one line. An overlong
// line is split into fragments while reading message content.
func (c *Conn) readUnit() ([]byte, error) {
	if c.r.Buffered() == 0 {
		if err := c.w.Flush(); err != nil {
			return nil, err
		}
	}
	c.setDeadline()

	if c.expect > 0 {
		n := c.expect
		if n > maxChunkRead {
			n = maxChunkRead
		}
		buf := make([]byte, n)
		k, err := c.r.Read(buf)
		c.expect -= int64(k)
		if k > 0 {
			return buf[:k], nil
		}
		if err == nil {
			err = io.ErrNoProgress
		}
		return nil, err
	}

	line, err := c.r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		if c.proto.InDataState() {
			return append([]byte(nil), line...), nil
		}
		return nil, ErrLineTooLong
	}
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), line...), nil
}

// skipLine discards input up to the end of an overlong line.
func (c *Conn) skipLine() error {
	for {
		_, err := c.r.ReadSlice('\n')
		if err != bufio.ErrBufferFull {
			return err
		}
	}
}

// handshake performs the server side of a TLS handshake and records the
// result in the connection state.
func (c *Conn) handshake(tlsConn *tls.Conn) error {
	c.setDeadline()
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}
	c.locker.Lock()
	c.conn = tlsConn
	c.locker.Unlock()
	c.init()

	cs := tlsConn.ConnectionState()
	c.state.TLS = &cs
	c.log.Infof("tls established: %s %s", tls.VersionName(cs.Version), tls.CipherSuiteName(cs.CipherSuite))
	return nil
}

// secured reports the negotiated TLS session to the protocol.
func (c *Conn) secured() {
	cs := c.state.TLS
	var cert string
	if len(cs.PeerCertificates) > 0 {
		cert = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cs.PeerCertificates[0].Raw}))
	}
	c.proto.Secure(cert, tls.VersionName(cs.Version), tls.CipherSuiteName(cs.CipherSuite))
}

func (c *Conn) startTLSNow() error {
	c.startTLS = false
	if err := c.w.Flush(); err != nil {
		return err
	}
	if err := c.handshake(tls.Server(c.conn, c.server.TLSConfig)); err != nil {
		return err
	}
	c.secured()
	return nil
}

// serve runs the dialogue until the client quits, the protocol gives up,
// or the connection fails.
func (c *Conn) serve(ctx context.Context, s Session) error {
	if s.Log == nil {
		s.Log = c.log
	}
	c.proto = NewProtocol(c, s, c.state.PeerAddress(), c.server.protocolConfig())
	if c.server.Observer != nil {
		c.proto.OnChange(c.server.Observer.Transition)
	}

	// Implicit TLS: secure before the greeting.
	if c.state.TLS != nil {
		c.secured()
	}
	c.proto.Init()

	for !c.proto.Done() && !c.shutdown {
		if c.startTLS {
			if err := c.startTLSNow(); err != nil {
				return err
			}
			continue
		}

		if c.proto.Busy() {
			if err := c.w.Flush(); err != nil {
				return err
			}
			if err := c.wait(ctx); err != nil {
				return err
			}
			continue
		}

		unit, err := c.readUnit()
		if err == ErrLineTooLong {
			c.log.Warn("command line too long")
			c.reply(500, "line too long")
			c.proto.badClient()
			if c.proto.Done() {
				break
			}
			err = c.skipLine()
			if err == nil {
				continue
			}
		}
		if err != nil {
			return c.readError(err)
		}
		c.proto.Apply(unit)
	}

	c.w.Flush()
	return c.shutdownErr
}

// wait blocks until a completion arrives for a busy protocol.
func (c *Conn) wait(ctx context.Context) error {
	var timeout <-chan time.Time
	if c.server.MaxIdleSeconds > 0 {
		t := time.NewTimer(time.Duration(c.server.MaxIdleSeconds) * time.Second)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-c.proto.Wake():
		c.proto.Pump()
		return nil
	case <-timeout:
		return fmt.Errorf("timed out in state %v", c.proto.State())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) readError(err error) error {
	if err == io.EOF {
		return nil
	}
	var neterr net.Error
	if errors.As(err, &neterr) && neterr.Timeout() {
		// The expired deadline also covers writes.
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.reply(421, "idle timeout")
		return nil
	}
	return err
}

// reply writes a reply outside the protocol, eg. on refusal.
func (c *Conn) reply(code int, text string) {
	c.Send(formatReply(code, text)+"\r\n", true)
}
