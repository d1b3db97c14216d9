package smtp

import (
	"crypto/tls"
	"net"
)

// ConnectionState describes an accepted connection.
type ConnectionState struct {
	// Session identifier, also used as a log field.
	ID string

	// Server host name.
	Hostname   string
	LocalAddr  net.Addr
	RemoteAddr net.Addr

	// Set once a TLS handshake completes. NewSession sees it only for
	// implicit TLS connections; Conn.State reflects STARTTLS too.
	TLS *tls.ConnectionState
}

// PeerAddress returns the host part of the remote address.
func (cs ConnectionState) PeerAddress() string {
	if cs.RemoteAddr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(cs.RemoteAddr.String())
	if err != nil {
		return cs.RemoteAddr.String()
	}
	return host
}

// A SMTP server backend.
type Backend interface {
	// NewSession returns the collaborators for a new connection. An error
	// refuses the connection with a 421 reply.
	NewSession(state ConnectionState) (Session, error)
}

// BackendFunc adapts a function to a Backend.
type BackendFunc func(state ConnectionState) (Session, error)

func (f BackendFunc) NewSession(state ConnectionState) (Session, error) {
	return f(state)
}

// Observer receives connection events, eg. for metrics.
type Observer interface {
	Connected()
	Disconnected(err error)
	Transition(old, new State)
	Reply(code int)
}
