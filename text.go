package smtp

import (
	"fmt"
	"strings"
	"time"
)

// ServerText is the default Text.
type ServerText struct {
	Ident       string
	Hostname    string
	PeerAddress string

	// Now is used for the Received timestamp, time.Now if nil.
	Now func() time.Time
}

func NewServerText(ident, hostname, peerAddress string) *ServerText {
	return &ServerText{Ident: ident, Hostname: hostname, PeerAddress: peerAddress}
}

func (t *ServerText) Greeting() string {
	return t.Hostname + " -- " + t.Ident + " -- Service ready"
}

func (t *ServerText) Hello(peerName string) string {
	return t.Hostname + " says hello"
}

// Received builds an RFC 5321 section 4.4 trace line, with the RFC 3848
// protocol keyword.
func (t *ServerText) Received(peerName string, authenticated, secure bool, protocol, cipher string) string {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}

	with := "ESMTP"
	if secure {
		with += "S"
	}
	if authenticated {
		with += "A"
	}

	var tls string
	if secure {
		tls = sanitizeCipher(cipher)
		if tls != "" {
			tls = " tls " + tls
		}
	}

	return fmt.Sprintf("Received: from %s ([%s]) by %s with %s%s ; %s",
		printableASCII(strings.ReplaceAll(peerName, " ", "-")),
		t.PeerAddress, t.Hostname, with, tls,
		now().Format(time.RFC1123Z))
}

func sanitizeCipher(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '-':
			b.WriteByte('_')
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	return b.String()
}

func printableASCII(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= 0x20 && c < 0x7f {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "\\x%02X", c)
		}
	}
	return b.String()
}
