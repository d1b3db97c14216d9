package auth

import (
	"errors"

	"github.com/emersion/go-sasl"
	"github.com/sirupsen/logrus"

	"github.com/relaykit/go-smtpd/log"
)

var errBadCredentials = errors.New("invalid username or password")

// SaslServer is the per-connection authentication state. It implements
// smtp.Authenticator with the PLAIN and LOGIN mechanisms.
type SaslServer struct {
	secrets    *Secrets
	requireTLS bool
	log        *logrus.Entry

	server        sasl.Server
	mechanism     string
	id            string
	authenticated bool
}

// NewSaslServer creates the authentication state for one connection. A nil
// or empty Secrets leaves authentication inactive.
func NewSaslServer(secrets *Secrets, requireTLS bool) *SaslServer {
	return &SaslServer{
		secrets:    secrets,
		requireTLS: requireTLS,
		log:        log.WithFields(logrus.Fields{"component": "auth"}),
	}
}

func (a *SaslServer) Active() bool {
	return a.secrets.Valid()
}

// Mechanisms lists PLAIN and LOGIN. Both send the password in the clear,
// so they are withheld from plaintext sessions when encryption is required.
func (a *SaslServer) Mechanisms(secure bool) []string {
	if !secure && a.requireTLS {
		return nil
	}
	return []string{sasl.Plain, sasl.Login}
}

func (a *SaslServer) PreferredMechanism(secure bool) string {
	return ""
}

func (a *SaslServer) Init(secure bool, mechanism string) bool {
	a.authenticated = false
	a.id = ""
	a.mechanism = ""
	a.server = nil

	if !secure && a.requireTLS {
		return false
	}
	switch mechanism {
	case sasl.Plain:
		a.server = sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return errors.New("identities not supported")
			}
			return a.check(username, password)
		})
	case sasl.Login:
		a.server = sasl.NewLoginServer(a.check)
	default:
		return false
	}
	a.mechanism = mechanism
	return true
}

func (a *SaslServer) check(username, password string) error {
	if !a.secrets.Check(username, password) {
		a.log.WithField("user", username).Warn("authentication failed")
		return errBadCredentials
	}
	a.id = username
	return nil
}

func (a *SaslServer) MustChallenge() bool {
	return false
}

// InitialChallenge starts the exchange when the client sent no initial
// response.
func (a *SaslServer) InitialChallenge() []byte {
	if a.server == nil {
		return nil
	}
	challenge, _, err := a.server.Next(nil)
	if err != nil {
		return nil
	}
	return challenge
}

func (a *SaslServer) Apply(response []byte) ([]byte, bool) {
	if a.server == nil {
		return nil, true
	}
	if response == nil {
		response = []byte{}
	}
	challenge, done, err := a.server.Next(response)
	if err != nil {
		a.authenticated = false
		a.id = ""
		return nil, true
	}
	if done {
		a.authenticated = a.id != ""
	}
	return challenge, done
}

func (a *SaslServer) Authenticated() bool {
	return a.authenticated
}

func (a *SaslServer) ID() string {
	return a.id
}

func (a *SaslServer) Mechanism() string {
	return a.mechanism
}

// Trusted reports whether the peer is on a trusted network and may skip
// authentication.
func (a *SaslServer) Trusted(peerAddress string) bool {
	name, ok := a.secrets.Trusted(peerAddress)
	if ok {
		a.log.WithField("network", name).Debugf("trusted peer %s", peerAddress)
	}
	return ok
}

func (a *SaslServer) RequiresEncryption() bool {
	return a.requireTLS
}
