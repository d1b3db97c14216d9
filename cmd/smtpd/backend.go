package main

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relaykit/go-smtpd"
	"github.com/relaykit/go-smtpd/auth"
	"github.com/relaykit/go-smtpd/backendutil"
	"github.com/relaykit/go-smtpd/log"
	"github.com/relaykit/go-smtpd/store"
	"github.com/relaykit/go-smtpd/verify"
)

// backend hands every connection its own message, verifier and
// authenticator, all sharing one store.
type backend struct {
	store *store.Store

	secrets         *auth.Secrets
	authRequiresTLS bool

	// Either an external program per connection or one shared Internal.
	verifyExecutable string
	verifyTimeout    time.Duration
	internal         *verify.Internal
}

func (b *backend) NewSession(state smtp.ConnectionState) (smtp.Session, error) {
	sess := smtp.Session{
		Message: &backendutil.TransformMessage{
			Message:       b.store.NewMessage(),
			TransformMail: normalizeSender,
		},
		Log: log.WithFields(logrus.Fields{"session": state.ID, "peer": state.PeerAddress()}),
	}

	if b.verifyExecutable != "" {
		sess.Verifier = verify.NewExecutable(b.verifyExecutable, b.verifyTimeout)
	} else {
		sess.Verifier = b.internal
	}

	if b.secrets.Valid() {
		sess.Authenticator = auth.NewSaslServer(b.secrets, b.authRequiresTLS)
	}
	return sess, nil
}

// normalizeSender puts the envelope sender into canonical form, leaving the
// null reverse-path alone.
func normalizeSender(from string) (string, error) {
	if from == "" {
		return "", nil
	}
	return backendutil.NormalizeAddress(from)
}
