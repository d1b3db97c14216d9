package smtp

import (
	"encoding/base64"
	"strings"
)

func (p *Protocol) doAuthInvalid(eventInput) outcome {
	p.log.Warn("client protocol error: AUTH requested but not advertised")
	p.sendNotImplemented()
	return proceed
}

// doAuth starts an RFC 4954 exchange. Any rejection returns to Idle, as
// does an exchange completed by the initial response.
func (p *Protocol) doAuth(in eventInput) outcome {
	words := strings.Fields(in.line)
	var mechanism, initial string
	if len(words) > 1 {
		mechanism = strings.ToUpper(words[1])
	}
	hasInitial := len(words) > 2
	if hasInitial {
		initial = words[2]
	}

	switch {
	case !p.secure && p.authRequiresEncryption():
		p.log.Warn("rejecting authentication attempt without encryption")
		p.sendInsecureAuth()
		return reject
	case p.authenticated:
		p.log.Warn("too many AUTH requests")
		p.sendOutOfSequence()
		p.badClient()
		return reject
	case mechanism == "":
		p.sendMissingParameter()
		return reject
	case !p.sasl.Init(p.secure, mechanism):
		p.log.Warnf("request for unsupported AUTH mechanism: %s", mechanism)
		p.sendBadMechanism(p.sasl.PreferredMechanism(p.secure))
		return reject
	case hasInitial && p.sasl.MustChallenge():
		p.log.Warn("unexpected initial-response with a server-first AUTH mechanism")
		p.sendInvalidArgument()
		return reject
	}

	if !hasInitial {
		p.sendChallenge(p.sasl.InitialChallenge())
		return proceed
	}

	// "=" is an empty initial response.
	var response []byte
	if initial != "=" {
		var err error
		if response, err = base64.StdEncoding.DecodeString(initial); err != nil {
			p.log.Warn("invalid base64 encoding of AUTH parameter")
			p.sendInvalidArgument()
			return reject
		}
	}
	return p.authStep(response)
}

func (p *Protocol) doAuthData(in eventInput) outcome {
	if in.line == "*" {
		p.sendAuthenticationCancelled()
		return reject
	}
	response, err := base64.StdEncoding.DecodeString(in.line)
	if err != nil {
		p.log.Warn("invalid base64 encoding of authentication response")
		p.sendAuthDone(false)
		return reject
	}
	return p.authStep(response)
}

// authStep feeds one response to the authenticator. The exchange stays in
// Auth while there are more challenges.
func (p *Protocol) authStep(response []byte) outcome {
	challenge, done := p.sasl.Apply(response)
	if !done {
		p.sendChallenge(challenge)
		return proceed
	}
	p.authenticated = p.sasl.Authenticated()
	if p.authenticated {
		p.log.Infof("authenticated as %q using %s", p.sasl.ID(), p.sasl.Mechanism())
	} else {
		p.log.Warn("authentication failed")
	}
	p.sendAuthDone(p.authenticated)
	return reject
}
