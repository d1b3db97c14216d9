package smtp

// Sender is the transport seen from the protocol engine.
type Sender interface {
	// Send writes one reply, CRLF terminated. flush is false when the
	// reply may be withheld under pipelining until more replies are
	// queued or the input buffer runs dry.
	Send(reply string, flush bool) error

	// Shutdown closes the connection once pending replies are written.
	// A nil error means the client asked to quit.
	Shutdown(err error)

	// SecureNow starts the server-side TLS handshake after the pending
	// 220 reply has been flushed. The transport calls Protocol.Secure
	// when it completes.
	SecureNow()

	// Expect makes the next n input bytes raw content, delivered to
	// Apply with no line splitting or terminator detection.
	Expect(n int64)
}

// VerifyRequest describes an address to verify.
type VerifyRequest struct {
	// "RCPT" or "VRFY".
	Command string

	Address     string
	From        string
	PeerAddress string
	Helo        string

	// SASL mechanism used by the client, "NONE" if authentication is
	// available but was not used, empty if not available.
	Mechanism string
	AuthID    string
}

// VerifierStatus is the verdict on an address.
type VerifierStatus struct {
	Valid     bool
	Local     bool
	Temporary bool

	// Abort asks for the connection to be dropped.
	Abort bool

	FullName string

	// Canonical form of the address, if different.
	Address string

	// Response text for an invalid address.
	Response string
}

// Verifier judges recipient addresses. Verify must not block; done may be
// called from any goroutine, including from within Verify.
type Verifier interface {
	Verify(req VerifyRequest, done func(VerifierStatus))

	// Cancel abandons any verification in progress; its done callback
	// may still be called but will be ignored.
	Cancel()
}

// ContentStatus is the result of adding content to a message.
type ContentStatus int

const (
	ContentOK ContentStatus = iota
	ContentError
	ContentTooBig
)

// ProcessResult is the outcome of message processing.
type ProcessResult struct {
	OK bool

	// Message identifier, if one was assigned.
	ID string

	// SMTP reply code in the range 400 to 599. Zero gets the
	// default 452.
	Code int

	// Reply text on failure.
	Text string

	// Reason is logged but not sent.
	Reason string
}

// ProtocolMessage is the message under construction for the current
// transaction.
type ProtocolMessage interface {
	Clear()
	SetFrom(from string, info FromInfo) error
	AddTo(to ToInfo) error
	AddReceived(line string)
	AddContent(data []byte) ContentStatus
	From() string
	BodyType() BodyType

	// Process hands the completed message on. It must not block; done
	// may be called from any goroutine.
	Process(authID, peerAddress, certificate string, done func(ProcessResult))
}

// Authenticator is the server side of a SASL exchange.
type Authenticator interface {
	// Active reports whether authentication is configured at all.
	Active() bool

	Mechanisms(secure bool) []string
	PreferredMechanism(secure bool) string

	// Init starts an exchange. It returns false for an unsupported
	// mechanism.
	Init(secure bool, mechanism string) bool
	MustChallenge() bool
	InitialChallenge() []byte

	// Apply feeds one decoded client response and returns the next
	// challenge, or done once the exchange is over.
	Apply(response []byte) (challenge []byte, done bool)

	Authenticated() bool
	ID() string
	Mechanism() string

	// Trusted reports whether the peer may submit without authenticating.
	Trusted(peerAddress string) bool

	// RequiresEncryption reports whether the mechanisms on offer need TLS.
	RequiresEncryption() bool
}

// Text provides the free-text parts of replies.
type Text interface {
	Greeting() string
	Hello(peerName string) string
	Received(peerName string, authenticated, secure bool, protocol, cipher string) string
}
