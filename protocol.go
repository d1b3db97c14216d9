package smtp

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relaykit/go-smtpd/log"
)

const defaultBadClientLimit = 8

// Config holds the per-connection protocol policy.
type Config struct {
	// Allow VRFY; otherwise it gets a non-committal 252.
	WithVrfy bool

	// Time allowed for message processing. Zero means no limit.
	FilterTimeout time.Duration

	// Advertised SIZE limit. Zero means no limit.
	MaxSize int64

	AuthRequiresEncryption bool
	MailRequiresEncryption bool

	// Offer STARTTLS to plaintext sessions.
	WithStartTLS bool

	WithPipelining bool
	WithChunking   bool
	WithSMTPUTF8   bool

	// Reject non-ASCII mailboxes unless MAIL carried SMTPUTF8.
	SMTPUTF8Strict bool

	// Refuse service: 421 greeting, MAIL rejected.
	Disabled bool

	// Number of protocol errors after which the connection is dropped.
	// Zero means the default of 8, a negative value means no limit.
	BadClientLimit int
}

// Session bundles the collaborators of one connection.
type Session struct {
	Message       ProtocolMessage
	Verifier      Verifier
	Authenticator Authenticator
	Text          Text

	// Log gets the protocol trace. Defaults to the package logger.
	Log *logrus.Entry
}

// ApplyResult reports what Apply did with an input unit.
type ApplyResult struct {
	Consumed bool

	// Busy means the unit was not consumed because the engine is waiting
	// for a completion. Wait on Wake, call Pump, and offer it again.
	Busy bool
}

// Protocol is the SMTP server dialogue for one connection. It is not safe
// for concurrent use: Apply, Pump and Secure must all be called from the
// same goroutine.
type Protocol struct {
	sender   Sender
	verifier Verifier
	msg      ProtocolMessage
	sasl     Authenticator
	text     Text
	cfg      Config
	log      *logrus.Entry

	peerAddress  string
	withStartTLS bool

	fsm      *fsm
	event    Event
	pending  []pendingEvent
	bridge   *bridge
	timer    *time.Timer
	onChange func(old, new State)

	// Session state, kept until QUIT.
	initialised   bool
	done          bool
	err           error
	peerName      string
	authenticated bool
	secure        bool
	certificate   string
	tlsProtocol   string
	cipher        string
	badClients    int

	// Transaction state.
	txn         uint64
	smtputf8    bool
	rcptAddress string
	contentErr  ContentStatus
	midLine     bool
	bdatSize    int64
	bdatGot     int64
	bdatTotal   int64
	discard     int64
}

// NewProtocol builds the dialogue for a connection from peerAddress. Call
// Init to send the greeting.
func NewProtocol(sender Sender, s Session, peerAddress string, cfg Config) *Protocol {
	p := &Protocol{
		sender:      sender,
		verifier:    s.Verifier,
		msg:         s.Message,
		sasl:        s.Authenticator,
		text:        s.Text,
		cfg:         cfg,
		log:         s.Log,
		peerAddress: peerAddress,
		bridge:      newBridge(),
		fsm:         newFSM(StateStart),
	}
	if p.verifier == nil {
		p.verifier = acceptVerifier{}
	}
	if p.sasl == nil {
		p.sasl = noAuthenticator{}
	}
	if p.text == nil {
		p.text = NewServerText("go-smtpd", "localhost", peerAddress)
	}
	if p.log == nil {
		p.log = log.WithFields(logrus.Fields{"peer": peerAddress})
	}
	p.withStartTLS = cfg.WithStartTLS
	p.buildTable()
	return p
}

func (p *Protocol) buildTable() {
	m := p.fsm

	m.add(EventQuit, stateAny, StateEnd, (*Protocol).doQuit)
	m.add(EventUnknown, stateAny, stateSame, (*Protocol).doUnknown)
	m.add(EventRset, StateStart, stateSame, (*Protocol).doNoop)
	m.add(EventRset, stateAny, StateIdle, (*Protocol).doRset)
	m.add(EventNoop, stateAny, stateSame, (*Protocol).doNoop)
	m.add(EventHelp, stateAny, stateSame, (*Protocol).doNotImplemented)
	m.add(EventExpn, stateAny, stateSame, (*Protocol).doNotImplemented)

	m.add(EventVrfy, StateStart, StateVrfyStart, (*Protocol).doVrfy, stateSame)
	m.add(EventVrfyReply, StateVrfyStart, StateStart, (*Protocol).doVrfyReply)
	m.add(EventVrfy, StateIdle, StateVrfyIdle, (*Protocol).doVrfy, stateSame)
	m.add(EventVrfyReply, StateVrfyIdle, StateIdle, (*Protocol).doVrfyReply)
	m.add(EventVrfy, StateGotMail, StateVrfyGotMail, (*Protocol).doVrfy, stateSame)
	m.add(EventVrfyReply, StateVrfyGotMail, StateGotMail, (*Protocol).doVrfyReply)
	m.add(EventVrfy, StateGotRcpt, StateVrfyGotRcpt, (*Protocol).doVrfy, stateSame)
	m.add(EventVrfyReply, StateVrfyGotRcpt, StateGotRcpt, (*Protocol).doVrfyReply)

	m.add(EventEhlo, stateAny, StateIdle, (*Protocol).doEhlo, stateSame)
	m.add(EventHelo, stateAny, StateIdle, (*Protocol).doHelo, stateSame)
	m.add(EventMail, StateIdle, StateGotMail, (*Protocol).doMail, StateIdle)

	// A rejected recipient never undoes an earlier accepted one.
	m.add(EventRcpt, StateGotMail, StateRcptTo1, (*Protocol).doRcpt, stateSame)
	m.add(EventRcptReply, StateRcptTo1, StateGotRcpt, (*Protocol).doRcptReply, StateGotMail)
	m.add(EventRcpt, StateGotRcpt, StateRcptTo2, (*Protocol).doRcpt, stateSame)
	m.add(EventRcptReply, StateRcptTo2, StateGotRcpt, (*Protocol).doRcptReply, StateGotRcpt)

	m.add(EventData, StateGotMail, StateIdle, (*Protocol).doNoRecipients)
	m.add(EventDataFail, StateGotMail, StateIdle, (*Protocol).doNoRecipients)
	m.add(EventData, StateGotRcpt, StateData, (*Protocol).doData)
	m.add(EventDataFail, StateGotRcpt, StateMustReset, (*Protocol).doDataFail)
	m.add(EventContent, StateData, StateData, (*Protocol).doContent)
	m.add(EventEot, StateData, StateProcessing, (*Protocol).doEot, StateIdle)
	m.add(EventDone, StateProcessing, StateIdle, (*Protocol).doComplete)
	m.add(EventTimeout, StateProcessing, StateIdle, (*Protocol).doComplete)

	for _, ev := range []Event{EventBdat, EventBdatLast, EventBdatLastZero} {
		m.add(ev, StateIdle, StateIdle, (*Protocol).doBdatNoRecipients)
		m.add(ev, StateGotMail, StateIdle, (*Protocol).doBdatNoRecipients)
	}
	for _, from := range []State{StateGotRcpt, StateBdatIdle} {
		m.add(EventBdat, from, StateBdatData, (*Protocol).doBdat)
		m.add(EventBdatLast, from, StateBdatDataLast, (*Protocol).doBdat)
		m.add(EventBdatLastZero, from, StateBdatChecking, (*Protocol).doBdatLastZero)
	}
	m.add(EventBdatContent, StateBdatData, stateSame, (*Protocol).doBdatContent)
	m.add(EventBdatContent, StateBdatDataLast, stateSame, (*Protocol).doBdatContent)
	m.add(EventBdatChunkDone, StateBdatData, StateBdatIdle, (*Protocol).doBdatChunkDone)
	m.add(EventBdatChunkDone, StateBdatDataLast, StateBdatChecking, (*Protocol).doBdatLastDone)
	m.add(EventBdatCheck, StateBdatChecking, StateBdatProcessing, (*Protocol).doBdatCheck, StateIdle)
	m.add(EventDone, StateBdatProcessing, StateIdle, (*Protocol).doComplete)
	m.add(EventTimeout, StateBdatProcessing, StateIdle, (*Protocol).doComplete)

	if p.sasl.Active() {
		m.add(EventAuth, StateIdle, StateAuth, (*Protocol).doAuth, StateIdle)
		m.add(EventAuthData, StateAuth, StateAuth, (*Protocol).doAuthData, StateIdle)
	} else {
		m.add(EventAuth, StateIdle, StateIdle, (*Protocol).doAuthInvalid)
	}

	if p.withStartTLS {
		m.add(EventStartTLS, StateIdle, StateStartingTLS, (*Protocol).doStartTLS, StateIdle)
		m.add(EventSecure, StateStartingTLS, StateIdle, (*Protocol).doSecure)
	}
}

// Init sends the greeting.
func (p *Protocol) Init() {
	p.initialised = true
	p.event = EventNoop
	p.sendGreeting()
}

// Apply feeds one input unit: a command line or content line including
// its line ending, or a raw chunk of BDAT content.
func (p *Protocol) Apply(unit []byte) ApplyResult {
	if p.done {
		return ApplyResult{}
	}

	if p.discard > 0 {
		n := int64(len(unit))
		if n > p.discard {
			n = p.discard
		}
		p.discard -= n
		return ApplyResult{Consumed: true}
	}

	if p.State().Busy() {
		return ApplyResult{Busy: true}
	}

	ev, in := p.classify(unit)
	p.dispatch(ev, in, false)

	// The bytes announced by a refused BDAT must not be read as commands.
	if in.bdat && in.size > 0 && !p.done {
		if st := p.State(); st != StateBdatData && st != StateBdatDataLast {
			p.discard = in.size
			p.sender.Expect(in.size)
		}
	}

	p.Pump()
	return ApplyResult{Consumed: true}
}

// Secure reports a completed TLS handshake. Called before Init it marks
// an implicit TLS session.
func (p *Protocol) Secure(certificate, protocol, cipher string) {
	p.certificate = certificate
	p.tlsProtocol = protocol
	p.cipher = cipher
	if !p.initialised {
		p.secure = true
		return
	}
	p.dispatch(EventSecure, eventInput{}, true)
	p.Pump()
}

// OnChange registers a function called after every state machine step.
func (p *Protocol) OnChange(f func(old, new State)) {
	p.onChange = f
}

func (p *Protocol) State() State {
	return p.fsm.state
}

func (p *Protocol) Busy() bool {
	return !p.done && p.State().Busy()
}

// InDataState reports whether input is message content.
func (p *Protocol) InDataState() bool {
	switch p.State() {
	case StateData, StateBdatData, StateBdatDataLast:
		return true
	}
	return false
}

// Done reports whether the session is over.
func (p *Protocol) Done() bool {
	return p.done
}

// Err returns the reason the session ended, nil after QUIT.
func (p *Protocol) Err() error {
	return p.err
}

// IsSecure reports whether the session is encrypted.
func (p *Protocol) IsSecure() bool {
	return p.secure
}

// Authenticated reports whether the client has authenticated.
func (p *Protocol) Authenticated() bool {
	return p.authenticated
}

// dispatch applies one event, then any internal events it raised.
func (p *Protocol) dispatch(ev Event, in eventInput, synthetic bool) {
	p.step(ev, in, synthetic)
	for len(p.pending) > 0 && !p.done {
		next := p.pending[0]
		p.pending = p.pending[1:]
		p.step(next.event, next.input, true)
	}
}

func (p *Protocol) step(ev Event, in eventInput, synthetic bool) {
	if p.done {
		return
	}
	old := p.fsm.state
	p.event = ev
	if _, ok := p.fsm.apply(p, ev, in); !ok {
		if synthetic {
			p.log.Errorf("no transition for %v in state %v", ev, old)
			p.shutdown(ErrProtocol)
		} else {
			p.log.Debugf("%v out of sequence in state %v", ev, old)
			p.sendOutOfSequence()
			p.badClient()
		}
	}
	if cur := p.fsm.state; cur != old {
		p.log.Tracef("state %v -> %v", old, cur)
	}
	if p.onChange != nil {
		p.onChange(old, p.fsm.state)
	}
}

// reset abandons the current transaction, leaving the session alone.
func (p *Protocol) reset() {
	p.cancelTimer()
	p.verifier.Cancel()
	p.txn++
	p.smtputf8 = false
	p.rcptAddress = ""
	p.contentErr = ContentOK
	p.midLine = false
	p.bdatSize, p.bdatGot, p.bdatTotal = 0, 0, 0
}

// clear resets and empties the message.
func (p *Protocol) clear() {
	p.reset()
	p.msg.Clear()
}

func (p *Protocol) shutdown(err error) {
	if p.done {
		return
	}
	p.reset()
	p.done = true
	p.err = err
	p.pending = nil
	p.fsm.state = StateEnd
	p.sender.Shutdown(err)
}

func (p *Protocol) badClient() {
	p.badClients++
	limit := p.cfg.BadClientLimit
	if limit == 0 {
		limit = defaultBadClientLimit
	}
	if limit > 0 && p.badClients >= limit {
		p.log.Warnf("too many protocol errors (%d), dropping connection", p.badClients)
		p.shutdown(ErrTooManyErrors)
	}
}

func (p *Protocol) authRequiresEncryption() bool {
	return p.cfg.AuthRequiresEncryption || (p.sasl.Active() && p.sasl.RequiresEncryption())
}

func (p *Protocol) authID() string {
	if p.authenticated {
		return p.sasl.ID()
	}
	return ""
}

// acceptVerifier stands in when no verifier is configured. Every address
// is valid and remote.
type acceptVerifier struct{}

func (acceptVerifier) Verify(req VerifyRequest, done func(VerifierStatus)) {
	done(VerifierStatus{Valid: true, Address: req.Address})
}

func (acceptVerifier) Cancel() {}

// noAuthenticator stands in when authentication is not configured.
type noAuthenticator struct{}

func (noAuthenticator) Active() bool { return false }
func (noAuthenticator) Mechanisms(bool) []string { return nil }
func (noAuthenticator) PreferredMechanism(bool) string { return "" }
func (noAuthenticator) Init(bool, string) bool { return false }
func (noAuthenticator) MustChallenge() bool { return false }
func (noAuthenticator) InitialChallenge() []byte { return nil }
func (noAuthenticator) Apply([]byte) ([]byte, bool) { return nil, true }
func (noAuthenticator) Authenticated() bool { return false }
func (noAuthenticator) ID() string { return "" }
func (noAuthenticator) Mechanism() string { return "" }
func (noAuthenticator) Trusted(string) bool { return false }
func (noAuthenticator) RequiresEncryption() bool { return false }
