package smtp

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSender struct {
	replies     []string
	flushes     []bool
	shutdown    bool
	shutdownErr error
	secureNow   int
	expected    []int64
}

func (s *testSender) Send(reply string, flush bool) error {
	s.replies = append(s.replies, reply)
	s.flushes = append(s.flushes, flush)
	return nil
}

func (s *testSender) Shutdown(err error) {
	s.shutdown = true
	s.shutdownErr = err
}

func (s *testSender) SecureNow() {
	s.secureNow++
}

func (s *testSender) Expect(n int64) {
	s.expected = append(s.expected, n)
}

func (s *testSender) last() string {
	if len(s.replies) == 0 {
		return ""
	}
	return s.replies[len(s.replies)-1]
}

type testMessage struct {
	from     string
	info     FromInfo
	to       []ToInfo
	received []string
	content  bytes.Buffer
	maxSize  int
	clears   int

	processed int
	authID    string
	done      func(ProcessResult)
}

func (m *testMessage) Clear() {
	m.clears++
	m.from = ""
	m.info = FromInfo{}
	m.to = nil
	m.received = nil
	m.content.Reset()
}

func (m *testMessage) SetFrom(from string, info FromInfo) error {
	if from == "blocked@example.com" {
		return errors.New("blocked sender")
	}
	m.from = from
	m.info = info
	return nil
}

func (m *testMessage) AddTo(to ToInfo) error {
	m.to = append(m.to, to)
	return nil
}

func (m *testMessage) AddReceived(line string) {
	m.received = append(m.received, line)
}

func (m *testMessage) AddContent(data []byte) ContentStatus {
	if m.maxSize > 0 && m.content.Len()+len(data) > m.maxSize {
		return ContentTooBig
	}
	m.content.Write(data)
	return ContentOK
}

func (m *testMessage) From() string {
	return m.from
}

func (m *testMessage) BodyType() BodyType {
	return m.info.Body
}

func (m *testMessage) Process(authID, peerAddress, certificate string, done func(ProcessResult)) {
	m.processed++
	m.authID = authID
	m.done = done
}

type testVerifier struct {
	status  VerifierStatus
	hold    bool
	held    []func(VerifierStatus)
	reqs    []VerifyRequest
	cancels int
}

func (v *testVerifier) Verify(req VerifyRequest, done func(VerifierStatus)) {
	v.reqs = append(v.reqs, req)
	if v.hold {
		v.held = append(v.held, done)
		return
	}
	st := v.status
	if st.Address == "" {
		st.Address = req.Address
	}
	done(st)
}

func (v *testVerifier) Cancel() {
	v.cancels++
}

// testAuth accepts PLAIN for user/pass.
type testAuth struct {
	requiresTLS   bool
	mech          string
	authenticated bool
	id            string
}

func (a *testAuth) Active() bool { return true }
func (a *testAuth) Mechanisms(secure bool) []string { return []string{"PLAIN"} }
func (a *testAuth) PreferredMechanism(bool) string { return "" }
func (a *testAuth) MustChallenge() bool { return false }
func (a *testAuth) InitialChallenge() []byte { return nil }
func (a *testAuth) Authenticated() bool { return a.authenticated }
func (a *testAuth) ID() string { return a.id }
func (a *testAuth) Mechanism() string { return a.mech }
func (a *testAuth) Trusted(peerAddress string) bool { return peerAddress == "127.0.0.1" }
func (a *testAuth) RequiresEncryption() bool { return a.requiresTLS }

func (a *testAuth) Init(secure bool, mechanism string) bool {
	a.mech = mechanism
	a.authenticated = false
	return mechanism == "PLAIN"
}

func (a *testAuth) Apply(response []byte) ([]byte, bool) {
	parts := strings.Split(string(response), "\x00")
	if len(parts) == 3 && parts[1] == "user" && parts[2] == "pass" {
		a.authenticated = true
		a.id = "user"
	}
	return nil, true
}

type testEnv struct {
	p        *Protocol
	sender   *testSender
	msg      *testMessage
	verifier *testVerifier
}

func newTestEnv(t *testing.T, cfg Config, auth Authenticator) *testEnv {
	t.Helper()
	env := &testEnv{
		sender:   &testSender{},
		msg:      &testMessage{},
		verifier: &testVerifier{status: VerifierStatus{Valid: true, Local: true}},
	}
	s := Session{
		Message:       env.msg,
		Verifier:      env.verifier,
		Authenticator: auth,
		Text:          NewServerText("test", "mx.example.com", "192.0.2.1"),
	}
	env.p = NewProtocol(env.sender, s, "192.0.2.1", cfg)
	env.p.Init()
	return env
}

// cmd applies one command line and returns the reply it produced, if any.
func (e *testEnv) cmd(t *testing.T, line string) string {
	t.Helper()
	n := len(e.sender.replies)
	res := e.p.Apply([]byte(line + "\r\n"))
	require.True(t, res.Consumed, "line %q not consumed", line)
	if len(e.sender.replies) == n {
		return ""
	}
	return e.sender.last()
}

func (e *testEnv) raw(t *testing.T, data string) {
	t.Helper()
	res := e.p.Apply([]byte(data))
	require.True(t, res.Consumed)
}

func defaultConfig() Config {
	return Config{
		WithVrfy:       true,
		WithPipelining: true,
		WithChunking:   true,
		WithSMTPUTF8:   true,
	}
}

func TestGreeting(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	require.Len(t, env.sender.replies, 1)
	assert.Equal(t, "220 mx.example.com -- test -- Service ready\r\n", env.sender.replies[0])
	assert.Equal(t, StateStart, env.p.State())

	disabled := defaultConfig()
	disabled.Disabled = true
	env = newTestEnv(t, disabled, nil)
	assert.Equal(t, "421 service not available\r\n", env.sender.replies[0])
}

func TestScenarioDotTerminated(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	env.verifier.status = VerifierStatus{Valid: true, Local: false}

	ehlo := env.cmd(t, "EHLO c")
	assert.True(t, strings.HasPrefix(ehlo, "250-mx.example.com says hello\r\n"))
	assert.True(t, strings.HasSuffix(ehlo, "\r\n250 8BITMIME\r\n"))

	assert.Equal(t, "250 OK\r\n", env.cmd(t, "MAIL FROM:<a@b>"))
	assert.Equal(t, "252 cannot verify but will accept: c@d\r\n", env.cmd(t, "RCPT TO:<c@d>"))
	assert.Equal(t, StateGotRcpt, env.p.State())
	assert.Equal(t, "354 start mail input -- end with <CRLF>.<CRLF>\r\n", env.cmd(t, "DATA"))
	assert.Equal(t, StateData, env.p.State())

	assert.Equal(t, "", env.cmd(t, "Subject: hi"))
	assert.Equal(t, "", env.cmd(t, ""))
	assert.Equal(t, "", env.cmd(t, "body"))
	assert.Equal(t, "", env.cmd(t, "."))
	assert.Equal(t, 1, env.msg.processed)
	assert.Equal(t, StateProcessing, env.p.State())
	assert.True(t, env.p.Busy())

	env.msg.done(ProcessResult{OK: true})
	env.p.Pump()
	assert.Equal(t, "250 OK\r\n", env.sender.last())
	assert.Equal(t, StateIdle, env.p.State())

	require.Len(t, env.msg.received, 0, "envelope cleared after completion")
}

func TestEhloCapabilities(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxSize = 1000
	cfg.WithStartTLS = true
	env := newTestEnv(t, cfg, &testAuth{})

	assert.Equal(t, "250-mx.example.com says hello\r\n"+
		"250-SIZE 1000\r\n"+
		"250-AUTH PLAIN\r\n"+
		"250-STARTTLS\r\n"+
		"250-VRFY\r\n"+
		"250-CHUNKING\r\n"+
		"250-BINARYMIME\r\n"+
		"250-PIPELINING\r\n"+
		"250-SMTPUTF8\r\n"+
		"250 8BITMIME\r\n", env.cmd(t, "EHLO client.example.org"))

	assert.Equal(t, "501 parameter required\r\n", env.cmd(t, "EHLO"))
	assert.Equal(t, StateIdle, env.p.State())
}

func TestEhloHidesAuthWithoutEncryption(t *testing.T) {
	cfg := defaultConfig()
	cfg.WithStartTLS = true
	env := newTestEnv(t, cfg, &testAuth{requiresTLS: true})

	reply := env.cmd(t, "EHLO c")
	assert.NotContains(t, reply, "AUTH")
	assert.Contains(t, reply, "STARTTLS")

	assert.Equal(t, "504 unsupported authentication mechanism: use starttls\r\n", env.cmd(t, "AUTH PLAIN"))
	assert.Equal(t, StateIdle, env.p.State())
}

func TestHelo(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	assert.Equal(t, "501 parameter required\r\n", env.cmd(t, "HELO"))
	assert.Equal(t, StateStart, env.p.State())
	assert.Equal(t, "250 mx.example.com says hello\r\n", env.cmd(t, "helo client"))
	assert.Equal(t, StateIdle, env.p.State())
}

func TestDotStuffing(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	env.cmd(t, "EHLO c")
	env.cmd(t, "MAIL FROM:<a@b>")
	env.cmd(t, "RCPT TO:<c@d>")
	env.cmd(t, "DATA")

	env.cmd(t, "..leading dot")
	env.cmd(t, "...")
	env.cmd(t, "a . in the middle")
	// A fragment of an overlong line: the dot after it is not at a line start.
	env.raw(t, "fragment")
	env.raw(t, "..still the same line\r\n")
	env.cmd(t, ".")

	assert.Equal(t, ".leading dot\r\n..\r\na . in the middle\r\nfragment..still the same line\r\n", env.msg.content.String())
	assert.Equal(t, 1, env.msg.processed)
}

func TestReceivedLine(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	env.cmd(t, "EHLO client.example.org")
	env.cmd(t, "MAIL FROM:<a@b>")
	env.cmd(t, "RCPT TO:<c@d>")
	env.cmd(t, "DATA")

	require.Len(t, env.msg.received, 1)
	assert.True(t, strings.HasPrefix(env.msg.received[0],
		"Received: from client.example.org ([192.0.2.1]) by mx.example.com with ESMTP ; "))
}

func TestNoRecipients(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	env.verifier.status = VerifierStatus{Valid: false, Response: "no such user"}
	env.cmd(t, "EHLO c")
	env.cmd(t, "MAIL FROM:<a@b>")
	assert.Equal(t, "550 no such user\r\n", env.cmd(t, "RCPT TO:<c@d>"))
	assert.Equal(t, StateGotMail, env.p.State())
	assert.Equal(t, "554 no valid recipients\r\n", env.cmd(t, "DATA"))
	assert.Equal(t, StateIdle, env.p.State())
}

func TestBdatNoRecipientsDiscardsChunk(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	env.cmd(t, "EHLO c")
	env.cmd(t, "MAIL FROM:<a@b>")
	assert.Equal(t, "554 no valid recipients\r\n", env.cmd(t, "BDAT 12"))
	assert.Equal(t, StateIdle, env.p.State())
	assert.Equal(t, []int64{12}, env.sender.expected)

	n := len(env.sender.replies)
	env.raw(t, "QUIT\r\n")
	env.raw(t, "RSET\r\n")
	assert.Len(t, env.sender.replies, n, "announced bytes are not commands")
	assert.False(t, env.p.Done())

	assert.Equal(t, "250 OK\r\n", env.cmd(t, "NOOP"))
}

func TestBdatScenario(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	env.cmd(t, "EHLO c")
	env.cmd(t, "MAIL FROM:<a@b>")
	env.cmd(t, "RCPT TO:<c@d>")

	assert.Equal(t, "", env.cmd(t, "BDAT 10"))
	assert.Equal(t, StateBdatData, env.p.State())
	assert.Equal(t, []int64{10}, env.sender.expected)
	assert.True(t, env.p.InDataState())

	env.raw(t, "0123456789")
	assert.Equal(t, "250 10 bytes received\r\n", env.sender.last())
	assert.Equal(t, StateBdatIdle, env.p.State())

	assert.Equal(t, "", env.cmd(t, "BDAT 0 LAST"))
	assert.Equal(t, 1, env.msg.processed)
	assert.Equal(t, "0123456789", env.msg.content.String())
	assert.Equal(t, StateBdatProcessing, env.p.State())

	env.msg.done(ProcessResult{OK: true})
	env.p.Pump()
	assert.Equal(t, "250 OK\r\n", env.sender.last())
	assert.Equal(t, StateIdle, env.p.State())
	assert.Equal(t, 1, env.msg.processed)
}

func TestBdatChunksDeliverExactBytes(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	env.cmd(t, "EHLO c")
	env.cmd(t, "MAIL FROM:<a@b> BODY=BINARYMIME")
	env.cmd(t, "RCPT TO:<c@d>")

	env.cmd(t, "BDAT 7")
	env.raw(t, "a\r\n.")
	assert.Equal(t, StateBdatData, env.p.State())
	env.raw(t, "\r\nb")
	assert.Equal(t, StateBdatIdle, env.p.State())

	env.cmd(t, "bdat 0")
	assert.Equal(t, "250 0 bytes received\r\n", env.sender.last())
	assert.Equal(t, StateBdatIdle, env.p.State())

	env.cmd(t, "BDAT 3 LAST")
	assert.Equal(t, StateBdatDataLast, env.p.State())
	assert.Equal(t, 0, env.msg.processed)
	env.raw(t, "xyz")

	assert.Equal(t, 1, env.msg.processed)
	assert.Equal(t, "a\r\n.\r\nbxyz", env.msg.content.String())
	assert.Equal(t, []int64{7, 3}, env.sender.expected)
}

func TestBdatOverrunIsDiscarded(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	env.cmd(t, "EHLO c")
	env.cmd(t, "MAIL FROM:<a@b>")
	env.cmd(t, "RCPT TO:<c@d>")
	env.cmd(t, "BDAT 3 LAST")

	env.raw(t, "abcQUIT\r\n")
	assert.Equal(t, 1, env.msg.processed)
	assert.Equal(t, "abc", env.msg.content.String())
	assert.False(t, env.p.Done())
}

func TestBdatTooBig(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	env.msg.maxSize = 4
	env.cmd(t, "EHLO c")
	env.cmd(t, "MAIL FROM:<a@b>")
	env.cmd(t, "RCPT TO:<c@d>")
	env.cmd(t, "BDAT 6 LAST")
	env.raw(t, "abcdef")

	assert.Equal(t, 0, env.msg.processed)
	assert.Equal(t, "552 message size exceeds fixed maximum message size\r\n", env.sender.last())
	assert.Equal(t, StateIdle, env.p.State())
}

func TestBdatWithoutChunking(t *testing.T) {
	cfg := defaultConfig()
	cfg.WithChunking = false
	env := newTestEnv(t, cfg, nil)
	env.cmd(t, "EHLO c")
	assert.NotContains(t, env.sender.last(), "CHUNKING")
	assert.Equal(t, "500 command unrecognized\r\n", env.cmd(t, "BDAT 3"))
	assert.Equal(t, []int64{3}, env.sender.expected)
	env.raw(t, "abc")
	assert.Equal(t, "250 OK\r\n", env.cmd(t, "NOOP"))
}

func TestDataTooBig(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	env.msg.maxSize = 10
	env.cmd(t, "EHLO c")
	env.cmd(t, "MAIL FROM:<a@b>")
	env.cmd(t, "RCPT TO:<c@d>")
	env.cmd(t, "DATA")
	env.cmd(t, "this line is too long")
	env.cmd(t, "more")
	assert.Equal(t, "552 message size exceeds fixed maximum message size\r\n", env.cmd(t, "."))
	assert.Equal(t, 0, env.msg.processed)
	assert.Equal(t, StateIdle, env.p.State())
}

func TestRsetIsIdempotent(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	assert.Equal(t, "250 OK\r\n", env.cmd(t, "RSET"))
	assert.Equal(t, StateStart, env.p.State())

	env.cmd(t, "EHLO c")
	for _, setup := range [][]string{
		nil,
		{"MAIL FROM:<a@b>"},
		{"MAIL FROM:<a@b>", "RCPT TO:<c@d>"},
		{"MAIL FROM:<a@b>", "RCPT TO:<c@d>", "BDAT 0"},
	} {
		for _, line := range setup {
			env.cmd(t, line)
		}
		clears := env.msg.clears
		assert.Equal(t, "250 state reset\r\n", env.cmd(t, "RSET"))
		assert.Equal(t, StateIdle, env.p.State())
		assert.Equal(t, "250 state reset\r\n", env.cmd(t, "RSET"))
		assert.Equal(t, StateIdle, env.p.State())
		assert.Equal(t, clears+2, env.msg.clears)
		assert.Empty(t, env.msg.from)
		assert.Empty(t, env.msg.to)
	}
}

func TestEhloResetsTransaction(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), &testAuth{})
	env.cmd(t, "EHLO c")
	assert.Equal(t, "235 Authentication successful\r\n", env.cmd(t, "AUTH PLAIN AHVzZXIAcGFzcw=="))
	assert.True(t, env.p.Authenticated())
	env.cmd(t, "MAIL FROM:<a@b>")
	assert.Equal(t, StateGotMail, env.p.State())

	env.cmd(t, "EHLO c")
	assert.Equal(t, StateIdle, env.p.State())
	assert.False(t, env.p.Authenticated())
	assert.Empty(t, env.msg.from)
}

func TestRejectedRecipientKeepsEarlierOnes(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	env.cmd(t, "EHLO c")
	env.cmd(t, "MAIL FROM:<a@b>")

	env.verifier.status = VerifierStatus{Valid: false, Temporary: true, Response: "try later"}
	assert.Equal(t, "450 try later\r\n", env.cmd(t, "RCPT TO:<x@d>"))
	assert.Equal(t, StateGotMail, env.p.State())

	env.verifier.status = VerifierStatus{Valid: true, Local: true}
	assert.Equal(t, "250 OK\r\n", env.cmd(t, "RCPT TO:<c@d>"))
	assert.Equal(t, StateGotRcpt, env.p.State())

	env.verifier.status = VerifierStatus{Valid: false, Response: "no such user"}
	assert.Equal(t, "550 no such user\r\n", env.cmd(t, "RCPT TO:<y@d>"))
	assert.Equal(t, StateGotRcpt, env.p.State())

	require.Len(t, env.msg.to, 1)
	assert.Equal(t, "c@d", env.msg.to[0].Address)
	assert.Equal(t, "354 start mail input -- end with <CRLF>.<CRLF>\r\n", env.cmd(t, "DATA"))
}

func TestBadRecipientSyntax(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	env.cmd(t, "EHLO c")
	env.cmd(t, "MAIL FROM:<a@b>")
	assert.Equal(t, "550 missing or invalid angle brackets in mailbox name\r\n", env.cmd(t, "RCPT TO:c@d"))
	assert.Equal(t, StateGotMail, env.p.State())
	assert.Empty(t, env.verifier.reqs)
}

func TestBusyWhileVerifying(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	env.verifier.hold = true
	env.cmd(t, "EHLO c")
	env.cmd(t, "MAIL FROM:<a@b>")
	assert.Equal(t, "", env.cmd(t, "RCPT TO:<c@d>"))
	assert.Equal(t, StateRcptTo1, env.p.State())
	assert.True(t, env.p.Busy())

	res := env.p.Apply([]byte("NOOP\r\n"))
	assert.False(t, res.Consumed)
	assert.True(t, res.Busy)

	require.Len(t, env.verifier.held, 1)
	env.verifier.held[0](VerifierStatus{Valid: true, Local: true, Address: "c@d"})
	select {
	case <-env.p.Wake():
	default:
		t.Fatal("expected a wake-up")
	}
	env.p.Pump()
	assert.Equal(t, "250 OK\r\n", env.sender.last())
	assert.Equal(t, StateGotRcpt, env.p.State())

	assert.Equal(t, "250 OK\r\n", env.cmd(t, "NOOP"))
}

func TestVerifierAbort(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	env.verifier.status = VerifierStatus{Abort: true}
	env.cmd(t, "EHLO c")
	env.cmd(t, "MAIL FROM:<a@b>")
	env.cmd(t, "RCPT TO:<c@d>")

	assert.True(t, env.p.Done())
	assert.True(t, env.sender.shutdown)
	assert.ErrorIs(t, env.sender.shutdownErr, ErrVerifierAbort)
	assert.Equal(t, StateEnd, env.p.State())
}

func TestVrfy(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	env.verifier.status = VerifierStatus{Valid: true, Local: true, FullName: "Alice Example"}
	assert.Equal(t, "250 Alice Example\r\n", env.cmd(t, "VRFY alice"))
	assert.Equal(t, StateStart, env.p.State())
	assert.Equal(t, "VRFY", env.verifier.reqs[0].Command)

	env.cmd(t, "EHLO c")
	env.cmd(t, "MAIL FROM:<a@b>")
	env.verifier.status = VerifierStatus{Valid: true}
	assert.Equal(t, "252 cannot verify but will accept: bob@remote\r\n", env.cmd(t, "VRFY bob@remote SMTPUTF8"))
	assert.Equal(t, StateGotMail, env.p.State())
	assert.Equal(t, "bob@remote", env.verifier.reqs[1].Address)
	assert.Equal(t, "a@b", env.msg.from, "VRFY leaves the envelope alone")

	assert.Equal(t, "550 invalid mailbox\r\n", env.cmd(t, "VRFY"))

	cfg := defaultConfig()
	cfg.WithVrfy = false
	env = newTestEnv(t, cfg, nil)
	assert.Equal(t, "252 cannot vrfy\r\n", env.cmd(t, "VRFY alice"))
	assert.Empty(t, env.verifier.reqs)
}

func TestQuit(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	env.cmd(t, "EHLO c")
	env.cmd(t, "MAIL FROM:<a@b>")
	assert.Equal(t, "221 OK\r\n", env.cmd(t, "quit"))
	assert.True(t, env.p.Done())
	assert.True(t, env.sender.shutdown)
	assert.NoError(t, env.sender.shutdownErr)
	assert.Equal(t, StateEnd, env.p.State())

	res := env.p.Apply([]byte("NOOP\r\n"))
	assert.False(t, res.Consumed)
}

func TestUnknownAndOutOfSequence(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	assert.Equal(t, "500 command unrecognized\r\n", env.cmd(t, "XYZZY"))
	assert.Equal(t, "503 command out of sequence -- use RSET to resynchronise\r\n", env.cmd(t, "MAIL FROM:<a@b>"))
	assert.Equal(t, StateStart, env.p.State())
	assert.Equal(t, "502 command not implemented\r\n", env.cmd(t, "HELP"))
	assert.Equal(t, "502 command not implemented\r\n", env.cmd(t, "EXPN list"))
	assert.Equal(t, 2, env.p.badClients)
}

func TestBadClientLimit(t *testing.T) {
	cfg := defaultConfig()
	cfg.BadClientLimit = 3
	env := newTestEnv(t, cfg, nil)
	env.cmd(t, "FOO")
	env.cmd(t, "DATA")
	assert.False(t, env.p.Done())
	env.cmd(t, "BAR")
	assert.True(t, env.p.Done())
	assert.ErrorIs(t, env.sender.shutdownErr, ErrTooManyErrors)

	env = newTestEnv(t, defaultConfig(), nil)
	for i := 0; i < defaultBadClientLimit-1; i++ {
		env.cmd(t, "FOO")
	}
	assert.False(t, env.p.Done())
	env.cmd(t, "FOO")
	assert.True(t, env.p.Done())
}

func TestRepeatedNegotiationCountsAsBadClient(t *testing.T) {
	cfg := defaultConfig()
	cfg.BadClientLimit = 2
	env := newTestEnv(t, cfg, &testAuth{})
	env.cmd(t, "EHLO c")
	env.cmd(t, "AUTH PLAIN AHVzZXIAcGFzcw==")
	require.True(t, env.p.Authenticated())
	env.cmd(t, "AUTH PLAIN")
	assert.False(t, env.p.Done())
	env.cmd(t, "AUTH PLAIN")
	assert.True(t, env.p.Done())
	assert.ErrorIs(t, env.sender.shutdownErr, ErrTooManyErrors)

	cfg.WithStartTLS = true
	env = &testEnv{sender: &testSender{}, msg: &testMessage{}}
	env.p = NewProtocol(env.sender, Session{Message: env.msg}, "192.0.2.1", cfg)
	env.p.Secure("", "TLS 1.3", "TLS_AES_128_GCM_SHA256")
	env.p.Init()
	env.cmd(t, "EHLO c")
	assert.Equal(t, "503 command out of sequence -- use RSET to resynchronise\r\n", env.cmd(t, "STARTTLS"))
	assert.False(t, env.p.Done())
	env.cmd(t, "STARTTLS")
	assert.True(t, env.p.Done())
	assert.ErrorIs(t, env.sender.shutdownErr, ErrTooManyErrors)
}

func TestNoVerifierAcceptsAsRemote(t *testing.T) {
	env := &testEnv{sender: &testSender{}, msg: &testMessage{}}
	env.p = NewProtocol(env.sender, Session{Message: env.msg}, "192.0.2.1", defaultConfig())
	env.p.Init()

	env.cmd(t, "EHLO c")
	env.cmd(t, "MAIL FROM:<a@b>")
	assert.Equal(t, "252 cannot verify but will accept: c@d\r\n", env.cmd(t, "RCPT TO:<c@d>"))
	assert.Equal(t, StateGotRcpt, env.p.State())
	require.Len(t, env.msg.to, 1)
	assert.Equal(t, "c@d", env.msg.to[0].Address)

	env.cmd(t, "RSET")
	assert.Equal(t, StateIdle, env.p.State())
}

func TestMailPolicy(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxSize = 100
	cfg.SMTPUTF8Strict = true
	env := newTestEnv(t, cfg, nil)
	env.cmd(t, "EHLO c")

	assert.Equal(t, "552 message size exceeds fixed maximum message size\r\n", env.cmd(t, "MAIL FROM:<a@b> SIZE=101"))
	assert.Equal(t, StateIdle, env.p.State())
	assert.Equal(t, "553 mailbox name not allowed: smtputf8 required\r\n", env.cmd(t, "MAIL FROM:<δοκιμή@b>"))
	assert.Equal(t, "553 mailbox name not allowed: blocked sender\r\n", env.cmd(t, "MAIL FROM:<blocked@example.com>"))
	assert.Equal(t, "553 mailbox name not allowed: invalid body type\r\n", env.cmd(t, "MAIL FROM:<a@b> BODY=9BIT"))
	assert.Equal(t, StateIdle, env.p.State())

	assert.Equal(t, "250 OK\r\n", env.cmd(t, "MAIL FROM:<δοκιμή@b> SMTPUTF8 SIZE=100 AUTH=<>"))
	assert.Equal(t, StateGotMail, env.p.State())
	assert.True(t, env.msg.info.SMTPUTF8)
	assert.True(t, env.msg.info.UTF8Address)
	assert.Equal(t, int64(100), env.msg.info.Size)
	assert.Equal(t, "<>", env.msg.info.Auth)
}

func TestMailRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), &testAuth{})
	env.cmd(t, "EHLO c")
	assert.Equal(t, "530 authentication required\r\n", env.cmd(t, "MAIL FROM:<a@b>"))
	assert.Equal(t, StateIdle, env.p.State())

	env.cmd(t, "AUTH PLAIN AHVzZXIAcGFzcw==")
	assert.Equal(t, "250 OK\r\n", env.cmd(t, "MAIL FROM:<a@b>"))
	env.cmd(t, "RCPT TO:<c@d>")
	env.cmd(t, "DATA")
	env.cmd(t, ".")
	assert.Equal(t, "user", env.msg.authID)
	assert.Equal(t, "PLAIN", env.verifier.reqs[0].Mechanism)
}

func TestMailRequiresEncryption(t *testing.T) {
	cfg := defaultConfig()
	cfg.MailRequiresEncryption = true
	cfg.WithStartTLS = true
	env := newTestEnv(t, cfg, nil)
	env.cmd(t, "EHLO c")
	assert.Equal(t, "530 encryption required: use starttls\r\n", env.cmd(t, "MAIL FROM:<a@b>"))
}

func TestAuthDialogue(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), &testAuth{})
	env.cmd(t, "EHLO c")

	assert.Equal(t, "334 \r\n", env.cmd(t, "AUTH PLAIN"))
	assert.Equal(t, StateAuth, env.p.State())
	assert.Equal(t, "535 Authentication failed\r\n", env.cmd(t, "not*base64!"))
	assert.Equal(t, StateIdle, env.p.State())

	env.cmd(t, "AUTH PLAIN")
	assert.Equal(t, "501 authentication cancelled\r\n", env.cmd(t, "*"))
	assert.Equal(t, StateIdle, env.p.State())

	assert.Equal(t, "504 unsupported authentication mechanism\r\n", env.cmd(t, "AUTH CRAM-MD5"))
	assert.Equal(t, "501 invalid argument\r\n", env.cmd(t, "AUTH PLAIN ???"))
	assert.Equal(t, "535 Authentication failed\r\n", env.cmd(t, "AUTH PLAIN AHVzZXIAd3Jvbmc="))
	assert.False(t, env.p.Authenticated())

	env.cmd(t, "AUTH PLAIN")
	assert.Equal(t, "235 Authentication successful\r\n", env.cmd(t, "AHVzZXIAcGFzcw=="))
	assert.True(t, env.p.Authenticated())
	assert.Equal(t, StateIdle, env.p.State())

	assert.Equal(t, "503 command out of sequence -- use RSET to resynchronise\r\n", env.cmd(t, "AUTH PLAIN"))
	assert.Equal(t, StateIdle, env.p.State())
}

func TestAuthNotConfigured(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	env.cmd(t, "EHLO c")
	assert.NotContains(t, env.sender.last(), "AUTH")
	assert.Equal(t, "502 command not implemented\r\n", env.cmd(t, "AUTH PLAIN"))
	assert.Equal(t, StateIdle, env.p.State())
}

func TestStartTLS(t *testing.T) {
	cfg := defaultConfig()
	cfg.WithStartTLS = true
	env := newTestEnv(t, cfg, nil)
	env.cmd(t, "EHLO c")
	env.cmd(t, "MAIL FROM:<a@b>")
	assert.Equal(t, "503 command out of sequence -- use RSET to resynchronise\r\n", env.cmd(t, "STARTTLS"))

	env.cmd(t, "RSET")
	assert.Equal(t, "220 ready to start tls\r\n", env.cmd(t, "STARTTLS"))
	assert.Equal(t, 1, env.sender.secureNow)
	assert.Equal(t, StateStartingTLS, env.p.State())
	assert.True(t, env.p.Busy())
	assert.True(t, env.sender.flushes[len(env.sender.flushes)-1])

	env.p.Secure("", "TLS 1.3", "TLS_AES_128_GCM_SHA256")
	assert.Equal(t, StateIdle, env.p.State())
	assert.True(t, env.p.IsSecure())

	assert.NotContains(t, env.cmd(t, "EHLO c"), "STARTTLS")
	env.cmd(t, "MAIL FROM:<a@b>")
	env.cmd(t, "RCPT TO:<c@d>")
	env.cmd(t, "DATA")
	assert.Contains(t, env.msg.received[0], "with ESMTPS tls TLS_AES_128_GCM_SHA256 ; ")
}

func TestImplicitTLS(t *testing.T) {
	env := &testEnv{sender: &testSender{}, msg: &testMessage{}, verifier: &testVerifier{}}
	cfg := defaultConfig()
	cfg.WithStartTLS = true
	env.p = NewProtocol(env.sender, Session{Message: env.msg, Verifier: env.verifier}, "192.0.2.1", cfg)
	env.p.Secure("", "TLS 1.3", "TLS_AES_128_GCM_SHA256")
	env.p.Init()
	assert.Equal(t, StateStart, env.p.State())
	assert.True(t, env.p.IsSecure())
	assert.NotContains(t, env.cmd(t, "EHLO c"), "STARTTLS")
}

func TestSecureWithoutStartTLSIsProtocolError(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	env.cmd(t, "EHLO c")
	env.p.Secure("", "TLS 1.3", "")
	assert.True(t, env.p.Done())
	assert.ErrorIs(t, env.p.Err(), ErrProtocol)
}

func TestBinaryMimeNeedsBdat(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	env.cmd(t, "EHLO c")
	env.cmd(t, "MAIL FROM:<a@b> BODY=BINARYMIME")
	env.cmd(t, "RCPT TO:<c@d>")
	assert.Equal(t, "503 invalid data command with binarymime -- use RSET to resynchronise\r\n", env.cmd(t, "DATA"))
	assert.Equal(t, StateMustReset, env.p.State())
	assert.Equal(t, "503 command out of sequence -- use RSET to resynchronise\r\n", env.cmd(t, "MAIL FROM:<a@b>"))
	assert.Equal(t, "250 state reset\r\n", env.cmd(t, "RSET"))
	assert.Equal(t, StateIdle, env.p.State())
}

func TestCompletionFailure(t *testing.T) {
	for _, tc := range []struct {
		result ProcessResult
		reply  string
	}{
		{ProcessResult{Code: 554, Text: "rejected by filter"}, "554 rejected by filter\r\n"},
		{ProcessResult{Code: 200, Text: "odd code"}, "452 odd code\r\n"},
		{ProcessResult{Text: "failed"}, "452 failed\r\n"},
		{(&SMTPError{Code: 451, Message: "local error"}).Result(), "451 local error\r\n"},
	} {
		env := newTestEnv(t, defaultConfig(), nil)
		env.cmd(t, "EHLO c")
		env.cmd(t, "MAIL FROM:<a@b>")
		env.cmd(t, "RCPT TO:<c@d>")
		env.cmd(t, "DATA")
		env.cmd(t, ".")
		env.msg.done(tc.result)
		env.p.Pump()
		assert.Equal(t, tc.reply, env.sender.last())
		assert.Equal(t, StateIdle, env.p.State())
	}
}

func TestFlushAdvice(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	flushed := func() bool { return env.sender.flushes[len(env.sender.flushes)-1] }

	env.cmd(t, "EHLO c")
	assert.True(t, flushed())
	env.cmd(t, "NOOP")
	assert.False(t, flushed())
	env.cmd(t, "MAIL FROM:<a@b>")
	assert.True(t, flushed())
	env.cmd(t, "RCPT TO:<c@d>")
	assert.True(t, flushed())
	env.cmd(t, "DATA")
	assert.True(t, flushed())
	env.cmd(t, "hello")
	env.cmd(t, ".")
	env.msg.done(ProcessResult{OK: true})
	env.p.Pump()
	assert.True(t, flushed())
	env.cmd(t, "RSET")
	assert.True(t, flushed())
	env.cmd(t, "HELP")
	assert.False(t, flushed())

	env = newTestEnv(t, defaultConfig(), &testAuth{})
	env.cmd(t, "EHLO c")
	assert.Equal(t, "334 \r\n", env.cmd(t, "AUTH PLAIN"))
	assert.True(t, flushed())

	cfg := defaultConfig()
	cfg.WithPipelining = false
	env = newTestEnv(t, cfg, nil)
	env.cmd(t, "EHLO c")
	assert.True(t, flushed())
	env.cmd(t, "NOOP")
	assert.True(t, flushed())
}

func TestOnChange(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	var changes []string
	env.p.OnChange(func(old, cur State) {
		changes = append(changes, old.String()+">"+cur.String())
	})
	env.cmd(t, "EHLO c")
	env.cmd(t, "NOOP")
	env.cmd(t, "MAIL FROM:<a@b>")
	env.cmd(t, "RCPT TO:<c@d>")
	assert.Equal(t, []string{"Start>Idle", "Idle>Idle", "Idle>GotMail", "GotMail>RcptTo1", "RcptTo1>GotRcpt"}, changes)
}

func TestFilterTimeoutDropsLateResult(t *testing.T) {
	cfg := defaultConfig()
	cfg.FilterTimeout = 10 * time.Millisecond
	env := newTestEnv(t, cfg, nil)
	env.cmd(t, "EHLO c")
	env.cmd(t, "MAIL FROM:<a@b>")
	env.cmd(t, "RCPT TO:<c@d>")
	env.cmd(t, "DATA")
	env.cmd(t, "hello")
	env.cmd(t, ".")
	require.Equal(t, StateProcessing, env.p.State())

	deadline := time.After(2 * time.Second)
	for env.p.State() == StateProcessing {
		select {
		case <-env.p.Wake():
			env.p.Pump()
		case <-deadline:
			t.Fatal("processing did not time out")
		}
	}
	assert.Equal(t, "452 timed out\r\n", env.sender.last())
	assert.Equal(t, StateIdle, env.p.State())

	n := len(env.sender.replies)
	env.msg.done(ProcessResult{OK: true})
	env.p.Pump()
	assert.Len(t, env.sender.replies, n)
	assert.Equal(t, StateIdle, env.p.State())
	assert.False(t, env.p.Done())
}

func TestBareLineFeedDoesNotEndData(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	env.cmd(t, "EHLO c")
	env.cmd(t, "MAIL FROM:<a@b>")
	env.cmd(t, "RCPT TO:<c@d>")
	env.cmd(t, "DATA")

	env.raw(t, "smuggled\n")
	env.raw(t, ".\r\n")
	env.raw(t, "MAIL FROM:<evil@example.com>\r\n")
	assert.Equal(t, StateData, env.p.State())
	assert.Equal(t, 0, env.msg.processed)

	env.raw(t, ".\r\n")
	assert.Equal(t, 1, env.msg.processed)
	assert.Equal(t, "smuggled\n.\r\nMAIL FROM:<evil@example.com>\r\n", env.msg.content.String())
}
