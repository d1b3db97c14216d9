package smtp

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// formatReply builds a reply, one line per text, joined with CRLF and
// without the final line ending. Multiple lines use the "250-" form on all
// but the last.
func formatReply(code int, text ...string) string {
	if len(text) == 0 {
		return fmt.Sprint(code)
	}
	var b strings.Builder
	for i, line := range text {
		if i > 0 {
			b.WriteString("\r\n")
		}
		sep := " "
		if i < len(text)-1 {
			sep = "-"
		}
		fmt.Fprintf(&b, "%d%s%s", code, sep, printableASCII(line))
	}
	return b.String()
}

// flushAdvised reports whether replies produced while handling ev should
// reach the client before more input is read. With pipelining a client
// must see these before it carries on (RFC 2920, RFC 3030).
func (p *Protocol) flushAdvised(ev Event) bool {
	if !p.cfg.WithPipelining {
		return true
	}
	switch ev {
	case EventHelo, EventEhlo, EventRset, EventMail, EventRcptReply, EventVrfyReply,
		EventData, EventEot, EventDone, EventTimeout, EventBdatChunkDone, EventBdatCheck,
		EventAuth, EventAuthData, EventQuit, EventStartTLS:
		return true
	}
	return false
}

func (p *Protocol) reply(code int, text ...string) {
	p.send(formatReply(code, text...))
}

func (p *Protocol) send(s string) {
	flush := p.flushAdvised(p.event)
	for _, line := range strings.Split(s, "\r\n") {
		p.log.Tracef("tx>>: %q", line)
	}
	if err := p.sender.Send(s+"\r\n", flush); err != nil {
		p.log.WithError(err).Debug("send failed")
	}
}

func (p *Protocol) sendGreeting() {
	if p.cfg.Disabled {
		p.sendDisabled()
		return
	}
	p.reply(220, p.text.Greeting())
}

func (p *Protocol) sendDisabled() {
	p.reply(421, "service not available")
}

func (p *Protocol) sendOk() {
	p.reply(250, "OK")
}

func (p *Protocol) sendOutOfSequence() {
	p.reply(503, "command out of sequence -- use RSET to resynchronise")
}

func (p *Protocol) sendBadDataOutOfSequence() {
	p.reply(503, "invalid data command with binarymime -- use RSET to resynchronise")
}

func (p *Protocol) sendUnrecognised() {
	p.reply(500, "command unrecognized")
}

func (p *Protocol) sendNotImplemented() {
	p.reply(502, "command not implemented")
}

func (p *Protocol) sendMissingParameter() {
	p.reply(501, "parameter required")
}

func (p *Protocol) sendInvalidArgument() {
	p.reply(501, "invalid argument")
}

func (p *Protocol) sendQuitOk() {
	p.reply(221, "OK")
}

func (p *Protocol) sendRsetReply() {
	p.reply(250, "state reset")
}

func (p *Protocol) sendNoRecipients() {
	p.reply(554, "no valid recipients")
}

func (p *Protocol) sendDataReply() {
	p.reply(354, "start mail input -- end with <CRLF>.<CRLF>")
}

func (p *Protocol) sendTooBig() {
	p.reply(552, "message size exceeds fixed maximum message size")
}

func (p *Protocol) sendContentError() {
	p.reply(452, "insufficient system storage")
}

func (p *Protocol) sendBadFrom(why string) {
	if why == "" {
		p.reply(553, "mailbox name not allowed")
		return
	}
	p.reply(553, "mailbox name not allowed: "+why)
}

func (p *Protocol) sendBadTo(text string, temporary bool) {
	code := 550
	if temporary {
		code = 450
	}
	if text == "" {
		text = "mailbox unavailable"
	}
	p.reply(code, text)
}

func (p *Protocol) sendVerified(fullName string) {
	p.reply(250, fullName)
}

func (p *Protocol) sendWillAccept(address string) {
	p.reply(252, "cannot verify but will accept: "+address)
}

func (p *Protocol) sendCannotVrfy() {
	p.reply(252, "cannot vrfy")
}

func (p *Protocol) starttlsHelp() string {
	if p.withStartTLS && !p.secure {
		return ": use starttls"
	}
	return ""
}

func (p *Protocol) sendAuthRequired() {
	p.reply(530, "authentication required"+p.starttlsHelp())
}

func (p *Protocol) sendEncryptionRequired() {
	p.reply(530, "encryption required"+p.starttlsHelp())
}

func (p *Protocol) sendInsecureAuth() {
	p.reply(504, "unsupported authentication mechanism"+p.starttlsHelp())
}

func (p *Protocol) sendBadMechanism(preferred string) {
	if preferred == "" {
		p.reply(504, "unsupported authentication mechanism")
		return
	}
	p.reply(432, strings.ToUpper(preferred)+" password transition needed")
}

func (p *Protocol) sendChallenge(challenge []byte) {
	// An empty challenge still needs the separating space.
	p.send("334 " + base64.StdEncoding.EncodeToString(challenge))
}

func (p *Protocol) sendAuthenticationCancelled() {
	p.reply(501, "authentication cancelled")
}

func (p *Protocol) sendAuthDone(ok bool) {
	if ok {
		p.reply(235, "Authentication successful")
		return
	}
	p.reply(535, "Authentication failed")
}

func (p *Protocol) sendReadyForTLS() {
	p.reply(220, "ready to start tls")
}

func (p *Protocol) sendChunkReply(n int64) {
	p.reply(250, fmt.Sprintf("%d bytes received", n))
}

func (p *Protocol) sendCompletionReply(r ProcessResult) {
	if r.OK {
		p.sendOk()
		return
	}
	text := r.Text
	if text == "" {
		text = "message processing failed"
	}
	if r.Code >= 400 && r.Code <= 599 {
		p.reply(r.Code, text)
		return
	}
	p.reply(452, text)
}

// sendEhloReply lists the extensions on offer given the current policy
// and security state.
func (p *Protocol) sendEhloReply() {
	lines := []string{p.text.Hello(p.peerName)}
	if p.cfg.MaxSize > 0 {
		lines = append(lines, fmt.Sprintf("SIZE %d", p.cfg.MaxSize))
	}
	if p.sasl.Active() && (p.secure || !p.authRequiresEncryption()) {
		if mechs := p.sasl.Mechanisms(p.secure); len(mechs) > 0 {
			lines = append(lines, "AUTH "+strings.Join(mechs, " "))
		}
	}
	if p.withStartTLS && !p.secure {
		lines = append(lines, "STARTTLS")
	}
	if p.cfg.WithVrfy {
		lines = append(lines, "VRFY")
	}
	if p.cfg.WithChunking {
		lines = append(lines, "CHUNKING", "BINARYMIME")
	}
	if p.cfg.WithPipelining {
		lines = append(lines, "PIPELINING")
	}
	if p.cfg.WithSMTPUTF8 {
		lines = append(lines, "SMTPUTF8")
	}
	lines = append(lines, "8BITMIME")
	p.reply(250, lines...)
}
