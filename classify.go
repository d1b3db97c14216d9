package smtp

import (
	"bytes"
	"strings"
)

var commandEvents = map[string]Event{
	"QUIT":     EventQuit,
	"HELO":     EventHelo,
	"EHLO":     EventEhlo,
	"RSET":     EventRset,
	"NOOP":     EventNoop,
	"EXPN":     EventExpn,
	"HELP":     EventHelp,
	"MAIL":     EventMail,
	"RCPT":     EventRcpt,
	"DATA":     EventData,
	"BDAT":     EventBdat,
	"VRFY":     EventVrfy,
	"AUTH":     EventAuth,
	"STARTTLS": EventStartTLS,
}

var (
	crlf      = []byte("\r\n")
	endOfText = []byte(".\r\n")
)

// classify turns an input unit into an event for the current state.
func (p *Protocol) classify(unit []byte) (Event, eventInput) {
	switch p.State() {
	case StateData:
		// Only CRLF ends a line, so a bare LF cannot smuggle in an
		// end-of-data marker.
		lineStart := !p.midLine
		p.midLine = !bytes.HasSuffix(unit, crlf)
		if lineStart && bytes.Equal(unit, endOfText) {
			return EventEot, eventInput{}
		}
		if lineStart && len(unit) > 1 && unit[0] == '.' {
			unit = unit[1:]
		}
		return EventContent, eventInput{content: unit}

	case StateBdatData, StateBdatDataLast:
		return EventBdatContent, eventInput{content: unit}

	case StateAuth:
		p.log.Trace("rx<<: [authentication response not logged]")
		return EventAuthData, eventInput{line: strings.TrimRight(string(unit), "\r\n")}
	}

	line := strings.TrimRight(string(unit), "\r\n")
	p.log.Tracef("rx<<: %q", line)

	in := eventInput{line: line}
	verb, _ := parseCmd(line)
	ev, ok := commandEvents[verb]
	if !ok {
		return EventUnknown, in
	}

	switch ev {
	case EventBdat:
		size, last, ok := parseBdat(line)
		if !ok {
			return EventUnknown, in
		}
		in.size = size
		in.bdat = true
		switch {
		case !p.cfg.WithChunking:
			ev = EventUnknown
		case last && size == 0:
			ev = EventBdatLastZero
		case last:
			ev = EventBdatLast
		}
	case EventData:
		if p.msg.BodyType() == BodyBinaryMIME {
			ev = EventDataFail
		}
	}
	return ev, in
}
