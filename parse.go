package smtp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// parseCmd splits a command line into its upper-cased verb and the
// remaining argument text.
func parseCmd(line string) (cmd string, arg string) {
	line = strings.TrimRight(line, "\r\n")
	line = strings.TrimLeft(line, " \t")

	idx := strings.IndexAny(line, " \t")
	if idx < 0 {
		return strings.ToUpper(line), ""
	}
	return strings.ToUpper(line[:idx]), strings.Trim(line[idx+1:], " \t")
}

func parseHelloArgument(arg string) (string, error) {
	domain := strings.Trim(arg, " \t")
	if idx := strings.IndexAny(domain, " \t"); idx >= 0 {
		domain = domain[:idx]
	}
	if domain == "" {
		return "", fmt.Errorf("Invalid domain")
	}
	return domain, nil
}

type mailboxStyle int

const (
	mailboxInvalid mailboxStyle = iota
	mailboxASCII
	mailboxUTF8
)

// styleOf classifies a mailbox by character set: control characters are
// invalid, anything outside printable ASCII needs SMTPUTF8.
func styleOf(mailbox string) mailboxStyle {
	ascii := true
	for i := 0; i < len(mailbox); i++ {
		c := mailbox[i]
		if c < 0x20 || c == 0x7f {
			return mailboxInvalid
		}
		if c > 0x7f {
			ascii = false
		}
	}
	if ascii {
		return mailboxASCII
	}
	if !utf8.ValidString(mailbox) {
		return mailboxInvalid
	}
	return mailboxUTF8
}

// addressCommand is a parsed MAIL or RCPT command.
type addressCommand struct {
	address string
	utf8    bool
	tail    string

	auth     string
	body     BodyType
	size     int64
	smtputf8 bool
}

func parseMailFrom(line string) (addressCommand, error) {
	cmd, arg := parseCmd(line)
	if cmd != "MAIL" || !hasPrefixFold(arg, "FROM:") {
		return addressCommand{}, errors.New("invalid mail-from command")
	}

	ac, err := parseAddressPart(arg[len("FROM:"):])
	if err != nil {
		return ac, err
	}

	params := strings.Fields(ac.tail)
	for _, p := range params {
		key, value, hasValue := strings.Cut(p, "=")
		switch strings.ToUpper(key) {
		case "SMTPUTF8":
			if hasValue {
				return ac, errors.New("invalid mail-from parameter")
			}
			ac.smtputf8 = true
		case "AUTH":
			decoded, ok := decodeXtext(value)
			if !ok {
				decoded = value
			}
			ac.auth = encodeXtext(decoded)
		case "BODY":
			ac.body = BodyType(strings.ToUpper(value))
		case "SIZE":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil && n >= 0 {
				ac.size = n
			}
		}
	}
	return ac, nil
}

func parseRcptTo(line string) (addressCommand, error) {
	cmd, arg := parseCmd(line)
	if cmd != "RCPT" || !hasPrefixFold(arg, "TO:") {
		return addressCommand{}, errors.New("invalid rcpt-to command")
	}
	return parseAddressPart(arg[len("TO:"):])
}

// parseAddressPart parses the "<mailbox> params" part after the colon,
// stepping over any source route and allowing for quoted local parts.
func parseAddressPart(s string) (addressCommand, error) {
	var ac addressCommand
	if strings.ContainsAny(s, "\x00\r\n") {
		return ac, errors.New("invalid character in mailbox name")
	}

	s = strings.TrimLeft(s, " ")
	if len(s) < 2 || s[0] != '<' || !strings.Contains(s[1:], ">") {
		return ac, errors.New("missing or invalid angle brackets in mailbox name")
	}

	start := 0
	if s[1] == '@' {
		// <@a.net,@b.net:you@c.net>
		start = strings.IndexByte(s, ':')
		if start < 0 || start+2 >= len(s) {
			return ac, errors.New("invalid source route in mailbox name")
		}
	}

	end := -1
	if s[start+1] == '"' {
		for i := start + 2; i < len(s); i++ {
			if s[i] == '\\' {
				i++
			} else if s[i] == '"' {
				if j := strings.IndexByte(s[i:], '>'); j >= 0 {
					end = i + j
				}
				break
			}
		}
		if end < 0 {
			return ac, errors.New("invalid quoting")
		}
	} else {
		end = start + 1 + strings.IndexByte(s[start+1:], '>')
	}
	if end+1 < len(s) && s[end+1] != ' ' {
		return ac, errors.New("invalid angle brackets")
	}

	address := s[start+1 : end]
	style := styleOf(address)
	if style == mailboxInvalid {
		return ac, errors.New("invalid character in mailbox name")
	}

	ac.address = address
	ac.utf8 = style == mailboxUTF8
	ac.tail = s[end+1:]
	return ac, nil
}

// parseBdat parses "BDAT <size> [LAST]".
func parseBdat(line string) (size int64, last bool, ok bool) {
	words := strings.Fields(line)
	if len(words) < 2 || len(words) > 3 {
		return 0, false, false
	}
	n, err := strconv.ParseUint(words[1], 10, 63)
	if err != nil {
		return 0, false, false
	}
	if len(words) == 3 {
		if !strings.EqualFold(words[2], "LAST") {
			return 0, false, false
		}
		last = true
	}
	return int64(n), last, true
}

// parseVrfy returns the VRFY argument, less any trailing SMTPUTF8 keyword.
func parseVrfy(line string) string {
	line = strings.TrimRight(line, " \t\r\n")
	if len(line) > 9 {
		tail := strings.TrimLeft(line[len(line)-9:], " \t")
		if strings.EqualFold(tail, "SMTPUTF8") {
			line = line[:len(line)-9]
		}
	}
	_, arg := parseCmd(line)
	return arg
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// decodeXtext decodes RFC 3461 xtext.
func decodeXtext(s string) (string, bool) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '+' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(s) {
			return "", false
		}
		if !isUpperHex(s[i+1]) || !isUpperHex(s[i+2]) {
			return "", false
		}
		n, _ := strconv.ParseUint(s[i+1:i+3], 16, 8)
		b.WriteByte(byte(n))
		i += 2
	}
	return b.String(), true
}

func isUpperHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F')
}

func encodeXtext(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '!' || c > '~' || c == '+' || c == '=' {
			fmt.Fprintf(&b, "+%02X", c)
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}
