// Package smtp implements the server side of the Simple Mail Transfer
// Protocol as defined in RFC 5321, as used by a mail relay front end.
//
// The dialogue itself is driven by a table-driven state machine (see
// Protocol) which is independent of any network connection. Server and Conn
// wrap it into a TCP listener.
//
// It implements the following extensions:
//
//   - 8BITMIME (RFC 1652)
//   - SIZE (RFC 1870)
//   - PIPELINING (RFC 2920)
//   - CHUNKING and BINARYMIME (RFC 3030)
//   - STARTTLS (RFC 3207)
//   - AUTH (RFC 4954)
//   - SMTPUTF8 (RFC 6531)
package smtp

type BodyType string

const (
	Body7Bit       BodyType = "7BIT"
	Body8BitMIME   BodyType = "8BITMIME"
	BodyBinaryMIME BodyType = "BINARYMIME"
)

// FromInfo contains the parameters given with the MAIL command.
type FromInfo struct {
	// Value of AUTH= argument, re-encoded as valid xtext. Empty if absent.
	Auth string

	// Value of BODY= argument. Empty if absent.
	Body BodyType

	// Size of the body. Can be 0 if not specified by client.
	Size int64

	// The SMTPUTF8 keyword was given.
	SMTPUTF8 bool

	// The mailbox contains non-ASCII characters.
	UTF8Address bool
}

// ToInfo describes a recipient accepted by the verifier.
type ToInfo struct {
	// Address as given in the RCPT command.
	Requested string

	// Canonical address returned by the verifier.
	Address string

	Local    bool
	FullName string

	// The mailbox contains non-ASCII characters.
	UTF8Address bool
}
