package smtp

import (
	"errors"
	"fmt"
)

// SMTPError specifies the error code and message that needs to be returned to the client
type SMTPError struct {
	Code    int
	Message string
}

func (err *SMTPError) Error() string {
	return fmt.Sprintf("%d %s", err.Code, err.Message)
}

// Result turns the error into a failed ProcessResult.
func (err *SMTPError) Result() ProcessResult {
	return ProcessResult{Code: err.Code, Text: err.Message}
}

var ErrDataTooLarge = &SMTPError{
	Code:    552,
	Message: "message size exceeds fixed maximum message size",
}

var (
	// ErrTooManyErrors ends a session that made too many protocol errors.
	ErrTooManyErrors = errors.New("smtp: too many protocol errors")

	// ErrProtocol ends a session when an internal event finds no transition.
	ErrProtocol = errors.New("smtp: protocol error")

	// ErrVerifierAbort ends a session at the verifier's request.
	ErrVerifierAbort = errors.New("smtp: address verifier abort")

	// ErrLineTooLong is returned by the transport for an overlong command.
	ErrLineTooLong = errors.New("smtp: line too long")
)

// ResultFromError converts a processing error into a result, keeping the
// reply code of an SMTPError.
func ResultFromError(err error) ProcessResult {
	if err == nil {
		return ProcessResult{OK: true}
	}
	var serr *SMTPError
	if errors.As(err, &serr) {
		return serr.Result()
	}
	return ProcessResult{Text: err.Error()}
}
