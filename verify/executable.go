package verify

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relaykit/go-smtpd"
	"github.com/relaykit/go-smtpd/log"
)

// Exit codes of an external verifier program.
const (
	ExitLocal     = 0
	ExitRemote    = 1
	ExitInvalid   = 2
	ExitTemporary = 3
	ExitAbort     = 100
)

// Executable runs an external program for each address. The program gets
// the address, the envelope sender, the client IP, the client's HELO name,
// the lower-cased AUTH mechanism and the AUTH identity as arguments.
//
// On exit code 0 the first two lines of its output are the full name and
// the mailbox of a local user, on 1 the second line is the address of a
// remote recipient. Codes 2 and 3 reject, permanently or temporarily, with
// the first line as the response text. Code 100 drops the connection.
//
// An Executable is per connection: Cancel kills the running program.
type Executable struct {
	Path    string
	Timeout time.Duration

	log *logrus.Entry

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewExecutable(path string, timeout time.Duration) *Executable {
	return &Executable{
		Path:    path,
		Timeout: timeout,
		log:     log.WithFields(logrus.Fields{"component": "verify", "program": path}),
	}
}

func (v *Executable) Verify(req smtp.VerifyRequest, done func(smtp.VerifierStatus)) {
	var ctx context.Context
	var cancel context.CancelFunc
	if v.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), v.Timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	v.mu.Lock()
	if v.cancel != nil {
		v.cancel()
	}
	v.cancel = cancel
	v.mu.Unlock()

	args := []string{
		req.Address,
		req.From,
		req.PeerAddress,
		req.Helo,
		strings.ToLower(req.Mechanism),
		req.AuthID,
	}

	go func() {
		defer cancel()
		status, ok := v.run(ctx, req.Address, args)
		if !ok {
			return
		}
		done(status)
	}()
}

// run executes the program. It reports false if the run was cancelled.
func (v *Executable) run(ctx context.Context, address string, args []string) (smtp.VerifierStatus, bool) {
	v.log.Infof("executing %s %s", v.Path, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, v.Path, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.WaitDelay = time.Second
	err := cmd.Run()

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		v.log.Warn("address verifier timed out")
		return smtp.VerifierStatus{Address: address, Temporary: true, Response: "timeout"}, true
	case errors.Is(ctx.Err(), context.Canceled):
		return smtp.VerifierStatus{}, false
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			v.log.WithError(err).Warn("address verifier exec error")
			return smtp.VerifierStatus{Address: address, Response: "error"}, true
		}
		exitCode = exitErr.ExitCode()
	}

	return parseResult(address, exitCode, stdout.String()), true
}

func parseResult(address string, exitCode int, output string) smtp.VerifierStatus {
	output = strings.ReplaceAll(output, "\r\n", "\n")
	output = strings.ReplaceAll(output, "\r", "")
	output = strings.TrimRight(output, " \t\n")

	var lines []string
	if output != "" {
		lines = strings.Split(output, "\n")
	}
	line := func(i int) string {
		if i < len(lines) {
			return printable(lines[i])
		}
		return ""
	}

	switch {
	case exitCode == ExitLocal && len(lines) >= 2:
		return smtp.VerifierStatus{Valid: true, Local: true, FullName: line(0), Address: line(1)}
	case exitCode == ExitRemote && len(lines) >= 2:
		return smtp.VerifierStatus{Valid: true, Address: line(1)}
	case exitCode == ExitAbort:
		return smtp.VerifierStatus{Address: address, Abort: true}
	}

	response := "mailbox unavailable"
	if len(lines) > 0 {
		response = line(0)
	}
	reason := "exit code " + strconv.Itoa(exitCode)
	if len(lines) > 1 {
		reason = line(1)
	}
	log.LogInfo("Address verifier rejected %s: %s", address, reason)
	return smtp.VerifierStatus{
		Address:   address,
		Temporary: exitCode == ExitTemporary,
		Response:  response,
	}
}

func (v *Executable) Cancel() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cancel != nil {
		v.cancel()
		v.cancel = nil
	}
}

func printable(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
