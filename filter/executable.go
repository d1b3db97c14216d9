package filter

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relaykit/go-smtpd/log"
)

// Executable pipes the message content into an external program. The
// message id is the only argument; the envelope is in the environment as
// SMTP_FROM, SMTP_TO (comma separated), SMTP_AUTH and SMTP_PEER.
//
// Exit code 0 accepts, 100 abandons and anything else rejects. Output
// lines of the form "<<text>>" or "[[text]]" give the response and then
// the reason for a rejection.
type Executable struct {
	Path string

	log *logrus.Entry
}

func NewExecutable(path string) *Executable {
	return &Executable{
		Path: path,
		log:  log.WithFields(logrus.Fields{"component": "filter", "program": filepath.Base(path)}),
	}
}

func (f *Executable) ID() string {
	return filepath.Base(f.Path)
}

func (f *Executable) Run(ctx context.Context, msg *Message) Outcome {
	cmd := exec.CommandContext(ctx, f.Path, msg.ID)
	cmd.Env = append(os.Environ(),
		"SMTP_FROM="+msg.From,
		"SMTP_TO="+strings.Join(msg.To, ","),
		"SMTP_AUTH="+msg.AuthID,
		"SMTP_PEER="+msg.Peer,
	)
	cmd.Stdin = bytes.NewReader(msg.Content)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = time.Second

	f.log.WithField("id", msg.ID).Info("running filter")
	err := cmd.Run()

	if ctxErr := ctx.Err(); ctxErr != nil {
		reason := "cancelled"
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			reason = "timeout"
		}
		f.log.WithField("id", msg.ID).Warnf("filter stopped: %s", reason)
		return Outcome{Result: ResultFail, Response: "error", Reason: reason}
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			f.log.WithError(err).Warn("filter exec error")
			return Outcome{Result: ResultFail, Response: "rejected", Reason: "filter exec error: " + err.Error()}
		}
		exitCode = exitErr.ExitCode()
	}

	res := resultOf(exitCode)
	if res != ResultFail {
		return Outcome{Result: res}
	}
	response, reason := parseOutput(out.String(), "rejected")
	f.log.WithField("id", msg.ID).Warnf("filter failed: exit code %d: [%s]", exitCode, response)
	return Outcome{Result: ResultFail, Response: response, Reason: reason}
}

// parseOutput picks the diagnostic lines out of a filter's output.
func parseOutput(s, fallback string) (response, reason string) {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	var lines []string
	for _, line := range strings.Split(s, "\n") {
		for _, delim := range [][2]string{{"<<", ">>"}, {"[[", "]]"}} {
			if !strings.HasPrefix(line, delim[0]) {
				continue
			}
			if end := strings.Index(line, delim[1]); end >= 0 {
				lines = append(lines, printable(line[2:end]))
			}
			break
		}
	}

	response = fallback
	if len(lines) > 0 && lines[0] != "" {
		response = lines[0]
	}
	reason = response
	if len(lines) > 1 && lines[1] != "" {
		reason = lines[1]
	}
	return response, reason
}

func printable(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
