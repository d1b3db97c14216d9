// Package filter runs stored messages past content filters before they
// are accepted.
package filter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Result is the verdict of a filter.
type Result int

const (
	// ResultOK accepts the message.
	ResultOK Result = iota
	// ResultAbandon reports success to the client but drops the message.
	ResultAbandon
	// ResultFail rejects the message.
	ResultFail
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultAbandon:
		return "abandon"
	}
	return "fail"
}

// Outcome is what a filter run produced.
type Outcome struct {
	Result Result

	// Response is the text for the client, Reason the one for the log.
	Response string
	Reason   string
}

// Message is the envelope and content handed to a filter.
type Message struct {
	ID      string
	From    string
	To      []string
	AuthID  string
	Peer    string
	Content []byte
}

// A Filter inspects a message. Run must return promptly once ctx is done.
type Filter interface {
	ID() string
	Run(ctx context.Context, msg *Message) Outcome
}

// resultOf maps a program exit code onto a verdict.
func resultOf(exitCode int) Result {
	switch {
	case exitCode == 0:
		return ResultOK
	case exitCode == 100:
		return ResultAbandon
	}
	return ResultFail
}

// Exit is a filter that always behaves like a program exiting with the
// given code.
type Exit int

func (e Exit) ID() string {
	return "exit:" + strconv.Itoa(int(e))
}

func (e Exit) Run(ctx context.Context, msg *Message) Outcome {
	res := resultOf(int(e))
	if res != ResultFail {
		return Outcome{Result: res}
	}
	return Outcome{Result: res, Response: "rejected", Reason: fmt.Sprintf("exit code %d", int(e))}
}

// Chain runs filters in turn, stopping at the first that does not accept.
type Chain []Filter

func (c Chain) ID() string {
	ids := make([]string, len(c))
	for i, f := range c {
		ids[i] = f.ID()
	}
	return strings.Join(ids, ",")
}

func (c Chain) Run(ctx context.Context, msg *Message) Outcome {
	for _, f := range c {
		if out := f.Run(ctx, msg); out.Result != ResultOK {
			return out
		}
	}
	return Outcome{Result: ResultOK}
}

// New builds a filter from a specification: "exit:<code>", "file:<path>"
// or a bare program path, several of them separated by commas for a chain.
// An empty specification accepts everything.
func New(spec string) (Filter, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Exit(0), nil
	}

	parts := strings.Split(spec, ",")
	if len(parts) > 1 {
		chain := make(Chain, 0, len(parts))
		for _, p := range parts {
			f, err := newOne(strings.TrimSpace(p))
			if err != nil {
				return nil, err
			}
			chain = append(chain, f)
		}
		return chain, nil
	}
	return newOne(spec)
}

func newOne(spec string) (Filter, error) {
	kind, value, found := strings.Cut(spec, ":")
	if !found {
		kind, value = "file", spec
	}
	switch kind {
	case "exit":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("filter: not a numeric exit code: %q", value)
		}
		return Exit(n), nil
	case "file":
		if value == "" {
			return nil, fmt.Errorf("filter: empty program path")
		}
		return NewExecutable(value), nil
	}
	return nil, fmt.Errorf("filter: invalid filter %q", spec)
}
