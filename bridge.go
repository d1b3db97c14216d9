package smtp

import (
	"sync"
	"time"
)

// bridge carries completions from collaborator goroutines back to the
// goroutine driving the Protocol. Posted functions run in order, from Pump.
type bridge struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

func newBridge() *bridge {
	return &bridge{wake: make(chan struct{}, 1)}
}

func (b *bridge) post(f func()) {
	b.mu.Lock()
	b.queue = append(b.queue, f)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *bridge) take() []func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue
	b.queue = nil
	return q
}

// pendingEvent is a synthetic event raised by an action, applied after
// the current one completes.
type pendingEvent struct {
	event Event
	input eventInput
}

// Wake is signalled whenever a completion is waiting for Pump.
func (p *Protocol) Wake() <-chan struct{} {
	return p.bridge.wake
}

// Pump runs the completions posted so far, each as one state machine
// step. It must be called from the goroutine that calls Apply.
func (p *Protocol) Pump() {
	for !p.done {
		q := p.bridge.take()
		if len(q) == 0 {
			return
		}
		for _, f := range q {
			if p.done {
				return
			}
			f()
		}
	}
}

// raise queues an internal synthetic event.
func (p *Protocol) raise(ev Event, in eventInput) {
	p.pending = append(p.pending, pendingEvent{ev, in})
}

// verifyCallback binds a verifier reply to the current transaction.
func (p *Protocol) verifyCallback(command string) func(VerifierStatus) {
	txn := p.txn
	return func(status VerifierStatus) {
		p.bridge.post(func() {
			if txn != p.txn {
				p.log.Debug("dropping stale verifier result")
				return
			}
			p.verifyDone(command, status)
		})
	}
}

// processCallback binds a processor reply to the current transaction.
func (p *Protocol) processCallback() func(ProcessResult) {
	txn := p.txn
	return func(r ProcessResult) {
		p.bridge.post(func() {
			if txn != p.txn {
				p.log.Debug("dropping stale processing result")
				return
			}
			p.dispatch(EventDone, eventInput{result: r}, true)
		})
	}
}

func (p *Protocol) startTimer() {
	p.cancelTimer()
	if p.cfg.FilterTimeout <= 0 {
		return
	}
	txn := p.txn
	p.log.Debugf("starting filter timer: %v", p.cfg.FilterTimeout)
	p.timer = time.AfterFunc(p.cfg.FilterTimeout, func() {
		p.bridge.post(func() {
			if txn != p.txn {
				return
			}
			p.log.Warnf("message processing timed out after %v", p.cfg.FilterTimeout)
			p.dispatch(EventTimeout, eventInput{result: ProcessResult{Text: "timed out"}}, true)
		})
	})
}

func (p *Protocol) cancelTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
