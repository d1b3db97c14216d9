package smtp

import "fmt"

// outcome is what an action reports back to the state machine.
type outcome int

const (
	// proceed commits to the transition's target state.
	proceed outcome = iota
	// reject commits to the transition's alternate state.
	reject
)

// eventInput carries the data belonging to one event.
type eventInput struct {
	line    string // command line without the line ending
	content []byte

	size int64 // BDAT chunk size
	bdat bool  // line was a well-formed BDAT command

	status VerifierStatus
	result ProcessResult
}

type action func(p *Protocol, in eventInput) outcome

type transitionKey struct {
	event Event
	from  State
}

type transition struct {
	action action
	to     State
	alt    State
}

// fsm is a frozen (event, state) -> (action, to, alt) table.
type fsm struct {
	table map[transitionKey]transition
	state State
}

func newFSM(start State) *fsm {
	return &fsm{
		table: make(map[transitionKey]transition),
		state: start,
	}
}

// add registers a transition. The alternate state defaults to the target
// state; stateSame as either means "stay where we are".
func (m *fsm) add(ev Event, from, to State, a action, alt ...State) {
	if to == stateAny || from == stateSame {
		panic(fmt.Sprintf("smtp: invalid transition %v/%v -> %v", ev, from, to))
	}
	t := transition{action: a, to: to, alt: to}
	if len(alt) > 0 {
		if alt[0] == stateAny {
			panic(fmt.Sprintf("smtp: invalid alternate for %v/%v", ev, from))
		}
		t.alt = alt[0]
	}
	if to == StateEnd && t.alt != StateEnd {
		panic(fmt.Sprintf("smtp: end transition %v/%v with alternate", ev, from))
	}
	k := transitionKey{ev, from}
	if _, dup := m.table[k]; dup {
		panic(fmt.Sprintf("smtp: duplicate transition %v/%v", ev, from))
	}
	m.table[k] = t
}

// lookup finds the transition for an event in the current state, falling
// back to the wildcard entry.
func (m *fsm) lookup(ev Event) (transition, bool) {
	if t, ok := m.table[transitionKey{ev, m.state}]; ok {
		return t, true
	}
	t, ok := m.table[transitionKey{ev, stateAny}]
	return t, ok
}

// apply runs at most one action and commits to its target or alternate
// state. It returns false, leaving the state alone, if no transition
// matches.
func (m *fsm) apply(p *Protocol, ev Event, in eventInput) (State, bool) {
	t, ok := m.lookup(ev)
	if !ok {
		return m.state, false
	}

	from := m.state
	res := proceed
	if t.action != nil {
		res = t.action(p, in)
	}

	next := t.to
	if res == reject {
		next = t.alt
	}
	if next == stateSame {
		next = from
	}
	// An action may have ended the session on its own.
	if m.state == from {
		m.state = next
	}
	return m.state, true
}
