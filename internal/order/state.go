package order

import "time"

type State string

const (
	StatePending   State = "PENDING"
	StateSubmitted State = "SUBMITTED"
	StateApproved  State = "APPROVED"
	StateFulfilled State = "FULFILLED"
	StateRejected  State = "REJECTED"
	StateAbandoned State = "ABANDONED"
)

func (s State) String() string {
	return string(s)
}

func (s State) Terminal() bool {
	return s == StateFulfilled || s == StateRejected || s == StateAbandoned
}

func (s State) Valid() bool {
	switch s {
	case StatePending, StateSubmitted, StateApproved, StateFulfilled, StateRejected, StateAbandoned:
		return true
	}
	return false
}

type Event string

const (
	EventSubmit  Event = "submit"
	EventApprove Event = "approve"
	EventFulfill Event = "fulfill"
	EventReject  Event = "reject"
	EventAbandon Event = "abandon"
)

var Events = []Event{EventSubmit, EventApprove, EventFulfill, EventReject, EventAbandon}

type transition struct {
	from []State
	to   State
}

var transitions = map[Event]transition{
	EventSubmit:  {from: []State{StatePending}, to: StateSubmitted},
	EventApprove: {from: []State{StateSubmitted}, to: StateApproved},
	EventFulfill: {from: []State{StateApproved}, to: StateFulfilled},
	EventReject:  {from: []State{StatePending, StateSubmitted}, to: StateRejected},
	EventAbandon: {from: []State{StatePending}, to: StateAbandoned},
}

// Next returns the state reached by applying ev to current, or a
// *TransitionError when the table has no such edge.
func Next(current State, ev Event) (State, error) {
	t, ok := transitions[ev]
	if !ok {
		return current, &TransitionError{From: current, Event: ev}
	}
	for _, from := range t.from {
		if from == current {
			return t.to, nil
		}
	}
	return current, &TransitionError{From: current, Event: ev}
}

// Expirations is how long an order may sit in a state before it lapses.
// Terminal states never expire.
type Expirations struct {
	Pending   time.Duration `yaml:"pending"`
	Submitted time.Duration `yaml:"submitted"`
	Approved  time.Duration `yaml:"approved"`
}

var DefaultExpirations = Expirations{
	Pending:   48 * time.Hour,
	Submitted: 48 * time.Hour,
	Approved:  7 * 24 * time.Hour,
}

func (e Expirations) For(s State) (time.Duration, bool) {
	var d time.Duration
	switch s {
	case StatePending:
		d = e.Pending
	case StateSubmitted:
		d = e.Submitted
	case StateApproved:
		d = e.Approved
	}
	return d, d > 0
}
