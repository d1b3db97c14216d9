package smtp

import "fmt"

// State is the dialogue state of one connection.
type State int

const (
	StateStart State = iota
	StateEnd
	StateIdle
	StateGotMail
	StateGotRcpt
	StateVrfyStart
	StateVrfyIdle
	StateVrfyGotMail
	StateVrfyGotRcpt
	StateRcptTo1
	StateRcptTo2
	StateData
	StateBdatData
	StateBdatDataLast
	StateBdatIdle
	StateBdatChecking
	StateBdatProcessing
	StateProcessing
	StateAuth
	StateStartingTLS
	StateMustReset

	// Lookup sentinels, never a current state.
	stateSame
	stateAny
)

var stateNames = [...]string{
	StateStart:          "Start",
	StateEnd:            "End",
	StateIdle:           "Idle",
	StateGotMail:        "GotMail",
	StateGotRcpt:        "GotRcpt",
	StateVrfyStart:      "VrfyStart",
	StateVrfyIdle:       "VrfyIdle",
	StateVrfyGotMail:    "VrfyGotMail",
	StateVrfyGotRcpt:    "VrfyGotRcpt",
	StateRcptTo1:        "RcptTo1",
	StateRcptTo2:        "RcptTo2",
	StateData:           "Data",
	StateBdatData:       "BdatData",
	StateBdatDataLast:   "BdatDataLast",
	StateBdatIdle:       "BdatIdle",
	StateBdatChecking:   "BdatChecking",
	StateBdatProcessing: "BdatProcessing",
	StateProcessing:     "Processing",
	StateAuth:           "Auth",
	StateStartingTLS:    "StartingTLS",
	StateMustReset:      "MustReset",
	stateSame:           "<same>",
	stateAny:            "<any>",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Busy reports whether the state waits for an asynchronous completion.
// No input is accepted in a busy state.
func (s State) Busy() bool {
	switch s {
	case StateVrfyStart, StateVrfyIdle, StateVrfyGotMail, StateVrfyGotRcpt,
		StateRcptTo1, StateRcptTo2,
		StateProcessing, StateBdatChecking, StateBdatProcessing,
		StateStartingTLS:
		return true
	}
	return false
}

// Event is the symbolic input to the state machine.
type Event int

const (
	EventQuit Event = iota
	EventHelo
	EventEhlo
	EventRset
	EventNoop
	EventExpn
	EventHelp
	EventMail
	EventRcpt
	EventRcptReply
	EventData
	EventDataFail
	EventContent
	EventEot
	EventBdat
	EventBdatLast
	EventBdatLastZero
	EventBdatContent
	EventBdatChunkDone
	EventBdatCheck
	EventAuth
	EventAuthData
	EventStartTLS
	EventSecure
	EventVrfy
	EventVrfyReply
	EventDone
	EventTimeout
	EventUnknown
)

var eventNames = [...]string{
	EventQuit:          "Quit",
	EventHelo:          "Helo",
	EventEhlo:          "Ehlo",
	EventRset:          "Rset",
	EventNoop:          "Noop",
	EventExpn:          "Expn",
	EventHelp:          "Help",
	EventMail:          "Mail",
	EventRcpt:          "Rcpt",
	EventRcptReply:     "RcptReply",
	EventData:          "Data",
	EventDataFail:      "DataFail",
	EventContent:       "Content",
	EventEot:           "Eot",
	EventBdat:          "Bdat",
	EventBdatLast:      "BdatLast",
	EventBdatLastZero:  "BdatLastZero",
	EventBdatContent:   "BdatContent",
	EventBdatChunkDone: "BdatChunkDone",
	EventBdatCheck:     "BdatCheck",
	EventAuth:          "Auth",
	EventAuthData:      "AuthData",
	EventStartTLS:      "StartTLS",
	EventSecure:        "Secure",
	EventVrfy:          "Vrfy",
	EventVrfyReply:     "VrfyReply",
	EventDone:          "Done",
	EventTimeout:       "Timeout",
	EventUnknown:       "Unknown",
}

func (e Event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("Event(%d)", int(e))
}
