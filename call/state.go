package call

import "fmt"

// State represents the user-facing call lifecycle state.
type State int

const (
	// StateIdle indicates no call activity.
	StateIdle State = iota
	// StateDialing indicates an outgoing call awaiting an answer.
	StateDialing
	// StateReceiving indicates an inbound offer awaiting accept.
	StateReceiving
	// StateConnected indicates a live call.
	StateConnected
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateReceiving:
		return "receiving"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Role fixes which side of the negotiation a session plays. It is set at
// session creation and controls whether an offer or an answer is produced
// first.
type Role int

const (
	// RoleInitiator generates the call id and the offer.
	RoleInitiator Role = iota
	// RoleResponder validates the offer and produces the answer.
	RoleResponder
)

// String returns the string representation of Role.
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}
