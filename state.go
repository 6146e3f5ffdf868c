package convsync

// ============================================================================
// Request State Machine
// ============================================================================

// RequestState is the client-side view of a conversation's request lifecycle.
type RequestState string

const (
	// StateUnknown is used until a status is known. Sending is disabled.
	StateUnknown RequestState = "unknown"

	StatePendingInitiator RequestState = "pending-as-initiator"
	StatePendingRecipient RequestState = "pending-as-recipient"
	StateActive           RequestState = "active"

	// StateTerminal covers rejected and blocked conversations. It is
	// absorbing.
	StateTerminal RequestState = "terminal"
)

// Event drives a transition of the request state machine.
type Event string

const (
	EventAccept              Event = "accept"
	EventReject              Event = "reject"
	EventRemoteStatusActive  Event = "remoteStatusActive"
	EventRemoteStatusBlocked Event = "remoteStatusBlocked"
	EventFirstMessageSent    Event = "firstMessageSent"
)

// Footer names the composer affordance the UI should render.
type Footer string

const (
	FooterLoading       Footer = "loading"
	FooterCompose       Footer = "compose"
	FooterAcceptReject  Footer = "accept-reject"
	FooterPendingNotice Footer = "pending-notice"
	FooterClosed        Footer = "closed"
)

// Facts is everything the state machine is derived from. No separate state is
// persisted.
type Facts struct {
	Status        ConversationStatus
	InitiatedBy   string
	CurrentUserID string

	// SentCount is the number of messages in the conversation authored by
	// the current user.
	SentCount int
}

// Derive computes the request state from facts.
func Derive(f Facts) RequestState {
	switch f.Status {
	case StatusActive:
		return StateActive
	case StatusBlocked:
		return StateTerminal
	case StatusPending:
		if f.InitiatedBy != "" && f.InitiatedBy == f.CurrentUserID {
			return StatePendingInitiator
		}
		return StatePendingRecipient
	default:
		return StateUnknown
	}
}

// Reduce applies an event to a state. Terminal absorbs everything; a remote
// active status overrides any other local guess.
func Reduce(s RequestState, e Event) RequestState {
	if s == StateTerminal {
		return StateTerminal
	}
	switch e {
	case EventReject, EventRemoteStatusBlocked:
		return StateTerminal
	case EventRemoteStatusActive:
		return StateActive
	case EventAccept:
		if s == StatePendingRecipient {
			return StateActive
		}
	case EventFirstMessageSent:
		// The initiator stays pending; the sent count closes the composer.
	}
	return s
}

// StatusFor maps a state back to the conversation status that produces it.
// StateUnknown maps to the empty status.
func StatusFor(s RequestState) ConversationStatus {
	switch s {
	case StateActive:
		return StatusActive
	case StateTerminal:
		return StatusBlocked
	case StatePendingInitiator, StatePendingRecipient:
		return StatusPending
	}
	return ""
}

// StateSnapshot is the published form of the state machine.
type StateSnapshot struct {
	State     RequestState
	CanSend   bool
	CanAccept bool
	CanReject bool
	Footer    Footer
}

// Actions evaluates the action table for a state. sentCount only matters
// for the initiator of a pending request, who may send exactly one message.
func Actions(s RequestState, sentCount int) StateSnapshot {
	snap := StateSnapshot{State: s}
	switch s {
	case StateActive:
		snap.CanSend = true
		snap.Footer = FooterCompose
	case StatePendingRecipient:
		snap.CanAccept = true
		snap.CanReject = true
		snap.Footer = FooterAcceptReject
	case StatePendingInitiator:
		if sentCount == 0 {
			snap.CanSend = true
			snap.Footer = FooterCompose
		} else {
			snap.Footer = FooterPendingNotice
		}
	case StateTerminal:
		snap.Footer = FooterClosed
	default:
		snap.Footer = FooterLoading
	}
	return snap
}

// Evaluate derives the state from facts and evaluates its action table.
func Evaluate(f Facts) StateSnapshot {
	return Actions(Derive(f), f.SentCount)
}

func countSentBy(msgs []Message, userID string) int {
	n := 0
	for i := range msgs {
		if msgs[i].Sender.ID == userID && msgs[i].Kind != KindSystem {
			n++
		}
	}
	return n
}
