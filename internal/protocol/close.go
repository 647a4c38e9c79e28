package protocol

// Server-supplied close reasons with distinct user-facing outcomes.
const (
	CloseReasonListeningTimeout = "Listening timeout"
	CloseReasonIdleTimeout      = "Idle timeout"
	CloseReasonUserEnded        = "User ended conversation"
)

// CloseOutcome classifies a socket close for the state machine.
type CloseOutcome int

const (
	// CloseResumable closes are handled by the transport's silent retry.
	CloseResumable CloseOutcome = iota
	// CloseTerminal closes end the conversation with a user-facing reason.
	CloseTerminal
	// CloseNormal closes end the conversation without an error.
	CloseNormal
)

// ClassifyClose maps a websocket close code and server reason to an outcome.
// Code 1000 means normal closure; any other code is resumable within the
// retry budget unless the server named a terminal reason.
func ClassifyClose(code int, reason string) CloseOutcome {
	switch reason {
	case CloseReasonListeningTimeout, CloseReasonIdleTimeout:
		return CloseTerminal
	case CloseReasonUserEnded:
		return CloseNormal
	}
	if code == 1000 {
		return CloseNormal
	}
	return CloseResumable
}

// UserFacingReason translates a terminal close reason into presentation text.
func UserFacingReason(reason string) string {
	switch reason {
	case CloseReasonListeningTimeout:
		return "We didn't hear anything for a while, so the session ended."
	case CloseReasonIdleTimeout:
		return "The session ended after a period of inactivity."
	case CloseReasonUserEnded:
		return ""
	default:
		return "Connection lost, please restart the conversation."
	}
}
