package protocol

// RecvResult classifies an inbound packet at either endpoint. None of
// these are fatal at the API level: they are diagnostic returns that the
// state machine inspects to decide whether to update its watchdog
// timestamp and whether to force a transition to IDLE.
type RecvResult int

const (
	RecvOk RecvResult = iota
	RecvBadLength
	RecvBadState
	RecvBadOpcode
	RecvBadAfterAck
	RecvBadBlockNo
)

func (r RecvResult) String() string {
	switch r {
	case RecvOk:
		return "Ok"
	case RecvBadLength:
		return "BadLength"
	case RecvBadState:
		return "BadState"
	case RecvBadOpcode:
		return "BadOpcode"
	case RecvBadAfterAck:
		return "BadAfterAck"
	case RecvBadBlockNo:
		return "BadBlockNo"
	default:
		return "Unknown"
	}
}

// Benign reports whether r is dropped silently without forcing the
// endpoint to IDLE or updating the watchdog timestamp: a bad length or a
// packet that doesn't fit the current state is noise, not evidence the
// peer has desynchronised.
func (r RecvResult) Benign() bool {
	switch r {
	case RecvBadLength, RecvBadState, RecvBadOpcode:
		return true
	default:
		return false
	}
}
