package was

// Stats is a read-only snapshot of Session activity, for a demo worker's
// /debug endpoint. It adds no wire behavior of its own; it's a window onto
// counters the Session already tracks for protocol bookkeeping.
type Stats struct {
	RequestsServed uint64

	// CurrentInputState/CurrentOutputState describe the active request's
	// sub-state machines, or empty strings if no request is active.
	CurrentInputState  string
	CurrentOutputState string

	BytesRead    uint64
	BytesWritten uint64

	// CurrentRequestFailed mirrors Request.Failed for the active request:
	// true once the peer has aborted it out from under the application.
	CurrentRequestFailed bool

	Stopping bool
}

func (k inputKind) String() string {
	switch k {
	case inputNoBody:
		return "NO_BODY"
	case inputBodyUnknownLength:
		return "BODY_UNKNOWN_LENGTH"
	case inputBodyKnownLength:
		return "BODY_KNOWN_LENGTH"
	case inputEnd:
		return "END"
	case inputClosed:
		return "CLOSED"
	case inputError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (k outputKind) String() string {
	switch k {
	case outputNone:
		return "NONE"
	case outputHeaders:
		return "HEADERS"
	case outputBodyUnknownLength:
		return "BODY_UNKNOWN_LENGTH"
	case outputBodyKnownLength:
		return "BODY_KNOWN_LENGTH"
	case outputEnd:
		return "END"
	case outputError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Stats returns a snapshot of the Session's current counters and, if a
// request is active, its sub-state names.
func (s *Session) Stats() Stats {
	st := Stats{
		RequestsServed: s.requestsServed,
		Stopping:       s.stopping,
	}
	if s.req != nil {
		st.CurrentInputState = s.req.input.kind.String()
		st.CurrentOutputState = s.req.output.kind.String()
		st.BytesRead = s.req.input.bytesRead
		st.BytesWritten = s.req.output.bytesWritten
		st.CurrentRequestFailed = s.req.failed
	}
	return st
}
