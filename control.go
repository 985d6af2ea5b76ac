package was

import (
	"github.com/pfirsich/cm4all-libwas/internal/wire"
)

// sendPacket serializes and writes one packet on the control channel. Once
// a send has failed, the Session is in a terminal error state and every
// subsequent send short-circuits without touching the descriptor again.
func (s *Session) sendPacket(p wire.Packet) error {
	if s.sendFailed {
		return ErrClosed
	}
	if err := wire.Write(s.controlConn, p); err != nil {
		s.sendFailed = true
		s.log.WithError(err).Error("was: control send failed, session is now terminal")
		return wrapf("was: control send failed", err)
	}
	s.log.WithField("command", p.Command).Debug("was: sent control packet")
	return nil
}

// serviceControl reads and dispatches exactly one pending control packet.
// It is called whenever InputPoll/OutputPoll observe the control
// descriptor is readable, so out-of-band peer commands (STOP, PREMATURE,
// METRIC, shutdown) are processed without the application ever blocking on
// them directly.
func (s *Session) serviceControl() error {
	pkt, err := wire.Read(s.controlConn)
	if err != nil {
		s.stopping = true
		return wrapf("was: control read failed", err)
	}
	_, err = s.dispatch(pkt)
	return err
}

// dispatch applies one inbound control packet to Session/Request state. It
// returns complete=true exactly when
// this packet is the one that makes the in-progress request ready to hand
// to the application (a NO_DATA or a first DATA). Ordinary protocol
// violations are absorbed here (the offending request is aborted, logged,
// and the Session keeps running); only genuine transport failures are
// returned as errors.
func (s *Session) dispatch(pkt wire.Packet) (complete bool, err error) {
	switch pkt.Command {
	case wire.CmdRequest:
		s.req = newRequest()
		return false, nil

	case wire.CmdShutdown:
		s.stopping = true
		return false, nil

	case wire.CmdStop:
		return false, s.handleStop()

	case wire.CmdMethod:
		if !s.requireActive("METHOD") {
			return false, nil
		}
		v, derr := wire.Uint32(pkt.Payload)
		if derr != nil {
			s.violation("METHOD", derr)
			return false, nil
		}
		m := Method(v)
		if !m.valid() {
			s.violation("METHOD", nil)
			return false, nil
		}
		s.req.method = m
		return false, nil

	case wire.CmdURI:
		if !s.requireActive("URI") {
			return false, nil
		}
		s.req.uri = string(pkt.Payload)
		return false, nil

	case wire.CmdScriptName:
		if !s.requireActive("SCRIPT_NAME") {
			return false, nil
		}
		s.req.scriptName = string(pkt.Payload)
		return false, nil

	case wire.CmdPathInfo:
		if !s.requireActive("PATH_INFO") {
			return false, nil
		}
		s.req.pathInfo = string(pkt.Payload)
		return false, nil

	case wire.CmdQueryString:
		if !s.requireActive("QUERY_STRING") {
			return false, nil
		}
		s.req.queryString = string(pkt.Payload)
		return false, nil

	case wire.CmdRemoteHost:
		if !s.requireActive("REMOTE_HOST") {
			return false, nil
		}
		s.req.remoteHost = string(pkt.Payload)
		return false, nil

	case wire.CmdHeader:
		if !s.requireActive("HEADER") {
			return false, nil
		}
		name, value, derr := wire.NameValue(pkt.Payload)
		if derr != nil {
			s.violation("HEADER", derr)
			return false, nil
		}
		s.req.headers.Add(name, value)
		return false, nil

	case wire.CmdParameter:
		if !s.requireActive("PARAMETER") {
			return false, nil
		}
		name, value, derr := wire.NameValue(pkt.Payload)
		if derr != nil {
			s.violation("PARAMETER", derr)
			return false, nil
		}
		s.req.parameters[name] = value
		return false, nil

	case wire.CmdLength:
		if !s.requireActive("LENGTH") {
			return false, nil
		}
		n, derr := wire.Uint64(pkt.Payload)
		if derr != nil {
			s.violation("LENGTH", derr)
			return false, nil
		}
		return false, s.handleLength(n)

	case wire.CmdData:
		if !s.requireActive("DATA") {
			return false, nil
		}
		return s.handleData()

	case wire.CmdNoData:
		if !s.requireActive("NO_DATA") {
			return false, nil
		}
		return s.handleNoData()

	case wire.CmdPremature:
		if !s.requireActive("PREMATURE") {
			return false, nil
		}
		off, derr := wire.Uint64(pkt.Payload)
		if derr != nil {
			s.violation("PREMATURE", derr)
			return false, nil
		}
		s.req.input.kind = inputEnd
		s.req.input.remaining = 0
		s.req.prematureOffset = off
		return false, nil

	case wire.CmdMetric:
		if !s.requireActive("METRIC") {
			return false, nil
		}
		s.req.wantMetrics = true
		return false, nil

	default:
		s.log.WithField("command", pkt.Command).Warn("was: ignoring unknown control command")
		return false, nil
	}
}

func (s *Session) requireActive(what string) bool {
	if s.req == nil {
		s.log.WithField("command", what).Warn("was: control packet with no active request, ignoring")
		return false
	}
	return true
}

func (s *Session) violation(what string, cause error) {
	entry := s.log.WithField("command", what)
	if cause != nil {
		entry = entry.WithError(cause)
	}
	entry.Warn("was: protocol violation, aborting current request")
	if s.req == nil {
		return
	}
	if s.req.complete {
		s.req.input.kind = inputError
		s.req.output.kind = outputError
		s.req.failed = true
	} else {
		s.req = nil
	}
}

func (s *Session) handleStop() error {
	if s.req == nil {
		return nil
	}
	if s.req.complete {
		s.req.input.kind = inputClosed
		s.req.output.kind = outputError
		s.req.failed = true
		return nil
	}
	s.req = nil
	return nil
}

func (s *Session) handleLength(n uint64) error {
	r := s.req
	switch r.input.kind {
	case inputNoBody:
		if r.complete {
			// NO_BODY reached via a prior NO_DATA: the body is already
			// finalized as absent, so declaring a length now is illegal.
			s.violation("LENGTH", nil)
			return nil
		}
		// LENGTH ahead of DATA is the common case: a declared
		// Content-Length always precedes the body stream itself.
		r.input.pendingLength = &n
		return nil
	case inputBodyUnknownLength:
		if n < r.input.bytesRead {
			s.violation("LENGTH", nil)
			return nil
		}
		r.input.kind = inputBodyKnownLength
		r.input.remaining = n - r.input.bytesRead
		return nil
	default:
		s.violation("LENGTH", nil)
		return nil
	}
}

func (s *Session) handleData() (bool, error) {
	r := s.req
	switch r.input.kind {
	case inputNoBody:
		r.everHadBody = true
		if r.input.pendingLength != nil {
			r.input.kind = inputBodyKnownLength
			r.input.remaining = *r.input.pendingLength
			r.input.pendingLength = nil
		} else {
			r.input.kind = inputBodyUnknownLength
		}
	case inputBodyUnknownLength, inputBodyKnownLength:
		// A DATA while already in a body state: the request is already
		// complete, so markComplete below reports it as a violation.
	default:
		s.violation("DATA", nil)
		return false, nil
	}
	return s.markComplete(), nil
}

func (s *Session) handleNoData() (bool, error) {
	r := s.req
	if r.input.kind != inputNoBody {
		s.violation("NO_DATA", nil)
		return false, nil
	}
	r.everHadBody = false
	return s.markComplete(), nil
}

// markComplete flips the current request to "ready for the application"
// exactly once; a second NO_DATA/DATA for an already-complete request is a
// protocol violation rather than a second completion signal.
func (s *Session) markComplete() bool {
	r := s.req
	if r.complete {
		s.violation("DATA/NO_DATA", nil)
		return false
	}
	r.complete = true
	return true
}
