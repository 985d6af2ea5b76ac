package was

import (
	"fmt"
	"io"
	"syscall"

	"github.com/pfirsich/cm4all-libwas/internal/iopoll"
	"github.com/pfirsich/cm4all-libwas/internal/wire"
)

// inputKind is the request-body input sub-state machine.
type inputKind int

const (
	inputNoBody inputKind = iota
	inputBodyUnknownLength
	inputBodyKnownLength
	inputEnd
	inputClosed
	inputError
)

type inputState struct {
	kind      inputKind
	remaining uint64 // valid only when kind == inputBodyKnownLength
	bytesRead uint64
	readUsed  bool // Read() was called; disables the Received() accounting path

	// pendingLength holds a LENGTH declared before DATA has arrived yet, the
	// normal ordering for a request with a known Content-Length: the peer
	// sends LENGTH right after the headers, then DATA once it starts
	// streaming the body. It is applied the moment DATA promotes the state
	// out of NO_BODY.
	pendingLength *uint64
}

// PollStatus is the result of InputPoll / OutputPoll.
type PollStatus int

const (
	PollSuccess PollStatus = iota
	PollTimeout
	PollEnd
	PollClosed
	PollError
)

func (s PollStatus) String() string {
	switch s {
	case PollSuccess:
		return "success"
	case PollTimeout:
		return "timeout"
	case PollEnd:
		return "end"
	case PollClosed:
		return "closed"
	case PollError:
		return "error"
	default:
		return "unknown"
	}
}

// HasBody reports whether the current request ever entered a body state,
// even if input has since reached End.
func (s *Session) HasBody() bool {
	r := s.req
	if r == nil {
		return false
	}
	return r.everHadBody
}

// InputRemaining returns the declared bytes left to read for a
// known-length body, or -1 if the length is unknown or no body exists.
func (s *Session) InputRemaining() int64 {
	r := s.req
	if r == nil || r.input.kind != inputBodyKnownLength {
		return -1
	}
	return int64(r.input.remaining)
}

// InputFD returns the raw input descriptor for callers that want to read
// it directly instead of using Read.
func (s *Session) InputFD() int { return s.inputFD }

// InputPoll waits on the input pipe and the control channel together,
// servicing any control packet that arrives. timeoutMs < 0
// waits indefinitely.
func (s *Session) InputPoll(timeoutMs int) (PollStatus, error) {
	r := s.req
	if r == nil || r.input.kind == inputNoBody {
		return PollError, fmt.Errorf("was: InputPoll called with no active body: %w", ErrMisuse)
	}
	for {
		if st, done := inputTerminalStatus(r); done {
			return st, nil
		}
		res, err := iopoll.Wait(s.inputFD, s.controlFD, false, timeoutMs)
		if err != nil {
			if err == iopoll.ErrTimeout {
				return PollTimeout, nil
			}
			r.input.kind = inputError
			return PollError, wrapf("was: input poll failed", err)
		}
		if res.ControlReady {
			if err := s.serviceControl(); err != nil {
				return PollError, err
			}
			if st, done := inputTerminalStatus(r); done {
				return st, nil
			}
		}
		if res.DataReady {
			return PollSuccess, nil
		}
	}
}

func inputTerminalStatus(r *Request) (PollStatus, bool) {
	switch r.input.kind {
	case inputEnd:
		return PollEnd, true
	case inputClosed, inputError:
		return PollClosed, true
	default:
		return PollSuccess, false
	}
}

// Received advances the known-length accounting by n bytes without
// performing I/O itself; it is the raw-fd counterpart to Read and is
// mutually exclusive with it.
func (s *Session) Received(n int) error {
	r := s.req
	if r == nil {
		return fmt.Errorf("was: Received called with no active request: %w", ErrMisuse)
	}
	if r.input.readUsed {
		return fmt.Errorf("was: Received called after Read was used: %w", ErrMisuse)
	}
	if n < 0 {
		return fmt.Errorf("was: Received called with negative n: %w", ErrMisuse)
	}
	r.input.bytesRead += uint64(n)
	if r.input.kind == inputBodyKnownLength {
		if uint64(n) > r.input.remaining {
			r.input.kind = inputError
			return fmt.Errorf("was: Received(%d) overruns declared length: %w", n, ErrProtocol)
		}
		r.input.remaining -= uint64(n)
		if r.input.remaining == 0 {
			r.input.kind = inputEnd
		}
	}
	return nil
}

// Read is the blocking convenience form of body reading: it polls, then
// performs one raw, non-blocking read, repeating until at least one byte
// is available, the body has ended, or an error occurs. It returns the
// number of bytes read, 0 at end of body, and a non-nil error for I/O or
// protocol failures.
func (s *Session) Read(buf []byte) (int, error) {
	r := s.req
	if r == nil {
		return -2, fmt.Errorf("was: Read called with no active request: %w", ErrMisuse)
	}
	r.input.readUsed = true
	for {
		switch r.input.kind {
		case inputEnd:
			return 0, nil
		case inputClosed, inputError:
			return -2, ErrClosed
		case inputNoBody:
			return 0, nil
		}
		if r.input.kind == inputBodyKnownLength && r.input.remaining == 0 {
			r.input.kind = inputEnd
			return 0, nil
		}
		toRead := buf
		if r.input.kind == inputBodyKnownLength && uint64(len(toRead)) > r.input.remaining {
			toRead = toRead[:r.input.remaining]
		}
		n, err := syscall.Read(s.inputFD, toRead)
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			status, perr := s.InputPoll(-1)
			if perr != nil {
				return -1, perr
			}
			switch status {
			case PollEnd:
				return 0, nil
			case PollClosed:
				return -2, ErrClosed
			}
			continue
		}
		if err != nil {
			r.input.kind = inputError
			return -1, wrapf("was: input read failed", err)
		}
		if n == 0 {
			// Peer's pipe write end closed without an explicit PREMATURE;
			// treat as a clean end of body.
			r.input.kind = inputEnd
			return 0, nil
		}
		// toRead was clamped to remaining above, so this cannot overrun.
		r.input.bytesRead += uint64(n)
		if r.input.kind == inputBodyKnownLength {
			r.input.remaining -= uint64(n)
			if r.input.remaining == 0 {
				r.input.kind = inputEnd
			}
		}
		return n, nil
	}
}

// InputClose discards the remainder of the request body: it asks the peer
// to STOP, then drains and drops bytes until the peer confirms truncation
// with PREMATURE or the declared length is reached.
func (s *Session) InputClose() error {
	r := s.req
	if r == nil {
		return fmt.Errorf("was: InputClose called with no active request: %w", ErrMisuse)
	}
	switch r.input.kind {
	case inputNoBody, inputEnd, inputClosed, inputError:
		return nil
	}
	if err := s.sendPacket(wire.Packet{Command: wire.CmdStop}); err != nil {
		r.input.kind = inputError
		return err
	}
	drain := make([]byte, 4096)
	for {
		switch r.input.kind {
		case inputEnd, inputClosed, inputError:
			return nil
		}
		n, err := s.Read(drain)
		if err != nil {
			// Closed/end states are not themselves errors here; anything
			// else propagates.
			if r.input.kind == inputClosed || r.input.kind == inputEnd {
				return nil
			}
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// BodyReader returns an io.Reader view of the request body backed by Read,
// for callers that want to hand the body to stdlib or third-party code
// expecting the standard interface (io.Copy, a multipart reader, and so
// on) rather than calling Read directly.
func (s *Session) BodyReader() io.Reader { return &sessionBodyReader{s: s} }

// sessionBodyReader adapts Session.Read to io.Reader: a clean end of body
// or a closed input surfaces as io.EOF instead of Session.Read's sentinel
// return values, matching what io.Reader callers expect.
type sessionBodyReader struct{ s *Session }

func (b *sessionBodyReader) Read(p []byte) (int, error) {
	n, err := b.s.Read(p)
	if n < 0 {
		n = 0
	}
	if n == 0 && err == nil {
		return 0, io.EOF
	}
	if err == ErrClosed {
		return n, io.EOF
	}
	return n, err
}
