package was

import (
	"fmt"
	"syscall"

	"github.com/pfirsich/cm4all-libwas/internal/iopoll"
	"github.com/pfirsich/cm4all-libwas/internal/wire"
)

// outputKind is the response-body output sub-state machine.
type outputKind int

const (
	outputNone outputKind = iota
	outputHeaders
	outputBodyUnknownLength
	outputBodyKnownLength
	outputEnd
	outputError
)

type outputState struct {
	kind          outputKind
	remaining     uint64 // valid only when kind == outputBodyKnownLength
	bytesWritten  uint64
	pendingLength *uint64 // SetLength called but body not yet begun
}

const defaultStatus = 200
const noContentStatus = 204

// Status sets the response status code. Legal only before any header or
// body byte has been sent; a second call, or any call after headers or a
// body byte, fails without killing the Session.
func (s *Session) Status(code int) error {
	r := s.req
	if r == nil {
		return fmt.Errorf("was: Status called with no active request: %w", ErrMisuse)
	}
	if r.output.kind != outputNone {
		return fmt.Errorf("was: Status called after headers or body started: %w", ErrMisuse)
	}
	if err := s.sendPacket(wire.Packet{Command: wire.CmdStatus, Payload: wire.PutUint16(uint16(code))}); err != nil {
		r.output.kind = outputError
		return err
	}
	r.status = code
	r.statusSet = true
	r.output.kind = outputHeaders
	return nil
}

// SetHeader adds a response header. Legal while no body byte has been
// sent. Content-Length and hop-by-hop header names are rejected; declare
// length with SetLength instead. The first SetHeader call on a fresh
// request implicitly sets status 200.
func (s *Session) SetHeader(name, value string) error {
	r := s.req
	if r == nil {
		return fmt.Errorf("was: SetHeader called with no active request: %w", ErrMisuse)
	}
	if isForbiddenResponseHeader(name) {
		return fmt.Errorf("was: header %q must not be set directly: %w", name, ErrMisuse)
	}
	switch r.output.kind {
	case outputNone:
		if err := s.Status(defaultStatus); err != nil {
			return err
		}
	case outputHeaders:
	default:
		return fmt.Errorf("was: SetHeader called after body started: %w", ErrMisuse)
	}
	if err := s.sendPacket(wire.Packet{Command: wire.CmdHeader, Payload: wire.PutNameValue(name, value)}); err != nil {
		r.output.kind = outputError
		return err
	}
	r.responseHeaders.Add(name, value)
	return nil
}

// CopyAllHeaders calls SetHeader for every entry of src, in an
// unspecified order, stopping at the first failure.
func (s *Session) CopyAllHeaders(src Header) error {
	for name, values := range src {
		for _, v := range values {
			if err := s.SetHeader(name, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetLength declares the exact response body length. Legal before any
// body byte has been written; takes effect (transitions output to
// known-length accounting) as soon as the body begins, which may be
// immediately if it already has.
func (s *Session) SetLength(n uint64) error {
	r := s.req
	if r == nil {
		return fmt.Errorf("was: SetLength called with no active request: %w", ErrMisuse)
	}
	switch r.output.kind {
	case outputNone, outputHeaders:
		if err := s.sendPacket(wire.Packet{Command: wire.CmdLength, Payload: wire.PutUint64(n)}); err != nil {
			r.output.kind = outputError
			return err
		}
		r.output.pendingLength = &n
		return nil
	case outputBodyUnknownLength:
		if err := s.sendPacket(wire.Packet{Command: wire.CmdLength, Payload: wire.PutUint64(n)}); err != nil {
			r.output.kind = outputError
			return err
		}
		if n < r.output.bytesWritten {
			r.output.kind = outputError
			return fmt.Errorf("was: SetLength(%d) is less than %d bytes already written: %w", n, r.output.bytesWritten, ErrMisuse)
		}
		r.output.kind = outputBodyKnownLength
		r.output.remaining = n - r.output.bytesWritten
		return nil
	default:
		return fmt.Errorf("was: SetLength called after length already committed: %w", ErrMisuse)
	}
}

// Begin transitions the response to a body state and emits DATA so the
// peer starts expecting body bytes. Idempotent once a body state has been
// entered.
func (s *Session) Begin() error {
	r := s.req
	if r == nil {
		return fmt.Errorf("was: Begin called with no active request: %w", ErrMisuse)
	}
	switch r.output.kind {
	case outputBodyUnknownLength, outputBodyKnownLength:
		return nil
	case outputNone:
		if err := s.Status(defaultStatus); err != nil {
			return err
		}
	case outputHeaders:
	default:
		return fmt.Errorf("was: Begin called in terminal output state: %w", ErrMisuse)
	}
	if err := s.sendPacket(wire.Packet{Command: wire.CmdData}); err != nil {
		r.output.kind = outputError
		return err
	}
	if r.output.pendingLength != nil {
		r.output.kind = outputBodyKnownLength
		r.output.remaining = *r.output.pendingLength
		r.output.pendingLength = nil
	} else {
		r.output.kind = outputBodyUnknownLength
	}
	return nil
}

// OutputFD returns the raw output descriptor.
func (s *Session) OutputFD() int { return s.outputFD }

// OutputPoll waits on the output pipe (for writability) and the control
// channel together, servicing control traffic, mirroring InputPoll.
func (s *Session) OutputPoll(timeoutMs int) (PollStatus, error) {
	r := s.req
	if r == nil {
		return PollError, fmt.Errorf("was: OutputPoll called with no active request: %w", ErrMisuse)
	}
	if r.output.kind == outputEnd || r.output.kind == outputError {
		return PollClosed, nil
	}
	res, err := iopoll.Wait(s.outputFD, s.controlFD, true, timeoutMs)
	if err != nil {
		if err == iopoll.ErrTimeout {
			return PollTimeout, nil
		}
		r.output.kind = outputError
		return PollError, wrapf("was: output poll failed", err)
	}
	if res.ControlReady {
		if err := s.serviceControl(); err != nil {
			return PollError, err
		}
		if r.output.kind == outputError {
			return PollClosed, nil
		}
	}
	if res.DataReady {
		return PollSuccess, nil
	}
	return PollTimeout, nil
}

// Sent advances known-length write accounting by n bytes without
// performing I/O, for callers writing directly to OutputFD.
func (s *Session) Sent(n int) error {
	r := s.req
	if r == nil {
		return fmt.Errorf("was: Sent called with no active request: %w", ErrMisuse)
	}
	if n < 0 {
		return fmt.Errorf("was: Sent called with negative n: %w", ErrMisuse)
	}
	r.output.bytesWritten += uint64(n)
	if r.output.kind == outputBodyKnownLength {
		if uint64(n) > r.output.remaining {
			r.output.kind = outputError
			return fmt.Errorf("was: Sent(%d) overruns declared length: %w", n, ErrMisuse)
		}
		r.output.remaining -= uint64(n)
	}
	return nil
}

// Write blocks until every byte of buf has been written to the response
// body, beginning the body implicitly if needed, and servicing control
// traffic during any wait.
func (s *Session) Write(buf []byte) (int, error) {
	r := s.req
	if r == nil {
		return 0, fmt.Errorf("was: Write called with no active request: %w", ErrMisuse)
	}
	if r.output.kind == outputNone || r.output.kind == outputHeaders {
		if err := s.Begin(); err != nil {
			return 0, err
		}
	}
	if r.output.kind != outputBodyUnknownLength && r.output.kind != outputBodyKnownLength {
		return 0, fmt.Errorf("was: Write called in terminal output state: %w", ErrMisuse)
	}
	total := 0
	for total < len(buf) {
		chunk := buf[total:]
		if r.output.kind == outputBodyKnownLength && uint64(len(chunk)) > r.output.remaining {
			return total, fmt.Errorf("was: Write would exceed declared length by %d bytes: %w", uint64(len(chunk))-r.output.remaining, ErrMisuse)
		}
		n, err := syscall.Write(s.outputFD, chunk)
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			status, perr := s.OutputPoll(-1)
			if perr != nil {
				return total, perr
			}
			if status == PollClosed {
				return total, ErrClosed
			}
			continue
		}
		if err != nil {
			r.output.kind = outputError
			return total, wrapf("was: output write failed", err)
		}
		if serr := s.Sent(n); serr != nil {
			return total, serr
		}
		total += n
	}
	return total, nil
}

// Puts writes s as response body bytes.
func (s *Session) Puts(str string) error {
	_, err := s.Write([]byte(str))
	return err
}

// Printf formats and writes response body bytes.
func (s *Session) Printf(format string, args ...any) error {
	return s.Puts(fmt.Sprintf(format, args...))
}

// Splice copies up to max bytes from the request body to the response
// body, returning the number of bytes copied and the first error (if
// any, including a clean end of input as io.EOF-shaped by a 0, nil
// return).
func (s *Session) Splice(max int) (int, error) {
	buf := make([]byte, max)
	n, err := s.Read(buf)
	if err != nil || n == 0 {
		return 0, err
	}
	written, err := s.Write(buf[:n])
	return written, err
}

// SpliceAll copies the entire remaining request body to the response
// body. If end is true and the input length is known, it declares that
// same length as the response length before copying, letting the peer
// short-circuit the relay.
func (s *Session) SpliceAll(end bool) (int64, error) {
	r := s.req
	if end {
		if n := s.InputRemaining(); n >= 0 {
			if err := s.SetLength(uint64(n)); err != nil {
				return 0, err
			}
		}
	}
	var total int64
	buf := make([]byte, 32*1024)
	for {
		n, err := s.Read(buf)
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		if _, err := s.Write(buf[:n]); err != nil {
			return total, err
		}
		total += int64(n)
	}
	_ = r
	return total, nil
}

// End finalizes the response: defaulting the status (204 if no body was
// begun, implicitly 200 already sent if it was), closing out a
// known-length body, and always draining any unread request body before
// returning.
// Called implicitly by the next Accept if the application never calls it.
func (s *Session) End() error {
	r := s.req
	if r == nil {
		return nil
	}
	defer func() { _ = s.InputClose() }()

	switch r.output.kind {
	case outputEnd, outputError:
		return nil
	case outputNone:
		if err := s.Status(noContentStatus); err != nil {
			r.output.kind = outputError
			return err
		}
		if err := s.sendPacket(wire.Packet{Command: wire.CmdNoData}); err != nil {
			r.output.kind = outputError
			return err
		}
	case outputHeaders:
		if err := s.sendPacket(wire.Packet{Command: wire.CmdNoData}); err != nil {
			r.output.kind = outputError
			return err
		}
	case outputBodyKnownLength:
		if r.output.remaining != 0 {
			r.output.kind = outputError
			return fmt.Errorf("was: End called with %d declared bytes unwritten: %w", r.output.remaining, ErrMisuse)
		}
	case outputBodyUnknownLength:
		// Nothing further to frame; the peer detects end of body itself
		// once this process stops writing and the next request begins.
	}
	r.output.kind = outputEnd
	return nil
}

// Abort terminates the response early: it drains the request body, then
// tells the peer how many bytes of body actually made it out via
// PREMATURE, and marks everything terminal.
func (s *Session) Abort() error {
	r := s.req
	if r == nil {
		return nil
	}
	drainErr := s.InputClose()
	err := s.sendPacket(wire.Packet{Command: wire.CmdPremature, Payload: wire.PutUint64(r.output.bytesWritten)})
	r.output.kind = outputError
	r.input.kind = inputError
	if err != nil {
		return err
	}
	return drainErr
}
