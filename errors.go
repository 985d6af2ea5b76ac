package was

import (
	"errors"

	"golang.org/x/xerrors"
)

// Sentinel errors returned (possibly wrapped) across the public API.
var (
	// ErrProtocol is returned when the peer violates framing or ordering
	// rules: malformed packets, an illegal command for the current state,
	// a length overrun, or an out-of-order packet.
	ErrProtocol = errors.New("was: protocol violation")

	// ErrClosed is returned from blocking calls once the current request
	// has been cancelled by the peer (STOP) or its stream is in an error
	// state. A clean end of body is not an error: Read reports it as 0
	// with a nil error.
	ErrClosed = errors.New("was: stream closed")

	// ErrWouldBlock is returned by non-blocking entry points (accept_non_block
	// equivalents) when no complete packet is available yet.
	ErrWouldBlock = errors.New("was: would block")

	// ErrShutdown is returned by Accept once the peer has closed the
	// control channel or sent a shutdown packet.
	ErrShutdown = errors.New("was: no more requests")

	// ErrMisuse is returned for application-side API misuse: setting the
	// status twice, writing past a declared length, mixing received and
	// read, and the like. It never kills the Session.
	ErrMisuse = errors.New("was: invalid use of the API")
)

// wrapf wraps err with a formatted message while preserving it for
// errors.Is/errors.As, using xerrors so the chain behaves the same way on
// Go toolchains that predate native multi-wrap support.
func wrapf(format string, err error, args ...any) error {
	args = append(args, err)
	return xerrors.Errorf(format+": %w", args...)
}
