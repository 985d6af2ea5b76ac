package was

import (
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/pfirsich/cm4all-libwas/internal/iopoll"
	"github.com/pfirsich/cm4all-libwas/internal/wire"
)

// Default descriptor numbers a Session binds to when constructed with New.
// Reading these from the environment (as the real peer process does when
// it forks a worker) is the caller's job, not this package's; callers that
// need that bootstrap step do it themselves and call NewWithFDs.
const (
	DefaultControlFD = 3
	DefaultInputFD   = 4
	DefaultOutputFD  = 5
)

// Session is the runtime object bound to one triple of descriptors,
// serially handling a stream of requests. It is not
// safe for concurrent use.
type Session struct {
	controlFD int
	inputFD   int
	outputFD  int

	controlConn io.ReadWriter

	req            *Request
	stopping       bool
	sendFailed     bool
	requestsServed uint64

	log         *logrus.Entry
	metricsSink func(name string, value float32)
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithLogger attaches a logrus entry used for Session diagnostics. Without
// one, a discarding logger is used: the library does not log by default.
func WithLogger(entry *logrus.Entry) Option {
	return func(s *Session) { s.log = entry }
}

// WithMetricsSink registers a callback invoked every time the application
// calls Metric, in addition to the METRIC packet written to the peer. This
// is how cmd/wasworker mirrors metrics into Prometheus without the core
// package importing it.
func WithMetricsSink(sink func(name string, value float32)) Option {
	return func(s *Session) { s.metricsSink = sink }
}

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// NewWithFDs binds a new Session to the given descriptor numbers. input
// and output are switched to non-blocking mode; control is left blocking,
// and every read of it is preceded by a poll.
func NewWithFDs(controlFD, inputFD, outputFD int, opts ...Option) (*Session, error) {
	if err := iopoll.SetNonblock(inputFD); err != nil {
		return nil, wrapf("was: failed to set input descriptor non-blocking", err)
	}
	if err := iopoll.SetNonblock(outputFD); err != nil {
		return nil, wrapf("was: failed to set output descriptor non-blocking", err)
	}
	s := &Session{
		controlFD:   controlFD,
		inputFD:     inputFD,
		outputFD:    outputFD,
		controlConn: os.NewFile(uintptr(controlFD), "was-control"),
		log:         discardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// New binds a Session to the process-wide default descriptor triple
// (DefaultControlFD/InputFD/OutputFD). How those descriptors got into
// those slots is the caller's concern, not this package's.
func New(opts ...Option) (*Session, error) {
	return NewWithFDs(DefaultControlFD, DefaultInputFD, DefaultOutputFD, opts...)
}

// ControlFD returns the raw control descriptor, e.g. for an external event
// loop that wants to multiplex it alongside other work.
func (s *Session) ControlFD() int { return s.controlFD }

// Request returns the current request's attributes (method, URIs, headers,
// parameters, and the rest of the "Request inspection" surface), or nil if
// Accept has not yet returned one. The returned value is a view into the
// Session's state, valid only until the next Accept.
func (s *Session) Request() *Request { return s.req }

// Free closes all three descriptors and releases the Session. If a
// request is still in flight (the application never called End/Abort
// itself, e.g. on a process shutdown signal) it is aborted first, the
// same way a deliberate Abort call would: the input body is drained and
// PREMATURE is sent for whatever part of the response already went out.
// Free is safe to call once processing has finished; it aggregates every
// close error it encounters rather than stopping at the first.
func (s *Session) Free() error {
	var errs *multierror.Error
	if s.req != nil && s.req.output.kind != outputEnd && s.req.output.kind != outputError {
		if err := s.Abort(); err != nil {
			errs = multierror.Append(errs, wrapf("was: aborting in-flight request on Free", err))
		}
	}
	if f, ok := s.controlConn.(io.Closer); ok {
		if err := f.Close(); err != nil {
			errs = multierror.Append(errs, wrapf("was: closing control descriptor", err))
		}
	}
	if err := closeFD(s.inputFD); err != nil {
		errs = multierror.Append(errs, wrapf("was: closing input descriptor", err))
	}
	if err := closeFD(s.outputFD); err != nil {
		errs = multierror.Append(errs, wrapf("was: closing output descriptor", err))
	}
	return errs.ErrorOrNil()
}

func closeFD(fd int) error {
	return os.NewFile(uintptr(fd), "was-fd").Close()
}

// finalizePrevious implicitly ends the outgoing request if the application
// never called End, then drops the Session's reference to it so its
// memory (and every header/parameter/iterator snapshot built over it) can
// be reclaimed.
func (s *Session) finalizePrevious() {
	if s.req == nil {
		return
	}
	if s.req.output.kind != outputEnd && s.req.output.kind != outputError {
		_ = s.End()
	}
	s.req = nil
}

// Accept blocks until the peer has fully described a new request (a
// NO_DATA or a DATA packet arrived), implicitly finalizing the previous
// request first, and returns that request's URI. It returns ErrShutdown
// once the control channel reaches end of file or a shutdown packet
// arrives.
func (s *Session) Accept() (string, error) {
	s.finalizePrevious()
	if s.stopping {
		return "", ErrShutdown
	}
	for {
		complete, err := s.acceptStep(true)
		if err != nil {
			return "", err
		}
		if s.stopping {
			return "", ErrShutdown
		}
		if complete {
			s.requestsServed++
			return s.req.uri, nil
		}
	}
}

// AcceptNonBlock behaves like Accept but never blocks: if no complete
// control packet is immediately available it returns ErrWouldBlock, and
// the caller is responsible for polling ControlFD and calling back in.
func (s *Session) AcceptNonBlock() (string, error) {
	s.finalizePrevious()
	if s.stopping {
		return "", ErrShutdown
	}
	for {
		complete, err := s.acceptStep(false)
		if err != nil {
			if err == ErrWouldBlock {
				return "", ErrWouldBlock
			}
			return "", err
		}
		if s.stopping {
			return "", ErrShutdown
		}
		if complete {
			s.requestsServed++
			return s.req.uri, nil
		}
	}
}

// acceptStep reads and dispatches exactly one control packet. If blocking
// is false and no packet is immediately ready, it returns ErrWouldBlock
// without reading anything.
func (s *Session) acceptStep(blocking bool) (complete bool, err error) {
	timeoutMs := 0
	if blocking {
		timeoutMs = -1
	}
	ready, perr := iopoll.WaitControl(s.controlFD, timeoutMs)
	if perr != nil {
		if perr == iopoll.ErrTimeout {
			return false, ErrWouldBlock
		}
		return false, wrapf("was: control poll failed", perr)
	}
	if !ready && !blocking {
		return false, ErrWouldBlock
	}
	pkt, rerr := wire.Read(s.controlConn)
	if rerr != nil {
		if rerr == io.EOF {
			s.stopping = true
			return false, nil
		}
		return false, wrapf("was: control read failed", rerr)
	}
	return s.dispatch(pkt)
}
