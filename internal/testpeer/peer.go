// Package testpeer fabricates the web-server side of a WAS connection so
// both the package's own tests and cmd/wasworker's self-test mode can
// drive a real Session without a real peer process. The control channel
// is a connected Unix socket pair (bidirectional, exactly like the real
// deployment); the two body streams are os.Pipe()s (unidirectional, also
// like the real deployment).
package testpeer

import (
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/pfirsich/cm4all-libwas/internal/wire"
)

// FDs is the descriptor triple the worker side (a Session) should bind to.
type FDs struct {
	ControlFD int
	InputFD   int
	OutputFD  int
}

// Peer drives the other end of a fabricated WAS connection: it writes
// control packets and input body bytes, and reads control packets and
// output body bytes, exactly as a real web server peer would.
type Peer struct {
	control *os.File
	input   *os.File // peer's write end of the worker's input pipe
	output  *os.File // peer's read end of the worker's output pipe
}

// New creates a connected control socket pair plus the two body pipes, and
// returns both the Peer handle and the FDs the worker side should bind to.
func New() (*Peer, FDs, error) {
	sv, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, FDs{}, err
	}
	workerControl := os.NewFile(uintptr(sv[0]), "was-control-worker")
	peerControl := os.NewFile(uintptr(sv[1]), "was-control-peer")

	inputR, inputW, err := os.Pipe() // worker reads inputR, peer writes inputW
	if err != nil {
		return nil, FDs{}, err
	}
	outputR, outputW, err := os.Pipe() // worker writes outputW, peer reads outputR
	if err != nil {
		return nil, FDs{}, err
	}

	p := &Peer{control: peerControl, input: inputW, output: outputR}
	fds := FDs{
		ControlFD: int(workerControl.Fd()),
		InputFD:   int(inputR.Fd()),
		OutputFD:  int(outputW.Fd()),
	}
	return p, fds, nil
}

// SendPacket writes one control packet from the peer to the worker.
func (p *Peer) SendPacket(pkt wire.Packet) error {
	return wire.Write(p.control, pkt)
}

// RecvPacket reads one control packet sent by the worker to the peer.
func (p *Peer) RecvPacket() (wire.Packet, error) {
	return wire.Read(p.control)
}

// WriteInput writes raw request-body bytes, as read by the worker's input
// descriptor.
func (p *Peer) WriteInput(b []byte) (int, error) { return p.input.Write(b) }

// CloseInput closes the peer's write end of the input pipe, simulating
// the body producer going away.
func (p *Peer) CloseInput() error { return p.input.Close() }

// ReadOutput reads raw response-body bytes written by the worker.
func (p *Peer) ReadOutput(b []byte) (int, error) { return p.output.Read(b) }

// ReadAllOutput drains the output pipe until EOF.
func (p *Peer) ReadAllOutput() ([]byte, error) { return io.ReadAll(p.output) }

// Close tears down every descriptor the Peer owns.
func (p *Peer) Close() error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	note(p.control.Close())
	note(p.input.Close())
	note(p.output.Close())
	return firstErr
}
