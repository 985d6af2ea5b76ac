// Package iopoll wraps unix.Poll into the one primitive the I/O engine
// actually needs: wait until a body descriptor is ready, or the control
// descriptor has something for us, or the timeout expires. It is the
// translation layer between non-blocking body pipes and the synchronous
// API the application sees.
package iopoll

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ErrTimeout is returned by Wait when timeoutMs elapses with neither
// descriptor ready.
var ErrTimeout = errors.New("iopoll: timed out")

// Result reports which of the two watched descriptors became ready.
type Result struct {
	DataReady    bool
	ControlReady bool
}

// Wait polls dataFD (for write-readiness if writable, read-readiness
// otherwise) together with controlFD (always read-readiness, since the
// control channel is always readable-polled) and returns
// once either is ready, both are, or timeoutMs milliseconds elapse. A
// negative timeoutMs waits indefinitely. EINTR is retried transparently.
func Wait(dataFD, controlFD int, writable bool, timeoutMs int) (Result, error) {
	dataEvents := int16(unix.POLLIN)
	if writable {
		dataEvents = unix.POLLOUT
	}
	pfds := []unix.PollFd{
		{Fd: int32(dataFD), Events: dataEvents},
		{Fd: int32(controlFD), Events: unix.POLLIN},
	}
	for {
		n, err := unix.Poll(pfds, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return Result{}, err
		}
		if n == 0 {
			return Result{}, ErrTimeout
		}
		return Result{
			DataReady:    pfds[0].Revents&(dataEvents|unix.POLLHUP|unix.POLLERR) != 0,
			ControlReady: pfds[1].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0,
		}, nil
	}
}

// WaitControl polls only the control descriptor, used by Accept while no
// body stream is active.
func WaitControl(controlFD int, timeoutMs int) (bool, error) {
	pfds := []unix.PollFd{{Fd: int32(controlFD), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(pfds, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return false, err
		}
		if n == 0 {
			return false, ErrTimeout
		}
		return pfds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0, nil
	}
}

// SetNonblock puts fd into non-blocking mode: used for the input and
// output descriptors (control stays blocking, but is always polled before
// being read).
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
