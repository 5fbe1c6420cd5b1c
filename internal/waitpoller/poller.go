//go:build linux

// Package waitpoller is the fd-based wait-set primitive: poll(2) over a
// pollfd array the caller builds plus a control pipe carrying single-byte
// wake-up commands. No pollfd array is cached here; the dispatcher builds a
// fresh one on every loop iteration. It owns no policy about what the fds
// mean — that's the dispatcher's job — only the raw "block until one of
// these fds is ready,
// or I get poked" mechanism.
package waitpoller

import (
	"golang.org/x/sys/unix"
)

// Events is a readiness bitmask, mirroring unix.POLLIN/POLLOUT.
type Events int16

const (
	EventRead  Events = Events(unix.POLLIN)
	EventWrite Events = Events(unix.POLLOUT)
	EventErr   Events = Events(unix.POLLERR | unix.POLLHUP | unix.POLLNVAL)
)

// WakeUpdated and WakeStop are the single-byte control-pipe commands: 'u'
// means "the wait-set changed, re-read it"; 's' means "stop the loop".
const (
	WakeUpdated byte = 'u'
	WakeStop    byte = 's'
)

// Poller owns the control pipe used to wake a thread blocked in poll(2).
// Actually blocking on the aggregated set is done by the caller via Poll;
// Poller only hands out the control fd and a way to wake it.
type Poller struct {
	ctrlR int
	ctrlW int
}

// New creates a Poller with a fresh non-blocking control pipe.
func New() (*Poller, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	return &Poller{ctrlR: fds[0], ctrlW: fds[1]}, nil
}

// ControlFD returns the read end of the control pipe, to be placed in the
// dispatcher's wait vector.
func (p *Poller) ControlFD() int { return p.ctrlR }

// Wake writes a single command byte to the control pipe. It never blocks:
// the pipe is non-blocking and the dispatcher only cares that at least one
// byte is pending, so a full buffer (EAGAIN) is not an error.
func (p *Poller) Wake(cmd byte) error {
	_, err := unix.Write(p.ctrlW, []byte{cmd})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

// Drain reads and returns every pending control byte without blocking.
func (p *Poller) Drain() ([]byte, error) {
	var buf [64]byte
	var out []byte
	for {
		n, err := unix.Read(p.ctrlR, buf[:])
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err == unix.EAGAIN || n == 0 {
			return out, nil
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return out, err
		}
		if n < len(buf) {
			return out, nil
		}
	}
}

// Close releases the control pipe.
func (p *Poller) Close() error {
	err1 := unix.Close(p.ctrlR)
	err2 := unix.Close(p.ctrlW)
	if err1 != nil {
		return err1
	}
	return err2
}

// Poll blocks on fds (caller-built, including the control fd) until one is
// ready or timeoutMs elapses (-1 blocks indefinitely). EINTR is retried
// internally so callers never see it.
func Poll(fds []unix.PollFd, timeoutMs int) error {
	for {
		_, err := unix.Poll(fds, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}
