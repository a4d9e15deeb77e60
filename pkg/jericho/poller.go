package jericho

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Interest is one descriptor to watch in a Poller.Wait call.
type Interest struct {
	Fd    int
	Read  bool
	Write bool
}

// Readiness is the outcome for the Interest at the same position.
type Readiness struct {
	Readable bool
	Writable bool
}

// Poller waits for readiness on a set of descriptors with poll(2). A
// self-pipe lets other goroutines interrupt a Wait.
type Poller struct {
	wakeR int
	wakeW int
	pfds  []unix.PollFd
	drain [64]byte

	mu     sync.RWMutex
	closed bool
}

// NewPoller creates a Poller and its wake-up pipe.
func NewPoller() (*Poller, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, err
		}
	}
	return &Poller{wakeR: fds[0], wakeW: fds[1]}, nil
}

// Wait blocks until a descriptor in interests is ready, Wake is called, or
// timeout elapses. A negative timeout waits indefinitely. Hang-up and error
// conditions are reported as both readable and writable so the owner's
// handlers observe them. Wait must only be called from one goroutine.
func (p *Poller) Wait(interests []Interest, timeout time.Duration) ([]Readiness, error) {
	p.pfds = append(p.pfds[:0], unix.PollFd{Fd: int32(p.wakeR), Events: unix.POLLIN})
	for _, in := range interests {
		var events int16
		if in.Read {
			events |= unix.POLLIN
		}
		if in.Write {
			events |= unix.POLLOUT
		}
		p.pfds = append(p.pfds, unix.PollFd{Fd: int32(in.Fd), Events: events})
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
		if ms == 0 && timeout > 0 {
			ms = 1
		}
	}

	out := make([]Readiness, len(interests))
	n, err := unix.Poll(p.pfds, ms)
	if err == unix.EINTR {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return out, nil
	}

	if p.pfds[0].Revents&unix.POLLIN != 0 {
		p.drainWake()
	}

	const failed = unix.POLLHUP | unix.POLLERR | unix.POLLNVAL
	for i := range interests {
		rev := p.pfds[i+1].Revents
		out[i].Readable = rev&(unix.POLLIN|failed) != 0
		out[i].Writable = rev&(unix.POLLOUT|failed) != 0
	}
	return out, nil
}

func (p *Poller) drainWake() {
	for {
		n, err := unix.Read(p.wakeR, p.drain[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Wake interrupts a concurrent or the next Wait. It is safe to call from
// any goroutine, also after Close.
func (p *Poller) Wake() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	// A full pipe already holds a pending wake-up.
	_, _ = unix.Write(p.wakeW, []byte{1})
}

// Close releases the pipe. It is idempotent.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	err := unix.Close(p.wakeR)
	if werr := unix.Close(p.wakeW); err == nil {
		err = werr
	}
	return err
}
