// Package netpoll wraps epoll and eventfd behind the small surface the
// progress engine needs: register a fd for read/write readiness, wait for
// events, and wake a blocked wait from another goroutine. Both progress
// modes use it: the dedicated thread calls Wait with a timeout, and the
// inline engine calls Wait with a zero timeout.
package netpoll

import (
	"os"

	"golang.org/x/sys/unix"
)

// Event reports one fd's readiness.
type Event struct {
	FD        int
	Readable  bool
	Writable  bool
	HangUp    bool
	ErrorSeen bool
}

// Poller is an epoll instance plus a self-pipe (eventfd) used to interrupt
// a blocked Wait from another goroutine — the Go analogue of the original's
// ACTIVATE_EVENT pipe write.
type Poller struct {
	epfd    int
	wakeFD  int
	wakeTag int
}

// New creates an epoll instance and its wake eventfd, and arms the wake
// eventfd for read-readiness so Wait returns as soon as Wake is called.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	p := &Poller{epfd: epfd, wakeFD: wakeFD, wakeTag: -1}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(p.wakeTag),
	}); err != nil {
		_ = unix.Close(wakeFD)
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("epoll_ctl", err)
	}
	return p, nil
}

// Close releases the epoll instance and the wake eventfd.
func (p *Poller) Close() error {
	err1 := unix.Close(p.wakeFD)
	err2 := unix.Close(p.epfd)
	if err1 != nil {
		return err1
	}
	return err2
}

func epollFlags(wantRead, wantWrite bool) uint32 {
	var ev uint32 = unix.EPOLLRDHUP
	if wantRead {
		ev |= unix.EPOLLIN
	}
	if wantWrite {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Add registers fd for the given interest set, tagged with userData so the
// caller can map events back to its own endpoint/module bookkeeping.
func (p *Poller) Add(fd int, wantRead, wantWrite bool, userData int32) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: epollFlags(wantRead, wantWrite),
		Fd:     userData,
	})
}

// Modify changes fd's interest set.
func (p *Poller) Modify(fd int, wantRead, wantWrite bool, userData int32) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: epollFlags(wantRead, wantWrite),
		Fd:     userData,
	})
}

// Remove deregisters fd.
func (p *Poller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wake interrupts a blocked Wait from any goroutine; safe to call
// concurrently and redundantly (a second Wake before the first is observed
// just coalesces, since eventfd accumulates a counter).
func (p *Poller) Wake() error {
	var buf [8]byte
	buf[7] = 1
	_, err := unix.Write(p.wakeFD, buf[:])
	if err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

// Wait blocks up to timeoutMS (-1 for indefinite, 0 for non-blocking poll)
// and appends ready events to dst, returning the extended slice. Wake
// events on the internal eventfd are drained and never appear in dst.
func (p *Poller) Wait(dst []Event, timeoutMS int) ([]Event, error) {
	var raw [64]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, raw[:], timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}
	for i := 0; i < n; i++ {
		ev := raw[i]
		if int(ev.Fd) == p.wakeTag {
			var buf [8]byte
			_, _ = unix.Read(p.wakeFD, buf[:])
			continue
		}
		dst = append(dst, Event{
			FD:        int(ev.Fd),
			Readable:  ev.Events&(unix.EPOLLIN|unix.EPOLLHUP) != 0,
			Writable:  ev.Events&unix.EPOLLOUT != 0,
			HangUp:    ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			ErrorSeen: ev.Events&unix.EPOLLERR != 0,
		})
	}
	return dst, nil
}
