// Package rawsock wraps the raw, non-blocking socket syscalls the BTL needs
// (create, bind, listen, accept, connect, setsockopt, writev, readv) behind
// a small Go surface. Every socket is created O_NONBLOCK so partial
// writev/readv and EAGAIN are the normal case, not an error path.
package rawsock

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Family selects the address family a Socket binds/connects on.
type Family uint8

const (
	FamilyInet Family = iota
	FamilyUnix
)

// Socket owns one non-blocking file descriptor and knows how to tear it
// down; it is the unit the BTL's endpoint and module layers hold instead of
// a net.Conn, so that Writev/Readv and epoll registration can reach the raw
// fd directly.
type Socket struct {
	FD     int
	Family Family
}

func socketDomain(f Family) int {
	if f == FamilyUnix {
		return unix.AF_UNIX
	}
	return unix.AF_INET
}

// NewStream creates a non-blocking stream socket in the given family.
func NewStream(f Family) (*Socket, error) {
	fd, err := unix.Socket(socketDomain(f), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	return &Socket{FD: fd, Family: f}, nil
}

// Close shuts down then closes the socket, mirroring the original's
// CLOSE_THE_SOCKET macro: never close a connected socket without shutting
// it down first, so the peer observes an orderly FIN rather than a reset
// from an in-flight write racing the close.
func (s *Socket) Close() error {
	_ = unix.Shutdown(s.FD, unix.SHUT_RDWR)
	return unix.Close(s.FD)
}

// SetNoDelay toggles TCP_NODELAY; a no-op on Unix-domain sockets.
func (s *Socket) SetNoDelay(on bool) error {
	if s.Family != FamilyInet {
		return nil
	}
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(s.FD, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}

// SetBuffers sets SO_SNDBUF/SO_RCVBUF; a zero value leaves that side at its
// kernel default.
func (s *Socket) SetBuffers(sndbuf, rcvbuf int) error {
	if sndbuf > 0 {
		if err := unix.SetsockoptInt(s.FD, unix.SOL_SOCKET, unix.SO_SNDBUF, sndbuf); err != nil {
			return err
		}
	}
	if rcvbuf > 0 {
		if err := unix.SetsockoptInt(s.FD, unix.SOL_SOCKET, unix.SO_RCVBUF, rcvbuf); err != nil {
			return err
		}
	}
	return nil
}

// BindInet binds to ip:port on an inet socket; port 0 asks the kernel to
// pick a free port, discoverable afterward via LocalAddr.
func (s *Socket) BindInet(ip net.IP, port int) error {
	sa := &unix.SockaddrInet4{Port: port}
	if ip4 := ip.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	return unix.Bind(s.FD, sa)
}

// BindInetRange tries every port in [min, min+rng) in turn, returning the
// first that binds successfully. rng<=0 means "any free port" (port 0).
func (s *Socket) BindInetRange(ip net.IP, min, rng int) (port int, err error) {
	if rng <= 0 {
		if err := s.BindInet(ip, 0); err != nil {
			return 0, err
		}
		return s.LocalPort()
	}
	var lastErr error
	for p := min; p < min+rng; p++ {
		if err := s.BindInet(ip, p); err == nil {
			return p, nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = unix.EADDRINUSE
	}
	return 0, lastErr
}

// BindUnix binds a Unix-domain stream socket to path.
func (s *Socket) BindUnix(path string) error {
	return unix.Bind(s.FD, &unix.SockaddrUnix{Name: path})
}

// LocalPort reports the inet port this socket is bound to.
func (s *Socket) LocalPort() (int, error) {
	sa, err := unix.Getsockname(s.FD)
	if err != nil {
		return 0, err
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return in4.Port, nil
	}
	return 0, unix.EAFNOSUPPORT
}

// Listen marks the socket as passive with the given backlog.
func (s *Socket) Listen(backlog int) error {
	return unix.Listen(s.FD, backlog)
}

// Accept returns a connected Socket for the next pending connection, or
// unix.EAGAIN if none is pending.
func (s *Socket) Accept() (*Socket, error) {
	nfd, _, err := unix.Accept4(s.FD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Socket{FD: nfd, Family: s.Family}, nil
}

// ConnectInet starts a non-blocking connect to ip:port. A nil error means
// the connect completed synchronously (rare, usually loopback); EINPROGRESS
// means the caller must wait for the fd to become writable and then call
// ConnectError to learn the outcome.
func (s *Socket) ConnectInet(ip net.IP, port int) error {
	sa := &unix.SockaddrInet4{Port: port}
	if ip4 := ip.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	return unix.Connect(s.FD, sa)
}

// ConnectUnix starts a non-blocking connect to a Unix-domain socket path.
func (s *Socket) ConnectUnix(path string) error {
	return unix.Connect(s.FD, &unix.SockaddrUnix{Name: path})
}

// ConnectError retrieves SO_ERROR after a non-blocking connect's fd becomes
// writable, distinguishing a completed connect (nil) from a failed one.
func (s *Socket) ConnectError() error {
	errno, err := unix.GetsockoptInt(s.FD, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// Writev issues one non-blocking writev over iov.
func (s *Socket) Writev(iov [][]byte) (int, error) {
	return unix.Writev(s.FD, iov)
}

// Readv issues one non-blocking readv into iov.
func (s *Socket) Readv(iov [][]byte) (int, error) {
	return unix.Readv(s.FD, iov)
}
