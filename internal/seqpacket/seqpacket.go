// Package seqpacket wraps local SOCK_SEQPACKET sockets: each send is one
// record and each receive returns at most one record, which is what lets the
// framing layer treat a short read as a protocol error instead of buffering.
package seqpacket

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	// ErrTimeout is returned by Accept when no peer connects in time.
	ErrTimeout = errors.New("timed out waiting for connection")
	// ErrTruncated is returned by Recv when a record did not fit the buffer.
	ErrTruncated = errors.New("record truncated")
)

// pollInterval bounds each poll so a cancelled context is noticed.
const pollInterval = 100 * time.Millisecond

// OpError records which socket call failed.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	if e.Path == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Conn is one connected socket. Send and Recv are not synchronized; callers
// own the exclusion they need.
type Conn struct {
	fd int

	// mu orders ShutdownRead against Close so shutdown never reaches a
	// released descriptor.
	mu       sync.Mutex
	closed   bool
	closeErr error
}

func newConn(fd int) *Conn {
	return &Conn{fd: fd}
}

// FD returns the underlying descriptor.
func (c *Conn) FD() int {
	return c.fd
}

// Send writes bufs as a single record. If fd is non-negative it is attached
// as SCM_RIGHTS control data on the same call.
func (c *Conn) Send(bufs [][]byte, fd int) error {
	var oob []byte
	if fd >= 0 {
		oob = unix.UnixRights(fd)
	}
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	for {
		n, err := unix.SendmsgBuffers(c.fd, bufs, oob, nil, unix.MSG_NOSIGNAL)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return &OpError{Op: "sendmsg", Err: err}
		}
		if n != total {
			return &OpError{Op: "sendmsg", Err: errors.Errorf("short send, %d of %d bytes", n, total)}
		}
		return nil
	}
}

// Recv reads one record into buf and returns its length. A received
// descriptor is returned as fd, or -1 if none arrived. Extra descriptors are
// closed. A return of 0 bytes with a nil error means end of stream. A record
// longer than buf fails with ErrTruncated and its descriptor is closed.
func (c *Conn) Recv(buf []byte) (n, fd int, err error) {
	oob := make([]byte, unix.CmsgSpace(4))
	var oobn, flags int
	for {
		n, oobn, flags, _, err = unix.Recvmsg(c.fd, buf, oob, unix.MSG_CMSG_CLOEXEC)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		return 0, -1, &OpError{Op: "recvmsg", Err: err}
	}
	fd = extractFD(oob[:oobn])
	if flags&unix.MSG_TRUNC != 0 {
		if fd >= 0 {
			//nolint:errcheck
			unix.Close(fd)
		}
		return 0, -1, &OpError{Op: "recvmsg", Err: errors.Wrapf(ErrTruncated, "%d byte buffer", len(buf))}
	}
	return n, fd, nil
}

func extractFD(oob []byte) int {
	fd := -1
	if len(oob) == 0 {
		return fd
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return fd
	}
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		for _, f := range fds {
			if fd < 0 {
				fd = f
				continue
			}
			//nolint:errcheck
			unix.Close(f)
		}
	}
	return fd
}

// ShutdownRead closes the read half. A receive blocked in another goroutine
// returns end of stream.
func (c *Conn) ShutdownRead() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &OpError{Op: "shutdown", Err: unix.EBADF}
	}
	if err := unix.Shutdown(c.fd, unix.SHUT_RD); err != nil {
		return &OpError{Op: "shutdown", Err: err}
	}
	return nil
}

// Close releases the descriptor. It is safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.closeErr
	}
	c.closed = true
	if err := unix.Close(c.fd); err != nil {
		c.closeErr = &OpError{Op: "close", Err: err}
	}
	return c.closeErr
}

// Listener is a bound, listening socket.
type Listener struct {
	fd   int
	path string

	closeOnce sync.Once
}

func socket() (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, &OpError{Op: "socket", Err: err}
	}
	return fd, nil
}

// Listen binds path and starts listening. A path starting with '@' names an
// abstract socket; any other path is a filesystem socket that is unlinked on
// Close. Errors are *OpError with Op "socket", "bind" or "listen".
func Listen(path string, backlog int) (*Listener, error) {
	fd, err := socket()
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		//nolint:errcheck
		unix.Close(fd)
		return nil, &OpError{Op: "bind", Path: path, Err: err}
	}
	if err := unix.Listen(fd, backlog); err != nil {
		//nolint:errcheck
		unix.Close(fd)
		unlink(path)
		return nil, &OpError{Op: "listen", Path: path, Err: err}
	}
	return &Listener{fd: fd, path: path}, nil
}

func unlink(path string) {
	if path != "" && path[0] != '@' {
		//nolint:errcheck
		unix.Unlink(path)
	}
}

// Path returns the address the listener is bound to.
func (l *Listener) Path() string {
	return l.path
}

// Accept waits up to timeout for one peer. It returns ErrTimeout if none
// arrives, the context error if ctx ends first, or an *OpError with Op
// "poll" or "accept".
func (l *Listener) Accept(ctx context.Context, timeout time.Duration) (*Conn, error) {
	deadline := time.Now().Add(timeout)
	fds := []unix.PollFd{{Fd: int32(l.fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		wait := min(remaining, pollInterval)
		fds[0].Revents = 0
		n, err := unix.Poll(fds, int(wait/time.Millisecond)+1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, &OpError{Op: "poll", Path: l.path, Err: err}
		}
		if n == 0 {
			continue
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			return nil, &OpError{Op: "poll", Path: l.path, Err: errors.Errorf("unexpected events 0x%x", fds[0].Revents)}
		}
		nfd, _, err := unix.Accept4(l.fd, unix.SOCK_CLOEXEC)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, &OpError{Op: "accept", Path: l.path, Err: err}
		}
		return newConn(nfd), nil
	}
}

// Close stops listening and removes a filesystem socket.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if cerr := unix.Close(l.fd); cerr != nil {
			err = &OpError{Op: "close", Path: l.path, Err: cerr}
		}
		unlink(l.path)
	})
	return err
}

// Dial connects to path.
func Dial(ctx context.Context, path string) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fd, err := socket()
	if err != nil {
		return nil, err
	}
	for {
		err = unix.Connect(fd, &unix.SockaddrUnix{Name: path})
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		//nolint:errcheck
		unix.Close(fd)
		return nil, &OpError{Op: "connect", Path: path, Err: err}
	}
	return newConn(fd), nil
}

// Pair returns two connected sockets.
func Pair() (*Conn, *Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, &OpError{Op: "socketpair", Err: err}
	}
	return newConn(fds[0]), newConn(fds[1]), nil
}
