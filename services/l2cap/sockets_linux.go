package l2cap

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/viamrobotics/btipc/services/gap"
	"go.viam.com/rdk/logging"
	"golang.org/x/sys/unix"
)

// Socket options at SOL_BLUETOOTH, missing from x/sys.
const (
	btSndMTU = 12
	btRcvMTU = 13
)

const (
	listenBacklog = 10
	pollInterval  = 100 * time.Millisecond
)

// Sockets is the Backend over kernel L2CAP sockets.
type Sockets struct {
	logger logging.Logger
}

func NewSockets(logger logging.Logger) *Sockets {
	return &Sockets{logger: logger}
}

func socket() (int, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_L2CAP)
	if err != nil {
		return -1, errors.Wrap(err, "creating l2cap socket")
	}
	return fd, nil
}

// bdaddrType maps a BTP LE address type to the kernel's.
func bdaddrType(typ uint8) uint8 {
	if typ == gap.AddrRandom {
		return unix.BDADDR_LE_RANDOM
	}
	return unix.BDADDR_LE_PUBLIC
}

func addrType(bdaddr uint8) uint8 {
	if bdaddr == unix.BDADDR_LE_RANDOM {
		return gap.AddrRandom
	}
	return gap.AddrPublic
}

// reversed flips between BTP order and the order SockaddrL2.Addr is written
// in, which is most significant byte first.
func reversed(a [6]byte) [6]byte {
	for i, j := 0, len(a)-1; i < j; i, j = i+1, j-1 {
		a[i], a[j] = a[j], a[i]
	}
	return a
}

// wait polls fd for events until it is ready or ctx ends.
func wait(ctx context.Context, fd int, events int16) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fds[0].Revents = 0
		n, err := unix.Poll(fds, int(pollInterval/time.Millisecond))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "polling l2cap socket")
		}
		if n > 0 {
			// errors and hangups surface from the following call
			return nil
		}
	}
}

func (b *Sockets) Connect(ctx context.Context, addr gap.Address, psm, mtu uint16) (Channel, error) {
	fd, err := socket()
	if err != nil {
		return nil, err
	}
	ch, err := connect(ctx, fd, addr, psm, mtu)
	if err != nil {
		//nolint:errcheck
		unix.Close(fd)
		return nil, err
	}
	b.logger.Debugw("l2cap connected", "peer", addr.String(), "psm", psm, "send_mtu", ch.SendMTU())
	return ch, nil
}

func connect(ctx context.Context, fd int, addr gap.Address, psm, mtu uint16) (*socketChannel, error) {
	if err := unix.Bind(fd, &unix.SockaddrL2{AddrType: unix.BDADDR_LE_PUBLIC}); err != nil {
		return nil, errors.Wrap(err, "binding l2cap socket")
	}
	if mtu > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_BLUETOOTH, btRcvMTU, int(mtu)); err != nil {
			return nil, errors.Wrapf(err, "setting receive mtu %d", mtu)
		}
	}

	err := unix.Connect(fd, &unix.SockaddrL2{PSM: psm, Addr: reversed(addr.Addr), AddrType: bdaddrType(addr.Type)})
	if errors.Is(err, unix.EINPROGRESS) {
		if err = wait(ctx, fd, unix.POLLOUT); err != nil {
			return nil, err
		}
		var soErr int
		soErr, err = unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err == nil && soErr != 0 {
			err = unix.Errno(soErr)
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "connecting l2cap socket")
	}
	return &socketChannel{fd: fd, peer: addr}, nil
}

// Listen binds psm on the given transport and starts listening.
func (b *Sockets) Listen(psm uint16, transport uint8) (Listener, error) {
	var typ uint8
	switch transport {
	case TransportLE:
		typ = unix.BDADDR_LE_PUBLIC
	case TransportBREDR:
		typ = unix.BDADDR_BREDR
	default:
		return nil, errors.Errorf("unsupported transport 0x%02x", transport)
	}
	fd, err := socket()
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, &unix.SockaddrL2{PSM: psm, AddrType: typ}); err != nil {
		//nolint:errcheck
		unix.Close(fd)
		return nil, errors.Wrapf(err, "binding psm 0x%04x", psm)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		//nolint:errcheck
		unix.Close(fd)
		return nil, errors.Wrapf(err, "listening on psm 0x%04x", psm)
	}
	return &socketListener{fd: fd, logger: b.logger}, nil
}

type socketListener struct {
	fd     int
	logger logging.Logger
	once   sync.Once
}

func (l *socketListener) Accept(ctx context.Context) (Channel, error) {
	for {
		if err := wait(ctx, l.fd, unix.POLLIN); err != nil {
			return nil, err
		}
		nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "accepting l2cap channel")
		}
		peer := gap.Address{}
		if l2, ok := sa.(*unix.SockaddrL2); ok {
			// decoded sockaddrs keep the kernel's byte order, which is BTP's
			peer = gap.Address{Type: addrType(l2.AddrType), Addr: l2.Addr}
		}
		l.logger.Debugw("l2cap channel accepted", "peer", peer.String())
		return &socketChannel{fd: nfd, peer: peer}, nil
	}
}

func (l *socketListener) Close() error {
	var err error
	l.once.Do(func() {
		err = unix.Close(l.fd)
	})
	return err
}

type socketChannel struct {
	fd   int
	peer gap.Address
	once sync.Once
}

func (c *socketChannel) Recv(ctx context.Context, buf []byte) (int, error) {
	for {
		if err := wait(ctx, c.fd, unix.POLLIN); err != nil {
			return 0, err
		}
		n, err := unix.Read(c.fd, buf)
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECONNRESET), errors.Is(err, unix.ENOTCONN):
			return 0, io.EOF
		case err != nil:
			return 0, errors.Wrap(err, "reading l2cap channel")
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (c *socketChannel) Send(ctx context.Context, p []byte) error {
	for {
		n, err := unix.Write(c.fd, p)
		if errors.Is(err, unix.EAGAIN) {
			if err := wait(ctx, c.fd, unix.POLLOUT); err != nil {
				return err
			}
			continue
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "writing l2cap channel")
		}
		if n != len(p) {
			return errors.Errorf("short l2cap write: %d of %d bytes", n, len(p))
		}
		return nil
	}
}

func (c *socketChannel) SendMTU() int {
	mtu, err := unix.GetsockoptInt(c.fd, unix.SOL_BLUETOOTH, btSndMTU)
	if err != nil {
		return 0
	}
	return mtu
}

func (c *socketChannel) Reconfigure(mtu uint16) error {
	return errors.Wrapf(unix.SetsockoptInt(c.fd, unix.SOL_BLUETOOTH, btRcvMTU, int(mtu)), "setting receive mtu %d", mtu)
}

func (c *socketChannel) Peer() gap.Address {
	return c.peer
}

func (c *socketChannel) Close() error {
	var err error
	c.once.Do(func() {
		err = unix.Close(c.fd)
	})
	return err
}
