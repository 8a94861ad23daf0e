// Package btp is the tester end of the Bluetooth Test Protocol: a single
// connection to the test driver carrying commands in and responses and events
// out.
package btp

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/viamrobotics/btipc/internal/seqpacket"
	"github.com/viamrobotics/btipc/services/registry"
	"github.com/viamrobotics/btipc/wire"
	"go.viam.com/rdk/logging"
	"golang.org/x/sys/unix"
)

// Sender writes responses and events to the driver. Implementations are safe
// for concurrent use.
type Sender interface {
	Send(service, opcode, index uint8, payload []byte) error
	SendError(service, index, status uint8) error
}

// Conn is a connection to the test driver.
type Conn struct {
	conn   *seqpacket.Conn
	reg    *registry.Registry
	logger logging.Logger

	sendMu sync.Mutex

	mu           sync.Mutex
	serving      bool
	closed       bool
	done         chan struct{}
	onDisconnect func(err error)
	closeOnce    sync.Once
	closeErr     error
}

// Dial connects to the driver listening at path.
func Dial(ctx context.Context, path string, reg *registry.Registry, logger logging.Logger) (*Conn, error) {
	conn, err := seqpacket.Dial(ctx, path)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to test driver")
	}
	return New(conn, reg, logger), nil
}

// New wraps an established connection. Commands are routed through reg.
func New(conn *seqpacket.Conn, reg *registry.Registry, logger logging.Logger) *Conn {
	return &Conn{
		conn:   conn,
		reg:    reg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// OnDisconnect sets a function run once when Serve returns, with nil for an
// orderly close and the cause otherwise.
func (c *Conn) OnDisconnect(f func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = f
}

// Serve reads commands until the driver hangs up, Close is called, or the
// stream desyncs. Handlers run on this goroutine; one that answers later may
// use Send from anywhere.
func (c *Conn) Serve() error {
	c.mu.Lock()
	if c.serving || c.closed {
		c.mu.Unlock()
		return errors.New("connection already served or closed")
	}
	c.serving = true
	c.mu.Unlock()
	defer close(c.done)

	err := c.serve()

	c.mu.Lock()
	f := c.onDisconnect
	c.mu.Unlock()
	if f != nil {
		f(err)
	}
	return err
}

func (c *Conn) serve() error {
	buf := make([]byte, wire.BTP.MTU)
	for {
		n, fd, err := c.conn.Recv(buf)
		if err != nil {
			return wire.Desync("receiving command", err)
		}
		if fd >= 0 {
			// commands never carry descriptors
			closeFD(fd)
		}
		if n == 0 {
			c.logger.Debug("test driver disconnected")
			return nil
		}

		msg, err := wire.BTP.DecodeCommand(buf[:n])
		if err != nil {
			return wire.Desync("receiving command", err)
		}
		c.logger.Debugw("command", "service", msg.Service, "opcode", msg.Opcode,
			"index", msg.Index, "len", msg.Len)

		err = c.reg.Dispatch(registry.Request{
			Service: msg.Service,
			Opcode:  msg.Opcode,
			Index:   msg.Index,
			Payload: append([]byte(nil), msg.Payload...),
		})
		if errors.Is(err, registry.ErrUnsupported) {
			if err := c.SendError(msg.Service, msg.Index, wire.BTPStatusUnknownCmd); err != nil {
				return err
			}
		}
	}
}

// Send writes one message as a single datagram.
func (c *Conn) Send(service, opcode, index uint8, payload []byte) error {
	hdr, err := wire.BTP.EncodeHeader(service, opcode, index, len(payload))
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.conn.Send([][]byte{hdr, payload}, -1); err != nil {
		return errors.Wrapf(err, "sending service %d opcode 0x%02x", service, opcode)
	}
	return nil
}

// SendError answers a command with an ERROR status.
func (c *Conn) SendError(service, index, status uint8) error {
	return c.Send(service, wire.OpError, index, []byte{status})
}

// Close stops Serve and releases the connection. It must not be called from a
// handler.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		serving := c.serving
		c.closed = true
		c.mu.Unlock()
		if serving {
			//nolint:errcheck
			c.conn.ShutdownRead()
			<-c.done
		}
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func closeFD(fd int) {
	//nolint:errcheck
	unix.Close(fd)
}
