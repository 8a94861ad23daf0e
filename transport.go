// Package btipc is the HAL side of the Bluetooth daemon IPC: it rendezvous
// with the daemon on a local socket, runs synchronous commands over the first
// connection and dispatches asynchronous notifications from the second.
package btipc

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/viamrobotics/btipc/internal/seqpacket"
	"github.com/viamrobotics/btipc/services/registry"
	"github.com/viamrobotics/btipc/utils"
	"github.com/viamrobotics/btipc/utils/systemd"
	"github.com/viamrobotics/btipc/wire"
	"go.viam.com/rdk/logging"
)

// ErrNotConnected is returned by Execute before Init or after Cleanup.
var ErrNotConnected = errors.New("command channel not connected")

// FatalFunc receives errors after which the transport cannot continue. The
// default logs and exits the process; the supervisor restarts it.
type FatalFunc func(err error)

// DaemonStarter asks a process supervisor to start the daemon.
type DaemonStarter interface {
	StartService(ctx context.Context, name string) error
}

// Response is the result of a command.
type Response struct {
	// Status is StatusSuccess unless the daemon answered with ERROR.
	Status  wire.Status
	Payload []byte
	// File is the descriptor that came with the response when one was
	// requested, else nil. The caller owns it.
	File *os.File
}

// Transport owns the command and notification channels.
type Transport struct {
	cfg     utils.TransportConfig
	logger  logging.Logger
	starter DaemonStarter
	fatal   FatalFunc
	events  *registry.Registry

	// cmdMu is held for a full command round trip.
	cmdMu     sync.Mutex
	cmd       *seqpacket.Conn
	cmdClosed atomic.Bool

	notif     *seqpacket.Conn
	notifDone chan struct{}
}

// Option configures a Transport.
type Option func(*Transport)

// WithStarter overrides the supervisor used to start the daemon.
func WithStarter(s DaemonStarter) Option {
	return func(t *Transport) {
		t.starter = s
	}
}

// WithFatalFunc replaces the process exit on desync. Should only be used for
// testing; the transport is unusable after it is called.
func WithFatalFunc(f FatalFunc) Option {
	return func(t *Transport) {
		t.fatal = f
	}
}

// WithRegistry sets the registry notifications are dispatched through.
func WithRegistry(r *registry.Registry) Option {
	return func(t *Transport) {
		t.events = r
	}
}

// NewTransport returns an unconnected transport.
func NewTransport(cfg utils.TransportConfig, logger logging.Logger, opts ...Option) *Transport {
	t := &Transport{
		cfg:    cfg,
		logger: logger,
		events: registry.New(),
	}
	t.fatal = func(err error) {
		t.logger.Fatal(err)
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.starter == nil {
		t.starter = systemd.NewStarter(logger.Sublogger("starter"), cfg.DaemonStarter)
	}
	return t
}

// Events returns the registry notifications are routed through.
func (t *Transport) Events() *registry.Registry {
	return t.events
}

// Init connects both channels and starts the notification receiver. On error
// nothing is left open.
func (t *Transport) Init(ctx context.Context) error {
	if t.cmd != nil {
		return errors.New("transport already initialized")
	}
	cmd, notif, err := t.establish(ctx)
	if err != nil {
		return err
	}
	t.cmd = cmd
	t.cmdClosed.Store(false)
	t.notif = notif
	t.notifDone = make(chan struct{})
	go t.receiveNotifications(notif, t.notifDone)
	t.logger.Info("daemon connected")
	return nil
}

// Cleanup closes the command channel, then half-closes the notification
// channel and waits for the receiver to exit. It waits for any in-flight
// command first.
func (t *Transport) Cleanup() {
	t.cmdMu.Lock()
	if t.cmd != nil {
		t.cmdClosed.Store(true)
		if err := t.cmd.Close(); err != nil {
			t.logger.Warn(err)
		}
		t.cmd = nil
	}
	t.cmdMu.Unlock()

	if t.notif == nil {
		return
	}
	// the receiver may already be gone after a fatal error
	//nolint:errcheck
	t.notif.ShutdownRead()
	<-t.notifDone
	//nolint:errcheck
	t.notif.Close()
	t.notif = nil
}

// Execute sends one command and waits for its response. Concurrent callers
// are serialized. An ERROR response is reported through Response.Status with
// a nil error; framing problems are fatal.
func (t *Transport) Execute(service, opcode uint8, req []byte, wantFD bool) (Response, error) {
	buf := make([]byte, t.format().MTU)
	msg, fd, err := t.roundTrip(service, opcode, req, buf)
	if err != nil {
		return Response{}, err
	}
	return t.response(msg, fd, wantFD), nil
}

// Command is Execute for callers that only need the status. The response must
// fit a status byte, like an ERROR would; anything longer is a desync.
func (t *Transport) Command(service, opcode uint8, req []byte) (wire.Status, error) {
	buf := make([]byte, t.format().HeaderSize()+1)
	msg, fd, err := t.roundTrip(service, opcode, req, buf)
	if err != nil {
		return 0, err
	}
	return t.response(msg, fd, false).Status, nil
}

func (t *Transport) format() wire.Format {
	return wire.HAL
}

func (t *Transport) response(msg wire.Message, fd int, wantFD bool) Response {
	if msg.Opcode == wire.OpError {
		closeFD(fd)
		return Response{Status: wire.Status(msg.Payload[0])}
	}
	rsp := Response{Status: wire.StatusSuccess, Payload: msg.Payload}
	if wantFD {
		if fd >= 0 {
			rsp.File = os.NewFile(uintptr(fd), "hal-response")
		}
	} else {
		closeFD(fd)
	}
	return rsp
}

func (t *Transport) roundTrip(service, opcode uint8, req, buf []byte) (wire.Message, int, error) {
	f := t.format()
	hdr, err := f.EncodeHeader(service, opcode, 0, len(req))
	if err != nil {
		return wire.Message{}, -1, err
	}

	t.cmdMu.Lock()
	defer t.cmdMu.Unlock()
	if t.cmd == nil {
		return wire.Message{}, -1, t.fail(wire.Desync("execute", ErrNotConnected))
	}

	if err := t.cmd.Send([][]byte{hdr, req}, -1); err != nil {
		return wire.Message{}, -1, t.fail(wire.Desync("sending command", err))
	}

	n, fd, err := t.cmd.Recv(buf)
	if err != nil {
		return wire.Message{}, -1, t.fail(wire.Desync("receiving response", err))
	}
	if n == 0 {
		return wire.Message{}, -1, t.fail(wire.Desync("receiving response", wire.ErrDisconnected))
	}
	msg, err := f.Decode(buf[:n])
	if err == nil {
		err = checkResponse(msg, opcode)
	}
	if err != nil {
		closeFD(fd)
		return wire.Message{}, -1, t.fail(wire.Desync("receiving response", err))
	}
	return msg, fd, nil
}

func checkResponse(msg wire.Message, opcode uint8) error {
	switch msg.Opcode {
	case opcode:
		return nil
	case wire.OpError:
		// the status is the first byte; anything after it is ignored
		if len(msg.Payload) == 0 {
			return errors.Wrap(wire.ErrMissingStatus, "empty ERROR response")
		}
		return nil
	default:
		return errors.Wrapf(wire.ErrUnexpectedOpcode, "response opcode 0x%02x to command 0x%02x", msg.Opcode, opcode)
	}
}

// fail hands err to the fatal sink and returns it for callers that survive.
func (t *Transport) fail(err error) error {
	t.fatal(err)
	return err
}

func closeFD(fd int) {
	if fd >= 0 {
		//nolint:errcheck
		os.NewFile(uintptr(fd), "").Close()
	}
}
