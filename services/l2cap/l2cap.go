// Package l2cap implements the BTP L2CAP service: outgoing and incoming
// connection-oriented channels, data transfer and MTU reconfiguration.
package l2cap

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"

	errw "github.com/pkg/errors"
	"github.com/viamrobotics/btipc/btp"
	"github.com/viamrobotics/btipc/services/gap"
	"github.com/viamrobotics/btipc/services/registry"
	"github.com/viamrobotics/btipc/wire"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

// Commands.
const (
	OpReadSupportedCommands uint8 = 0x01
	OpConnect               uint8 = 0x02
	OpDisconnect            uint8 = 0x03
	OpSendData              uint8 = 0x04
	OpListen                uint8 = 0x05
	OpReconfigureRequest    uint8 = 0x07
)

// Events.
const (
	EvConnected    uint8 = 0x81
	EvDisconnected uint8 = 0x82
	EvDataReceived uint8 = 0x83
)

// Transports of LISTEN.
const (
	TransportBREDR uint8 = 0x01
	TransportLE    uint8 = 0x02
)

const (
	defaultCommandTimeout = 30 * time.Second
	// recvBufferSize fits the largest L2CAP SDU.
	recvBufferSize = 65535
)

// maxEventData is what fits in DATA_RECEIVED after chan_id and data_len.
var maxEventData = wire.BTP.MaxPayload() - 3

// Channel is one connected L2CAP channel.
type Channel interface {
	// Recv reads one SDU. It returns io.EOF once the peer disconnects.
	Recv(ctx context.Context, buf []byte) (int, error)
	Send(ctx context.Context, p []byte) error
	// SendMTU is the largest SDU the peer accepts, or 0 if unknown.
	SendMTU() int
	Reconfigure(mtu uint16) error
	Peer() gap.Address
	Close() error
}

// Listener accepts incoming channels on one PSM.
type Listener interface {
	Accept(ctx context.Context) (Channel, error)
	Close() error
}

// Backend opens channels.
type Backend interface {
	// Connect opens a channel to psm on addr. A non-zero mtu sets the
	// receive MTU before connecting.
	Connect(ctx context.Context, addr gap.Address, psm, mtu uint16) (Channel, error)
	Listen(psm uint16, transport uint8) (Listener, error)
}

type channel struct {
	id     uint8
	index  uint8
	ch     Channel
	cancel context.CancelFunc
	// started is closed once CONNECTED has gone out.
	started chan struct{}
	done    chan struct{}
}

type listener struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Service is the L2CAP feature.
type Service struct {
	sender  btp.Sender
	backend Backend
	logger  logging.Logger
	timeout time.Duration

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	channels  map[uint8]*channel
	listeners map[uint16]*listener
	nextID    uint8
	workers   sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithCommandTimeout bounds connection setup.
func WithCommandTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.timeout = d
	}
}

func New(sender btp.Sender, backend Backend, logger logging.Logger, opts ...Option) *Service {
	s := &Service{
		sender:    sender,
		backend:   backend,
		logger:    logger,
		timeout:   defaultCommandTimeout,
		channels:  map[uint8]*channel{},
		listeners: map[uint16]*listener{},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Service() uint8 {
	return wire.BTPServiceL2CAP
}

func (s *Service) Handlers() map[uint8]registry.Handler {
	return map[uint8]registry.Handler{
		OpReadSupportedCommands: registry.HandlerFunc(s.readCommands),
		OpConnect:               registry.HandlerFunc(s.connect),
		OpDisconnect:            registry.HandlerFunc(s.disconnect),
		OpSendData:              registry.HandlerFunc(s.sendData),
		OpListen:                registry.HandlerFunc(s.listen),
		OpReconfigureRequest:    registry.HandlerFunc(s.reconfigure),
	}
}

func (s *Service) Setup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	return nil
}

// Teardown closes every channel and listener. DISCONNECTED is still sent for
// open channels.
func (s *Service) Teardown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errw.Wrap(ctx.Err(), "waiting for l2cap channels to close")
	}
}

// Channels returns the ids of the open channels.
func (s *Service) Channels() []uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint8, 0, len(s.channels))
	for id := range s.channels {
		ids = append(ids, id)
	}
	return ids
}

func (s *Service) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// register allocates an id for ch. The channel is not served until start.
func (s *Service) register(index uint8, ch Channel) (*channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return nil, errors.New("l2cap service is stopped")
	}
	if len(s.channels) > 0xff {
		return nil, errors.New("no free l2cap channel ids")
	}
	for {
		if _, used := s.channels[s.nextID]; !used {
			break
		}
		s.nextID++
	}
	ctx, cancel := context.WithCancel(s.ctx)
	c := &channel{
		id:      s.nextID,
		index:   index,
		ch:      ch,
		cancel:  cancel,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.nextID++
	s.channels[c.id] = c
	s.workers.Add(1)
	goutils.PanicCapturingGo(func() {
		<-c.started
		defer s.workers.Done()
		s.receive(ctx, c)
	})
	return c, nil
}

// start announces c with CONNECTED and begins forwarding its data.
func (s *Service) start(c *channel) {
	peer := c.ch.Peer()
	s.logger.Infow("l2cap channel connected", "chan_id", c.id, "peer", peer.String())
	payload := append([]byte{c.id, peer.Type}, peer.Addr[:]...)
	s.event(EvConnected, c.index, payload)
	close(c.started)
}

// receive forwards data until the channel closes. It owns closing ch.
func (s *Service) receive(ctx context.Context, c *channel) {
	defer close(c.done)
	buf := make([]byte, recvBufferSize)
	for {
		n, err := c.ch.Recv(ctx, buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				s.logger.Warn(errw.Wrapf(err, "reading l2cap channel %d", c.id))
			}
			break
		}
		if n == 0 {
			break
		}
		for data := buf[:n]; len(data) > 0; {
			chunk := data[:min(len(data), maxEventData)]
			data = data[len(chunk):]
			payload := binary.LittleEndian.AppendUint16([]byte{c.id}, uint16(len(chunk)))
			s.event(EvDataReceived, c.index, append(payload, chunk...))
		}
	}

	s.mu.Lock()
	delete(s.channels, c.id)
	s.mu.Unlock()
	c.cancel()
	if err := c.ch.Close(); err != nil {
		s.logger.Debug(err)
	}
	s.logger.Infow("l2cap channel disconnected", "chan_id", c.id)
	s.event(EvDisconnected, c.index, []byte{c.id})
}

func (s *Service) open() []*channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*channel, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, c)
	}
	return out
}

func (s *Service) readCommands(req registry.Request) {
	if req.Index != wire.IndexNone {
		s.fail(req.Index, wire.BTPStatusInvalidIndex)
		return
	}
	var ops []uint8
	for op := range s.Handlers() {
		ops = append(ops, op)
	}
	mask := registry.Mask(ops)
	if len(mask) < 2 {
		mask = append(mask, 0)
	}
	s.reply(OpReadSupportedCommands, wire.IndexNone, mask)
}

// connect payload: addr_type, addr[6], psm u16, mtu u16.
func (s *Service) connect(req registry.Request) {
	if len(req.Payload) < 11 {
		s.fail(req.Index, wire.BTPStatusFail)
		return
	}
	addr := gap.Address{Type: req.Payload[0]}
	copy(addr.Addr[:], req.Payload[1:7])
	psm := binary.LittleEndian.Uint16(req.Payload[7:9])
	mtu := binary.LittleEndian.Uint16(req.Payload[9:11])
	if psm == 0 {
		s.fail(req.Index, wire.BTPStatusFail)
		return
	}

	ctx, cancel := context.WithTimeout(s.context(), s.timeout)
	defer cancel()
	ch, err := s.backend.Connect(ctx, addr, psm, mtu)
	if err != nil {
		s.logger.Warn(errw.Wrapf(err, "connecting to %s psm 0x%04x", addr, psm))
		s.fail(req.Index, wire.BTPStatusFail)
		return
	}
	c, err := s.register(req.Index, ch)
	if err != nil {
		s.logger.Warn(err)
		//nolint:errcheck
		ch.Close()
		s.fail(req.Index, wire.BTPStatusFail)
		return
	}
	s.reply(OpConnect, req.Index, []byte{c.id})
	s.start(c)
}

// disconnect closes the channel named by the optional chan_id, or all of
// them.
func (s *Service) disconnect(req registry.Request) {
	chans := s.open()
	if len(req.Payload) > 0 {
		chans = channelByID(chans, req.Payload[0])
	}
	if len(chans) == 0 {
		s.fail(req.Index, wire.BTPStatusFail)
		return
	}
	for _, c := range chans {
		c.cancel()
		<-c.done
	}
	s.reply(OpDisconnect, req.Index, nil)
}

func channelByID(chans []*channel, id uint8) []*channel {
	for _, c := range chans {
		if c.id == id {
			return []*channel{c}
		}
	}
	return nil
}

// sendData payload: data_len u16, data. The data goes to every open channel.
func (s *Service) sendData(req registry.Request) {
	if len(req.Payload) < 2 || int(binary.LittleEndian.Uint16(req.Payload)) != len(req.Payload)-2 {
		s.fail(req.Index, wire.BTPStatusFail)
		return
	}
	data := req.Payload[2:]
	chans := s.open()
	if len(chans) == 0 {
		s.fail(req.Index, wire.BTPStatusFail)
		return
	}
	ctx, cancel := context.WithTimeout(s.context(), s.timeout)
	defer cancel()
	for _, c := range chans {
		if err := send(ctx, c.ch, data); err != nil {
			s.logger.Warn(errw.Wrapf(err, "sending on l2cap channel %d", c.id))
			s.fail(req.Index, wire.BTPStatusFail)
			return
		}
	}
	s.reply(OpSendData, req.Index, nil)
}

// send splits data into SDUs the peer accepts.
func send(ctx context.Context, ch Channel, data []byte) error {
	mtu := ch.SendMTU()
	if mtu <= 0 {
		mtu = len(data)
	}
	for {
		chunk := data[:min(len(data), mtu)]
		if err := ch.Send(ctx, chunk); err != nil {
			return err
		}
		data = data[len(chunk):]
		if len(data) == 0 {
			return nil
		}
	}
}

// listen payload: psm u16, transport u8.
func (s *Service) listen(req registry.Request) {
	if len(req.Payload) < 3 {
		s.fail(req.Index, wire.BTPStatusFail)
		return
	}
	psm := binary.LittleEndian.Uint16(req.Payload)
	transport := req.Payload[2]

	s.mu.Lock()
	_, listening := s.listeners[psm]
	s.mu.Unlock()
	if listening {
		s.logger.Warnf("already listening on psm 0x%04x", psm)
		s.fail(req.Index, wire.BTPStatusFail)
		return
	}

	l, err := s.backend.Listen(psm, transport)
	if err != nil {
		s.logger.Warn(errw.Wrapf(err, "listening on psm 0x%04x", psm))
		s.fail(req.Index, wire.BTPStatusFail)
		return
	}

	s.mu.Lock()
	ctx, cancel := context.WithCancel(s.ctx)
	ln := &listener{cancel: cancel, done: make(chan struct{})}
	s.listeners[psm] = ln
	s.workers.Add(1)
	s.mu.Unlock()

	s.logger.Infof("listening for l2cap channels on psm 0x%04x", psm)
	goutils.PanicCapturingGo(func() {
		defer s.workers.Done()
		s.accept(ctx, req.Index, psm, l, ln)
	})
	s.reply(OpListen, req.Index, nil)
}

func (s *Service) accept(ctx context.Context, index uint8, psm uint16, l Listener, ln *listener) {
	defer close(ln.done)
	defer func() {
		s.mu.Lock()
		delete(s.listeners, psm)
		s.mu.Unlock()
		ln.cancel()
		if err := l.Close(); err != nil {
			s.logger.Debug(err)
		}
	}()
	for {
		ch, err := l.Accept(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Warn(errw.Wrapf(err, "accepting on psm 0x%04x", psm))
			}
			return
		}
		c, err := s.register(index, ch)
		if err != nil {
			s.logger.Warn(err)
			//nolint:errcheck
			ch.Close()
			continue
		}
		s.start(c)
	}
}

// reconfigure payload: mtu u16, applied to every open channel.
func (s *Service) reconfigure(req registry.Request) {
	if len(req.Payload) < 2 {
		s.fail(req.Index, wire.BTPStatusFail)
		return
	}
	mtu := binary.LittleEndian.Uint16(req.Payload)
	chans := s.open()
	if len(chans) == 0 {
		s.fail(req.Index, wire.BTPStatusFail)
		return
	}
	for _, c := range chans {
		if err := c.ch.Reconfigure(mtu); err != nil {
			s.logger.Warn(errw.Wrapf(err, "reconfiguring l2cap channel %d", c.id))
			s.fail(req.Index, wire.BTPStatusFail)
			return
		}
	}
	s.reply(OpReconfigureRequest, req.Index, nil)
}

func (s *Service) reply(opcode, index uint8, payload []byte) {
	if err := s.sender.Send(wire.BTPServiceL2CAP, opcode, index, payload); err != nil {
		s.logger.Warn(err)
	}
}

func (s *Service) event(opcode, index uint8, payload []byte) {
	if err := s.sender.Send(wire.BTPServiceL2CAP, opcode, index, payload); err != nil {
		s.logger.Debug(err)
	}
}

func (s *Service) fail(index, status uint8) {
	if err := s.sender.SendError(wire.BTPServiceL2CAP, index, status); err != nil {
		s.logger.Warn(err)
	}
}
