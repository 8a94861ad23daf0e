package l2cap

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/viamrobotics/btipc/internal/btptest"
	"github.com/viamrobotics/btipc/services/gap"
	"github.com/viamrobotics/btipc/services/registry"
	"github.com/viamrobotics/btipc/wire"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

type fakeChannel struct {
	peer gap.Address
	in   chan []byte
	mtu  int

	mu       sync.Mutex
	sent     [][]byte
	sendErr  error
	reconfig []uint16
	closed   bool
}

func newFakeChannel(peer gap.Address) *fakeChannel {
	return &fakeChannel{peer: peer, in: make(chan []byte, 8)}
}

func (c *fakeChannel) Recv(ctx context.Context, buf []byte) (int, error) {
	select {
	case p, ok := <-c.in:
		if !ok {
			return 0, io.EOF
		}
		return copy(buf, p), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (c *fakeChannel) Send(ctx context.Context, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), p...))
	return nil
}

func (c *fakeChannel) SendMTU() int {
	return c.mtu
}

func (c *fakeChannel) Reconfigure(mtu uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.reconfig = append(c.reconfig, mtu)
	return nil
}

func (c *fakeChannel) Peer() gap.Address {
	return c.peer
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeListener struct {
	accepted chan Channel
	closed   chan struct{}
}

func (l *fakeListener) Accept(ctx context.Context) (Channel, error) {
	select {
	case ch := <-l.accepted:
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeListener) Close() error {
	close(l.closed)
	return nil
}

type connectCall struct {
	addr     gap.Address
	psm, mtu uint16
}

type fakeBackend struct {
	mu        sync.Mutex
	next      []*fakeChannel
	err       error
	connects  []connectCall
	listeners map[uint16]*fakeListener
}

func (b *fakeBackend) Connect(ctx context.Context, addr gap.Address, psm, mtu uint16) (Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects = append(b.connects, connectCall{addr, psm, mtu})
	if b.err != nil {
		return nil, b.err
	}
	ch := newFakeChannel(addr)
	b.next = append(b.next, ch)
	return ch, nil
}

func (b *fakeBackend) Listen(psm uint16, transport uint8) (Listener, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	l := &fakeListener{accepted: make(chan Channel, 1), closed: make(chan struct{})}
	if b.listeners == nil {
		b.listeners = map[uint16]*fakeListener{}
	}
	b.listeners[psm] = l
	return l, nil
}

func (b *fakeBackend) channel(i int) *fakeChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next[i]
}

var testPeer = gap.Address{Type: gap.AddrRandom, Addr: [6]byte{0x66, 0x55, 0x44, 0x33, 0x22, 0x11}}

func newTestService(t *testing.T) (*Service, *fakeBackend, *btptest.Recorder) {
	t.Helper()
	backend := &fakeBackend{}
	rec := btptest.NewRecorder()
	s := New(rec, backend, logging.NewTestLogger(t))
	test.That(t, s.Setup(context.Background()), test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, s.Teardown(context.Background()), test.ShouldBeNil)
	})
	return s, backend, rec
}

func handle(t *testing.T, s *Service, opcode, index uint8, payload ...byte) {
	t.Helper()
	h, ok := s.Handlers()[opcode]
	test.That(t, ok, test.ShouldBeTrue)
	h.Handle(registry.Request{Service: wire.BTPServiceL2CAP, Opcode: opcode, Index: index, Payload: payload})
}

func connectPayload(addr gap.Address, psm, mtu uint16) []byte {
	p := append([]byte{addr.Type}, addr.Addr[:]...)
	p = binary.LittleEndian.AppendUint16(p, psm)
	return binary.LittleEndian.AppendUint16(p, mtu)
}

// connectChannel opens a channel and consumes the reply and CONNECTED.
func connectChannel(t *testing.T, s *Service, rec *btptest.Recorder) uint8 {
	t.Helper()
	handle(t, s, OpConnect, 0, connectPayload(testPeer, 0x80, 0)...)
	reply := rec.ExpectReply(t, wire.BTPServiceL2CAP, OpConnect, 0)
	test.That(t, reply, test.ShouldHaveLength, 1)
	ev := rec.ExpectReply(t, wire.BTPServiceL2CAP, EvConnected, 0)
	test.That(t, ev[0], test.ShouldEqual, reply[0])
	return reply[0]
}

func TestReadSupportedCommands(t *testing.T) {
	s, _, rec := newTestService(t)
	handle(t, s, OpReadSupportedCommands, wire.IndexNone)
	payload := rec.ExpectReply(t, wire.BTPServiceL2CAP, OpReadSupportedCommands, wire.IndexNone)
	// opcodes 1-5 and 7
	test.That(t, payload, test.ShouldResemble, []byte{0xbe, 0x00})

	handle(t, s, OpReadSupportedCommands, 0)
	rec.ExpectError(t, wire.BTPServiceL2CAP, 0, wire.BTPStatusInvalidIndex)
}

func TestConnect(t *testing.T) {
	s, backend, rec := newTestService(t)

	handle(t, s, OpConnect, 0, connectPayload(testPeer, 0x0080, 512)...)
	reply := rec.ExpectReply(t, wire.BTPServiceL2CAP, OpConnect, 0)
	test.That(t, reply, test.ShouldResemble, []byte{0})
	ev := rec.ExpectReply(t, wire.BTPServiceL2CAP, EvConnected, 0)
	test.That(t, ev, test.ShouldResemble, []byte{0, gap.AddrRandom, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11})

	test.That(t, backend.connects, test.ShouldHaveLength, 1)
	test.That(t, backend.connects[0], test.ShouldResemble, connectCall{testPeer, 0x80, 512})
	test.That(t, s.Channels(), test.ShouldResemble, []uint8{0})

	ch := backend.channel(0)
	ch.in <- []byte("hello")
	data := rec.ExpectReply(t, wire.BTPServiceL2CAP, EvDataReceived, 0)
	test.That(t, data, test.ShouldResemble, append([]byte{0, 5, 0}, "hello"...))

	// peer hangs up
	close(ch.in)
	ev = rec.ExpectReply(t, wire.BTPServiceL2CAP, EvDisconnected, 0)
	test.That(t, ev, test.ShouldResemble, []byte{0})
	test.That(t, ch.isClosed(), test.ShouldBeTrue)
	test.That(t, s.Channels(), test.ShouldBeEmpty)
}

func TestConnectFails(t *testing.T) {
	s, backend, rec := newTestService(t)

	t.Run("short payload", func(t *testing.T) {
		handle(t, s, OpConnect, 0, 1, 2, 3)
		rec.ExpectError(t, wire.BTPServiceL2CAP, 0, wire.BTPStatusFail)
	})

	t.Run("no psm", func(t *testing.T) {
		handle(t, s, OpConnect, 0, connectPayload(testPeer, 0, 0)...)
		rec.ExpectError(t, wire.BTPServiceL2CAP, 0, wire.BTPStatusFail)
	})

	t.Run("backend error", func(t *testing.T) {
		backend.err = errors.New("host is down")
		handle(t, s, OpConnect, 0, connectPayload(testPeer, 0x80, 0)...)
		rec.ExpectError(t, wire.BTPServiceL2CAP, 0, wire.BTPStatusFail)
	})
	test.That(t, s.Channels(), test.ShouldBeEmpty)
}

func TestLargeDataIsSplit(t *testing.T) {
	s, backend, rec := newTestService(t)
	connectChannel(t, s, rec)

	data := bytes.Repeat([]byte{0xaa}, 600)
	backend.channel(0).in <- data

	first := rec.ExpectReply(t, wire.BTPServiceL2CAP, EvDataReceived, 0)
	test.That(t, first[0], test.ShouldEqual, byte(0))
	test.That(t, int(binary.LittleEndian.Uint16(first[1:3])), test.ShouldEqual, maxEventData)
	test.That(t, first[3:], test.ShouldHaveLength, maxEventData)

	second := rec.ExpectReply(t, wire.BTPServiceL2CAP, EvDataReceived, 0)
	test.That(t, int(binary.LittleEndian.Uint16(second[1:3])), test.ShouldEqual, 600-maxEventData)
	test.That(t, second[3:], test.ShouldResemble, data[maxEventData:])
}

func TestSendData(t *testing.T) {
	s, backend, rec := newTestService(t)

	handle(t, s, OpSendData, 0, 2, 0, 1, 2)
	rec.ExpectError(t, wire.BTPServiceL2CAP, 0, wire.BTPStatusFail)

	connectChannel(t, s, rec)
	ch := backend.channel(0)
	ch.mtu = 3

	t.Run("length mismatch", func(t *testing.T) {
		handle(t, s, OpSendData, 0, 4, 0, 1, 2)
		rec.ExpectError(t, wire.BTPServiceL2CAP, 0, wire.BTPStatusFail)
		handle(t, s, OpSendData, 0, 1)
		rec.ExpectError(t, wire.BTPServiceL2CAP, 0, wire.BTPStatusFail)
	})

	t.Run("split by mtu", func(t *testing.T) {
		handle(t, s, OpSendData, 0, 5, 0, 1, 2, 3, 4, 5)
		rec.ExpectReply(t, wire.BTPServiceL2CAP, OpSendData, 0)
		ch.mu.Lock()
		defer ch.mu.Unlock()
		test.That(t, ch.sent, test.ShouldResemble, [][]byte{{1, 2, 3}, {4, 5}})
	})

	t.Run("write fails", func(t *testing.T) {
		ch.mu.Lock()
		ch.sendErr = errors.New("broken link")
		ch.mu.Unlock()
		handle(t, s, OpSendData, 0, 1, 0, 9)
		rec.ExpectError(t, wire.BTPServiceL2CAP, 0, wire.BTPStatusFail)
	})
}

func TestDisconnect(t *testing.T) {
	s, backend, rec := newTestService(t)

	handle(t, s, OpDisconnect, 0)
	rec.ExpectError(t, wire.BTPServiceL2CAP, 0, wire.BTPStatusFail)

	first := connectChannel(t, s, rec)
	second := connectChannel(t, s, rec)
	test.That(t, first, test.ShouldEqual, uint8(0))
	test.That(t, second, test.ShouldEqual, uint8(1))

	handle(t, s, OpDisconnect, 0, 9)
	rec.ExpectError(t, wire.BTPServiceL2CAP, 0, wire.BTPStatusFail)

	handle(t, s, OpDisconnect, 0, second)
	ev := rec.ExpectReply(t, wire.BTPServiceL2CAP, EvDisconnected, 0)
	test.That(t, ev, test.ShouldResemble, []byte{second})
	rec.ExpectReply(t, wire.BTPServiceL2CAP, OpDisconnect, 0)
	test.That(t, backend.channel(1).isClosed(), test.ShouldBeTrue)
	test.That(t, backend.channel(0).isClosed(), test.ShouldBeFalse)

	handle(t, s, OpDisconnect, 0)
	ev = rec.ExpectReply(t, wire.BTPServiceL2CAP, EvDisconnected, 0)
	test.That(t, ev, test.ShouldResemble, []byte{first})
	rec.ExpectReply(t, wire.BTPServiceL2CAP, OpDisconnect, 0)
	test.That(t, s.Channels(), test.ShouldBeEmpty)
}

func TestListen(t *testing.T) {
	backend := &fakeBackend{}
	rec := btptest.NewRecorder()
	s := New(rec, backend, logging.NewTestLogger(t))
	test.That(t, s.Setup(context.Background()), test.ShouldBeNil)

	handle(t, s, OpListen, 0, 0x80)
	rec.ExpectError(t, wire.BTPServiceL2CAP, 0, wire.BTPStatusFail)

	handle(t, s, OpListen, 0, 0x80, 0x00, TransportLE)
	rec.ExpectReply(t, wire.BTPServiceL2CAP, OpListen, 0)

	handle(t, s, OpListen, 0, 0x80, 0x00, TransportLE)
	rec.ExpectError(t, wire.BTPServiceL2CAP, 0, wire.BTPStatusFail)

	backend.mu.Lock()
	l := backend.listeners[0x80]
	backend.mu.Unlock()
	l.accepted <- newFakeChannel(testPeer)
	ev := rec.ExpectReply(t, wire.BTPServiceL2CAP, EvConnected, 0)
	test.That(t, ev, test.ShouldResemble, []byte{0, gap.AddrRandom, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11})

	test.That(t, s.Teardown(context.Background()), test.ShouldBeNil)
	ev = rec.ExpectReply(t, wire.BTPServiceL2CAP, EvDisconnected, 0)
	test.That(t, ev, test.ShouldResemble, []byte{0})
	<-l.closed
	test.That(t, s.Channels(), test.ShouldBeEmpty)

	// a fresh registration can listen on the same psm again
	test.That(t, s.Setup(context.Background()), test.ShouldBeNil)
	handle(t, s, OpListen, 0, 0x80, 0x00, TransportLE)
	rec.ExpectReply(t, wire.BTPServiceL2CAP, OpListen, 0)
	test.That(t, s.Teardown(context.Background()), test.ShouldBeNil)
}

func TestReconfigure(t *testing.T) {
	s, backend, rec := newTestService(t)

	handle(t, s, OpReconfigureRequest, 0, 0x00, 0x02)
	rec.ExpectError(t, wire.BTPServiceL2CAP, 0, wire.BTPStatusFail)

	connectChannel(t, s, rec)
	handle(t, s, OpReconfigureRequest, 0, 0x00, 0x02)
	rec.ExpectReply(t, wire.BTPServiceL2CAP, OpReconfigureRequest, 0)
	ch := backend.channel(0)
	ch.mu.Lock()
	test.That(t, ch.reconfig, test.ShouldResemble, []uint16{512})
	ch.sendErr = errors.New("not supported")
	ch.mu.Unlock()

	handle(t, s, OpReconfigureRequest, 0, 0x00, 0x02)
	rec.ExpectError(t, wire.BTPServiceL2CAP, 0, wire.BTPStatusFail)

	handle(t, s, OpReconfigureRequest, 0, 0x02)
	rec.ExpectError(t, wire.BTPServiceL2CAP, 0, wire.BTPStatusFail)
}
