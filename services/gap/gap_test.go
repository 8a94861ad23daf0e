package gap

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/viamrobotics/btipc/internal/btptest"
	"github.com/viamrobotics/btipc/services/registry"
	"github.com/viamrobotics/btipc/wire"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

type fakeBackend struct {
	mu          sync.Mutex
	controllers []Controller
	err         error
	calls       []string
	listener    Listener
	agent       bool
}

func (f *fakeBackend) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeBackend) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBackend) Controllers(ctx context.Context) ([]Controller, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Controller(nil), f.controllers...), nil
}

func (f *fakeBackend) SetSetting(ctx context.Context, index uint8, setting uint32, on bool) error {
	return f.record("set")
}

func (f *fakeBackend) Reset(ctx context.Context, index uint8) error {
	return f.record("reset")
}

func (f *fakeBackend) StartDiscovery(ctx context.Context, index, flags uint8) error {
	return f.record("start")
}

func (f *fakeBackend) StopDiscovery(ctx context.Context, index uint8) error {
	return f.record("stop")
}

func (f *fakeBackend) Connect(ctx context.Context, index uint8, addr Address) error {
	return f.record("connect " + addr.String())
}

func (f *fakeBackend) Disconnect(ctx context.Context, index uint8, addr Address) error {
	return f.record("disconnect " + addr.String())
}

func (f *fakeBackend) RegisterAgent(ctx context.Context) error {
	if err := f.record("register agent"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agent = true
	return nil
}

func (f *fakeBackend) UnregisterAgent(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agent = false
	return nil
}

func (f *fakeBackend) Watch(l Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = l
}

func (f *fakeBackend) Close() error {
	return nil
}

func (f *fakeBackend) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

var testAddr = Address{Type: AddrPublic, Addr: [6]byte{0x66, 0x55, 0x44, 0x33, 0x22, 0x11}}

func newTestService(t *testing.T) (*Service, *fakeBackend, *btptest.Recorder) {
	t.Helper()
	backend := &fakeBackend{controllers: []Controller{{
		Index:     0,
		Address:   testAddr,
		Name:      "tester",
		Supported: SettingPowered | SettingConnectable | SettingDiscoverable | SettingBondable | SettingLE,
		Current:   SettingConnectable | SettingLE,
	}}}
	rec := btptest.NewRecorder()
	s := New(rec, backend, logging.NewTestLogger(t))
	test.That(t, s.Setup(context.Background()), test.ShouldBeNil)
	return s, backend, rec
}

func handle(t *testing.T, s *Service, opcode, index uint8, payload ...byte) {
	t.Helper()
	h, ok := s.Handlers()[opcode]
	test.That(t, ok, test.ShouldBeTrue)
	h.Handle(registry.Request{Service: wire.BTPServiceGAP, Opcode: opcode, Index: index, Payload: payload})
}

func settings(p []byte) uint32 {
	return binary.LittleEndian.Uint32(p)
}

func TestSetupAndTeardown(t *testing.T) {
	s, backend, _ := newTestService(t)
	test.That(t, backend.agent, test.ShouldBeTrue)
	test.That(t, backend.listener, test.ShouldEqual, s)

	// learn about controller 0
	handle(t, s, OpReadControllerInfo, 0)

	test.That(t, s.Teardown(context.Background()), test.ShouldBeNil)
	test.That(t, backend.agent, test.ShouldBeFalse)
	test.That(t, backend.listener, test.ShouldBeNil)
	test.That(t, backend.Calls(), test.ShouldContain, "stop")
}

func TestSetupAgentFails(t *testing.T) {
	backend := &fakeBackend{err: errors.New("no bluetoothd")}
	s := New(btptest.NewRecorder(), backend, logging.NewTestLogger(t))
	err := s.Setup(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no bluetoothd")
	test.That(t, backend.listener, test.ShouldBeNil)
}

func TestReadSupportedCommands(t *testing.T) {
	s, _, rec := newTestService(t)
	handle(t, s, OpReadSupportedCommands, wire.IndexNone)
	payload := rec.ExpectReply(t, wire.BTPServiceGAP, OpReadSupportedCommands, wire.IndexNone)
	// opcodes 1-6, 8, 9 and 12-15
	test.That(t, payload, test.ShouldResemble, []byte{0x7e, 0xf3})

	handle(t, s, OpReadSupportedCommands, 0)
	rec.ExpectError(t, wire.BTPServiceGAP, 0, wire.BTPStatusInvalidIndex)
}

func TestReadControllerIndexList(t *testing.T) {
	s, backend, rec := newTestService(t)
	backend.controllers = append(backend.controllers, Controller{Index: 3, Address: testAddr})

	handle(t, s, OpReadControllerIndexList, wire.IndexNone)
	payload := rec.ExpectReply(t, wire.BTPServiceGAP, OpReadControllerIndexList, wire.IndexNone)
	test.That(t, payload, test.ShouldResemble, []byte{2, 0, 3})

	handle(t, s, OpReadControllerIndexList, 0)
	rec.ExpectError(t, wire.BTPServiceGAP, 0, wire.BTPStatusInvalidIndex)
}

func TestReadControllerInfo(t *testing.T) {
	s, _, rec := newTestService(t)
	handle(t, s, OpReadControllerInfo, 0)
	payload := rec.ExpectReply(t, wire.BTPServiceGAP, OpReadControllerInfo, 0)
	test.That(t, payload, test.ShouldHaveLength, 6+4+4+3+249+11)
	test.That(t, payload[:6], test.ShouldResemble, testAddr.Addr[:])
	test.That(t, settings(payload[6:10]), test.ShouldEqual,
		SettingPowered|SettingConnectable|SettingDiscoverable|SettingBondable|SettingLE)
	test.That(t, settings(payload[10:14]), test.ShouldEqual, SettingConnectable|SettingLE)
	test.That(t, string(payload[17:23]), test.ShouldEqual, "tester")
	test.That(t, payload[23], test.ShouldEqual, byte(0))

	for _, idx := range []uint8{1, wire.IndexNone} {
		handle(t, s, OpReadControllerInfo, idx)
		rec.ExpectError(t, wire.BTPServiceGAP, idx, wire.BTPStatusInvalidIndex)
	}
}

func TestSetSettings(t *testing.T) {
	s, backend, rec := newTestService(t)

	handle(t, s, OpSetPowered, 0, 1)
	ev := rec.ExpectReply(t, wire.BTPServiceGAP, EvNewSettings, 0)
	test.That(t, settings(ev), test.ShouldEqual, SettingPowered|SettingConnectable|SettingLE)
	payload := rec.ExpectReply(t, wire.BTPServiceGAP, OpSetPowered, 0)
	test.That(t, settings(payload), test.ShouldEqual, SettingPowered|SettingConnectable|SettingLE)

	// no change, no event
	handle(t, s, OpSetPowered, 0, 1)
	payload = rec.ExpectReply(t, wire.BTPServiceGAP, OpSetPowered, 0)
	test.That(t, settings(payload), test.ShouldEqual, SettingPowered|SettingConnectable|SettingLE)

	handle(t, s, OpSetConnectable, 0, 0)
	rec.ExpectReply(t, wire.BTPServiceGAP, EvNewSettings, 0)
	payload = rec.ExpectReply(t, wire.BTPServiceGAP, OpSetConnectable, 0)
	test.That(t, settings(payload), test.ShouldEqual, SettingPowered|SettingLE)

	handle(t, s, OpSetDiscoverable, 0, 1)
	rec.ExpectReply(t, wire.BTPServiceGAP, EvNewSettings, 0)
	payload = rec.ExpectReply(t, wire.BTPServiceGAP, OpSetDiscoverable, 0)
	test.That(t, settings(payload)&SettingDiscoverable, test.ShouldNotEqual, 0)

	handle(t, s, OpSetBondable, 0, 1)
	rec.ExpectReply(t, wire.BTPServiceGAP, EvNewSettings, 0)
	payload = rec.ExpectReply(t, wire.BTPServiceGAP, OpSetBondable, 0)
	test.That(t, settings(payload)&SettingBondable, test.ShouldNotEqual, 0)

	// the tracked settings survive a controller refresh
	handle(t, s, OpReadControllerIndexList, wire.IndexNone)
	rec.Next(t)
	handle(t, s, OpReadControllerInfo, 0)
	payload = rec.ExpectReply(t, wire.BTPServiceGAP, OpReadControllerInfo, 0)
	test.That(t, settings(payload[10:14]), test.ShouldEqual,
		SettingPowered|SettingDiscoverable|SettingBondable|SettingLE)

	t.Run("errors", func(t *testing.T) {
		handle(t, s, OpSetPowered, 0)
		rec.ExpectError(t, wire.BTPServiceGAP, 0, wire.BTPStatusFail)

		handle(t, s, OpSetPowered, 7, 1)
		rec.ExpectError(t, wire.BTPServiceGAP, 7, wire.BTPStatusInvalidIndex)

		backend.setErr(errors.New("rejected"))
		handle(t, s, OpSetPowered, 0, 0)
		rec.ExpectError(t, wire.BTPServiceGAP, 0, wire.BTPStatusFail)
		backend.setErr(nil)
	})
}

func TestReset(t *testing.T) {
	s, backend, rec := newTestService(t)
	handle(t, s, OpSetPowered, 0, 1)
	rec.Next(t)
	rec.Next(t)

	handle(t, s, OpReset, 0)
	ev := rec.ExpectReply(t, wire.BTPServiceGAP, EvNewSettings, 0)
	test.That(t, settings(ev), test.ShouldEqual, SettingConnectable|SettingLE)
	payload := rec.ExpectReply(t, wire.BTPServiceGAP, OpReset, 0)
	test.That(t, settings(payload), test.ShouldEqual, SettingConnectable|SettingLE)

	backend.setErr(errors.New("not powered"))
	handle(t, s, OpReset, 0)
	rec.ExpectError(t, wire.BTPServiceGAP, 0, wire.BTPStatusFail)
}

func TestDiscovery(t *testing.T) {
	s, backend, rec := newTestService(t)

	handle(t, s, OpStartDiscovery, 0, DiscoveryLE)
	payload := rec.ExpectReply(t, wire.BTPServiceGAP, OpStartDiscovery, 0)
	test.That(t, payload, test.ShouldBeEmpty)

	backend.listener.DeviceFound(0, Device{Address: testAddr, RSSI: -40, HasRSSI: true, EIR: nameEIR("hr")})
	ev := rec.ExpectReply(t, wire.BTPServiceGAP, EvDeviceFound, 0)
	test.That(t, ev, test.ShouldResemble, []byte{
		AddrPublic, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11,
		byte(0xd8), FoundRSSI | FoundAD | FoundSR,
		4, 0,
		3, 0x09, 'h', 'r',
	})

	handle(t, s, OpStopDiscovery, 0)
	rec.ExpectReply(t, wire.BTPServiceGAP, OpStopDiscovery, 0)
	test.That(t, backend.Calls(), test.ShouldResemble, []string{"register agent", "start", "stop"})

	handle(t, s, OpStartDiscovery, 0)
	rec.ExpectError(t, wire.BTPServiceGAP, 0, wire.BTPStatusFail)
	handle(t, s, OpStopDiscovery, 2)
	rec.ExpectError(t, wire.BTPServiceGAP, 2, wire.BTPStatusInvalidIndex)

	backend.setErr(errors.New("busy"))
	handle(t, s, OpStartDiscovery, 0, DiscoveryLE)
	rec.ExpectError(t, wire.BTPServiceGAP, 0, wire.BTPStatusFail)
}

func TestConnect(t *testing.T) {
	s, backend, rec := newTestService(t)
	raw := append([]byte{AddrPublic}, testAddr.Addr[:]...)

	handle(t, s, OpConnect, 0, raw...)
	rec.ExpectReply(t, wire.BTPServiceGAP, OpConnect, 0)
	handle(t, s, OpDisconnect, 0, raw...)
	rec.ExpectReply(t, wire.BTPServiceGAP, OpDisconnect, 0)
	test.That(t, backend.Calls(), test.ShouldResemble, []string{
		"register agent",
		"connect 11:22:33:44:55:66",
		"disconnect 11:22:33:44:55:66",
	})

	backend.listener.ConnectionChanged(0, testAddr, true)
	ev := rec.ExpectReply(t, wire.BTPServiceGAP, EvDeviceConnected, 0)
	test.That(t, ev, test.ShouldResemble, raw)
	backend.listener.ConnectionChanged(0, testAddr, false)
	ev = rec.ExpectReply(t, wire.BTPServiceGAP, EvDeviceDisconnected, 0)
	test.That(t, ev, test.ShouldResemble, raw)

	handle(t, s, OpConnect, 0, raw[:6]...)
	rec.ExpectError(t, wire.BTPServiceGAP, 0, wire.BTPStatusFail)
	handle(t, s, OpConnect, 1, raw...)
	rec.ExpectError(t, wire.BTPServiceGAP, 1, wire.BTPStatusInvalidIndex)

	backend.setErr(errors.New("page timeout"))
	handle(t, s, OpDisconnect, 0, raw...)
	rec.ExpectError(t, wire.BTPServiceGAP, 0, wire.BTPStatusFail)
}
