// Package gap implements the BTP GAP service: controller settings, discovery
// and connection management over a pluggable Bluetooth backend.
package gap

import (
	"context"
	"slices"
	"sync"
	"time"

	errw "github.com/pkg/errors"
	"github.com/viamrobotics/btipc/btp"
	"github.com/viamrobotics/btipc/services/registry"
	"github.com/viamrobotics/btipc/wire"
	"go.viam.com/rdk/logging"
)

const defaultCommandTimeout = 30 * time.Second

// Listener receives asynchronous reports from a Backend.
type Listener interface {
	DeviceFound(index uint8, d Device)
	ConnectionChanged(index uint8, addr Address, connected bool)
}

// Backend is the Bluetooth stack the service drives.
type Backend interface {
	Controllers(ctx context.Context) ([]Controller, error)
	SetSetting(ctx context.Context, index uint8, setting uint32, on bool) error
	// Reset removes known devices and unregisters agents and advertisements.
	Reset(ctx context.Context, index uint8) error
	StartDiscovery(ctx context.Context, index, flags uint8) error
	StopDiscovery(ctx context.Context, index uint8) error
	Connect(ctx context.Context, index uint8, addr Address) error
	Disconnect(ctx context.Context, index uint8, addr Address) error
	// RegisterAgent installs the default pairing agent.
	RegisterAgent(ctx context.Context) error
	UnregisterAgent(ctx context.Context) error
	// Watch sets the listener for discovery and connection reports; nil
	// stops them.
	Watch(l Listener)
	Close() error
}

type controllerState struct {
	info     Controller
	defaults uint32
}

// Service is the GAP feature.
type Service struct {
	sender  btp.Sender
	backend Backend
	logger  logging.Logger
	timeout time.Duration

	mu          sync.Mutex
	controllers map[uint8]*controllerState
}

// Option configures a Service.
type Option func(*Service)

// WithCommandTimeout bounds each backend call made for a command.
func WithCommandTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.timeout = d
	}
}

func New(sender btp.Sender, backend Backend, logger logging.Logger, opts ...Option) *Service {
	s := &Service{
		sender:      sender,
		backend:     backend,
		logger:      logger,
		timeout:     defaultCommandTimeout,
		controllers: map[uint8]*controllerState{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Service() uint8 {
	return wire.BTPServiceGAP
}

func (s *Service) Handlers() map[uint8]registry.Handler {
	return map[uint8]registry.Handler{
		OpReadSupportedCommands:   registry.HandlerFunc(s.readCommands),
		OpReadControllerIndexList: registry.HandlerFunc(s.readIndexList),
		OpReadControllerInfo:      registry.HandlerFunc(s.readInfo),
		OpReset:                   registry.HandlerFunc(s.reset),
		OpSetPowered:              s.setSetting(OpSetPowered, SettingPowered),
		OpSetConnectable:          s.setSetting(OpSetConnectable, SettingConnectable),
		OpSetDiscoverable:         s.setSetting(OpSetDiscoverable, SettingDiscoverable),
		OpSetBondable:             s.setSetting(OpSetBondable, SettingBondable),
		OpStartDiscovery:          registry.HandlerFunc(s.startDiscovery),
		OpStopDiscovery:           registry.HandlerFunc(s.stopDiscovery),
		OpConnect:                 s.connection(OpConnect, s.backend.Connect),
		OpDisconnect:              s.connection(OpDisconnect, s.backend.Disconnect),
	}
}

// Setup registers the default pairing agent and starts listening for
// backend reports.
func (s *Service) Setup(ctx context.Context) error {
	if err := s.backend.RegisterAgent(ctx); err != nil {
		return errw.Wrap(err, "registering pairing agent")
	}
	s.mu.Lock()
	clear(s.controllers)
	s.mu.Unlock()
	s.backend.Watch(s)
	return nil
}

// Teardown stops discovery on every known controller and removes the agent.
func (s *Service) Teardown(ctx context.Context) error {
	s.backend.Watch(nil)
	s.mu.Lock()
	indexes := make([]uint8, 0, len(s.controllers))
	for idx := range s.controllers {
		indexes = append(indexes, idx)
	}
	clear(s.controllers)
	s.mu.Unlock()

	for _, idx := range indexes {
		// usually not running
		if err := s.backend.StopDiscovery(ctx, idx); err != nil {
			s.logger.Debug(err)
		}
	}
	return s.backend.UnregisterAgent(ctx)
}

// DeviceFound forwards a discovery result as a DEVICE_FOUND event.
func (s *Service) DeviceFound(index uint8, d Device) {
	s.event(EvDeviceFound, index, d.encode())
}

// ConnectionChanged forwards a link change as a DEVICE_CONNECTED or
// DEVICE_DISCONNECTED event.
func (s *Service) ConnectionChanged(index uint8, addr Address, connected bool) {
	ev := EvDeviceDisconnected
	if connected {
		ev = EvDeviceConnected
	}
	s.event(ev, index, addr.encode())
}

func (s *Service) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// refresh merges the backend's controller list into the cache. Settings the
// service tracks itself survive.
func (s *Service) refresh(ctx context.Context) error {
	list, err := s.backend.Controllers(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[uint8]bool{}
	for _, c := range list {
		seen[c.Index] = true
		if st, ok := s.controllers[c.Index]; ok {
			c.Current = st.info.Current
			st.info = c
			continue
		}
		s.controllers[c.Index] = &controllerState{info: c, defaults: c.Current}
	}
	for idx := range s.controllers {
		if !seen[idx] {
			delete(s.controllers, idx)
		}
	}
	return nil
}

// controller returns a snapshot of the controller at index, looking it up
// from the backend if it is not cached yet.
func (s *Service) controller(ctx context.Context, index uint8) (Controller, bool) {
	s.mu.Lock()
	st, ok := s.controllers[index]
	s.mu.Unlock()
	if ok {
		return st.info, true
	}
	if index == wire.IndexNone {
		return Controller{}, false
	}
	if err := s.refresh(ctx); err != nil {
		s.logger.Warn(err)
		return Controller{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok = s.controllers[index]
	if !ok {
		return Controller{}, false
	}
	return st.info, true
}

func (s *Service) updateSettings(index uint8, f func(current, defaults uint32) uint32) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.controllers[index]
	if !ok {
		return 0, false
	}
	prev := st.info.Current
	st.info.Current = f(prev, st.defaults)
	return st.info.Current, st.info.Current != prev
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

func (s *Service) readIndexList(req registry.Request) {
	if req.Index != wire.IndexNone {
		s.fail(req.Index, wire.BTPStatusInvalidIndex)
		return
	}
	ctx, cancel := s.context()
	defer cancel()
	if err := s.refresh(ctx); err != nil {
		s.logger.Warn(err)
		s.fail(req.Index, wire.BTPStatusFail)
		return
	}
	s.mu.Lock()
	indexes := make([]uint8, 0, len(s.controllers))
	for idx := range s.controllers {
		indexes = append(indexes, idx)
	}
	s.mu.Unlock()
	slices.Sort(indexes)
	s.reply(OpReadControllerIndexList, wire.IndexNone, append([]byte{byte(len(indexes))}, indexes...))
}

func (s *Service) readInfo(req registry.Request) {
	ctx, cancel := s.context()
	defer cancel()
	c, ok := s.controller(ctx, req.Index)
	if !ok {
		s.fail(req.Index, wire.BTPStatusInvalidIndex)
		return
	}
	s.reply(OpReadControllerInfo, req.Index, c.encodeInfo())
}

func (s *Service) reset(req registry.Request) {
	ctx, cancel := s.context()
	defer cancel()
	if _, ok := s.controller(ctx, req.Index); !ok {
		s.fail(req.Index, wire.BTPStatusInvalidIndex)
		return
	}
	if err := s.backend.Reset(ctx, req.Index); err != nil {
		s.logger.Warn(errw.Wrapf(err, "resetting controller %d", req.Index))
		s.fail(req.Index, wire.BTPStatusFail)
		return
	}
	settings, _ := s.updateSettings(req.Index, func(_, defaults uint32) uint32 {
		return defaults
	})
	s.event(EvNewSettings, req.Index, encodeSettings(settings))
	s.reply(OpReset, req.Index, encodeSettings(settings))
}

func (s *Service) setSetting(opcode uint8, setting uint32) registry.HandlerFunc {
	return func(req registry.Request) {
		if len(req.Payload) < 1 {
			s.fail(req.Index, wire.BTPStatusFail)
			return
		}
		ctx, cancel := s.context()
		defer cancel()
		if _, ok := s.controller(ctx, req.Index); !ok {
			s.fail(req.Index, wire.BTPStatusInvalidIndex)
			return
		}
		on := req.Payload[0] != 0
		if err := s.backend.SetSetting(ctx, req.Index, setting, on); err != nil {
			s.logger.Warn(errw.Wrapf(err, "setting 0x%x on controller %d", setting, req.Index))
			s.fail(req.Index, wire.BTPStatusFail)
			return
		}
		settings, changed := s.updateSettings(req.Index, func(current, _ uint32) uint32 {
			if on {
				return current | setting
			}
			return current &^ setting
		})
		if changed {
			s.event(EvNewSettings, req.Index, encodeSettings(settings))
		}
		s.reply(opcode, req.Index, encodeSettings(settings))
	}
}

func (s *Service) startDiscovery(req registry.Request) {
	if len(req.Payload) < 1 {
		s.fail(req.Index, wire.BTPStatusFail)
		return
	}
	ctx, cancel := s.context()
	defer cancel()
	if _, ok := s.controller(ctx, req.Index); !ok {
		s.fail(req.Index, wire.BTPStatusInvalidIndex)
		return
	}
	if err := s.backend.StartDiscovery(ctx, req.Index, req.Payload[0]); err != nil {
		s.logger.Warn(errw.Wrapf(err, "starting discovery on controller %d", req.Index))
		s.fail(req.Index, wire.BTPStatusFail)
		return
	}
	s.reply(OpStartDiscovery, req.Index, nil)
}

func (s *Service) stopDiscovery(req registry.Request) {
	ctx, cancel := s.context()
	defer cancel()
	if _, ok := s.controller(ctx, req.Index); !ok {
		s.fail(req.Index, wire.BTPStatusInvalidIndex)
		return
	}
	if err := s.backend.StopDiscovery(ctx, req.Index); err != nil {
		s.logger.Warn(errw.Wrapf(err, "stopping discovery on controller %d", req.Index))
		s.fail(req.Index, wire.BTPStatusFail)
		return
	}
	s.reply(OpStopDiscovery, req.Index, nil)
}

func (s *Service) connection(opcode uint8, call func(context.Context, uint8, Address) error) registry.HandlerFunc {
	return func(req registry.Request) {
		addr, ok := decodeAddress(req.Payload)
		if !ok {
			s.fail(req.Index, wire.BTPStatusFail)
			return
		}
		ctx, cancel := s.context()
		defer cancel()
		if _, ok := s.controller(ctx, req.Index); !ok {
			s.fail(req.Index, wire.BTPStatusInvalidIndex)
			return
		}
		if err := call(ctx, req.Index, addr); err != nil {
			s.logger.Warn(errw.Wrapf(err, "command 0x%02x for %s", opcode, addr))
			s.fail(req.Index, wire.BTPStatusFail)
			return
		}
		s.reply(opcode, req.Index, nil)
	}
}

func (s *Service) reply(opcode, index uint8, payload []byte) {
	if err := s.sender.Send(wire.BTPServiceGAP, opcode, index, payload); err != nil {
		s.logger.Warn(err)
	}
}

func (s *Service) event(opcode, index uint8, payload []byte) {
	if err := s.sender.Send(wire.BTPServiceGAP, opcode, index, payload); err != nil {
		s.logger.Debug(err)
	}
}

func (s *Service) fail(index, status uint8) {
	if err := s.sender.SendError(wire.BTPServiceGAP, index, status); err != nil {
		s.logger.Warn(err)
	}
}
