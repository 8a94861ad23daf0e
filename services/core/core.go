// Package core implements the BTP core service, which lists and registers the
// other services a tester offers.
package core

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	errw "github.com/pkg/errors"
	"github.com/viamrobotics/btipc/btp"
	"github.com/viamrobotics/btipc/services/registry"
	"github.com/viamrobotics/btipc/wire"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

const teardownTimeout = 5 * time.Second

// Feature is a BTP service that the driver can register through the core
// service.
type Feature interface {
	// Service is the BTP service id.
	Service() uint8

	// Handlers are installed when the service becomes registered.
	Handlers() map[uint8]registry.Handler

	// Setup runs before registration is confirmed and may wait on external
	// services. An error fails the REGISTER command.
	Setup(ctx context.Context) error

	// Teardown releases whatever Setup and the handlers acquired.
	Teardown(ctx context.Context) error
}

// Service answers core commands and owns the lifecycle of every feature.
type Service struct {
	sender   btp.Sender
	reg      *registry.Registry
	logger   logging.Logger
	features map[uint8]Feature

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup

	mu      sync.Mutex
	pending map[uint8]bool
}

// New returns a core service offering features. Features sharing a service id
// with core or with each other are ignored.
func New(sender btp.Sender, reg *registry.Registry, logger logging.Logger, features ...Feature) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		sender:   sender,
		reg:      reg,
		logger:   logger,
		features: map[uint8]Feature{},
		ctx:      ctx,
		cancel:   cancel,
		pending:  map[uint8]bool{},
	}
	for _, f := range features {
		id := f.Service()
		if _, ok := s.features[id]; ok || id == wire.BTPServiceCore {
			logger.Warnf("ignoring duplicate feature for service %d", id)
			continue
		}
		s.features[id] = f
	}
	return s
}

// Start registers the core service and announces readiness to the driver.
func (s *Service) Start() error {
	handlers := map[uint8]registry.Handler{
		wire.BTPOpCoreReadSupportedCommands: registry.HandlerFunc(s.readCommands),
		wire.BTPOpCoreReadSupportedServices: registry.HandlerFunc(s.readServices),
		wire.BTPOpCoreRegister:              registry.HandlerFunc(s.register),
		wire.BTPOpCoreUnregister:            registry.HandlerFunc(s.unregister),
	}
	if err := s.reg.RegisterService(wire.BTPServiceCore, handlers); err != nil {
		return errw.Wrap(err, "registering core service")
	}
	return s.sender.Send(wire.BTPServiceCore, wire.BTPEvCoreReady, wire.IndexNone, nil)
}

// Stop abandons pending registrations, then unregisters every service
// including core and tears down the registered features.
func (s *Service) Stop(ctx context.Context) error {
	s.cancel()
	s.workers.Wait()

	var errs error
	for _, id := range s.reg.Reset() {
		if f, ok := s.features[id]; ok {
			s.logger.Debugf("tearing down service %d", id)
			errs = errors.Join(errs, f.Teardown(ctx))
		}
	}
	return errs
}

// SupportedServices lists core and every feature service id.
func (s *Service) SupportedServices() []uint8 {
	ids := []uint8{wire.BTPServiceCore}
	for id := range s.features {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Service) readCommands(req registry.Request) {
	if req.Index != wire.IndexNone {
		s.fail(req.Index, wire.BTPStatusInvalidIndex)
		return
	}
	s.reply(wire.BTPOpCoreReadSupportedCommands, s.reg.CommandMask(wire.BTPServiceCore))
}

func (s *Service) readServices(req registry.Request) {
	if req.Index != wire.IndexNone {
		s.fail(req.Index, wire.BTPStatusInvalidIndex)
		return
	}
	s.reply(wire.BTPOpCoreReadSupportedServices, registry.Mask(s.SupportedServices()))
}

func (s *Service) register(req registry.Request) {
	if len(req.Payload) < 1 {
		s.fail(req.Index, wire.BTPStatusFail)
		return
	}
	if req.Index != wire.IndexNone {
		s.fail(req.Index, wire.BTPStatusInvalidIndex)
		return
	}
	id := req.Payload[0]
	f, ok := s.features[id]
	if !ok {
		s.logger.Infof("cannot register unsupported service %d", id)
		s.fail(req.Index, wire.BTPStatusFail)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[id] || s.reg.IsRegistered(id) {
		s.logger.Infof("service %d already registered", id)
		s.fail(req.Index, wire.BTPStatusFail)
		return
	}
	s.pending[id] = true
	s.workers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer s.workers.Done()
		s.completeRegister(f)
	})
}

// completeRegister waits for the feature's setup and only then installs its
// handlers and answers the REGISTER command.
func (s *Service) completeRegister(f Feature) {
	id := f.Service()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := f.Setup(s.ctx); err != nil {
		s.logger.Warn(errw.Wrapf(err, "setting up service %d", id))
		s.fail(wire.IndexNone, wire.BTPStatusFail)
		return
	}
	if s.ctx.Err() != nil {
		s.teardown(f)
		s.fail(wire.IndexNone, wire.BTPStatusFail)
		return
	}
	if err := s.reg.RegisterService(id, f.Handlers()); err != nil {
		s.logger.Warn(err)
		s.teardown(f)
		s.fail(wire.IndexNone, wire.BTPStatusFail)
		return
	}
	s.logger.Infof("service %d registered", id)
	s.reply(wire.BTPOpCoreRegister, nil)
}

func (s *Service) unregister(req registry.Request) {
	if len(req.Payload) < 1 {
		s.fail(req.Index, wire.BTPStatusFail)
		return
	}
	if req.Index != wire.IndexNone {
		s.fail(req.Index, wire.BTPStatusInvalidIndex)
		return
	}
	id := req.Payload[0]
	f, ok := s.features[id]
	if !ok {
		s.fail(req.Index, wire.BTPStatusFail)
		return
	}
	if err := s.reg.UnregisterService(id); err != nil {
		s.logger.Infof("cannot unregister service %d: %s", id, err)
		s.fail(req.Index, wire.BTPStatusFail)
		return
	}
	// the service is gone from the registry either way
	s.teardown(f)
	s.logger.Infof("service %d unregistered", id)
	s.reply(wire.BTPOpCoreUnregister, nil)
}

func (s *Service) teardown(f Feature) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := f.Teardown(ctx); err != nil {
		s.logger.Warn(errw.Wrapf(err, "tearing down service %d", f.Service()))
	}
}

func (s *Service) reply(opcode uint8, payload []byte) {
	if err := s.sender.Send(wire.BTPServiceCore, opcode, wire.IndexNone, payload); err != nil {
		s.logger.Warn(err)
	}
}

func (s *Service) fail(index, status uint8) {
	if err := s.sender.SendError(wire.BTPServiceCore, index, status); err != nil {
		s.logger.Warn(err)
	}
}
