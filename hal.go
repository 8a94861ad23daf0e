package btipc

import (
	"errors"
	"sync"

	"github.com/viamrobotics/btipc/services/registry"
	"github.com/viamrobotics/btipc/wire"
	"go.viam.com/rdk/logging"
)

// StatusError is an ERROR response turned into a Go error by the helpers
// below.
type StatusError struct {
	Op     string
	Status wire.Status
}

func (e *StatusError) Error() string {
	return e.Op + ": daemon returned " + e.Status.String()
}

func statusErr(op string, status wire.Status) error {
	if status == wire.StatusSuccess {
		return nil
	}
	return &StatusError{Op: op, Status: status}
}

// RegisterModule asks the daemon to enable service in the given mode.
func (t *Transport) RegisterModule(service, mode uint8) error {
	status, err := t.Command(wire.HALServiceCore, wire.HALOpRegisterModule, []byte{service, mode})
	if err != nil {
		return err
	}
	return statusErr("registering module", status)
}

// UnregisterModule asks the daemon to disable service.
func (t *Transport) UnregisterModule(service uint8) error {
	status, err := t.Command(wire.HALServiceCore, wire.HALOpUnregisterModule, []byte{service})
	if err != nil {
		return err
	}
	return statusErr("unregistering module", status)
}

// Bluetooth drives the adapter service and tracks its state from
// notifications.
type Bluetooth struct {
	t      *Transport
	logger logging.Logger

	mu       sync.Mutex
	state    uint8
	watchers []chan uint8
}

// NewBluetooth registers the adapter service with the daemon and installs
// its event handlers.
func NewBluetooth(t *Transport, logger logging.Logger) (*Bluetooth, error) {
	b := &Bluetooth{t: t, logger: logger, state: wire.HALAdapterStateOff}
	err := t.Events().Register(wire.HALServiceBluetooth, wire.HALEvAdapterStateChanged,
		registry.HandlerFunc(b.handleStateChanged))
	if err != nil {
		return nil, err
	}
	if err := t.RegisterModule(wire.HALServiceBluetooth, 0); err != nil {
		return nil, errors.Join(err, t.Events().UnregisterService(wire.HALServiceBluetooth))
	}
	return b, nil
}

// Enable powers the adapter on. Completion is reported by an adapter state
// event, which may arrive before or after this returns.
func (b *Bluetooth) Enable() error {
	status, err := b.t.Command(wire.HALServiceBluetooth, wire.HALOpEnable, nil)
	if err != nil {
		return err
	}
	return statusErr("enabling adapter", status)
}

// Disable powers the adapter off.
func (b *Bluetooth) Disable() error {
	status, err := b.t.Command(wire.HALServiceBluetooth, wire.HALOpDisable, nil)
	if err != nil {
		return err
	}
	return statusErr("disabling adapter", status)
}

// State returns the last reported adapter state.
func (b *Bluetooth) State() uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Watch returns a channel receiving every subsequent adapter state.
// Deliveries to a full channel are dropped.
func (b *Bluetooth) Watch() <-chan uint8 {
	ch := make(chan uint8, 4)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watchers = append(b.watchers, ch)
	return ch
}

// Close unregisters the adapter service.
func (b *Bluetooth) Close() error {
	return errors.Join(
		b.t.UnregisterModule(wire.HALServiceBluetooth),
		b.t.Events().UnregisterService(wire.HALServiceBluetooth),
	)
}

func (b *Bluetooth) handleStateChanged(req registry.Request) {
	if req.File != nil {
		//nolint:errcheck
		req.File.Close()
	}
	if len(req.Payload) != 1 {
		b.logger.Warnf("adapter state event with %d byte payload", len(req.Payload))
		return
	}
	state := req.Payload[0]
	b.logger.Infow("adapter state changed", "state", state)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = state
	for _, ch := range b.watchers {
		select {
		case ch <- state:
		default:
		}
	}
}
