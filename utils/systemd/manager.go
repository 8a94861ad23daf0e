// Package systemd starts the Bluetooth daemon through whichever process
// supervisor the host runs: systemd (over D-Bus or via systemctl) or
// Android's init.
package systemd

import (
	"context"

	"github.com/pkg/errors"
	"github.com/viamrobotics/btipc/utils"
	"go.viam.com/rdk/logging"
)

// CtlStartProperty is the init property that starts the named service.
const CtlStartProperty = "ctl.start"

// Annoying workaround to allow embedding Executor in Starter w/o allowing it
// to be modified from outside the module.
type privateExecutor = Executor

// Starter starts a daemon by name using the configured supervisor.
type Starter struct {
	privateExecutor
	kind   string
	logger logging.Logger
}

// StarterOption is a type used to configure the [Starter] returned from
// [NewStarter].
type StarterOption func(*Starter)

// WithExecutor configures the created [Starter] with a custom [Executor]
// implementation. Should only be used for testing.
func WithExecutor(executor Executor) StarterOption {
	return func(s *Starter) {
		s.privateExecutor = executor
	}
}

// NewStarter returns a starter for kind, one of the utils.Starter* constants.
func NewStarter(logger logging.Logger, kind string, opts ...StarterOption) *Starter {
	s := &Starter{
		privateExecutor: realExecutor{},
		kind:            kind,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Kind returns the supervisor this starter uses.
func (s *Starter) Kind() string {
	return s.kind
}

// StartService asks the supervisor to start name. It returns once the request
// is accepted; the daemon signals that it is up by connecting.
func (s *Starter) StartService(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("no daemon name configured")
	}
	switch s.kind {
	case utils.StarterNone, "":
		s.logger.Debugf("not starting %s, no supervisor configured", name)
		return nil
	case utils.StarterSystemd:
		job, err := s.StartUnit(ctx, name)
		if err != nil {
			return err
		}
		s.logger.Debugw("queued start job", "unit", name, "job", job)
		return nil
	case utils.StarterSystemctl:
		if err := s.IsAvailable(ctx); err != nil {
			return err
		}
		return s.Start(ctx, name)
	case utils.StarterSetprop:
		return s.SetProp(ctx, CtlStartProperty, name)
	default:
		return errors.Errorf("unknown daemon starter %q", s.kind)
	}
}
