package systemd

import (
	"context"
	"os/exec"

	dbus "github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

// Executor runs the supervisor commands that start a daemon. It primarily
// exists to enable testing of the starter via fakes.
type Executor interface {
	// IsAvailable checks if systemd is available on the system by executing
	// `systemctl --version`. It returns nil if systemd is available and an
	// error describing why it is unavailable otherwise.
	IsAvailable(ctx context.Context) error

	// Start executes `systemctl start` with the provided unit name.
	Start(ctx context.Context, unit string) error

	// SetProp executes Android's `setprop key value`, which is how init is
	// asked to start a service (ctl.start).
	SetProp(ctx context.Context, key, value string) error

	// StartUnit asks systemd over the system D-Bus to start unit and returns
	// the queued job path.
	StartUnit(ctx context.Context, unit string) (dbus.ObjectPath, error)
}

type realExecutor struct{}

func (realExecutor) IsAvailable(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "systemctl", "--version")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "systemctl --version returned errors: %s", output)
	}
	return nil
}

func (realExecutor) Start(ctx context.Context, unit string) error {
	cmd := exec.CommandContext(ctx, "systemctl", "start", unit)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "running 'systemctl start %s' output: %s", unit, output)
	}
	return nil
}

func (realExecutor) SetProp(ctx context.Context, key, value string) error {
	cmd := exec.CommandContext(ctx, "setprop", key, value)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "running 'setprop %s %s' output: %s", key, value, output)
	}
	return nil
}

func (realExecutor) StartUnit(ctx context.Context, unit string) (dbus.ObjectPath, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return "", errors.Wrap(err, "connecting to system DBus")
	}
	obj := conn.Object("org.freedesktop.systemd1", "/org/freedesktop/systemd1")
	var job dbus.ObjectPath
	err = obj.CallWithContext(ctx, "org.freedesktop.systemd1.Manager.StartUnit", 0, unit, "replace").Store(&job)
	if err != nil {
		return "", errors.Wrapf(err, "starting unit %s", unit)
	}
	return job, nil
}
