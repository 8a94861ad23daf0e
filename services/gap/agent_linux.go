package gap

import (
	dbus "github.com/godbus/dbus/v5"
	"go.viam.com/rdk/logging"
)

// agent is a NoInputNoOutput pairing agent that accepts every request, as a
// test target must.
type agent struct {
	logger logging.Logger
}

func (a *agent) Release() *dbus.Error {
	a.logger.Debug("agent released")
	return nil
}

func (a *agent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	a.logger.Debugf("pin code requested for %s", device)
	return "0000", nil
}

func (a *agent) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	a.logger.Infof("pin code for %s: %s", device, pincode)
	return nil
}

func (a *agent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	a.logger.Debugf("passkey requested for %s", device)
	return 0, nil
}

func (a *agent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	a.logger.Infof("passkey for %s: %06d", device, passkey)
	return nil
}

func (a *agent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	a.logger.Debugf("confirming passkey %06d for %s", passkey, device)
	return nil
}

func (a *agent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	a.logger.Debugf("authorizing %s", device)
	return nil
}

func (a *agent) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	a.logger.Debugf("authorizing service %s for %s", uuid, device)
	return nil
}

func (a *agent) Cancel() *dbus.Error {
	a.logger.Debug("pairing request cancelled")
	return nil
}
