package gap

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

const (
	BluezDBusService   = "org.bluez"
	BluezAdapter       = "org.bluez.Adapter1"
	BluezDevice        = "org.bluez.Device1"
	BluezAgentManager  = "org.bluez.AgentManager1"
	BluezAgent         = "org.bluez.Agent1"
	BluezAgentCapacity = "NoInputNoOutput"

	dbusProperties        = "org.freedesktop.DBus.Properties"
	dbusPropertiesChanged = dbusProperties + ".PropertiesChanged"
	dbusGetManagedObjects = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BlueZ drives bluetoothd over the system bus. Discovery runs through tinygo.
type BlueZ struct {
	conn    *dbus.Conn
	logger  logging.Logger
	agent   *agent
	path    dbus.ObjectPath
	scanner *scanner

	mu         sync.Mutex
	listener   Listener
	registered bool

	// only, when set, hides every other adapter.
	only *uint8

	signals chan *dbus.Signal
	stop    chan struct{}
	done    chan struct{}
}

// BlueZOption configures a BlueZ backend.
type BlueZOption func(*BlueZ)

// WithAdapter exposes only hciN as a controller.
func WithAdapter(index uint8) BlueZOption {
	return func(b *BlueZ) {
		b.only = &index
	}
}

// NewBlueZ connects to bluetoothd. uuids restricts discovery results to
// devices advertising one of the services.
func NewBlueZ(logger logging.Logger, uuids []string, opts ...BlueZOption) (*BlueZ, error) {
	filter, err := ParseUUIDs(uuids)
	if err != nil {
		return nil, err
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, errw.Wrap(err, "failed to connect to system DBus")
	}
	b := &BlueZ{
		conn:    conn,
		logger:  logger,
		agent:   &agent{logger: logger.Sublogger("agent")},
		path:    agentPath(uuid.New()),
		scanner: newScanner(logger.Sublogger("scan"), filter),
		signals: make(chan *dbus.Signal, 16),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if err := conn.AddMatchSignal(b.matchOptions()...); err != nil {
		return nil, errw.Wrap(err, "watching bluetooth devices")
	}
	conn.Signal(b.signals)
	goutils.PanicCapturingGo(b.watchSignals)
	return b, nil
}

func (b *BlueZ) matchOptions() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchInterface(dbusProperties),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchArg(0, BluezDevice),
	}
}

// agentPath names the exported agent object uniquely per process.
func agentPath(id uuid.UUID) dbus.ObjectPath {
	return dbus.ObjectPath("/com/viam/btipc/agent_" + strings.ReplaceAll(id.String(), "-", ""))
}

func adapterPath(index uint8) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/hci%d", index))
}

func devicePath(index uint8, addr Address) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", adapterPath(index), strings.ReplaceAll(addr.String(), ":", "_")))
}

// adapterIndex extracts N from /org/bluez/hciN and from device paths below it.
func adapterIndex(path dbus.ObjectPath) (uint8, bool) {
	rest, ok := strings.CutPrefix(string(path), "/org/bluez/hci")
	if !ok {
		return 0, false
	}
	rest, _, _ = strings.Cut(rest, "/")
	var idx uint8
	if _, err := fmt.Sscanf(rest, "%d", &idx); err != nil || fmt.Sprint(idx) != rest {
		return 0, false
	}
	return idx, true
}

func (b *BlueZ) adapter(index uint8) dbus.BusObject {
	return b.conn.Object(BluezDBusService, adapterPath(index))
}

func (b *BlueZ) objects(ctx context.Context) (managedObjects, error) {
	var objs managedObjects
	err := b.conn.Object(BluezDBusService, "/").CallWithContext(ctx, dbusGetManagedObjects, 0).Store(&objs)
	if err != nil {
		return nil, errw.Wrap(err, "listing bluetooth objects")
	}
	return objs, nil
}

func (b *BlueZ) Controllers(ctx context.Context) ([]Controller, error) {
	objs, err := b.objects(ctx)
	if err != nil {
		return nil, err
	}
	list := controllersFrom(objs)
	if b.only != nil {
		list = slices.DeleteFunc(list, func(c Controller) bool {
			return c.Index != *b.only
		})
	}
	return list, nil
}

// controllersFrom picks the adapters out of a managed object dump.
func controllersFrom(objs managedObjects) []Controller {
	var out []Controller
	for path, ifaces := range objs {
		props, ok := ifaces[BluezAdapter]
		if !ok {
			continue
		}
		idx, ok := adapterIndex(path)
		if !ok || path != adapterPath(idx) {
			continue
		}
		addr, err := ParseAddress(stringProp(props, "Address"), AddressType(stringProp(props, "AddressType")))
		if err != nil {
			continue
		}
		name := stringProp(props, "Alias")
		if name == "" {
			name = stringProp(props, "Name")
		}
		current, supported := settingsFrom(props)
		out = append(out, Controller{
			Index:     idx,
			Address:   addr,
			Name:      name,
			Supported: supported,
			Current:   current,
		})
	}
	return out
}

// settingsFrom derives settings from adapter properties. BlueZ does not expose
// most of them, so those are assumed to match bluetoothd's defaults.
func settingsFrom(props map[string]dbus.Variant) (current, supported uint32) {
	supported = SettingPowered | SettingConnectable | SettingDiscoverable | SettingBondable |
		SettingSSP | SettingBREDR | SettingLE | SettingAdvertising | SettingSC | SettingPrivacy
	current = SettingConnectable | SettingSSP | SettingBREDR | SettingLE | SettingPrivacy | SettingSC
	if boolProp(props, "Powered") {
		current |= SettingPowered
	}
	if boolProp(props, "Discoverable") {
		current |= SettingDiscoverable
	}
	if boolProp(props, "Pairable") {
		current |= SettingBondable
	}
	return current, supported
}

func stringProp(props map[string]dbus.Variant, name string) string {
	v, ok := props[name]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

func boolProp(props map[string]dbus.Variant, name string) bool {
	v, ok := props[name]
	if !ok {
		return false
	}
	on, _ := v.Value().(bool)
	return on
}

func (b *BlueZ) powered(index uint8) error {
	v, err := b.adapter(index).GetProperty(BluezAdapter + ".Powered")
	if err != nil {
		return errw.Wrapf(err, "reading power state of hci%d", index)
	}
	if on, _ := v.Value().(bool); !on {
		return errw.Errorf("hci%d is not powered", index)
	}
	return nil
}

func (b *BlueZ) SetSetting(ctx context.Context, index uint8, setting uint32, on bool) error {
	var prop string
	switch setting {
	case SettingPowered:
		prop = "Powered"
	case SettingDiscoverable:
		prop = "Discoverable"
	case SettingBondable:
		prop = "Pairable"
	case SettingConnectable:
		// bluetoothd manages page scan itself
		return nil
	default:
		return errw.Errorf("setting 0x%x cannot be changed", setting)
	}
	if err := b.adapter(index).SetProperty(BluezAdapter+"."+prop, dbus.MakeVariant(on)); err != nil {
		return errw.Wrapf(err, "setting %s on hci%d", prop, index)
	}
	return nil
}

func (b *BlueZ) Reset(ctx context.Context, index uint8) error {
	// devices can only be removed from a powered adapter
	if err := b.powered(index); err != nil {
		return err
	}
	if err := b.scanner.stop(index); err == nil {
		b.logger.Debugf("stopped discovery on hci%d for reset", index)
	}
	objs, err := b.objects(ctx)
	if err != nil {
		return err
	}
	prefix := string(adapterPath(index)) + "/"
	for path, ifaces := range objs {
		if _, ok := ifaces[BluezDevice]; !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if err := b.adapter(index).CallWithContext(ctx, BluezAdapter+".RemoveDevice", 0, path).Err; err != nil {
			b.logger.Warn(errw.Wrapf(err, "removing %s", path))
		}
	}
	return nil
}

func (b *BlueZ) StartDiscovery(ctx context.Context, index, flags uint8) error {
	if flags&DiscoveryLE == 0 {
		return errw.Errorf("discovery flags 0x%02x: only LE discovery is supported", flags)
	}
	if err := b.powered(index); err != nil {
		return err
	}
	return b.scanner.start(index, func(d Device) {
		if l := b.currentListener(); l != nil {
			l.DeviceFound(index, d)
		}
	})
}

func (b *BlueZ) StopDiscovery(ctx context.Context, index uint8) error {
	return b.scanner.stop(index)
}

func (b *BlueZ) Connect(ctx context.Context, index uint8, addr Address) error {
	if err := b.powered(index); err != nil {
		return err
	}
	dev := b.conn.Object(BluezDBusService, devicePath(index, addr))
	if _, err := dev.GetProperty(BluezDevice + ".Address"); err != nil {
		// unknown to bluetoothd, so have it create the device while connecting
		params := map[string]any{
			"Address":     addr.String(),
			"AddressType": addr.TypeString(),
		}
		call := b.adapter(index).CallWithContext(ctx, BluezAdapter+".ConnectDevice", 0, params)
		return errw.Wrapf(call.Err, "connecting new device %s", addr)
	}
	return errw.Wrapf(dev.CallWithContext(ctx, BluezDevice+".Connect", 0).Err, "connecting %s", addr)
}

func (b *BlueZ) Disconnect(ctx context.Context, index uint8, addr Address) error {
	if err := b.powered(index); err != nil {
		return err
	}
	dev := b.conn.Object(BluezDBusService, devicePath(index, addr))
	if _, err := dev.GetProperty(BluezDevice + ".Address"); err != nil {
		return errw.Wrapf(err, "unknown device %s", addr)
	}
	return errw.Wrapf(dev.CallWithContext(ctx, BluezDevice+".Disconnect", 0).Err, "disconnecting %s", addr)
}

// RegisterAgent exports the pairing agent and makes it bluetoothd's default.
func (b *BlueZ) RegisterAgent(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.registered {
		return nil
	}
	if err := b.conn.Export(b.agent, b.path, BluezAgent); err != nil {
		return errw.Wrap(err, "exporting pairing agent")
	}
	manager := b.conn.Object(BluezDBusService, "/org/bluez")
	call := manager.CallWithContext(ctx, BluezAgentManager+".RegisterAgent", 0, b.path, BluezAgentCapacity)
	if call.Err != nil {
		//nolint:errcheck
		b.conn.Export(nil, b.path, BluezAgent)
		return errw.Wrap(call.Err, "registering pairing agent")
	}
	call = manager.CallWithContext(ctx, BluezAgentManager+".RequestDefaultAgent", 0, b.path)
	if call.Err != nil {
		//nolint:errcheck
		manager.CallWithContext(ctx, BluezAgentManager+".UnregisterAgent", 0, b.path)
		//nolint:errcheck
		b.conn.Export(nil, b.path, BluezAgent)
		return errw.Wrap(call.Err, "requesting default pairing agent")
	}
	b.registered = true
	b.logger.Debugf("pairing agent registered at %s", b.path)
	return nil
}

func (b *BlueZ) UnregisterAgent(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.registered {
		return nil
	}
	b.registered = false
	manager := b.conn.Object(BluezDBusService, "/org/bluez")
	err := manager.CallWithContext(ctx, BluezAgentManager+".UnregisterAgent", 0, b.path).Err
	if uerr := b.conn.Export(nil, b.path, BluezAgent); uerr != nil {
		b.logger.Warn(uerr)
	}
	return errw.Wrap(err, "unregistering pairing agent")
}

func (b *BlueZ) Watch(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = l
}

func (b *BlueZ) currentListener() Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listener
}

// Close stops discovery and signal handling. The shared system bus stays
// open.
func (b *BlueZ) Close() error {
	b.Watch(nil)
	b.scanner.stopAll()
	b.conn.RemoveSignal(b.signals)
	err := b.conn.RemoveMatchSignal(b.matchOptions()...)
	close(b.stop)
	<-b.done
	return err
}

func (b *BlueZ) watchSignals() {
	defer close(b.done)
	for {
		var sig *dbus.Signal
		select {
		case s, ok := <-b.signals:
			if !ok {
				// the bus went away
				return
			}
			sig = s
		case <-b.stop:
			return
		}
		index, addr, connected, ok := b.connectionChange(sig)
		if !ok {
			continue
		}
		if l := b.currentListener(); l != nil {
			l.ConnectionChanged(index, addr, connected)
		}
	}
}

// connectionChange decodes a Device1 PropertiesChanged signal carrying
// Connected.
func (b *BlueZ) connectionChange(sig *dbus.Signal) (uint8, Address, bool, bool) {
	connected, ok := connectedChange(sig)
	if !ok {
		return 0, Address{}, false, false
	}
	index, ok := adapterIndex(sig.Path)
	if !ok {
		return 0, Address{}, false, false
	}
	dev := b.conn.Object(BluezDBusService, sig.Path)
	addrV, err := dev.GetProperty(BluezDevice + ".Address")
	if err != nil {
		b.logger.Debug(err)
		return 0, Address{}, false, false
	}
	typ := "public"
	if typV, err := dev.GetProperty(BluezDevice + ".AddressType"); err == nil {
		typ, _ = typV.Value().(string)
	}
	addrStr, _ := addrV.Value().(string)
	addr, err := ParseAddress(addrStr, AddressType(typ))
	if err != nil {
		b.logger.Debug(err)
		return 0, Address{}, false, false
	}
	return index, addr, connected, true
}

func connectedChange(sig *dbus.Signal) (connected, ok bool) {
	if sig.Name != dbusPropertiesChanged || len(sig.Body) < 2 {
		return false, false
	}
	if iface, _ := sig.Body[0].(string); iface != BluezDevice {
		return false, false
	}
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	v, ok := changed["Connected"]
	if !ok {
		return false, false
	}
	connected, ok = v.Value().(bool)
	return connected, ok
}
