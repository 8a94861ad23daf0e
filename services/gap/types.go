package gap

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	errw "github.com/pkg/errors"
)

// Commands.
const (
	OpReadSupportedCommands   uint8 = 0x01
	OpReadControllerIndexList uint8 = 0x02
	OpReadControllerInfo      uint8 = 0x03
	OpReset                   uint8 = 0x04
	OpSetPowered              uint8 = 0x05
	OpSetConnectable          uint8 = 0x06
	OpSetDiscoverable         uint8 = 0x08
	OpSetBondable             uint8 = 0x09
	OpStartDiscovery          uint8 = 0x0c
	OpStopDiscovery           uint8 = 0x0d
	OpConnect                 uint8 = 0x0e
	OpDisconnect              uint8 = 0x0f
)

// Events.
const (
	EvNewSettings        uint8 = 0x80
	EvDeviceFound        uint8 = 0x81
	EvDeviceConnected    uint8 = 0x82
	EvDeviceDisconnected uint8 = 0x83
)

// Settings bits reported in supported and current settings.
const (
	SettingPowered      uint32 = 1 << 0
	SettingConnectable  uint32 = 1 << 1
	SettingFastConnect  uint32 = 1 << 2
	SettingDiscoverable uint32 = 1 << 3
	SettingBondable     uint32 = 1 << 4
	SettingLinkSecurity uint32 = 1 << 5
	SettingSSP          uint32 = 1 << 6
	SettingBREDR        uint32 = 1 << 7
	SettingHS           uint32 = 1 << 8
	SettingLE           uint32 = 1 << 9
	SettingAdvertising  uint32 = 1 << 10
	SettingSC           uint32 = 1 << 11
	SettingDebugKeys    uint32 = 1 << 12
	SettingPrivacy      uint32 = 1 << 13
)

// Discovery flags of START_DISCOVERY.
const (
	DiscoveryLE          uint8 = 0x01
	DiscoveryBREDR       uint8 = 0x02
	DiscoveryLimited     uint8 = 0x04
	DiscoveryObservation uint8 = 0x08
)

// DEVICE_FOUND flags.
const (
	FoundRSSI uint8 = 0x01
	FoundAD   uint8 = 0x02
	FoundSR   uint8 = 0x04
)

// Address types.
const (
	AddrPublic uint8 = 0x00
	AddrRandom uint8 = 0x01
)

const (
	nameLen      = 249
	shortNameLen = 11
	// rssiInvalid is reported when the stack has no RSSI for a device.
	rssiInvalid int8 = -127
)

// Address is a device address as it travels in BTP, least significant byte
// first.
type Address struct {
	Type uint8
	Addr [6]byte
}

// ParseAddress reads the colon separated form used by BlueZ.
func ParseAddress(s string, typ uint8) (Address, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return Address{}, errw.Errorf("invalid address %q", s)
	}
	a := Address{Type: typ}
	for i, p := range parts {
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil || len(p) != 2 {
			return Address{}, errw.Errorf("invalid address %q", s)
		}
		a.Addr[5-i] = byte(b)
	}
	return a, nil
}

// String returns the colon separated form, most significant byte first.
func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		a.Addr[5], a.Addr[4], a.Addr[3], a.Addr[2], a.Addr[1], a.Addr[0])
}

// TypeString is the BlueZ name of the address type.
func (a Address) TypeString() string {
	if a.Type == AddrRandom {
		return "random"
	}
	return "public"
}

// AddressType maps a BlueZ address type name to its BTP value.
func AddressType(s string) uint8 {
	if s == "public" {
		return AddrPublic
	}
	return AddrRandom
}

func decodeAddress(p []byte) (Address, bool) {
	if len(p) < 7 {
		return Address{}, false
	}
	a := Address{Type: p[0]}
	copy(a.Addr[:], p[1:7])
	return a, true
}

func (a Address) encode() []byte {
	return append([]byte{a.Type}, a.Addr[:]...)
}

// Controller describes one local adapter.
type Controller struct {
	Index     uint8
	Address   Address
	Name      string
	Supported uint32
	Current   uint32
}

// Device is a discovery result.
type Device struct {
	Address Address
	RSSI    int8
	HasRSSI bool
	// EIR holds advertising data in extended inquiry response format.
	EIR []byte
}

func (c Controller) encodeInfo() []byte {
	buf := make([]byte, 0, 6+4+4+3+nameLen+shortNameLen)
	buf = append(buf, c.Address.Addr[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, c.Supported)
	buf = binary.LittleEndian.AppendUint32(buf, c.Current)
	// class of device is not exposed by the backend
	buf = append(buf, 0, 0, 0)
	buf = appendCString(buf, c.Name, nameLen)
	buf = appendCString(buf, c.Name, shortNameLen)
	return buf
}

// appendCString appends s as a NUL terminated field of exactly size bytes,
// truncating s if needed.
func appendCString(buf []byte, s string, size int) []byte {
	field := make([]byte, size)
	copy(field[:size-1], s)
	return append(buf, field...)
}

func encodeSettings(settings uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, settings)
}

func (d Device) encode() []byte {
	rssi := rssiInvalid
	if d.HasRSSI {
		rssi = d.RSSI
	}
	buf := d.Address.encode()
	buf = append(buf, byte(rssi), FoundRSSI|FoundAD|FoundSR)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(d.EIR)))
	return append(buf, d.EIR...)
}

// nameEIR encodes a complete local name as a single EIR structure.
func nameEIR(name string) []byte {
	if name == "" {
		return nil
	}
	// the length byte covers the type byte and at most 254 name bytes
	if len(name) > 254 {
		name = name[:254]
	}
	return append([]byte{byte(len(name) + 1), 0x09}, name...)
}
