package wire

// HAL transport.
const (
	HALMTU = 1024
	// HALSocketPath is the abstract rendezvous address the daemon connects to.
	HALSocketPath = "@bluez_hal_socket"

	HALServiceCore      uint8 = 0x00
	HALServiceBluetooth uint8 = 0x01
	HALServiceSocket    uint8 = 0x02

	HALOpRegisterModule   uint8 = 0x01
	HALOpUnregisterModule uint8 = 0x02

	HALOpEnable  uint8 = 0x01
	HALOpDisable uint8 = 0x02

	HALEvAdapterStateChanged uint8 = 0x81

	HALAdapterStateOff uint8 = 0x00
	HALAdapterStateOn  uint8 = 0x01
)

// Status is a HAL ERROR payload.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusFail
	StatusNotReady
	StatusNoMem
	StatusBusy
	StatusDone
	StatusUnsupported
	StatusParmInvalid
	StatusUnhandled
	StatusAuthFailure
	StatusRmtDevDown
)

var statusNames = [...]string{
	"success", "fail", "not ready", "no memory", "busy", "done",
	"unsupported", "invalid parameter", "unhandled", "authentication failure", "remote device down",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown status"
}

// BTP tester protocol.
const (
	BTPMTU = 512
	// BTPSocketPath is where the test driver listens for the tester.
	BTPSocketPath = "/tmp/bt-stack-tester"

	IndexNone uint8 = 0xff

	BTPStatusFail         uint8 = 0x01
	BTPStatusUnknownCmd   uint8 = 0x02
	BTPStatusNotReady     uint8 = 0x03
	BTPStatusInvalidIndex uint8 = 0x04

	BTPServiceCore       uint8 = 0
	BTPServiceGAP        uint8 = 1
	BTPServiceGATT       uint8 = 2
	BTPServiceL2CAP      uint8 = 3
	BTPServiceMeshNode   uint8 = 4
	BTPServiceMeshModel  uint8 = 5
	BTPServiceGATTClient uint8 = 6
	BTPServiceGATTServer uint8 = 7

	BTPOpCoreReadSupportedCommands uint8 = 0x01
	BTPOpCoreReadSupportedServices uint8 = 0x02
	BTPOpCoreRegister              uint8 = 0x03
	BTPOpCoreUnregister            uint8 = 0x04
	BTPEvCoreReady                 uint8 = 0x80
)
