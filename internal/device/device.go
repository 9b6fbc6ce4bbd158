// Package device implements the device twin layer. Connected devices are
// represented by a Device implementation, while Handle tracks the persisted
// state of a provisioned device across connects and disconnects.
package device

import "github.com/quickhub/quickhub/internal/errcode"

// State describes the availability of a device.
type State int

const (
	StateOffline State = iota
	StateOnline
	StateSleeping
	StateStandby
	StateUpdating
	StateBusy
)

func (s State) Online() bool { return s == StateOnline }

// Events is implemented by whoever tracks a connected device, usually its
// Handle. A Device pushes its state changes through this interface.
type Events interface {
	PropertyChanged(uuid, property string, value any)
	DataReceived(uuid, subject string, data map[string]any)
	StateChanged(uuid string, state State)
	ForceSync()
}

// Device is the generic API a connected device exposes to the server. The
// websocket transport implements it; virtual devices may too.
type Device interface {
	UUID() string
	ShortID() string
	Type() string

	// Functions lists the RPCs of the device. Each entry is a map with at
	// least a "name" field. A property is writable when a matching
	// set<Property> RPC exists.
	Functions() []any
	Properties() map[string]any
	RequestedPermissions() map[string]bool

	TriggerFunction(name string, parameters map[string]any, cbID string) errcode.DeviceError
	SetDeviceProperty(property string, value any) errcode.DeviceError

	// InitDevice delivers set-values that changed while the device was
	// offline.
	InitDevice(properties map[string]any) errcode.DeviceError

	State() State

	AuthKeyEnabled() bool
	SetAuthKey(key uint32)
	AuthKey() uint32

	StartFirmwareUpdate(args map[string]any) errcode.DeviceError
	FirmwareVersion() int

	SetEvents(events Events)
}
