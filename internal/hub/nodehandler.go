package hub

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quickhub/quickhub/internal/connection"
	"github.com/quickhub/quickhub/internal/device"
	"github.com/quickhub/quickhub/internal/errcode"
	"github.com/quickhub/quickhub/internal/logging"
	"github.com/quickhub/quickhub/internal/protocol"
)

const (
	nodeKeepAliveInterval = 15 * time.Second
	nodeKeepAliveTimeout  = 5 * time.Second
)

// SocketDeviceHandler claims node:register and turns the channel into a
// connected device.
type SocketDeviceHandler struct {
	devices *device.Manager
	log     zerolog.Logger
}

func NewSocketDeviceHandler(devices *device.Manager) *SocketDeviceHandler {
	return &SocketDeviceHandler{
		devices: devices,
		log:     logging.Component("nodes"),
	}
}

func (h *SocketDeviceHandler) HandleRequest(msg protocol.Message, socket connection.Socket) bool {
	if msg.Command != "node:register" {
		return false
	}

	uuid, _ := msg.Parameters["id"].(string)
	socket.SetKeepAlive(nodeKeepAliveInterval, nodeKeepAliveTimeout)

	if existing, ok := h.devices.DeviceByUUID(uuid).(*socketDevice); ok {
		// A reconnect of a device we still consider online. The twin's
		// auth key must match before the channel is rebound.
		if twin := h.devices.HandleByUUID(uuid); twin != nil && twin.SecureCheckEnabled() && twin.AuthKey() != parseAuthKey(msg.Parameters["key"]) {
			h.log.Warn().Str("uuid", uuid).Msg("Reregistration with wrong auth key rejected")
			return true
		}
		existing.init(msg.Parameters, socket)
		h.log.Info().Str("uuid", uuid).Msg("Device reregistered")
		return true
	}

	dev := newSocketDevice(h.devices, h.log)
	dev.init(msg.Parameters, socket)
	h.devices.RegisterDevice(dev)
	return true
}

// socketDevice is the websocket implementation of device.Device. It
// translates between the twin API and the node's compact cmd protocol.
type socketDevice struct {
	devices *device.Manager
	log     zerolog.Logger

	mu            sync.Mutex
	socket        connection.Socket
	uuid          string
	shortID       string
	deviceType    string
	authKey       uint32
	functions     []any
	functionNames map[string]struct{}
	properties    map[string]any
	permissions   map[string]bool
	events        device.Events
}

func newSocketDevice(devices *device.Manager, log zerolog.Logger) *socketDevice {
	return &socketDevice{
		devices:       devices,
		log:           log,
		functionNames: map[string]struct{}{},
		properties:    map[string]any{},
		permissions:   map[string]bool{},
	}
}

// init applies the registration parameters and binds the channel. A second
// call rebinds an already known device to a fresh channel.
func (d *socketDevice) init(parameters map[string]any, socket connection.Socket) {
	d.mu.Lock()
	d.uuid, _ = parameters["id"].(string)
	d.shortID, _ = parameters["sid"].(string)
	d.deviceType, _ = parameters["type"].(string)
	d.authKey = parseAuthKey(parameters["key"])

	d.functions, _ = parameters["functions"].([]any)
	d.functionNames = map[string]struct{}{}
	for _, raw := range d.functions {
		if fn, ok := raw.(map[string]any); ok {
			if name, ok := fn["name"].(string); ok {
				d.functionNames[name] = struct{}{}
			}
		}
	}

	d.properties, _ = parameters["properties"].(map[string]any)
	if d.properties == nil {
		d.properties = map[string]any{}
	}
	d.permissions = map[string]bool{}
	if requested, ok := parameters["permissions"].(map[string]any); ok {
		for name, raw := range requested {
			if allowed, ok := raw.(bool); ok {
				d.permissions[name] = allowed
			}
		}
	}

	if d.socket != nil {
		d.log.Warn().Str("uuid", d.uuid).Msg("Already connected device has reregistered")
		d.socket.SetMessageHandler(nil)
	}
	d.socket = socket
	events := d.events
	d.mu.Unlock()

	socket.SetMessageHandler(d.messageReceived)
	socket.OnDisconnected(func() { d.disconnected(socket) })

	if events != nil {
		events.ForceSync()
	}
}

func (d *socketDevice) messageReceived(msg protocol.Message) {
	d.mu.Lock()
	events := d.events
	uuid := d.uuid
	d.mu.Unlock()

	switch msg.Cmd {
	case "set":
		params, _ := msg.Params.(map[string]any)
		d.mu.Lock()
		for property, value := range params {
			d.properties[property] = value
		}
		d.mu.Unlock()
		if events != nil {
			for property, value := range params {
				events.PropertyChanged(uuid, property, value)
			}
		}

	case "msg":
		params, _ := msg.Params.(map[string]any)
		subject, _ := params["subject"].(string)
		data, _ := params["data"].(map[string]any)
		d.log.Info().Str("subject", subject).Msg("Message received")
		if events != nil {
			events.DataReceived(uuid, subject, data)
		}
	}
}

// disconnected drops the device from the manager. The stale socket check
// keeps the race between reconnect and old-channel teardown harmless.
func (d *socketDevice) disconnected(socket connection.Socket) {
	d.mu.Lock()
	if d.socket != socket {
		d.mu.Unlock()
		return
	}
	d.socket = nil
	uuid := d.uuid
	d.mu.Unlock()

	d.devices.DeregisterDevice(uuid)
}

func (d *socketDevice) UUID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.uuid
}

func (d *socketDevice) ShortID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shortID
}

func (d *socketDevice) Type() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceType
}

func (d *socketDevice) Functions() []any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]any{}, d.functions...)
}

func (d *socketDevice) Properties() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	props := make(map[string]any, len(d.properties))
	for k, v := range d.properties {
		props[k] = v
	}
	return props
}

func (d *socketDevice) RequestedPermissions() map[string]bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	perms := make(map[string]bool, len(d.permissions))
	for k, v := range d.permissions {
		perms[k] = v
	}
	return perms
}

func (d *socketDevice) TriggerFunction(name string, parameters map[string]any, cbID string) errcode.DeviceError {
	d.mu.Lock()
	socket := d.socket
	_, known := d.functionNames[name]
	d.mu.Unlock()

	if socket == nil {
		return errcode.DeviceNotAvailable
	}
	if !known {
		return errcode.FunctionNotExist
	}

	socket.Send(protocol.Message{
		Cmd:    "call",
		Params: map[string]any{name: parameters},
		CbID:   cbID,
	})
	return errcode.DeviceNoError
}

func (d *socketDevice) SetDeviceProperty(property string, value any) errcode.DeviceError {
	return d.TriggerFunction(propertySetter(property), map[string]any{"val": value}, "")
}

func (d *socketDevice) InitDevice(properties map[string]any) errcode.DeviceError {
	d.mu.Lock()
	socket := d.socket
	d.mu.Unlock()
	if socket == nil {
		return errcode.DeviceNotAvailable
	}

	calls := make([]any, 0, len(properties))
	for property, value := range properties {
		setter := propertySetter(property)
		d.mu.Lock()
		_, known := d.functionNames[setter]
		d.mu.Unlock()
		if !known {
			continue
		}
		calls = append(calls, map[string]any{
			"func": setter,
			"args": map[string]any{"val": value},
		})
	}

	socket.Send(protocol.Message{Cmd: "init", Params: calls})
	return errcode.DeviceNoError
}

func (d *socketDevice) State() device.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.socket != nil {
		return device.StateOnline
	}
	return device.StateOffline
}

func (d *socketDevice) AuthKeyEnabled() bool { return true }

func (d *socketDevice) SetAuthKey(key uint32) {
	d.mu.Lock()
	socket := d.socket
	d.authKey = key
	d.mu.Unlock()
	if socket != nil {
		socket.Send(protocol.Message{Cmd: "setkey", Params: key})
	}
}

func (d *socketDevice) AuthKey() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.authKey
}

func (d *socketDevice) StartFirmwareUpdate(args map[string]any) errcode.DeviceError {
	return d.TriggerFunction(".fwupdate", args, "")
}

// FirmwareVersion folds "<major>.<minor>" from the .fwvers property into a
// single comparable number. Devices without the property report -1.
func (d *socketDevice) FirmwareVersion() int {
	d.mu.Lock()
	raw, ok := d.properties[".fwvers"]
	d.mu.Unlock()
	if !ok {
		return -1
	}
	version, _ := raw.(string)
	if version == "" {
		return -2
	}

	major, minor := 0, 0
	if parts := strings.Split(version, "."); len(parts) > 1 {
		major, _ = strconv.Atoi(parts[0])
		minor, _ = strconv.Atoi(parts[1])
	}
	return major*1000 + minor
}

func (d *socketDevice) SetEvents(events device.Events) {
	d.mu.Lock()
	d.events = events
	d.mu.Unlock()
}

// propertySetter maps a property name to its setter RPC, "brightness" to
// "setBrightness".
func propertySetter(property string) string {
	if property == "" {
		return "set"
	}
	return "set" + strings.ToUpper(property[:1]) + property[1:]
}

func parseAuthKey(raw any) uint32 {
	switch v := raw.(type) {
	case float64:
		return uint32(v)
	case string:
		key, _ := strconv.ParseUint(v, 10, 32)
		return uint32(key)
	}
	return 0
}
