package hub

import (
	"sync"

	"github.com/quickhub/quickhub/internal/connection"
	"github.com/quickhub/quickhub/internal/device"
	"github.com/quickhub/quickhub/internal/errcode"
	"github.com/quickhub/quickhub/internal/protocol"
)

// deviceHandler exposes a device twin to clients. Function results tagged
// with a callback id go back to the calling channel only; everything else
// fans out.
type deviceHandler struct {
	*handlerBase
	handle *device.Handle

	cbMu      sync.Mutex
	cbSockets map[string]connection.Socket
	cbCleanup map[connection.Socket]struct{}
}

func newDeviceHandler(handle *device.Handle) *deviceHandler {
	h := &deviceHandler{
		handlerBase: newHandlerBase("device"),
		handle:      handle,
		cbSockets:   map[string]connection.Socket{},
		cbCleanup:   map[connection.Socket]struct{}{},
	}
	h.permitFn = tokenPermit(handle.IsPermitted)
	h.initFn = h.initHandle
	h.messageFn = h.handleMessage
	h.closeFn = func() { handle.Unsubscribe(h) }
	handle.Subscribe(h)
	return h
}

func (h *deviceHandler) initHandle(socket connection.Socket) {
	socket.Send(h.dumpMessage())
}

func (h *deviceHandler) dumpMessage() protocol.Message {
	return protocol.Message{
		Command: "device:dump",
		Parameters: map[string]any{
			"props":       h.handle.Properties(),
			"funcs":       h.handle.Functions(),
			"permissions": h.handle.Permissions(),
			"type":        h.handle.Type(),
			"desc":        h.handle.Description(),
			"uuid":        h.handle.UUID(),
			"suid":        h.handle.ShortUID(),
			"tmp":         h.handle.Temporary(),
			"on":          h.handle.State().Online(),
		},
	}
}

func (h *deviceHandler) handleMessage(msg protocol.Message, socket connection.Socket) {
	if msg.Token == "" {
		return
	}

	switch msg.Command {
	case "device:call":
		name := msg.StringParam("funcname")
		parameters := msg.MapParam("funcparams")
		cbID := msg.StringParam("cbID")
		err := h.handle.TriggerFunction(name, parameters, msg.Token, cbID)
		if err.OK() && cbID != "" {
			h.registerCallback(cbID, socket)
		}
		h.answerDevice(msg.Command, err, socket)

	case "device:setproperty":
		property := msg.StringParam("property")
		err := h.handle.SetDeviceProperty(property, msg.Param("value"), msg.Token)
		h.answerDevice(msg.Command, err, socket)

	case "device:description":
		h.handle.SetDescription(msg.StringParam("desc"))

	case "device:meta:set":
		for name, raw := range msg.Parameters {
			prop := h.handle.Property(name)
			if prop == nil {
				h.answerDevice(msg.Command, errcode.PropertyNotExists, socket)
				return
			}
			if values, ok := raw.(map[string]any); ok {
				for key, value := range values {
					prop.SetMetadata(key, value)
				}
			}
		}
	}
}

// registerCallback remembers which channel expects the result for a
// callback id. The entry is dropped when the result arrives or the channel
// dies.
func (h *deviceHandler) registerCallback(cbID string, socket connection.Socket) {
	h.cbMu.Lock()
	h.cbSockets[cbID] = socket
	_, seen := h.cbCleanup[socket]
	if !seen {
		h.cbCleanup[socket] = struct{}{}
	}
	h.cbMu.Unlock()

	if !seen {
		socket.OnDisconnected(func() { h.dropCallbacks(socket) })
	}
}

func (h *deviceHandler) dropCallbacks(socket connection.Socket) {
	h.cbMu.Lock()
	for cbID, s := range h.cbSockets {
		if s == socket {
			delete(h.cbSockets, cbID)
		}
	}
	delete(h.cbCleanup, socket)
	h.cbMu.Unlock()
}

func (h *deviceHandler) takeCallback(subject string) connection.Socket {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	socket, ok := h.cbSockets[subject]
	if ok {
		delete(h.cbSockets, subject)
	}
	return socket
}

// Twin listener callbacks.

func (h *deviceHandler) PropertySetValueChanged(name string, value any, dirty bool) {
	h.deployToAll(protocol.Message{
		Command: "device:prop:set",
		Parameters: map[string]any{
			name: map[string]any{"set": value, "dirty": dirty},
		},
	}, nil)
}

func (h *deviceHandler) PropertyRealValueChanged(name string, value any, dirty bool, timestamp int64) {
	h.deployToAll(protocol.Message{
		Command: "device:prop:set",
		Parameters: map[string]any{
			name: map[string]any{"real": value, "dirty": dirty, "timestamp": timestamp},
		},
	}, nil)
}

func (h *deviceHandler) PropertyConfirmed(name string, timestamp int64, accepted bool) {
	h.deployToAll(protocol.Message{
		Command: "device:prop:confirmed",
		Parameters: map[string]any{
			name: map[string]any{"timestamp": timestamp, "accepted": accepted},
		},
	}, nil)
}

func (h *deviceHandler) PropertyMetadataChanged(name, key string, value any) {
	h.deployToAll(protocol.Message{
		Command: "device:meta:set",
		Parameters: map[string]any{
			name: map[string]any{key: value},
		},
	}, nil)
}

func (h *deviceHandler) StateChanged(online bool) {
	h.deployToAll(protocol.Message{
		Command:    "device:statuschanged",
		Parameters: map[string]any{"online": online},
	}, nil)
}

func (h *deviceHandler) DataReceived(subject string, data map[string]any) {
	parameters := map[string]any{"subj": subject}
	if len(data) > 0 {
		parameters["data"] = data
	}
	msg := protocol.Message{Command: "device:data", Parameters: parameters}

	if socket := h.takeCallback(subject); socket != nil {
		socket.Send(msg)
		return
	}
	h.deployToAll(msg, nil)
}

func (h *deviceHandler) DescriptionChanged(description string) {
	h.deployToAll(protocol.Message{
		Command:    "device:description",
		Parameters: map[string]any{"desc": description},
	}, nil)
}

func (h *deviceHandler) TemporaryChanged(temporary bool) {
	h.deployToAll(protocol.Message{
		Command:    "device:tmpchanged",
		Parameters: map[string]any{"tmp": temporary},
	}, nil)
}

func (h *deviceHandler) Reinitialized() {
	h.deployToAll(h.dumpMessage(), nil)
}

// DeviceHandlerFactory serves device twins addressed by mapping.
type DeviceHandlerFactory struct {
	devices *device.Manager
}

func NewDeviceHandlerFactory(devices *device.Manager) *DeviceHandlerFactory {
	return &DeviceHandlerFactory{devices: devices}
}

func (f *DeviceHandlerFactory) ResourceType() string { return "device" }

func (f *DeviceHandlerFactory) ResourceID(descriptor, token string) string {
	return descriptor
}

func (f *DeviceHandlerFactory) CreateHandler(descriptor, token string) (ResourceHandler, errcode.CloudError) {
	handle := f.devices.HandleByMapping(descriptor)
	if handle == nil {
		return nil, errcode.UnknownItem
	}
	return newDeviceHandler(handle), errcode.NoError
}
