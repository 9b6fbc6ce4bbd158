package device

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quickhub/quickhub/internal/auth"
	"github.com/quickhub/quickhub/internal/errcode"
	"github.com/quickhub/quickhub/internal/storage"
)

// Listener receives twin state changes, typically to fan them out to
// attached clients.
type Listener interface {
	PropertySetValueChanged(name string, value any, dirty bool)
	PropertyRealValueChanged(name string, value any, dirty bool, timestamp int64)
	PropertyConfirmed(name string, timestamp int64, accepted bool)
	PropertyMetadataChanged(name, key string, value any)
	StateChanged(online bool)
	DataReceived(subject string, data map[string]any)
	DescriptionChanged(description string)
	TemporaryChanged(temporary bool)
	Reinitialized()
}

// Handle is the digital twin of a provisioned device. It tracks the device
// state and its properties and survives device disconnects; while the
// device is offline, client writes are kept dirty until the device comes
// back and confirms them.
type Handle struct {
	auth *auth.Service
	log  zerolog.Logger

	mu          sync.RWMutex
	path        string
	uuid        string
	shortID     string
	deviceType  string
	description string
	functions   []any
	properties  map[string]*Property
	permissions map[string]bool
	authKey     uint32
	secureCheck bool
	lastOnline  int64
	lastAccess  time.Time
	temporary   bool
	initialized bool
	firmware    int
	state       State
	device      Device
	listeners   []Listener
}

// NewHandle creates a twin for a known device uuid and restores its
// persisted state.
func NewHandle(uuid, path string, authService *auth.Service, log zerolog.Logger) *Handle {
	h := newHandle(path, authService, log)
	h.uuid = uuid
	h.loadLastData()
	return h
}

// NewTemporaryHandle creates a placeholder twin for a mapping that has no
// provisioned device yet.
func NewTemporaryHandle(authService *auth.Service, log zerolog.Logger) *Handle {
	h := newHandle("", authService, log)
	h.temporary = true
	return h
}

func newHandle(path string, authService *auth.Service, log zerolog.Logger) *Handle {
	return &Handle{
		auth:       authService,
		log:        log,
		path:       path,
		properties: map[string]*Property{},
		lastAccess: time.Now(),
	}
}

func (h *Handle) Subscribe(l Listener) {
	h.mu.Lock()
	h.listeners = append(h.listeners, l)
	h.mu.Unlock()
}

func (h *Handle) Unsubscribe(l Listener) {
	h.mu.Lock()
	for i, existing := range h.listeners {
		if existing == l {
			h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
			break
		}
	}
	h.mu.Unlock()
}

func (h *Handle) notify(fn func(Listener)) {
	h.mu.RLock()
	listeners := append([]Listener{}, h.listeners...)
	h.mu.RUnlock()
	for _, l := range listeners {
		fn(l)
	}
}

func (h *Handle) UUID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.uuid
}

func (h *Handle) Type() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.deviceType
}

func (h *Handle) ShortUID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.shortID
}

func (h *Handle) Description() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.description
}

// SetDescription stores a human readable alias for this device. It has no
// technical function and can change freely.
func (h *Handle) SetDescription(description string) {
	h.mu.Lock()
	h.description = description
	h.mu.Unlock()
	h.save()
	h.notify(func(l Listener) { l.DescriptionChanged(description) })
}

func (h *Handle) Temporary() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.temporary
}

func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *Handle) LastOnline() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastOnline
}

func (h *Handle) Functions() []any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.functions
}

func (h *Handle) Permissions() map[string]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	perms := make(map[string]bool, len(h.permissions))
	for k, v := range h.permissions {
		perms[k] = v
	}
	return perms
}

func (h *Handle) SetPermissions(permissions map[string]bool) {
	h.mu.Lock()
	h.permissions = permissions
	h.mu.Unlock()
}

func (h *Handle) AuthKey() uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.authKey
}

// SetAuthKey stores the provisioning secret and enables the key check for
// future registrations.
func (h *Handle) SetAuthKey(key uint32) {
	h.mu.Lock()
	h.authKey = key
	h.secureCheck = true
	h.mu.Unlock()
	h.save()
}

func (h *Handle) SecureCheckEnabled() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.secureCheck
}

func (h *Handle) FirmwareVersion() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.firmware
}

// Property returns the property object for name, nil when it doesn't exist.
// IsPermitted reports whether a token may observe this twin.
func (h *Handle) IsPermitted(token string) bool {
	if h.auth == nil {
		return true
	}
	return h.auth.ValidateToken(token) != nil
}

func (h *Handle) Property(name string) *Property {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.properties[name]
}

// PropertyValue returns the effective value of a property.
func (h *Handle) PropertyValue(name string) (any, bool) {
	h.mu.RLock()
	prop := h.properties[name]
	h.mu.RUnlock()
	if prop == nil {
		return nil, false
	}
	return prop.Value(), true
}

// Properties returns the persisted form of every property.
func (h *Handle) Properties() []any {
	h.mu.RLock()
	props := make([]*Property, 0, len(h.properties))
	for _, p := range h.properties {
		props = append(props, p)
	}
	h.mu.RUnlock()

	dump := make([]any, 0, len(props))
	for _, p := range props {
		dump = append(dump, p.toMap())
	}
	return dump
}

// SetDevice attaches a connected device to this twin.
func (h *Handle) SetDevice(d Device) bool {
	if d == nil {
		return false
	}

	h.mu.Lock()
	if h.device != nil {
		h.device.SetEvents(nil)
	}
	h.uuid = d.UUID()
	h.device = d
	h.state = d.State()
	h.firmware = d.FirmwareVersion()
	h.temporary = false
	h.mu.Unlock()

	d.SetEvents(h)
	h.notify(func(l Listener) { l.StateChanged(h.State().Online()) })
	h.notify(func(l Listener) { l.TemporaryChanged(false) })
	h.syncDevice()

	h.mu.Lock()
	first := !h.initialized
	h.initialized = true
	h.mu.Unlock()
	if first {
		h.notify(func(l Listener) { l.Reinitialized() })
	}

	h.save()
	return true
}

// RemoveDevice breaks the association between twin and device uuid. Used
// when a mapping is removed while the handle is still referenced.
func (h *Handle) RemoveDevice() bool {
	h.mu.Lock()
	if h.device == nil {
		h.mu.Unlock()
		return false
	}
	h.device.SetEvents(nil)
	h.device = nil
	h.uuid = ""
	h.initialized = false
	h.state = StateOffline
	h.temporary = true
	h.mu.Unlock()

	h.notify(func(l Listener) { l.StateChanged(false) })
	h.notify(func(l Listener) { l.TemporaryChanged(true) })
	h.save()
	return true
}

// DeviceDisconnected is called by the manager when the device connection
// drops. The twin stays provisioned and waits for the device to return.
func (h *Handle) DeviceDisconnected() {
	h.mu.Lock()
	if h.device == nil {
		h.mu.Unlock()
		return
	}
	h.device.SetEvents(nil)
	h.device = nil
	h.lastOnline = time.Now().UnixMilli()
	h.state = StateOffline
	h.mu.Unlock()

	h.save()
	h.notify(func(l Listener) { l.StateChanged(false) })
}

// SetDeviceProperty writes a target value. The property turns dirty until
// the device reports the new value back.
func (h *Handle) SetDeviceProperty(property string, value any, token string) errcode.DeviceError {
	if h.auth != nil && h.auth.ValidateToken(token) == nil {
		return errcode.DevicePermissionDenied
	}

	h.mu.RLock()
	prop := h.properties[property]
	device := h.device
	h.mu.RUnlock()

	if prop == nil {
		return errcode.PropertyNotExists
	}

	prop.setTargetValue(value)
	if device != nil {
		device.SetDeviceProperty(property, value)
	} else {
		h.save()
	}
	return errcode.DeviceNoError
}

// TriggerFunction invokes an RPC on the device. The caller identity is
// injected into the parameters so the device knows who asked.
func (h *Handle) TriggerFunction(name string, parameters map[string]any, token, cbID string) errcode.DeviceError {
	var identity auth.Identity
	if h.auth != nil {
		identity = h.auth.ValidateToken(token)
		if identity == nil {
			return errcode.DevicePermissionDenied
		}
	}

	h.mu.RLock()
	device := h.device
	online := h.state == StateOnline
	h.mu.RUnlock()

	if device == nil || !online {
		return errcode.DeviceNotAvailable
	}

	if parameters == nil {
		parameters = map[string]any{}
	}
	if identity != nil {
		parameters["caller"] = identity.IdentityID()
	}
	return device.TriggerFunction(name, parameters, cbID)
}

// StartFirmwareUpdate forwards an update request to the device.
func (h *Handle) StartFirmwareUpdate(args map[string]any) errcode.DeviceError {
	h.mu.RLock()
	device := h.device
	h.mu.RUnlock()
	if device == nil {
		return errcode.DeviceNotAvailable
	}
	return device.StartFirmwareUpdate(args)
}

// syncDevice reconciles the twin with a freshly attached device. The
// values reported by the device never clear the dirty flag here; pending
// client writes are delivered afterwards via InitDevice.
func (h *Handle) syncDevice() {
	h.mu.RLock()
	device := h.device
	h.mu.RUnlock()
	if device == nil {
		return
	}

	for name, value := range device.Properties() {
		h.mu.RLock()
		prop := h.properties[name]
		h.mu.RUnlock()
		if prop != nil {
			prop.setRealValue(value, true)
		} else {
			prop = newProperty(name, h)
			prop.setRealValue(value, false)
			h.mu.Lock()
			h.properties[name] = prop
			h.mu.Unlock()
		}
	}

	unconfirmed := map[string]any{}
	h.mu.RLock()
	for name, prop := range h.properties {
		if prop.Dirty() {
			unconfirmed[name] = prop.SetValue()
		}
	}
	h.mu.RUnlock()

	h.mu.Lock()
	h.functions = device.Functions()
	h.deviceType = device.Type()
	h.shortID = device.ShortID()
	h.mu.Unlock()

	device.InitDevice(unconfirmed)
	h.save()
}

// Events implementation, called by the attached device.

func (h *Handle) PropertyChanged(uuid, property string, value any) {
	h.mu.RLock()
	prop := h.properties[property]
	h.mu.RUnlock()
	if prop == nil {
		prop = newProperty(property, h)
		h.mu.Lock()
		h.properties[property] = prop
		h.mu.Unlock()
	}
	prop.setRealValue(value, false)
}

func (h *Handle) DataReceived(uuid, subject string, data map[string]any) {
	h.notify(func(l Listener) { l.DataReceived(subject, data) })
}

func (h *Handle) StateChanged(uuid string, state State) {
	h.mu.Lock()
	h.state = state
	h.mu.Unlock()
	if state == StateOnline {
		h.syncDevice()
	}
	h.notify(func(l Listener) { l.StateChanged(state.Online()) })
}

func (h *Handle) ForceSync() {
	h.syncDevice()
}

// propertyEvents implementation, called by Property objects.

func (h *Handle) propertySetValueChanged(name string, value any, dirty bool) {
	h.notify(func(l Listener) { l.PropertySetValueChanged(name, value, dirty) })
}

func (h *Handle) propertyRealValueChanged(name string, value any, dirty bool, timestamp int64) {
	h.notify(func(l Listener) { l.PropertyRealValueChanged(name, value, dirty, timestamp) })
}

func (h *Handle) propertyConfirmed(name string, timestamp int64, accepted bool) {
	h.notify(func(l Listener) { l.PropertyConfirmed(name, timestamp, accepted) })
}

func (h *Handle) propertyMetadataChanged(name, key string, value any) {
	h.save()
	h.notify(func(l Listener) { l.PropertyMetadataChanged(name, key, value) })
}

// Persistence.

func (h *Handle) setPath(path string) {
	h.mu.Lock()
	h.path = path
	h.mu.Unlock()
}

func (h *Handle) data() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	properties := map[string]any{}
	for name, prop := range h.properties {
		properties[name] = prop.toMap()
	}
	return map[string]any{
		"properties":    properties,
		"functions":     h.functions,
		"type":          h.deviceType,
		"lastOnline":    h.lastOnline,
		"description":   h.description,
		"authkey":       h.authKey,
		"enableauthkey": h.secureCheck,
		"shortID":       h.shortID,
	}
}

func (h *Handle) save() {
	h.mu.RLock()
	path := h.path
	temporary := h.temporary
	h.mu.RUnlock()
	if path == "" || temporary {
		return
	}
	if err := storage.SaveDocument(path, h.data()); err != nil {
		h.log.Error().Err(err).Str("uuid", h.UUID()).Msg("Failed to save device handle")
	}
}

func (h *Handle) loadLastData() {
	h.mu.RLock()
	path := h.path
	h.mu.RUnlock()
	if path == "" {
		return
	}
	data, err := storage.LoadDocument(path)
	if err != nil || len(data) == 0 {
		return
	}

	h.mu.Lock()
	h.deviceType, _ = data["type"].(string)
	h.functions, _ = data["functions"].([]any)
	h.shortID, _ = data["shortID"].(string)
	h.description, _ = data["description"].(string)
	if key, ok := data["authkey"].(float64); ok {
		h.authKey = uint32(key)
	}
	h.secureCheck, _ = data["enableauthkey"].(bool)
	if online, ok := data["lastOnline"].(float64); ok {
		h.lastOnline = int64(online)
	}
	h.mu.Unlock()

	properties, _ := data["properties"].(map[string]any)
	for name, raw := range properties {
		if propData, ok := raw.(map[string]any); ok {
			h.mu.Lock()
			h.properties[name] = newPropertyFromMap(name, propData, h)
			h.mu.Unlock()
		}
	}
}
