package device

import (
	"math/rand"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/quickhub/quickhub/internal/auth"
	"github.com/quickhub/quickhub/internal/errcode"
	"github.com/quickhub/quickhub/internal/logging"
	"github.com/quickhub/quickhub/internal/metrics"
	"github.com/quickhub/quickhub/internal/storage"
)

// Manager tracks connected devices and their twins. Provisioning assigns a
// mapping (a stable internal address) to a device uuid; the mapping table
// and the twins are persisted below the devices directory.
type Manager struct {
	auth  *auth.Service
	paths storage.Paths
	log   zerolog.Logger

	mu              sync.Mutex
	devices         map[string]Device  // uuid -> connected device
	handles         map[string]*Handle // uuid -> twin
	handleByMapping map[string]*Handle // mapping -> temporary twin
	mappings        map[string]string  // mapping -> uuid
	shortIDToUUID   map[string]string
	preparedHooks   map[string]string // uuid -> mapping, applied on register
	listenerID      int
	onChanged       map[int]func()
}

func NewManager(authService *auth.Service, paths storage.Paths) *Manager {
	m := &Manager{
		auth:            authService,
		paths:           paths,
		log:             logging.Component("devices"),
		devices:         map[string]Device{},
		handles:         map[string]*Handle{},
		handleByMapping: map[string]*Handle{},
		mappings:        map[string]string{},
		shortIDToUUID:   map[string]string{},
		preparedHooks:   map[string]string{},
		onChanged:       map[int]func(){},
	}
	m.loadMappings()
	m.loadHandles()
	return m
}

// OnChanged registers a callback fired whenever the device or mapping
// tables change. The device overview lists rebuild themselves from it. The
// returned function removes the callback again.
func (m *Manager) OnChanged(fn func()) func() {
	m.mu.Lock()
	m.listenerID++
	id := m.listenerID
	m.onChanged[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.onChanged, id)
		m.mu.Unlock()
	}
}

func (m *Manager) notifyChanged() {
	m.mu.Lock()
	callbacks := make([]func(), 0, len(m.onChanged))
	for _, fn := range m.onChanged {
		callbacks = append(callbacks, fn)
	}
	m.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// RegisterDevice must be called every time a device logs on. When the
// device is already provisioned, its twin picks it up; a prepared hook is
// applied if one is waiting for this uuid.
func (m *Manager) RegisterDevice(d Device) bool {
	uuid := d.UUID()

	m.mu.Lock()
	m.shortIDToUUID[strings.ToUpper(d.ShortID())] = uuid
	m.devices[uuid] = d
	handle := m.handleFor(uuid)
	prepared, hasPrepared := m.preparedHooks[uuid]
	m.mu.Unlock()

	m.log.Info().Str("uuid", uuid).Str("type", d.Type()).Msg("Device registered")
	metrics.DevicesOnline.Inc()

	if handle != nil {
		if handle.SecureCheckEnabled() && handle.AuthKey() != d.AuthKey() {
			m.log.Warn().Str("uuid", uuid).Msg("Wrong authentication key, device rejected")
		} else {
			handle.SetDevice(d)
		}
	}

	if hasPrepared {
		if m.hook(prepared, uuid, true) == errcode.NoError {
			m.mu.Lock()
			delete(m.preparedHooks, uuid)
			m.mu.Unlock()
		}
	}

	m.notifyChanged()
	return true
}

// DeregisterDevice is called when the device connection drops.
func (m *Manager) DeregisterDevice(uuid string) {
	m.mu.Lock()
	_, known := m.devices[uuid]
	if known {
		delete(m.devices, uuid)
	}
	handle := m.handles[uuid]
	m.mu.Unlock()
	if !known {
		return
	}

	m.log.Info().Str("uuid", uuid).Msg("Device deregistered")
	metrics.DevicesOnline.Dec()
	if handle != nil {
		handle.DeviceDisconnected()
	}
	m.notifyChanged()
}

func (m *Manager) Exists(uuid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.devices[uuid]
	return ok
}

// SetDeviceMapping provisions a device. With an empty uuid the existing
// mapping is removed instead. Requires the manageDevices permission.
func (m *Manager) SetDeviceMapping(token, mapping, uuid string, force bool) errcode.CloudError {
	identity := m.auth.ValidateToken(token)
	if identity == nil || !identity.IsAuthorizedTo(auth.PermManageDevices) {
		return errcode.PermissionDenied
	}

	if uuid == "" {
		return m.unhook(mapping)
	}
	return m.hook(mapping, uuid, force)
}

// SetDeviceMappingByShortID provisions via the device's short id.
func (m *Manager) SetDeviceMappingByShortID(token, mapping, shortID string, force bool) errcode.CloudError {
	m.mu.Lock()
	uuid := m.shortIDToUUID[strings.ToUpper(shortID)]
	m.mu.Unlock()
	if uuid == "" {
		return errcode.InvalidData
	}
	return m.SetDeviceMapping(token, mapping, uuid, force)
}

// PrepareDeviceMapping registers a mapping for a device that is not yet
// connected. The hook is applied as soon as the device logs on.
func (m *Manager) PrepareDeviceMapping(token, mapping, uuid string) errcode.CloudError {
	identity := m.auth.ValidateToken(token)
	if identity == nil || !identity.IsAuthorizedTo(auth.PermManageDevices) {
		return errcode.PermissionDenied
	}

	if m.hook(mapping, uuid, true) != errcode.NoError {
		m.mu.Lock()
		m.preparedHooks[uuid] = mapping
		m.mu.Unlock()
	}
	return errcode.NoError
}

func (m *Manager) Mappings() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	mappings := make(map[string]string, len(m.mappings))
	for k, v := range m.mappings {
		mappings[k] = v
	}
	return mappings
}

func (m *Manager) HandleByUUID(uuid string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[uuid]
}

// HandleByMapping returns the twin for a mapping. When the mapping is not
// provisioned yet, a temporary twin is created so clients can already
// attach to the address.
func (m *Manager) HandleByMapping(mapping string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	if uuid := m.mappings[mapping]; uuid != "" {
		if handle := m.handles[uuid]; handle != nil {
			return handle
		}
	}
	if handle := m.handleByMapping[mapping]; handle != nil {
		return handle
	}

	handle := NewTemporaryHandle(m.auth, m.log)
	m.handleByMapping[mapping] = handle
	return handle
}

func (m *Manager) Handles() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	return handles
}

func (m *Manager) Devices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	uuids := make([]string, 0, len(m.devices))
	for uuid := range m.devices {
		uuids = append(uuids, uuid)
	}
	return uuids
}

func (m *Manager) DeviceByUUID(uuid string) Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devices[uuid]
}

func (m *Manager) UUIDByMapping(mapping string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mappings[mapping]
}

func (m *Manager) TypeForUUID(uuid string) string {
	m.mu.Lock()
	device := m.devices[uuid]
	m.mu.Unlock()
	if device == nil {
		return ""
	}
	return device.Type()
}

func (m *Manager) UUIDForShortID(shortID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shortIDToUUID[strings.ToUpper(shortID)]
}

// MappingForUUID returns the address a device uuid is hooked to.
func (m *Manager) MappingForUUID(uuid string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for mapping, mapped := range m.mappings {
		if mapped == uuid {
			return mapping
		}
	}
	return ""
}

func (m *Manager) hook(mapping, uuid string, force bool) errcode.CloudError {
	m.mu.Lock()
	device := m.devices[uuid]
	m.mu.Unlock()
	if device == nil {
		// Device needs to be online for provisioning.
		return errcode.PermissionDenied
	}

	m.mu.Lock()
	mapped, mappingTaken := m.mappings[mapping]
	m.mu.Unlock()
	if mappingTaken {
		if mapped == uuid {
			// Already hooked to this address; keep the auth key stable.
			return errcode.NoError
		}
		m.unhook(mapping)
	}

	if existing := m.MappingForUUID(uuid); existing != "" {
		if !force {
			return errcode.AlreadyExists
		}
		m.unhook(existing)
	}

	var key uint32
	if device.AuthKeyEnabled() {
		key = rand.Uint32()
		device.SetAuthKey(key)
	}

	m.mu.Lock()
	m.mappings[mapping] = uuid
	temporary := m.handleByMapping[mapping]
	delete(m.handleByMapping, mapping)
	m.mu.Unlock()

	var handle *Handle
	if temporary != nil {
		// A client already attached to this address before provisioning.
		temporary.setPath(m.paths.DeviceHandleFile(uuid))
		temporary.SetDevice(device)
		handle = temporary
		m.mu.Lock()
		m.handles[uuid] = handle
		m.mu.Unlock()
	} else {
		m.mu.Lock()
		handle = m.handleFor(uuid)
		created := false
		if handle == nil {
			handle = m.addHandle(uuid)
			created = true
		}
		m.mu.Unlock()
		if created {
			handle.SetDevice(device)
		}
	}
	if key != 0 {
		handle.SetAuthKey(key)
	}
	handle.SetPermissions(device.RequestedPermissions())

	m.saveMappings()
	m.notifyChanged()
	return errcode.NoError
}

func (m *Manager) unhook(mapping string) errcode.CloudError {
	m.mu.Lock()
	uuid := m.mappings[mapping]
	if uuid == "" {
		m.mu.Unlock()
		return errcode.InvalidData
	}

	delete(m.mappings, mapping)
	handle := m.handles[uuid]
	delete(m.handles, uuid)
	if handle != nil {
		// Clients still attached keep the handle alive as a temporary
		// twin; it may be reused if the address is provisioned again.
		m.handleByMapping[mapping] = handle
	}
	m.mu.Unlock()

	m.log.Info().Str("mapping", mapping).Str("uuid", uuid).Msg("Mapping removed")
	if handle != nil {
		handle.RemoveDevice()
	}
	m.saveMappings()
	m.notifyChanged()
	return errcode.NoError
}

// handleFor must be called with the lock held.
func (m *Manager) handleFor(uuid string) *Handle {
	return m.handles[uuid]
}

// addHandle must be called with the lock held.
func (m *Manager) addHandle(uuid string) *Handle {
	if handle, ok := m.handles[uuid]; ok {
		return handle
	}
	handle := NewHandle(uuid, m.paths.DeviceHandleFile(uuid), m.auth, m.log)
	m.handles[uuid] = handle
	return handle
}

func (m *Manager) saveMappings() {
	m.mu.Lock()
	mappings := make(map[string]any, len(m.mappings))
	for k, v := range m.mappings {
		mappings[k] = v
	}
	m.mu.Unlock()

	doc := map[string]any{"mappings": mappings}
	if err := storage.SaveDocument(m.paths.DeviceMappingsFile(), doc); err != nil {
		m.log.Error().Err(err).Msg("Failed to save device mappings")
	}
}

func (m *Manager) loadMappings() {
	data, err := storage.LoadDocument(m.paths.DeviceMappingsFile())
	if err != nil || len(data) == 0 {
		return
	}
	mappings, _ := data["mappings"].(map[string]any)
	m.mu.Lock()
	for mapping, raw := range mappings {
		if uuid, ok := raw.(string); ok {
			m.mappings[mapping] = uuid
		}
	}
	m.mu.Unlock()
}

// loadHandles restores twins for every provisioned device.
func (m *Manager) loadHandles() {
	m.mu.Lock()
	uuids := map[string]struct{}{}
	for _, uuid := range m.mappings {
		uuids[uuid] = struct{}{}
	}
	for uuid := range uuids {
		m.addHandle(uuid)
	}
	m.mu.Unlock()
}
