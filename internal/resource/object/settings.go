package object

import (
	"strings"
	"sync"

	"github.com/quickhub/quickhub/internal/auth"
	"github.com/quickhub/quickhub/internal/errcode"
	"github.com/quickhub/quickhub/internal/resource"
	"github.com/quickhub/quickhub/internal/storage"
)

// SettingsFactory serves object descriptors under the "settings/" prefix.
// Settings are server configuration, so writes always require administrator
// rights and reads do too unless the descriptor asks for public readability.
//
// Instances are cached strongly so that server components and attached
// clients always share the same object, regardless of registry refcounts.
type SettingsFactory struct {
	auth  *auth.Service
	paths storage.Paths

	mu    sync.Mutex
	cache map[string]*Resource
}

func NewSettingsFactory(authService *auth.Service, paths storage.Paths) *SettingsFactory {
	return &SettingsFactory{
		auth:  authService,
		paths: paths,
		cache: map[string]*Resource{},
	}
}

func (f *SettingsFactory) ResourceType() string     { return "object" }
func (f *SettingsFactory) DescriptorPrefix() string { return "settings/" }

func (f *SettingsFactory) ResourceID(descriptor string, identity auth.Identity) string {
	// Settings are global, never spliced into a user's home tree.
	return resource.QualifiedName(trimDescriptor(descriptor), "object", nil)
}

func (f *SettingsFactory) CreateResource(descriptor string, identity auth.Identity) (resource.Resource, errcode.CloudError) {
	res, errc := f.settingsResource(descriptor)
	if !errc.OK() {
		return nil, errc
	}
	return res, errcode.NoError
}

func (f *SettingsFactory) settingsResource(descriptor string) (*Resource, errcode.CloudError) {
	qualified := f.ResourceID(descriptor, nil)
	if qualified == "" {
		return nil, errcode.InvalidDescriptor
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if res, ok := f.cache[qualified]; ok {
		return res, errcode.NoError
	}

	store, err := storage.NewFileObjectStorage(f.paths.ResourceFile(qualified))
	if err != nil {
		return nil, errcode.StorageError
	}
	res := NewResource(f.auth, store)

	params := resource.ParseParameters(descriptor)
	public := false
	switch v := params["publiclyReadable"].(type) {
	case string:
		public = v == "true"
	case bool:
		public = v
	}
	res.RequireAdmin(!public, true)

	f.cache[qualified] = res
	return res, errcode.NoError
}

func trimDescriptor(descriptor string) string {
	if i := strings.IndexAny(descriptor, "?:"); i >= 0 {
		return descriptor[:i]
	}
	return descriptor
}

// SettingsManager is the server side view on settings objects. It bypasses
// token checks; callers are trusted internal components.
type SettingsManager struct {
	factory *SettingsFactory
}

func NewSettingsManager(factory *SettingsFactory) *SettingsManager {
	return &SettingsManager{factory: factory}
}

// InitSetting registers a default value. The value is only written when the
// setting does not exist yet, so persisted configuration wins.
func (m *SettingsManager) InitSetting(group, key string, value any) errcode.CloudError {
	res, errc := m.factory.settingsResource("settings/" + group)
	if !errc.OK() {
		return errc
	}
	if _, ok := res.Property(key); ok {
		return errcode.NoError
	}
	_, errc = res.SetPropertyBy(key, value, nil, nil)
	return errc
}

// SetSetting writes a setting unconditionally.
func (m *SettingsManager) SetSetting(group, key string, value any) errcode.CloudError {
	res, errc := m.factory.settingsResource("settings/" + group)
	if !errc.OK() {
		return errc
	}
	_, errc = res.SetPropertyBy(key, value, nil, nil)
	return errc
}

// GetSetting returns the raw value of a setting, unwrapped from its storage
// envelope.
func (m *SettingsManager) GetSetting(group, key string) (any, bool) {
	res, errc := m.factory.settingsResource("settings/" + group)
	if !errc.OK() {
		return nil, false
	}
	raw, ok := res.Property(key)
	if !ok {
		return nil, false
	}
	if wrapped, ok := raw.(map[string]any); ok {
		return wrapped["data"], true
	}
	return raw, true
}

// GetSettings returns all settings of a group, unwrapped.
func (m *SettingsManager) GetSettings(group string) map[string]any {
	res, errc := m.factory.settingsResource("settings/" + group)
	if !errc.OK() {
		return map[string]any{}
	}
	settings := map[string]any{}
	for key, raw := range res.ObjectData() {
		if wrapped, ok := raw.(map[string]any); ok {
			settings[key] = wrapped["data"]
		} else {
			settings[key] = raw
		}
	}
	return settings
}

// GetString is a typed convenience accessor.
func (m *SettingsManager) GetString(group, key, fallback string) string {
	if v, ok := m.GetSetting(group, key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

// GetBool is a typed convenience accessor.
func (m *SettingsManager) GetBool(group, key string, fallback bool) bool {
	if v, ok := m.GetSetting(group, key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}
