// Package object implements the synchronized object resource, a property
// map whose changes fan out to all subscribers.
package object

import (
	"sync"
	"time"

	"github.com/quickhub/quickhub/internal/auth"
	"github.com/quickhub/quickhub/internal/errcode"
)

// Storage abstracts the persistence backend of an object resource.
type Storage interface {
	InsertProperty(name string, value any) error
	Property(name string) (any, bool)
	AllProperties() map[string]any
	SetMetadata(metadata map[string]any) error
	Metadata() map[string]any
	Sync() error
}

// Listener receives property change notifications.
type Listener interface {
	PropertyChanged(property string, value map[string]any, user auth.Identity)
}

// Resource is a synchronized object. Property values are wrapped with the
// modifying user and a timestamp before they are stored.
type Resource struct {
	auth    *auth.Service
	dynamic bool

	readRequiresAdmin  bool
	writeRequiresAdmin bool

	mu         sync.RWMutex
	storage    Storage
	lastAccess time.Time
	listeners  []Listener
}

func NewResource(authService *auth.Service, store Storage) *Resource {
	return &Resource{
		auth:       authService,
		storage:    store,
		lastAccess: time.Now(),
	}
}

func (r *Resource) SetDynamicContent(dynamic bool) { r.dynamic = dynamic }

// RequireAdmin restricts reads or writes to administrators. Settings
// objects use this.
func (r *Resource) RequireAdmin(read, write bool) {
	r.readRequiresAdmin = read
	r.writeRequiresAdmin = write
}

func (r *Resource) ResourceType() string { return "object" }
func (r *Resource) DynamicContent() bool { return r.dynamic }

func (r *Resource) LastAccess() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastAccess
}

func (r *Resource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.storage.Sync()
}

func (r *Resource) Subscribe(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

func (r *Resource) Unsubscribe(l Listener) {
	r.mu.Lock()
	for i, existing := range r.listeners {
		if existing == l {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
}

func (r *Resource) notify(origin Listener, fn func(Listener)) {
	r.mu.RLock()
	listeners := append([]Listener{}, r.listeners...)
	r.mu.RUnlock()
	for _, l := range listeners {
		if l == origin {
			continue
		}
		fn(l)
	}
}

// IsPermittedToRead reports whether the token may attach to this resource.
func (r *Resource) IsPermittedToRead(token string) bool {
	identity := r.auth.ValidateToken(token)
	if identity == nil {
		return false
	}
	if r.readRequiresAdmin {
		return identity.IsAuthorizedTo(auth.PermIsAdmin)
	}
	return true
}

func (r *Resource) writer(token string) (auth.Identity, errcode.CloudError) {
	identity := r.auth.ValidateToken(token)
	if identity == nil {
		return nil, errcode.InvalidToken
	}
	if r.writeRequiresAdmin && !identity.IsAuthorizedTo(auth.PermIsAdmin) {
		return nil, errcode.PermissionDenied
	}
	return identity, errcode.NoError
}

func (r *Resource) ObjectData() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.storage.AllProperties()
}

func (r *Resource) Property(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.storage.Property(name)
}

func (r *Resource) MetaData() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.storage.Metadata()
}

// SetProperty wraps the value with modifier and timestamp, stores it and
// notifies every listener except the originator. The wrapped value is
// returned for the originator's reply.
func (r *Resource) SetProperty(property string, data any, token string, origin Listener) (map[string]any, errcode.CloudError) {
	user, errc := r.writer(token)
	if !errc.OK() {
		return nil, errc
	}
	return r.SetPropertyBy(property, data, user, origin)
}

// SetPropertyBy skips token validation for callers that already hold an
// identity, such as server side settings writes.
func (r *Resource) SetPropertyBy(property string, data any, user auth.Identity, origin Listener) (map[string]any, errcode.CloudError) {
	value := map[string]any{
		"data":       data,
		"lastupdate": time.Now().UnixMilli(),
	}
	if user != nil {
		value["userid"] = user.IdentityID()
	}

	r.mu.Lock()
	r.lastAccess = time.Now()
	err := r.storage.InsertProperty(property, value)
	r.mu.Unlock()
	if err != nil {
		return nil, errcode.StorageError
	}
	r.notify(origin, func(l Listener) { l.PropertyChanged(property, value, user) })
	return value, errcode.NoError
}

func (r *Resource) SetMetadata(metadata map[string]any) errcode.CloudError {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastAccess = time.Now()
	if err := r.storage.SetMetadata(metadata); err != nil {
		return errcode.StorageError
	}
	return errcode.NoError
}
