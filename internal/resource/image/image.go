// Package image implements the synchronized image collection resource.
// Raw image bytes live next to a JSON index carrying per image metadata.
package image

import (
	"errors"
	"sync"
	"time"

	"github.com/quickhub/quickhub/internal/auth"
	"github.com/quickhub/quickhub/internal/errcode"
	"github.com/quickhub/quickhub/internal/storage"
)

// Storage abstracts the persistence backend of an image collection.
type Storage interface {
	InsertImage(data []byte, metadata map[string]any, uid string) error
	DeleteImage(uid string) error
	AllImageIDs() []string
	ImageMetadata(uid string) (map[string]any, bool)
	AllMetadata() map[string]map[string]any
	Image(uid string) ([]byte, error)
}

// Listener receives collection change notifications.
type Listener interface {
	ImageAdded(uid string, metadata map[string]any, user auth.Identity)
	ImageRemoved(uid string, user auth.Identity)
}

// Resource is a synchronized image collection.
type Resource struct {
	auth    *auth.Service
	dynamic bool

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

func (r *Resource) ResourceType() string { return "imgcoll" }
func (r *Resource) DynamicContent() bool { return r.dynamic }

func (r *Resource) LastAccess() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastAccess
}

func (r *Resource) Close() error { return nil }

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
	return r.auth.ValidateToken(token) != nil
}

func (r *Resource) ImageIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.storage.AllImageIDs()
}

func (r *Resource) Image(uid string) ([]byte, errcode.CloudError) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, err := r.storage.Image(uid)
	if err != nil {
		if errors.Is(err, storage.ErrNoSuchImage) {
			return nil, errcode.UnknownItem
		}
		return nil, errcode.StorageError
	}
	return data, errcode.NoError
}

func (r *Resource) MetadataFor(uid string) (map[string]any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.storage.ImageMetadata(uid)
}

func (r *Resource) AllMetadata() map[string]map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.storage.AllMetadata()
}

// Insert stores an image under uid. The metadata is stamped with the
// uploading user and a millisecond timestamp.
func (r *Resource) Insert(uid string, data []byte, metadata map[string]any, token string, origin Listener) errcode.CloudError {
	user := r.auth.ValidateToken(token)
	if user == nil {
		return errcode.PermissionDenied
	}

	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["userid"] = user.IdentityID()
	metadata["timestamp"] = time.Now().UnixMilli()

	r.mu.Lock()
	r.lastAccess = time.Now()
	err := r.storage.InsertImage(data, metadata, uid)
	r.mu.Unlock()
	if err != nil {
		if errors.Is(err, storage.ErrImageExists) {
			return errcode.AlreadyExists
		}
		return errcode.StorageError
	}
	r.notify(origin, func(l Listener) { l.ImageAdded(uid, metadata, user) })
	return errcode.NoError
}

func (r *Resource) Delete(uid, token string, origin Listener) errcode.CloudError {
	user := r.auth.ValidateToken(token)
	if user == nil {
		return errcode.PermissionDenied
	}

	r.mu.Lock()
	r.lastAccess = time.Now()
	err := r.storage.DeleteImage(uid)
	r.mu.Unlock()
	if err != nil {
		if errors.Is(err, storage.ErrNoSuchImage) {
			return errcode.UnknownItem
		}
		return errcode.StorageError
	}
	r.notify(origin, func(l Listener) { l.ImageRemoved(uid, user) })
	return errcode.NoError
}
