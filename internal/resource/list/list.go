// Package list implements the synchronized list resource. Items are opaque
// payloads wrapped in an envelope carrying uuid, owner and timestamps; all
// mutations fan out to subscribed listeners so connected clients stay in
// sync.
package list

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quickhub/quickhub/internal/auth"
	"github.com/quickhub/quickhub/internal/errcode"
	"github.com/quickhub/quickhub/internal/storage"
)

// Storage abstracts the persistence backend of a list resource.
type Storage interface {
	AppendItem(item any) error
	InsertAt(item any, index int) error
	AppendList(items []any) error
	RemoveItem(ref storage.ItemRef) error
	DeleteList() error
	ClearList() error
	Set(item any, ref storage.ItemRef) error
	Item(ref storage.ItemRef) (any, bool)
	List() []any
	Metadata() map[string]any
	SetMetadata(metadata map[string]any) error
	Count() int
	Sync() error
}

// Listener receives change notifications. The originator of a change is
// excluded from the notification; it learns the outcome from the returned
// Result instead.
type Listener interface {
	ItemAppended(item any, user auth.Identity)
	ItemInserted(item any, index int, user auth.Identity)
	ListAppended(items []any, user auth.Identity)
	ItemRemoved(index int, uuid string, user auth.Identity)
	ItemSet(item any, index int, uuid string, user auth.Identity)
	PropertySet(property string, item map[string]any, index int, uuid string, user auth.Identity, timestamp int64)
	ListCleared(user auth.Identity)
	ListDeleted(user auth.Identity)
	MetadataChanged(metadata map[string]any)
	Reset(count int)
}

// Result carries the outcome of a mutation: the enveloped item (or items)
// as persisted, ready for fan-out.
type Result struct {
	Data any
	Err  errcode.CloudError
}

// Resource is a synchronized list.
type Resource struct {
	auth    *auth.Service
	dynamic bool

	mu         sync.RWMutex
	storage    Storage
	lastAccess time.Time
	listeners  []Listener
	filterFn   func(query map[string]any) bool

	allowUserAccess bool
}

func NewResource(authService *auth.Service, store Storage) *Resource {
	return &Resource{
		auth:            authService,
		storage:         store,
		lastAccess:      time.Now(),
		allowUserAccess: true,
	}
}

// SetDynamicContent marks the resource as per-client. Dynamic resources are
// not cached by the registry.
func (r *Resource) SetDynamicContent(dynamic bool) { r.dynamic = dynamic }

// SetAllowUserAccess toggles direct client mutations. Administrative lists
// that are populated by the server disable this.
func (r *Resource) SetAllowUserAccess(allowed bool) { r.allowUserAccess = allowed }

func (r *Resource) ResourceType() string { return "synclist" }
func (r *Resource) DynamicContent() bool { return r.dynamic }

// SetFilterFunc installs a query filter. Dynamic server side wrappers use
// this to narrow their content; they regenerate the list via ResetData when
// the query changes.
func (r *Resource) SetFilterFunc(fn func(query map[string]any) bool) {
	r.mu.Lock()
	r.filterFn = fn
	r.mu.Unlock()
}

// ApplyFilter forwards a filter query to the installed filter. Resources
// without one reject the query.
func (r *Resource) ApplyFilter(query map[string]any) bool {
	r.mu.RLock()
	fn := r.filterFn
	r.mu.RUnlock()
	if fn == nil {
		return false
	}
	return fn(query)
}

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

// Subscribe registers a listener for change fan-out.
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

// notify calls fn for every listener except the originator.
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

func (r *Resource) ListData() []any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.storage.List()
}

func (r *Resource) Item(index int, uuid string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.storage.Item(storage.ItemRef{Index: index, UUID: uuid})
}

func (r *Resource) Metadata() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.storage.Metadata()
}

func (r *Resource) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.storage.Count()
}

// envelope wraps a payload in the persisted item form.
func (r *Resource) envelope(user auth.Identity) map[string]any {
	item := map[string]any{
		"timestamp": time.Now().UnixMilli(),
		"uuid":      uuid.NewString(),
	}
	if user != nil {
		item["userid"] = user.IdentityID()
	}
	return item
}

func (r *Resource) identityFor(token string) (auth.Identity, errcode.CloudError) {
	user := r.auth.ValidateToken(token)
	if user == nil || !r.allowUserAccess {
		return nil, errcode.PermissionDenied
	}
	return user, errcode.NoError
}

// AppendItem wraps the payload and appends it.
func (r *Resource) AppendItem(data any, token string, origin Listener) Result {
	user, err := r.identityFor(token)
	if !err.OK() {
		return Result{Err: err}
	}
	return r.AppendItemBy(data, user, origin)
}

// AppendItemBy is the internal flavour that skips token validation.
func (r *Resource) AppendItemBy(data any, user auth.Identity, origin Listener) Result {
	item := r.envelope(user)
	item["data"] = data

	r.mu.Lock()
	r.lastAccess = time.Now()
	storeErr := r.storage.AppendItem(item)
	r.mu.Unlock()
	if storeErr != nil {
		return Result{Err: errcode.StorageError}
	}
	r.notify(origin, func(l Listener) { l.ItemAppended(item, user) })
	return Result{Data: item}
}

func (r *Resource) InsertAt(data any, index int, token string, origin Listener) Result {
	user, err := r.identityFor(token)
	if !err.OK() {
		return Result{Err: err}
	}
	if index < 0 {
		return Result{Err: errcode.InvalidParameters}
	}
	item := r.envelope(user)
	item["data"] = data

	r.mu.Lock()
	r.lastAccess = time.Now()
	// an index beyond the end appends; the fan-out carries the
	// effective position
	if count := r.storage.Count(); index > count {
		index = count
	}
	storeErr := r.storage.InsertAt(item, index)
	r.mu.Unlock()
	if storeErr != nil {
		if errors.Is(storeErr, storage.ErrNoSuchItem) {
			return Result{Err: errcode.InvalidParameters}
		}
		return Result{Err: errcode.StorageError}
	}
	r.notify(origin, func(l Listener) { l.ItemInserted(item, index, user) })
	return Result{Data: item}
}

func (r *Resource) AppendList(data []any, token string, origin Listener) Result {
	user, err := r.identityFor(token)
	if !err.OK() {
		return Result{Err: err}
	}
	return r.AppendListBy(data, user, origin)
}

func (r *Resource) AppendListBy(data []any, user auth.Identity, origin Listener) Result {
	items := make([]any, 0, len(data))
	for _, payload := range data {
		item := r.envelope(user)
		item["data"] = payload
		items = append(items, item)
	}

	r.mu.Lock()
	r.lastAccess = time.Now()
	storeErr := r.storage.AppendList(items)
	r.mu.Unlock()
	if storeErr != nil {
		return Result{Err: errcode.StorageError}
	}
	r.notify(origin, func(l Listener) { l.ListAppended(items, user) })
	return Result{Data: items}
}

// ResetData replaces the whole content. Used by server side wrappers that
// regenerate their lists.
func (r *Resource) ResetData(data []any, user auth.Identity) {
	items := make([]any, 0, len(data))
	for _, payload := range data {
		item := r.envelope(user)
		item["data"] = payload
		items = append(items, item)
	}

	r.mu.Lock()
	r.lastAccess = time.Now()
	r.storage.ClearList()
	storeErr := r.storage.AppendList(items)
	count := r.storage.Count()
	r.mu.Unlock()
	if storeErr == nil {
		r.notify(nil, func(l Listener) { l.Reset(count) })
	}
}

func (r *Resource) RemoveItem(uuid string, index int, token string, origin Listener) Result {
	user, err := r.identityFor(token)
	if !err.OK() {
		return Result{Err: err}
	}
	return r.RemoveItemBy(uuid, index, user, origin)
}

func (r *Resource) RemoveItemBy(uuid string, index int, user auth.Identity, origin Listener) Result {
	r.mu.Lock()
	r.lastAccess = time.Now()
	storeErr := r.storage.RemoveItem(storage.ItemRef{Index: index, UUID: uuid})
	r.mu.Unlock()
	if storeErr != nil {
		if errors.Is(storeErr, storage.ErrNoSuchItem) {
			return Result{Err: errcode.UnknownItem}
		}
		return Result{Err: errcode.StorageError}
	}
	r.notify(origin, func(l Listener) { l.ItemRemoved(index, uuid, user) })
	return Result{}
}

func (r *Resource) DeleteList(token string, origin Listener) Result {
	user, err := r.identityFor(token)
	if !err.OK() {
		return Result{Err: err}
	}

	r.mu.Lock()
	r.lastAccess = time.Now()
	storeErr := r.storage.DeleteList()
	r.mu.Unlock()
	if storeErr != nil {
		return Result{Err: errcode.StorageError}
	}
	r.notify(origin, func(l Listener) { l.ListDeleted(user) })
	return Result{}
}

func (r *Resource) ClearList(token string, origin Listener) Result {
	user, err := r.identityFor(token)
	if !err.OK() {
		return Result{Err: err}
	}

	r.mu.Lock()
	r.lastAccess = time.Now()
	storeErr := r.storage.ClearList()
	r.mu.Unlock()
	if storeErr != nil {
		return Result{Err: errcode.StorageError}
	}
	r.notify(origin, func(l Listener) { l.ListCleared(user) })
	return Result{}
}

// Set replaces the payload of an item, stamping the modifier and time.
func (r *Resource) Set(data any, index int, uuid, token string, origin Listener) Result {
	user, err := r.identityFor(token)
	if !err.OK() {
		return Result{Err: err}
	}

	ref := storage.ItemRef{Index: index, UUID: uuid}
	r.mu.Lock()
	r.lastAccess = time.Now()
	existing, ok := r.storage.Item(ref)
	if !ok {
		r.mu.Unlock()
		return Result{Err: errcode.UnknownItem}
	}
	item, _ := existing.(map[string]any)
	if item == nil {
		item = map[string]any{}
	}
	item["lastupdate"] = time.Now().UnixMilli()
	item["data"] = data
	item["userid"] = user.IdentityID()
	storeErr := r.storage.Set(item, ref)
	r.mu.Unlock()
	if storeErr != nil {
		return Result{Err: errcode.InvalidParameters}
	}
	r.notify(origin, func(l Listener) { l.ItemSet(item, index, uuid, user) })
	return Result{Data: item}
}

// SetProperty updates a single key inside an item's payload.
func (r *Resource) SetProperty(property string, data any, index int, uuid, token string, origin Listener) Result {
	user, err := r.identityFor(token)
	if !err.OK() {
		return Result{Err: err}
	}
	if index < 0 {
		return Result{Err: errcode.InvalidParameters}
	}

	ref := storage.ItemRef{Index: index, UUID: uuid}
	r.mu.Lock()
	r.lastAccess = time.Now()
	existing, ok := r.storage.Item(ref)
	if !ok {
		r.mu.Unlock()
		return Result{Err: errcode.UnknownItem}
	}
	item, _ := existing.(map[string]any)
	if item == nil {
		item = map[string]any{}
	}
	timestamp := time.Now().UnixMilli()
	item["lastupdate"] = timestamp
	item["userid"] = user.IdentityID()
	payload, _ := item["data"].(map[string]any)
	if payload == nil {
		payload = map[string]any{}
	}
	payload[property] = data
	item["data"] = payload
	storeErr := r.storage.Set(item, ref)
	r.mu.Unlock()
	if storeErr != nil {
		return Result{Err: errcode.StorageError}
	}
	r.notify(origin, func(l Listener) { l.PropertySet(property, item, index, uuid, user, timestamp) })
	return Result{Data: item}
}

func (r *Resource) SetMetadata(metadata map[string]any, token string, origin Listener) Result {
	if _, err := r.identityFor(token); !err.OK() {
		return Result{Err: err}
	}
	r.mu.Lock()
	r.lastAccess = time.Now()
	storeErr := r.storage.SetMetadata(metadata)
	md := r.storage.Metadata()
	r.mu.Unlock()
	if storeErr != nil {
		return Result{Err: errcode.StorageError}
	}
	r.notify(origin, func(l Listener) { l.MetadataChanged(md) })
	return Result{Data: md}
}
